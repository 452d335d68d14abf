// Package session holds live per-account session handles and the registry
// that maps account ids to them.
//
// A Session is owned by the lifecycle controller. All fields are guarded by
// the embedded mutex; callers lock, re-check state, act, unlock.
package session

import (
	"sync"
	"time"

	"wagate/internal/protocol"
	"wagate/internal/storage"
)

type Session struct {
	sync.Mutex

	AccountID string

	Conn       protocol.Conn
	Connecting bool // a dial is in progress for this handle
	Status     storage.Status

	ReconnectAttempts int
	Instability       int

	QR           string
	QRExpiry     time.Time
	QRAttempt    int
	QRRefreshing bool // the next close is a forced QR refresh

	LastActivity time.Time
	TornDown     bool // intentional teardown; no close handling or retry

	Timers Timers
}

func New(accountID string, now time.Time) *Session {
	return &Session{
		AccountID:    accountID,
		Status:       storage.StatusInitializing,
		LastActivity: now,
	}
}

// Live reports whether the handle still represents a wanted connection.
// Call with the lock held.
func (s *Session) Live() bool { return !s.TornDown }

// Info is a point-in-time copy of a session's state.
type Info struct {
	AccountID         string         `json:"account_id"`
	Status            storage.Status `json:"status"`
	QR                string         `json:"qr,omitempty"`
	QRAttempt         int            `json:"qr_attempt,omitempty"`
	QRExpiry          time.Time      `json:"qr_expires_at,omitempty"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	Instability       int            `json:"instability"`
	LastActivity      time.Time      `json:"last_activity"`
	Open              bool           `json:"open"`
}

func (s *Session) Info() Info {
	s.Lock()
	defer s.Unlock()
	return s.info()
}

func (s *Session) info() Info {
	in := Info{
		AccountID:         s.AccountID,
		Status:            s.Status,
		ReconnectAttempts: s.ReconnectAttempts,
		Instability:       s.Instability,
		LastActivity:      s.LastActivity,
		Open:              s.Conn != nil && s.Status == storage.StatusConnected,
	}
	if s.Status == storage.StatusQRPending {
		in.QR = s.QR
		in.QRAttempt = s.QRAttempt
		in.QRExpiry = s.QRExpiry
	}
	return in
}

// Timers are named one-shot timers owned by a session. Guarded by the
// session lock.
type Timers struct {
	m map[string]*time.Timer
}

const (
	TimerInit      = "init"
	TimerQR        = "qr"
	TimerStable    = "stable"
	TimerReconnect = "reconnect"
	TimerPresence  = "presence"
)

// Arm (re)starts the named timer; a pending one with the same name is
// cancelled first.
func (t *Timers) Arm(name string, d time.Duration, fn func()) {
	if t.m == nil {
		t.m = map[string]*time.Timer{}
	}
	if old := t.m[name]; old != nil {
		old.Stop()
	}
	t.m[name] = time.AfterFunc(d, fn)
}

func (t *Timers) Stop(name string) {
	if old := t.m[name]; old != nil {
		old.Stop()
		delete(t.m, name)
	}
}

func (t *Timers) StopAll() {
	for name, tm := range t.m {
		tm.Stop()
		delete(t.m, name)
	}
}

// Pending reports whether the named timer is armed.
func (t *Timers) Pending(name string) bool {
	_, ok := t.m[name]
	return ok
}
