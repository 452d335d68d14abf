// Package lock implements per-account leases shared by every gateway
// instance.
//
// A lease is won by a conditional update (free, already ours, or stale past
// the grace window) followed by a read-back. Lease loss is not detected
// here; it surfaces as a protocol conflict close on the losing instance.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"wagate/internal/metrics"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

type Config struct {
	InstanceID string        // default hostname-<uuid8>
	Grace      time.Duration // default 120s
	Heartbeat  time.Duration // default 5s
	Now        func() time.Time
	Metrics    *metrics.Metrics
}

type Manager struct {
	leases storage.Leases
	cfg    Config
	log    logx.Logger
}

func New(leases storage.Leases, cfg Config, log logx.Logger) *Manager {
	if cfg.InstanceID == "" {
		cfg.InstanceID = NewInstanceID()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 120 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		leases: leases,
		cfg:    cfg,
		log:    log.Category("lock").With(logx.String("instance", cfg.InstanceID)),
	}
}

func NewInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "wagate"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (m *Manager) InstanceID() string { return m.cfg.InstanceID }

// Grace is how long a lease stays valid after its last heartbeat.
func (m *Manager) Grace() time.Duration { return m.cfg.Grace }

// Acquire reports whether this instance holds the lease after the attempt.
func (m *Manager) Acquire(ctx context.Context, accountID string) (bool, error) {
	if err := m.leases.AcquireLease(ctx, accountID, m.cfg.InstanceID, m.cfg.Now(), m.cfg.Grace); err != nil {
		m.cfg.Metrics.LockAcquire("error")
		return false, fmt.Errorf("acquire lease %s: %w", accountID, err)
	}
	l, err := m.leases.GetLease(ctx, accountID)
	if err != nil {
		m.cfg.Metrics.LockAcquire("error")
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read back lease %s: %w", accountID, err)
	}
	if l.Owner != m.cfg.InstanceID {
		m.cfg.Metrics.LockAcquire("lost")
		m.log.Debug("lease held elsewhere", logx.Account(accountID), logx.String("owner", l.Owner),
			logx.Time("heartbeat", l.Heartbeat))
		return false, nil
	}
	m.cfg.Metrics.LockAcquire("won")
	return true, nil
}

// Release clears the lease if this instance owns it.
func (m *Manager) Release(ctx context.Context, accountID string) error {
	if err := m.leases.ReleaseLease(ctx, accountID, m.cfg.InstanceID); err != nil {
		return fmt.Errorf("release lease %s: %w", accountID, err)
	}
	return nil
}

func (m *Manager) Lease(ctx context.Context, accountID string) (storage.Lease, error) {
	return m.leases.GetLease(ctx, accountID)
}

// Beat refreshes the heartbeat of leases this instance still owns.
func (m *Manager) Beat(ctx context.Context, accountIDs []string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	return m.leases.HeartbeatLeases(ctx, m.cfg.InstanceID, accountIDs, m.cfg.Now())
}

// Run heartbeats the accounts returned by held until ctx is done.
func (m *Manager) Run(ctx context.Context, held func() []string) error {
	t := time.NewTicker(m.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			ids := held()
			bctx, cancel := context.WithTimeout(ctx, m.cfg.Heartbeat)
			err := m.Beat(bctx, ids)
			cancel()
			if err != nil && ctx.Err() == nil {
				m.log.Warn("lease heartbeat failed", logx.Int("accounts", len(ids)), logx.Err(err))
			}
		}
	}
}
