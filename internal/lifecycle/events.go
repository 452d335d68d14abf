package lifecycle

import (
	"context"
	"strconv"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/protocol"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

// current reports whether conn is still the handle's connection and the
// handle is wanted. Call with the lock held.
func current(s *session.Session, conn protocol.Conn) bool {
	return !s.TornDown && s.Conn == conn
}

func (c *Controller) onInitTimeout(s *session.Session, conn protocol.Conn) {
	s.Lock()
	// QR and open stop the watchdog; a pending entry means neither came.
	stuck := current(s, conn) && s.Status != storage.StatusConnected && s.Timers.Pending(session.TimerInit)
	s.Timers.Stop(session.TimerInit)
	s.Unlock()
	if !stuck {
		return
	}
	c.log.Warn("no qr or open before init timeout, closing transport",
		logx.Account(s.AccountID), logx.Duration("timeout", c.cfg.InitTimeout))
	conn.End(errInitTimeout)
}

func (c *Controller) onQR(s *session.Session, conn protocol.Conn, code string) {
	s.Lock()
	defer s.Unlock()
	if !current(s, conn) {
		return
	}
	s.Timers.Stop(session.TimerInit)
	s.QRAttempt++
	attempt := s.QRAttempt
	if attempt > c.cfg.QRMaxAttempts {
		c.expireQR(s, conn)
		return
	}
	now := c.cfg.Now()
	s.Status = storage.StatusQRPending
	s.QR = code
	s.QRExpiry = now.Add(c.cfg.QRTimeout)
	s.LastActivity = now
	s.Timers.Arm(session.TimerQR, c.cfg.QRTimeout, func() { c.onQRTimeout(s, conn, attempt) })

	st := storage.StatusQRPending
	c.patch(s.AccountID, storage.AccountPatch{Status: &st, QRAttempt: &attempt})
	c.publish(eventbus.SessionQR, eventbus.SessionEvent{AccountID: s.AccountID, Status: string(st), Attempt: attempt})
	c.log.Info("qr issued", logx.Account(s.AccountID), logx.Int("attempt", attempt))
}

// onQRTimeout either forces a fresh QR by closing the transport or, on the
// final attempt, expires the session.
func (c *Controller) onQRTimeout(s *session.Session, conn protocol.Conn, attempt int) {
	s.Lock()
	if !current(s, conn) || s.Status != storage.StatusQRPending || s.QRAttempt != attempt {
		s.Unlock()
		return
	}
	if attempt >= c.cfg.QRMaxAttempts {
		c.expireQR(s, conn)
		s.Unlock()
		return
	}
	s.QRRefreshing = true
	s.Unlock()
	c.log.Debug("qr timed out, refreshing", logx.Account(s.AccountID), logx.Int("attempt", attempt))
	conn.End(errQRRefresh)
}

// expireQR tears the session down into qr_expired. Call with the lock held.
func (c *Controller) expireQR(s *session.Session, conn protocol.Conn) {
	s.TornDown = true
	s.Timers.StopAll()
	s.Status = storage.StatusQRExpired
	s.Conn = nil
	s.QR = ""
	conn.End(errQRExpired)

	c.reg.Delete(s.AccountID, s)
	// Not desired any more: a restart must not start pairing again.
	st, attempt, desired := storage.StatusQRExpired, s.QRAttempt, false
	c.patch(s.AccountID, storage.AccountPatch{Desired: &desired, Status: &st, QRAttempt: &attempt})
	c.record(s.AccountID, "qr_expired", "attempts="+strconv.Itoa(attempt))
	c.release(s)
	c.publish(eventbus.SessionQRExpired, eventbus.SessionEvent{AccountID: s.AccountID, Status: string(st), Attempt: attempt})
	c.log.Warn("qr expired", logx.Account(s.AccountID), logx.Int("attempts", attempt))
}

func (c *Controller) onOpen(s *session.Session, conn protocol.Conn) {
	s.Lock()
	defer s.Unlock()
	if !current(s, conn) {
		return
	}
	s.Timers.Stop(session.TimerInit)
	s.Timers.Stop(session.TimerQR)
	s.Status = storage.StatusConnected
	s.QR = ""
	s.QRAttempt = 0
	s.QRExpiry = time.Time{}
	s.QRRefreshing = false
	s.LastActivity = c.cfg.Now()
	s.Timers.Arm(session.TimerStable, c.cfg.StableAfter, func() { c.onStable(s, conn) })
	if c.cfg.PresenceInterval > 0 {
		s.Timers.Arm(session.TimerPresence, c.cfg.PresenceInterval, func() { c.onPresence(s, conn) })
	}

	st, zero := storage.StatusConnected, 0
	c.patch(s.AccountID, storage.AccountPatch{Status: &st, QRAttempt: &zero})
	c.record(s.AccountID, "connected", "")
	c.publish(eventbus.SessionConnected, eventbus.SessionEvent{AccountID: s.AccountID, Status: string(st)})
	c.log.Info("connected", logx.Account(s.AccountID))
}

// onStable resets the failure counters once a connection has stayed up.
func (c *Controller) onStable(s *session.Session, conn protocol.Conn) {
	s.Lock()
	defer s.Unlock()
	if !current(s, conn) || s.Status != storage.StatusConnected {
		return
	}
	s.ReconnectAttempts = 0
	s.Instability = 0
	zero := 0
	c.patch(s.AccountID, storage.AccountPatch{ReconnectAttempts: &zero})
	c.log.Debug("connection stable", logx.Account(s.AccountID))
}

func (c *Controller) onPresence(s *session.Session, conn protocol.Conn) {
	s.Lock()
	ok := current(s, conn) && s.Status == storage.StatusConnected
	s.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := conn.SendPresence(ctx)
	cancel()
	if err != nil {
		c.log.Debug("presence failed", logx.Account(s.AccountID), logx.Err(err))
	}

	s.Lock()
	if current(s, conn) && s.Status == storage.StatusConnected {
		s.Timers.Arm(session.TimerPresence, c.cfg.PresenceInterval, func() { c.onPresence(s, conn) })
	}
	s.Unlock()
}

func (c *Controller) onClose(s *session.Session, conn protocol.Conn, code int, reason string) {
	s.Lock()
	defer s.Unlock()
	if s.Conn != conn {
		return
	}
	s.Conn = nil
	s.Timers.StopAll()
	if s.TornDown {
		return
	}
	log := c.log.With(logx.Account(s.AccountID), logx.Int("code", code), logx.String("reason", reason))

	if s.QRRefreshing {
		s.QRRefreshing = false
		s.Connecting = true
		log.Debug("reopening for a fresh qr")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = c.open(s)
		}()
		return
	}

	switch c.classify(code) {
	case closeLoggedOut:
		s.TornDown = true
		s.Status = storage.StatusDisconnected
		c.reg.Delete(s.AccountID, s)
		c.wipe(s.AccountID)
		c.persistDisconnected(s.AccountID, false)
		c.record(s.AccountID, "logged_out", reason)
		c.release(s)
		c.publish(eventbus.SessionLoggedOut, eventbus.SessionEvent{AccountID: s.AccountID, Code: code, Reason: reason})
		log.Warn("logged out by the protocol, credentials wiped")

	case closeConflict:
		// Another instance owns the account now; leave its lease alone.
		s.TornDown = true
		s.Status = storage.StatusDisconnected
		c.reg.Delete(s.AccountID, s)
		c.noteConflict(s.AccountID)
		c.record(s.AccountID, "conflict", reason)
		c.publish(eventbus.SessionConflict, eventbus.SessionEvent{AccountID: s.AccountID, Code: code, Reason: reason})
		log.Warn("connection replaced elsewhere, stopping locally")

	default:
		c.failure(s, code, reason, true)
	}
}

// failure handles an ordinary close or dial error. Call with the lock held.
// Only closes of an established transport count towards instability.
func (c *Controller) failure(s *session.Session, code int, reason string, unstable bool) {
	log := c.log.With(logx.Account(s.AccountID), logx.Int("code", code), logx.String("reason", reason))
	s.Conn = nil
	s.Timers.StopAll()
	if unstable {
		s.Instability++
	}

	if s.Instability >= c.cfg.InstabilityMax {
		s.TornDown = true
		s.Status = storage.StatusDisconnected
		c.reg.Delete(s.AccountID, s)
		c.wipe(s.AccountID)
		c.persistDisconnected(s.AccountID, false)
		c.record(s.AccountID, "death_loop", "instability="+strconv.Itoa(s.Instability))
		c.release(s)
		c.publish(eventbus.SessionDeathLoop, eventbus.SessionEvent{AccountID: s.AccountID, Code: code, Reason: reason, Attempt: s.Instability})
		log.Error("death loop detected, session and credentials wiped", logx.Int("instability", s.Instability))
		return
	}

	s.ReconnectAttempts++
	attempts := s.ReconnectAttempts
	if attempts >= c.cfg.ReconnectMax {
		s.TornDown = true
		s.Status = storage.StatusDisconnected
		c.reg.Delete(s.AccountID, s)
		st, zero := storage.StatusDisconnected, 0
		c.patch(s.AccountID, storage.AccountPatch{Status: &st, ReconnectAttempts: &zero})
		c.record(s.AccountID, "gave_up", "attempts="+strconv.Itoa(attempts))
		c.release(s)
		c.publish(eventbus.SessionGaveUp, eventbus.SessionEvent{AccountID: s.AccountID, Code: code, Reason: reason, Attempt: attempts})
		log.Error("giving up after reconnect attempts", logx.Int("attempts", attempts))
		return
	}

	s.Status = storage.StatusDisconnected
	st := storage.StatusDisconnected
	c.patch(s.AccountID, storage.AccountPatch{Status: &st, ReconnectAttempts: &attempts})
	c.record(s.AccountID, "disconnected", reason)
	c.publish(eventbus.SessionDisconnected, eventbus.SessionEvent{AccountID: s.AccountID, Code: code, Reason: reason, Attempt: attempts})

	delay := c.Backoff(attempts, c.recentConflict(s.AccountID))
	s.Timers.Arm(session.TimerReconnect, delay, func() { c.onReconnect(s) })
	log.Info("connection lost, reconnect scheduled",
		logx.Int("attempt", attempts), logx.Int("instability", s.Instability), logx.Duration("delay", delay))
}

func (c *Controller) persistDisconnected(id string, desired bool) {
	st, zero := storage.StatusDisconnected, 0
	c.patch(id, storage.AccountPatch{Desired: &desired, Status: &st, QRAttempt: &zero, ReconnectAttempts: &zero})
}

func (c *Controller) onReconnect(s *session.Session) {
	if c.closing.Load() {
		return
	}
	if cur, ok := c.reg.Get(s.AccountID); !ok || cur != s {
		return
	}
	s.Lock()
	if s.TornDown || s.Conn != nil || s.Connecting {
		s.Unlock()
		return
	}
	s.Connecting = true
	s.Status = storage.StatusInitializing
	s.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	won, err := c.locks.Acquire(ctx, s.AccountID)
	cancel()
	if err != nil {
		// Store unreachable: retry like any other failed attempt.
		s.Lock()
		s.Connecting = false
		if !s.TornDown {
			c.log.Warn("lease check failed before reconnect", logx.Account(s.AccountID), logx.Err(err))
			c.failure(s, 0, err.Error(), false)
		}
		s.Unlock()
		return
	}
	if !won {
		s.Lock()
		s.Connecting = false
		s.TornDown = true
		s.Status = storage.StatusDisconnected
		s.Timers.StopAll()
		c.reg.Delete(s.AccountID, s)
		s.Unlock()
		c.log.Warn("reconnect abandoned", logx.Account(s.AccountID), logx.Err(errLockLost))
		return
	}
	c.log.Info("reconnecting", logx.Account(s.AccountID))
	_ = c.open(s)
}

func (c *Controller) noteConflict(id string) {
	c.mu.Lock()
	c.conflicts[id] = c.cfg.Now()
	c.mu.Unlock()
}

func (c *Controller) recentConflict(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.conflicts[id]
	if !ok {
		return false
	}
	if c.cfg.Now().Sub(t) > c.locks.Grace() {
		delete(c.conflicts, id)
		return false
	}
	return true
}

// Backoff is min(2^min(attempts,6) * base, max) plus jitter in
// [0, BackoffJitter]. The base is ConflictBackoff after a recent conflict.
func (c *Controller) Backoff(attempts int, conflict bool) time.Duration {
	base := c.cfg.BackoffBase
	if conflict {
		base = c.cfg.ConflictBackoff
	}
	exp := min(max(attempts, 0), 6)
	d := base * time.Duration(1<<exp)
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	if c.cfg.BackoffJitter > 0 {
		d += time.Duration(c.cfg.Rand() * float64(c.cfg.BackoffJitter))
	}
	return d
}
