package lifecycle

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/eventbus"
	"wagate/internal/protocol"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

// Disconnect logs the account out, deletes its credentials and stops any
// further reconnects.
func (c *Controller) Disconnect(ctx context.Context, accountID string) error {
	c.mu.Lock()
	c.disconnects[accountID]++
	c.mu.Unlock()

	if s, ok := c.reg.Get(accountID); ok {
		s.Lock()
		s.TornDown = true
		s.Timers.StopAll()
		s.Status = storage.StatusDisconnected
		conn := s.Conn
		s.Conn = nil
		s.Unlock()

		if conn != nil {
			lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := conn.Logout(lctx); err != nil {
				c.log.Warn("protocol logout failed", logx.Account(accountID), logx.Err(err))
			}
			cancel()
			conn.End(errDisconnect)
		}
		c.reg.Delete(accountID, s)
	}
	c.endInflight(accountID)

	err := c.creds.Wipe(ctx, accountID)
	if err != nil {
		c.log.Error("credential wipe failed", logx.Account(accountID), logx.Err(err))
	}
	if rerr := c.locks.Release(ctx, accountID); rerr != nil {
		c.log.Warn("lease release failed", logx.Account(accountID), logx.Err(rerr))
	}
	c.persistDisconnected(accountID, false)
	c.record(accountID, "disconnected", "requested")
	c.publish(eventbus.SessionDisconnected, eventbus.SessionEvent{AccountID: accountID, Status: string(storage.StatusDisconnected), Reason: "requested"})
	c.log.Info("disconnected on request", logx.Account(accountID))
	return err
}

// Status is the externally reported state of one account.
type Status struct {
	AccountID   string         `json:"account_id"`
	Status      storage.Status `json:"status"`
	QR          string         `json:"qr,omitempty"`
	QRAttempt   int            `json:"qr_attempt,omitempty"`
	QRExpiresAt time.Time      `json:"qr_expires_at,omitempty"`
	Live        bool           `json:"live"`
}

// Status reports the in-memory state when this instance holds a session,
// else the persisted one. A persisted connected account without a session
// but with credentials is woken up in the background.
func (c *Controller) Status(ctx context.Context, accountID string) (Status, error) {
	if s, ok := c.reg.Get(accountID); ok {
		in := s.Info()
		return Status{
			AccountID:   accountID,
			Status:      in.Status,
			QR:          in.QR,
			QRAttempt:   in.QRAttempt,
			QRExpiresAt: in.QRExpiry,
			Live:        true,
		}, nil
	}

	gen := c.disconnectGen(accountID)
	out := Status{AccountID: accountID, Status: storage.StatusDisconnected}
	acct, err := c.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Status = acct.Status
	if acct.Status == storage.StatusQRExpired {
		out.QRAttempt = acct.QRAttempt
	}
	wake, err := c.wakeable(ctx, accountID, acct)
	if err != nil || !wake {
		return out, err
	}
	c.wake(accountID, gen)
	out.Status = storage.StatusInitializing
	return out, nil
}

// wakeable reports whether an account without a session may be connected
// in the background: it was connected when last seen and still has
// credentials. Disconnected and qr_expired accounts stay down.
func (c *Controller) wakeable(ctx context.Context, accountID string, acct storage.Account) (bool, error) {
	if acct.Status != storage.StatusConnected || c.closing.Load() {
		return false, nil
	}
	return c.creds.HasCredentials(ctx, accountID)
}

// wake connects in the background unless a Disconnect lands after gen.
func (c *Controller) wake(accountID string, gen uint64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.InitTimeout)
		defer cancel()
		if err := c.connect(ctx, accountID, gen); err != nil && !errors.Is(err, ErrShuttingDown) {
			c.log.Debug("background connect failed", logx.Account(accountID), logx.Err(err))
		}
	}()
}

// EnsureReady returns an open connection for the account and waits up to
// wait (ReadyWait when zero). Without a session it wakes the account only
// when Status would; anything else fails with ErrNotReady at once.
func (c *Controller) EnsureReady(ctx context.Context, accountID string, wait time.Duration) (protocol.Conn, error) {
	if wait <= 0 {
		wait = c.cfg.ReadyWait
	}
	if conn := c.ready(accountID); conn != nil {
		return conn, nil
	}
	if _, ok := c.reg.Get(accountID); !ok {
		gen := c.disconnectGen(accountID)
		acct, err := c.store.GetAccount(ctx, accountID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotReady
		}
		if err != nil {
			return nil, err
		}
		wake, err := c.wakeable(ctx, accountID, acct)
		if err != nil {
			return nil, err
		}
		if !wake {
			return nil, ErrNotReady
		}
		c.wake(accountID, gen)
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return nil, ErrNotReady
		case <-tick.C:
			if conn := c.ready(accountID); conn != nil {
				return conn, nil
			}
		}
	}
}

func (c *Controller) ready(accountID string) protocol.Conn {
	s, ok := c.reg.Get(accountID)
	if !ok {
		return nil
	}
	s.Lock()
	defer s.Unlock()
	if s.TornDown || s.Conn == nil || s.Status != storage.StatusConnected {
		return nil
	}
	return s.Conn
}

// Evict ends an idle connected session without logging out. Credentials and
// the persisted status are kept so a later status query can wake it. When
// idleBefore is non-zero the session is only evicted if its last activity is
// older.
func (c *Controller) Evict(accountID string, idleBefore time.Time) bool {
	s, ok := c.reg.Get(accountID)
	if !ok {
		return false
	}
	s.Lock()
	if s.TornDown || s.Status != storage.StatusConnected ||
		(!idleBefore.IsZero() && !s.LastActivity.Before(idleBefore)) {
		s.Unlock()
		return false
	}
	s.TornDown = true
	s.Timers.StopAll()
	conn := s.Conn
	s.Conn = nil
	idle := c.cfg.Now().Sub(s.LastActivity)
	s.Unlock()

	if conn != nil {
		conn.End(errEvicted)
	}
	c.reg.Delete(accountID, s)
	c.release(s)
	c.publish(eventbus.SessionEvicted, eventbus.SessionEvent{AccountID: accountID, Reason: "idle"})
	c.log.Info("evicted idle session", logx.Account(accountID), logx.Duration("idle", idle))
	return true
}

// RestoreAll reconnects every account that wants a connection and has
// credentials, one every RestoreStagger.
func (c *Controller) RestoreAll(ctx context.Context) (int, error) {
	accts, err := c.store.ListRestorable(ctx)
	if err != nil {
		return 0, err
	}
	lim := rate.NewLimiter(rate.Every(c.cfg.RestoreStagger), 1)
	n := 0
	for _, a := range accts {
		gen := c.disconnectGen(a.ID)
		has, err := c.creds.HasCredentials(ctx, a.ID)
		if err != nil {
			c.log.Warn("restore: credential check failed", logx.Account(a.ID), logx.Err(err))
			continue
		}
		if !has {
			continue
		}
		if err := lim.Wait(ctx); err != nil {
			return n, err
		}
		if c.closing.Load() {
			return n, ErrShuttingDown
		}
		c.wake(a.ID, gen)
		n++
	}
	c.log.Info("restore scheduled", logx.Int("accounts", n), logx.Int("candidates", len(accts)))
	return n, nil
}

// Shutdown ends every transport without logging out and releases leases.
// Persisted status is left alone so the next start restores the sessions.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.closing.Store(true)
	for _, in := range c.reg.Snapshot() {
		s, ok := c.reg.Get(in.AccountID)
		if !ok {
			continue
		}
		s.Lock()
		s.TornDown = true
		s.Timers.StopAll()
		conn := s.Conn
		s.Conn = nil
		s.Unlock()
		if conn != nil {
			conn.End(errShutdown)
		}
		c.reg.Delete(in.AccountID, s)
		if err := c.locks.Release(ctx, in.AccountID); err != nil {
			c.log.Warn("lease release failed", logx.Account(in.AccountID), logx.Err(err))
		}
		if err := c.creds.Flush(ctx, in.AccountID); err != nil {
			c.log.Warn("credential flush failed", logx.Account(in.AccountID), logx.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions lists this instance's live sessions.
func (c *Controller) Sessions() []session.Info { return c.reg.Snapshot() }
