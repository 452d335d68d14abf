// Package reaper runs the periodic sweeps that free memory held by idle
// accounts: credential caches and idle connected sessions.
package reaper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wagate/internal/metrics"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

type Config struct {
	CacheSweep    string // default "@every 1h"
	CacheIdle     time.Duration
	SessionSweeps []string // default "@every 30s", "@every 5m"
	SessionIdle   time.Duration
	Timezone      string // IANA TZ, empty means local
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.CacheSweep) == "" {
		c.CacheSweep = "@every 1h"
	}
	if c.CacheIdle <= 0 {
		c.CacheIdle = 2 * time.Hour
	}
	if len(c.SessionSweeps) == 0 {
		c.SessionSweeps = []string{"@every 30s", "@every 5m"}
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = 60 * time.Minute
	}
	return c
}

// Caches is the credential cache the reaper trims.
type Caches interface {
	SweepIdle(idle time.Duration) int
	Cached() int
}

// Sessions lists and evicts live sessions.
type Sessions interface {
	Sessions() []session.Info
	Evict(accountID string, idleBefore time.Time) bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	now func() time.Time

	caches   Caches
	sessions Sessions
	metrics  *metrics.Metrics

	parser  cron.Parser
	c       *cron.Cron
	running bool
}

func New(cfg Config, caches Caches, sessions Sessions, m *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.Category("reaper"),
		now:      time.Now,
		caches:   caches,
		sessions: sessions,
		metrics:  m,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the sweeps. It returns an error when a spec does not parse.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	c, err := s.buildLocked()
	if err != nil {
		return err
	}
	s.c = c
	s.c.Start()
	s.running = true
	s.log.Info("reaper started",
		logx.String("cache_sweep", s.cfg.CacheSweep),
		logx.Any("session_sweeps", s.cfg.SessionSweeps),
		logx.String("tz", s.location().String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the configuration and reschedules when running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg.withDefaults()
	if !s.running {
		return nil
	}
	c, err := s.buildLocked()
	if err != nil {
		s.cfg = prev
		return err
	}
	old := s.c
	s.c = c
	s.c.Start()
	if old != nil {
		old.Stop()
	}
	return nil
}

func (s *Service) buildLocked() (*cron.Cron, error) {
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.CacheSweep, func() { s.SweepCaches() }); err != nil {
		return nil, fmt.Errorf("reaper: cache sweep %q: %w", s.cfg.CacheSweep, err)
	}
	for _, spec := range s.cfg.SessionSweeps {
		if _, err := c.AddFunc(spec, func() { s.SweepSessions() }); err != nil {
			return nil, fmt.Errorf("reaper: session sweep %q: %w", spec, err)
		}
	}
	return c, nil
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SweepCaches drops credential caches idle longer than CacheIdle.
func (s *Service) SweepCaches() int {
	if s.caches == nil {
		return 0
	}
	n := s.caches.SweepIdle(s.config().CacheIdle)
	s.metrics.Evicted("cache", n)
	s.metrics.SetCachedAccounts(s.caches.Cached())
	if n > 0 {
		s.log.Info("credential caches evicted", logx.Int("accounts", n))
	}
	return n
}

// SweepSessions evicts connected sessions with no activity in SessionIdle.
func (s *Service) SweepSessions() int {
	if s.sessions == nil {
		return 0
	}
	cutoff := s.now().Add(-s.config().SessionIdle)
	n := 0
	for _, in := range s.sessions.Sessions() {
		if in.Status != storage.StatusConnected || !in.LastActivity.Before(cutoff) {
			continue
		}
		// Evict re-checks under the session lock.
		if s.sessions.Evict(in.AccountID, cutoff) {
			n++
		}
	}
	s.metrics.Evicted("session", n)
	if n > 0 {
		s.log.Info("idle sessions evicted", logx.Int("sessions", n))
	}
	return n
}
