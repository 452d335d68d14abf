// Package delivery drains the job queue and sends each message through the
// account's live session, pacing every slot independently.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/metrics"
	"wagate/internal/protocol"
	"wagate/internal/queue"
	rtsup "wagate/internal/runtime/supervisor"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

var ErrNotReady = errors.New("session not ready")

type Config struct {
	Slots        int           // default 4
	PausedDelay  time.Duration // default 30s
	PaceMin      time.Duration // default 2s
	PaceMax      time.Duration // default 5s
	MediaRoot    string
	PollInterval time.Duration // default 1s
	SendTimeout  time.Duration // default 30s
	ReadyWait    time.Duration // default 15s
	Visibility   time.Duration // default 2m
	// Consumer prefixes the per-slot queue consumer names.
	Consumer string

	Now  func() time.Time
	Rand func() float64
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.PausedDelay <= 0 {
		c.PausedDelay = 30 * time.Second
	}
	if c.PaceMin <= 0 && c.PaceMax <= 0 {
		c.PaceMin, c.PaceMax = 2*time.Second, 5*time.Second
	}
	if c.PaceMax < c.PaceMin {
		c.PaceMax = c.PaceMin
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ReadyWait <= 0 {
		c.ReadyWait = 15 * time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.Consumer == "" {
		c.Consumer = "delivery"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// Sessions resolves a ready connection for an account.
type Sessions interface {
	EnsureReady(ctx context.Context, accountID string, wait time.Duration) (protocol.Conn, error)
	Touch(accountID string)
}

// Store is the slice of the document store the worker writes to.
type Store interface {
	storage.Messages
	GetCampaign(ctx context.Context, id string) (storage.Campaign, error)
	IncCampaign(ctx context.Context, id string, sent, failed int) error
	AddCredits(ctx context.Context, id string, delta int64) error
}

type Deps struct {
	Queue    queue.Queue
	Store    Store
	Sessions Sessions
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	q        queue.Queue
	store    Store
	sessions Sessions
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger

	sup *rtsup.Supervisor
}

func New(cfg Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		q:        d.Queue,
		store:    d.Store,
		sessions: d.Sessions,
		bus:      bus,
		metrics:  d.Metrics,
		log:      log.Category("delivery"),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply updates pacing and timing. A slot count change takes effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cfg.withDefaults()
	next.Consumer = s.cfg.Consumer
	next.Now, next.Rand = s.cfg.Now, s.cfg.Rand
	s.cfg = next
}

// Start launches one goroutine per slot. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	for i := range s.cfg.Slots {
		name := fmt.Sprintf("%s/slot-%d", s.cfg.Consumer, i)
		s.sup.GoRestart(name, func(ctx context.Context) error {
			s.slot(ctx, name)
			return nil
		})
	}
	s.log.Info("delivery started", logx.Int("slots", s.cfg.Slots))
}

// Stop waits for in-flight sends to finish or ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) slot(ctx context.Context, consumer string) {
	for ctx.Err() == nil {
		cfg := s.config()
		qj, ok, err := s.q.Claim(ctx, consumer, cfg.Visibility)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("claim failed", logx.String("consumer", consumer), logx.Err(err))
		}
		if err != nil || !ok {
			sleep(ctx, cfg.PollInterval)
			continue
		}
		if lo, hi, dispatched := s.Process(ctx, consumer, qj); dispatched {
			sleep(ctx, pace(lo, hi, cfg.Rand))
		}
	}
}

// Process handles one claimed job. dispatched is false when nothing was
// attempted (bad payload, paused campaign); otherwise lo and hi are the
// pacing bounds to wait before the next claim.
func (s *Service) Process(ctx context.Context, consumer string, qj queue.Job) (lo, hi time.Duration, dispatched bool) {
	cfg := s.config()
	j, err := decodeJob(qj.Payload)
	if err != nil {
		s.log.Warn("dropping malformed job", logx.String("job", qj.ID), logx.Err(err))
		if j.MessageID != "" {
			s.markFailed(ctx, j.MessageID, err)
		}
		s.fail(ctx, consumer, qj, j, queue.NoRetry(err))
		return 0, 0, false
	}
	log := s.log.With(logx.Account(j.AccountID), logx.String("message", j.MessageID), logx.String("job", qj.ID))

	if j.CampaignID != "" {
		camp, err := s.store.GetCampaign(ctx, j.CampaignID)
		switch {
		case err == nil && camp.Status == storage.CampaignPaused:
			if err := s.q.Reschedule(ctx, qj.ID, consumer, cfg.PausedDelay); err != nil {
				log.Warn("reschedule paused job failed", logx.Err(err))
			} else {
				log.Debug("campaign paused, job rescheduled", logx.String("campaign", j.CampaignID))
			}
			return 0, 0, false
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			log.Warn("campaign lookup failed", logx.Err(err))
			s.fail(ctx, consumer, qj, j, err)
			return 0, 0, false
		}
	}

	lo, hi = j.Pace(cfg.PaceMin, cfg.PaceMax)

	conn, err := s.sessions.EnsureReady(ctx, j.AccountID, cfg.ReadyWait)
	if err != nil {
		if ctx.Err() != nil {
			return lo, hi, true
		}
		log.Info("session not ready", logx.Err(err))
		s.fail(ctx, consumer, qj, j, ErrNotReady)
		return lo, hi, true
	}

	payload, err := resolveMedia(cfg.MediaRoot, j.Media)
	if err != nil {
		s.fail(ctx, consumer, qj, j, queue.NoRetry(err))
		return lo, hi, true
	}
	payload.Text = Render(j.Body, j.Variables)

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	start := cfg.Now()
	wid, err := conn.Send(sctx, j.Recipient, payload)
	cancel()
	s.metrics.ObserveSend(cfg.Now().Sub(start))
	if err != nil {
		log.Warn("send failed", logx.Int("attempt", qj.Attempts), logx.Err(err))
		s.fail(ctx, consumer, qj, j, err)
		return lo, hi, true
	}
	s.sessions.Touch(j.AccountID)
	s.sent(ctx, consumer, qj, j, wid)
	return lo, hi, true
}

func (s *Service) sent(ctx context.Context, consumer string, qj queue.Job, j Job, wid string) {
	log := s.log.With(logx.Account(j.AccountID), logx.String("message", j.MessageID))
	changed, err := s.store.MarkMessageSent(ctx, j.MessageID, s.config().Now())
	if err != nil {
		log.Error("mark message sent failed", logx.Err(err))
	}
	if changed {
		if err := s.store.AddCredits(ctx, j.AccountID, -1); err != nil {
			log.Error("credit decrement failed", logx.Err(err))
		}
		if j.CampaignID != "" {
			if err := s.store.IncCampaign(ctx, j.CampaignID, 1, 0); err != nil {
				log.Error("campaign sent count failed", logx.Err(err))
			}
		}
	}
	if err := s.q.Complete(ctx, qj.ID, consumer); err != nil {
		log.Warn("complete job failed", logx.Err(err))
	}
	s.metrics.Delivery("sent")
	s.bus.Publish(eventbus.Event{Type: eventbus.DeliverySent, Time: s.config().Now(), Data: eventbus.DeliveryEvent{
		AccountID: j.AccountID, MessageID: j.MessageID, CampaignID: j.CampaignID, Attempt: qj.Attempts,
	}})
	log.Info("message sent", logx.String("wamid", wid), logx.Bool("first", changed))
}

func (s *Service) fail(ctx context.Context, consumer string, qj queue.Job, j Job, cause error) {
	if j.MessageID != "" && !errors.Is(cause, ErrInvalidJob) {
		s.markFailed(ctx, j.MessageID, cause)
	}
	dead, err := s.q.Fail(ctx, qj.ID, consumer, cause)
	if err != nil {
		s.log.Warn("fail job failed", logx.String("job", qj.ID), logx.Err(err))
		return
	}
	result := "retry"
	if dead {
		result = "dead"
		if j.CampaignID != "" {
			if err := s.store.IncCampaign(ctx, j.CampaignID, 0, 1); err != nil {
				s.log.Error("campaign failed count failed", logx.String("campaign", j.CampaignID), logx.Err(err))
			}
		}
	}
	s.metrics.Delivery(result)
	s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Time: s.config().Now(), Data: eventbus.DeliveryEvent{
		AccountID: j.AccountID, MessageID: j.MessageID, CampaignID: j.CampaignID, Attempt: qj.Attempts, Error: cause.Error(),
	}})
}

func (s *Service) markFailed(ctx context.Context, id string, cause error) {
	if err := s.store.MarkMessageFailed(ctx, id, cause.Error()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("mark message failed", logx.String("message", id), logx.Err(err))
	}
}

// pace draws uniformly from the closed interval [lo, hi].
func pace(lo, hi time.Duration, rnd func() float64) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rnd()*float64(hi-lo+1))
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
