// Package queue is the durable job queue feeding the delivery workers.
//
// Jobs carry an opaque JSON payload. Claim hands out a visibility lease;
// a job whose lease expires (crashed worker) becomes claimable again.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LeaseOwner  string          `json:"lease_owner,omitempty"`
	LeaseUntil  time.Time       `json:"lease_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Dead      int `json:"dead"`
}

type Queue interface {
	// Enqueue stores a new waiting job. Empty ID gets a UUID; zero RunAt
	// means now; zero MaxAttempts takes the policy default.
	Enqueue(ctx context.Context, j Job) (Job, error)
	// Claim takes the oldest due job and increments its attempts. ok is
	// false when nothing is due.
	Claim(ctx context.Context, consumer string, visibility time.Duration) (j Job, ok bool, err error)
	Complete(ctx context.Context, id, consumer string) error
	// Fail records cause and either schedules a retry per the policy or
	// moves the job to dead. dead reports which.
	Fail(ctx context.Context, id, consumer string, cause error) (dead bool, err error)
	// Reschedule returns the job to waiting after delay without consuming
	// the attempt that claimed it.
	Reschedule(ctx context.Context, id, consumer string, delay time.Duration) error
	Get(ctx context.Context, id string) (Job, error)
	Stats(ctx context.Context) (Stats, error)
}

// Config selects the backend and retry policy.
type Config struct {
	Policy Policy
	// DB selects the SQL backend (shared with the document store). Nil
	// selects the in-memory backend.
	DB *sql.DB
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Open returns the configured backend.
func Open(ctx context.Context, cfg Config) (Queue, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.DB == nil {
		return NewMemory(cfg.Policy, cfg.Now), nil
	}
	return openSQL(ctx, cfg.DB, cfg.Policy, cfg.Now)
}

func prepare(j Job, p Policy, now time.Time) Job {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = p.MaxAttempts
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage("null")
	}
	j.State = StateWaiting
	j.Attempts = 0
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	j.CreatedAt = now
	j.UpdatedAt = now
	return j
}
