package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process backend. Jobs do not survive a restart.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu   sync.Mutex
	seq  uint64
	jobs map[string]*memJob
}

type memJob struct {
	Job
	seq uint64
}

func NewMemory(p Policy, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{policy: p.withDefaults(), now: now, jobs: map[string]*memJob{}}
}

func (m *Memory) Enqueue(ctx context.Context, j Job) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j = prepare(j, m.policy, m.now())
	if existing, ok := m.jobs[j.ID]; ok {
		return existing.Job, nil
	}
	m.seq++
	m.jobs[j.ID] = &memJob{Job: j, seq: m.seq}
	return j, nil
}

func (m *Memory) Claim(ctx context.Context, consumer string, visibility time.Duration) (Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var due []*memJob
	for _, j := range m.jobs {
		switch {
		case j.State == StateWaiting && !j.RunAt.After(now):
			due = append(due, j)
		case j.State == StateActive && j.LeaseUntil.Before(now):
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return Job{}, false, nil
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].RunAt.Before(due[b].RunAt)
		}
		return due[a].seq < due[b].seq
	})

	j := due[0]
	j.State = StateActive
	j.Attempts++
	j.LeaseOwner = consumer
	j.LeaseUntil = now.Add(visibility)
	j.UpdatedAt = now
	return j.Job, true, nil
}

func (m *Memory) owned(id, consumer string) (*memJob, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateActive || j.LeaseOwner != consumer {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (m *Memory) Complete(ctx context.Context, id, consumer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, consumer)
	if err != nil {
		return err
	}
	j.State = StateCompleted
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	j.LastError = ""
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Fail(ctx context.Context, id, consumer string, cause error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, consumer)
	if err != nil {
		return false, err
	}
	now := m.now()
	if cause != nil {
		j.LastError = cause.Error()
	}
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
	if m.policy.dead(j.Attempts, j.MaxAttempts, cause) {
		j.State = StateDead
		return true, nil
	}
	j.State = StateWaiting
	j.RunAt = now.Add(m.policy.Delay(j.Attempts, cause))
	return false, nil
}

func (m *Memory) Reschedule(ctx context.Context, id, consumer string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(id, consumer)
	if err != nil {
		return err
	}
	now := m.now()
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.State = StateWaiting
	j.RunAt = now.Add(delay)
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.Job, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, j := range m.jobs {
		switch j.State {
		case StateWaiting:
			s.Waiting++
		case StateActive:
			s.Active++
		case StateCompleted:
			s.Completed++
		case StateDead:
			s.Dead++
		}
	}
	return s, nil
}
