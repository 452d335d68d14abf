package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"
)

//go:embed migrations.sql
var migrations string

// SQL is the SQLite backend. It shares the document store's *sql.DB so a
// single file holds both; SQLite's write lock makes Claim atomic across
// processes.
type SQL struct {
	db     *sql.DB
	policy Policy
	now    func() time.Time
}

func openSQL(ctx context.Context, db *sql.DB, p Policy, now func() time.Time) (*SQL, error) {
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		return nil, err
	}
	return &SQL{db: db, policy: p, now: now}, nil
}

const jobColumns = `id, payload, state, attempts, max_attempts, run_at, lease_owner, lease_until, last_error, created_at, updated_at`

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (Job, error) {
	var (
		j                                   Job
		payload, state                      string
		runAt, leaseUntil, created, updated int64
	)
	if err := row.Scan(&j.ID, &payload, &state, &j.Attempts, &j.MaxAttempts, &runAt,
		&j.LeaseOwner, &leaseUntil, &j.LastError, &created, &updated); err != nil {
		return Job{}, err
	}
	j.Payload = []byte(payload)
	j.State = State(state)
	j.RunAt = fromMS(runAt)
	j.LeaseUntil = fromMS(leaseUntil)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(updated)
	return j, nil
}

func (q *SQL) Enqueue(ctx context.Context, j Job) (Job, error) {
	j = prepare(j, q.policy, q.now())
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobs(id, payload, state, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		j.ID, string(j.Payload), string(j.State), 0, j.MaxAttempts, ms(j.RunAt), ms(j.CreatedAt), ms(j.UpdatedAt))
	if err != nil {
		return Job{}, err
	}
	return q.Get(ctx, j.ID)
}

func (q *SQL) Claim(ctx context.Context, consumer string, visibility time.Duration) (Job, bool, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = 'active', attempts = attempts + 1, lease_owner = ?, lease_until = ?, updated_at = ?
		 WHERE seq = (
		   SELECT seq FROM jobs
		   WHERE (state = 'waiting' AND run_at <= ?) OR (state = 'active' AND lease_until < ?)
		   ORDER BY run_at, seq LIMIT 1
		 )
		 RETURNING `+jobColumns,
		consumer, ms(now.Add(visibility)), ms(now), ms(now), ms(now))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// owned loads the job inside tx and checks the caller still holds its lease.
func owned(ctx context.Context, tx *sql.Tx, id, consumer string) (Job, error) {
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if j.State != StateActive || j.LeaseOwner != consumer {
		return Job{}, ErrLeaseLost
	}
	return j, nil
}

func (q *SQL) Complete(ctx context.Context, id, consumer string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := owned(ctx, tx, id, consumer); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'completed', lease_owner = '', lease_until = 0, last_error = '', updated_at = ? WHERE id = ?`,
		ms(q.now()), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *SQL) Fail(ctx context.Context, id, consumer string, cause error) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	j, err := owned(ctx, tx, id, consumer)
	if err != nil {
		return false, err
	}

	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	dead := q.policy.dead(j.Attempts, j.MaxAttempts, cause)
	state, runAt := StateDead, j.RunAt
	if !dead {
		state, runAt = StateWaiting, now.Add(q.policy.Delay(j.Attempts, cause))
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, run_at = ?, lease_owner = '', lease_until = 0, last_error = ?, updated_at = ? WHERE id = ?`,
		string(state), ms(runAt), msg, ms(now), id); err != nil {
		return false, err
	}
	return dead, tx.Commit()
}

func (q *SQL) Reschedule(ctx context.Context, id, consumer string, delay time.Duration) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := owned(ctx, tx, id, consumer); err != nil {
		return err
	}
	now := q.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'waiting', attempts = MAX(attempts - 1, 0), run_at = ?,
		   lease_owner = '', lease_until = 0, updated_at = ? WHERE id = ?`,
		ms(now.Add(delay)), ms(now), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *SQL) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (q *SQL) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	var s Stats
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch State(state) {
		case StateWaiting:
			s.Waiting = n
		case StateActive:
			s.Active = n
		case StateCompleted:
			s.Completed = n
		case StateDead:
			s.Dead = n
		}
	}
	return s, rows.Err()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
