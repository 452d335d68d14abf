package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wagate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	maxRecord int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; every statement goes through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, maxRecord: cfg.MaxRecordBytes}
	if st.maxRecord <= 0 {
		st.maxRecord = DefaultMaxRecordBytes
	}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- accounts ----

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var (
		a       Account
		desired int
		status  string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, desired, status, qr_attempt, reconnect_attempts, credits, updated_at FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &desired, &status, &a.QRAttempt, &a.ReconnectAttempts, &a.Credits, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.Desired = desired != 0
	a.Status = Status(status)
	a.UpdatedAt = fromMS(updated)
	return a, nil
}

func (s *sqliteStore) PutAccount(ctx context.Context, a Account) error {
	if a.Status == "" {
		a.Status = StatusDisconnected
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, desired, status, qr_attempt, reconnect_attempts, credits, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET desired=excluded.desired, status=excluded.status,
		   qr_attempt=excluded.qr_attempt, reconnect_attempts=excluded.reconnect_attempts,
		   credits=excluded.credits, updated_at=excluded.updated_at`,
		a.ID, boolInt(a.Desired), string(a.Status), a.QRAttempt, a.ReconnectAttempts, a.Credits, ms(time.Now()),
	)
	return err
}

func (s *sqliteStore) PatchAccount(ctx context.Context, id string, p AccountPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{ms(time.Now())}
	if p.Desired != nil {
		sets = append(sets, "desired = ?")
		args = append(args, boolInt(*p.Desired))
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.QRAttempt != nil {
		sets = append(sets, "qr_attempt = ?")
		args = append(args, *p.QRAttempt)
	}
	if p.ReconnectAttempts != nil {
		sets = append(sets, "reconnect_attempts = ?")
		args = append(args, *p.ReconnectAttempts)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO accounts(id) VALUES(?)`, id); err != nil {
		return err
	}
	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListRestorable(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, desired, status, qr_attempt, reconnect_attempts, credits, updated_at
		 FROM accounts WHERE desired = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a       Account
			desired int
			status  string
			updated int64
		)
		if err := rows.Scan(&a.ID, &desired, &status, &a.QRAttempt, &a.ReconnectAttempts, &a.Credits, &updated); err != nil {
			return nil, err
		}
		a.Desired = desired != 0
		a.Status = Status(status)
		a.UpdatedAt = fromMS(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddCredits(ctx context.Context, id string, delta int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE id = ?`, delta, ms(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- credentials ----

func (s *sqliteStore) GetIdentity(ctx context.Context, accountID string) (Identity, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM cred_identity WHERE account_id = ?`, accountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var id Identity
	if err := json.Unmarshal([]byte(data), &id); err != nil {
		return nil, false, fmt.Errorf("decode identity %s: %w", accountID, err)
	}
	return id, true, nil
}

func (s *sqliteStore) GetKeys(ctx context.Context, accountID, keyType string, ids []string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, accountID, keyType)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, value FROM cred_keys WHERE account_id = ? AND key_type = ? AND key_id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) KeyIDs(ctx context.Context, accountID, keyType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id FROM cred_keys WHERE account_id = ? AND key_type = ? ORDER BY key_id`, accountID, keyType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateCredentials(ctx context.Context, accountID string, u CredentialUpdate) error {
	if u.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if u.Identity != nil {
		b, err := json.Marshal(u.Identity)
		if err != nil {
			return fmt.Errorf("encode identity: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cred_identity(account_id, data) VALUES(?,?)
			 ON CONFLICT(account_id) DO UPDATE SET data=excluded.data`, accountID, string(b)); err != nil {
			return err
		}
	}
	for typ, vals := range u.Set {
		for k, v := range vals {
			if v == nil {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM cred_keys WHERE account_id = ? AND key_type = ? AND key_id = ?`, accountID, typ, k); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cred_keys(account_id, key_type, key_id, value) VALUES(?,?,?,?)
				 ON CONFLICT(account_id, key_type, key_id) DO UPDATE SET value=excluded.value`,
				accountID, typ, k, string(v)); err != nil {
				return err
			}
		}
	}
	for typ, ids := range u.Unset {
		for _, k := range ids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cred_keys WHERE account_id = ? AND key_type = ? AND key_id = ?`, accountID, typ, k); err != nil {
				return err
			}
		}
	}

	var size int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT length(CAST(data AS BLOB)) FROM cred_identity WHERE account_id = ?), 0)
		      + COALESCE((SELECT SUM(length(CAST(key_type AS BLOB)) + length(CAST(key_id AS BLOB)) + length(CAST(value AS BLOB)))
		                  FROM cred_keys WHERE account_id = ?), 0)`,
		accountID, accountID).Scan(&size); err != nil {
		return err
	}
	if size > int64(s.maxRecord) {
		return ErrRecordTooLarge
	}
	return tx.Commit()
}

func (s *sqliteStore) PurgeKeys(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cred_keys WHERE account_id = ?`, accountID)
	return err
}

func (s *sqliteStore) DeleteCredentials(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cred_keys WHERE account_id = ?`, accountID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cred_identity WHERE account_id = ?`, accountID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) HasCredentials(ctx context.Context, accountID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cred_identity WHERE account_id = ?`, accountID).Scan(&n)
	return n > 0, err
}

// ---- leases ----

func (s *sqliteStore) AcquireLease(ctx context.Context, accountID, owner string, now time.Time, grace time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases(account_id, owner, heartbeat) VALUES(?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET owner=excluded.owner, heartbeat=excluded.heartbeat
		 WHERE leases.owner = '' OR leases.owner = excluded.owner OR leases.heartbeat < ?`,
		accountID, owner, ms(now), ms(now.Add(-grace)),
	)
	return err
}

func (s *sqliteStore) GetLease(ctx context.Context, accountID string) (Lease, error) {
	var (
		l  Lease
		hb int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, owner, heartbeat FROM leases WHERE account_id = ?`, accountID,
	).Scan(&l.AccountID, &l.Owner, &hb)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, err
	}
	l.Heartbeat = fromMS(hb)
	return l, nil
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, accountID, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE account_id = ? AND owner = ?`, accountID, owner)
	return err
}

func (s *sqliteStore) HeartbeatLeases(ctx context.Context, owner string, accountIDs []string, now time.Time) error {
	if len(accountIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(accountIDs)+2)
	args = append(args, ms(now), owner)
	for _, id := range accountIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE leases SET heartbeat = ? WHERE owner = ? AND account_id IN (`+placeholders(len(accountIDs))+`)`,
		args...)
	return err
}

// ---- messages ----

func (s *sqliteStore) CreateMessage(ctx context.Context, m Message) error {
	if m.Status == "" {
		m.Status = MessagePending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages(id, account_id, campaign_id, recipient, status, error, sent_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		m.ID, m.AccountID, m.CampaignID, m.Recipient, string(m.Status), m.Error, ms(m.SentAt), ms(time.Now()),
	)
	return err
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (Message, error) {
	var (
		m               Message
		status          string
		sentAt, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, campaign_id, recipient, status, error, sent_at, updated_at FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.AccountID, &m.CampaignID, &m.Recipient, &status, &m.Error, &sentAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.Status = MessageStatus(status)
	m.SentAt = fromMS(sentAt)
	m.UpdatedAt = fromMS(updated)
	return m, nil
}

func (s *sqliteStore) MarkMessageSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'sent', error = '', sent_at = ?, updated_at = ? WHERE id = ? AND status != 'sent'`,
		ms(at), ms(time.Now()), id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) MarkMessageFailed(ctx context.Context, id string, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', error = ?, updated_at = ? WHERE id = ? AND status != 'sent'`,
		errText, ms(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.GetMessage(ctx, id)
	return err
}

// ---- campaigns ----

func (s *sqliteStore) PutCampaign(ctx context.Context, c Campaign) error {
	if c.Status == "" {
		c.Status = CampaignRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, status, sent, failed) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, sent=excluded.sent, failed=excluded.failed`,
		c.ID, string(c.Status), c.Sent, c.Failed)
	return err
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var (
		c      Campaign
		status string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, status, sent, failed FROM campaigns WHERE id = ?`, id).
		Scan(&c.ID, &status, &c.Sent, &c.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	c.Status = CampaignStatus(status)
	return c, nil
}

func (s *sqliteStore) SetCampaignStatus(ctx context.Context, id string, st CampaignStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status = ? WHERE id = ?`, string(st), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) IncCampaign(ctx context.Context, id string, sent, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET sent = sent + ?, failed = failed + ? WHERE id = ?`, sent, failed, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- events ----

func (s *sqliteStore) AppendEvent(ctx context.Context, e AccountEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_events(account_id, kind, detail, at) VALUES(?,?,?,?)`,
		e.AccountID, e.Kind, e.Detail, ms(e.At))
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, accountID string, limit int) ([]AccountEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, kind, detail, at FROM account_events WHERE account_id = ? ORDER BY seq DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountEvent
	for rows.Next() {
		var (
			e  AccountEvent
			at int64
		)
		if err := rows.Scan(&e.AccountID, &e.Kind, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.At = fromMS(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- helpers ----

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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
