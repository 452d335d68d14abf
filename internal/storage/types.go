package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrRecordTooLarge is returned when a credential write would grow the
	// record past Config.MaxRecordBytes. Nothing is written.
	ErrRecordTooLarge = errors.New("storage: record too large")
	ErrClosed         = errors.New("storage: closed")
)

// DefaultMaxRecordBytes mirrors the document size ceiling of common
// document databases.
const DefaultMaxRecordBytes = 16 << 20

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps
type Config struct {
	Driver         string
	Path           string
	BusyTimeout    time.Duration // sqlite only; 0 means 5s
	MaxRecordBytes int           // 0 means DefaultMaxRecordBytes
}

// Status is the reported connection status of an account.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusInitializing Status = "initializing"
	StatusQRPending    Status = "qr_pending"
	StatusConnected    Status = "connected"
	StatusQRExpired    Status = "qr_expired"
)

// Account is the persisted per-account row. Status is advisory: the
// in-memory session of the owning instance is authoritative.
type Account struct {
	ID                string    `json:"id"`
	Desired           bool      `json:"desired"`
	Status            Status    `json:"status"`
	QRAttempt         int       `json:"qr_attempt"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Credits           int64     `json:"credits"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AccountPatch updates only the non-nil fields. Patching a missing account
// creates it.
type AccountPatch struct {
	Desired           *bool
	Status            *Status
	QRAttempt         *int
	ReconnectAttempts *int
}

// Identity is the top-level field map of the identity credentials.
type Identity map[string]json.RawMessage

// CredentialUpdate is a partial write of a credential record, in the spirit
// of a $set/$unset document update.
type CredentialUpdate struct {
	// Identity replaces the whole identity snapshot when non-nil.
	Identity Identity
	// Set maps key type -> key id -> value.
	Set map[string]map[string]json.RawMessage
	// Unset maps key type -> key ids to remove.
	Unset map[string][]string
}

func (u CredentialUpdate) Empty() bool {
	return u.Identity == nil && len(u.Set) == 0 && len(u.Unset) == 0
}

// Lease is the distributed lock record of one account.
type Lease struct {
	AccountID string    `json:"account_id"`
	Owner     string    `json:"owner"`
	Heartbeat time.Time `json:"heartbeat"`
}

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

type Message struct {
	ID         string        `json:"id"`
	AccountID  string        `json:"account_id"`
	CampaignID string        `json:"campaign_id,omitempty"`
	Recipient  string        `json:"recipient"`
	Status     MessageStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	SentAt     time.Time     `json:"sent_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type CampaignStatus string

const (
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

type Campaign struct {
	ID     string         `json:"id"`
	Status CampaignStatus `json:"status"`
	Sent   int            `json:"sent"`
	Failed int            `json:"failed"`
}

// AccountEvent is one entry of the append-only connection event log.
type AccountEvent struct {
	AccountID string    `json:"account_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type Accounts interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	PutAccount(ctx context.Context, a Account) error
	PatchAccount(ctx context.Context, id string, p AccountPatch) error
	// ListRestorable returns accounts with desired=true.
	ListRestorable(ctx context.Context) ([]Account, error)
	// AddCredits adjusts the credit balance by delta (negative to spend).
	AddCredits(ctx context.Context, id string, delta int64) error
}

type Credentials interface {
	GetIdentity(ctx context.Context, accountID string) (Identity, bool, error)
	// GetKeys is a projected read: only the requested ids are loaded.
	GetKeys(ctx context.Context, accountID, keyType string, ids []string) (map[string]json.RawMessage, error)
	// KeyIDs lists every persisted id of one key type.
	KeyIDs(ctx context.Context, accountID, keyType string) ([]string, error)
	UpdateCredentials(ctx context.Context, accountID string, u CredentialUpdate) error
	// PurgeKeys removes every key shard but keeps the identity.
	PurgeKeys(ctx context.Context, accountID string) error
	DeleteCredentials(ctx context.Context, accountID string) error
	HasCredentials(ctx context.Context, accountID string) (bool, error)
}

type Leases interface {
	// AcquireLease sets owner=self, heartbeat=now when the lease is free,
	// already ours, or its heartbeat is older than now-grace. It does not
	// report whether it won; callers read the lease back.
	AcquireLease(ctx context.Context, accountID, owner string, now time.Time, grace time.Duration) error
	GetLease(ctx context.Context, accountID string) (Lease, error)
	ReleaseLease(ctx context.Context, accountID, owner string) error
	// HeartbeatLeases refreshes heartbeats of the given accounts still owned by owner.
	HeartbeatLeases(ctx context.Context, owner string, accountIDs []string, now time.Time) error
}

type Messages interface {
	CreateMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	// MarkMessageSent transitions to sent. It reports false when the message
	// was already sent so side effects are applied once.
	MarkMessageSent(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkMessageFailed records err unless the message is already sent.
	MarkMessageFailed(ctx context.Context, id string, errText string) error
}

type Campaigns interface {
	PutCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, s CampaignStatus) error
	IncCampaign(ctx context.Context, id string, sent, failed int) error
}

type Events interface {
	AppendEvent(ctx context.Context, e AccountEvent) error
	// ListEvents returns the most recent events first.
	ListEvents(ctx context.Context, accountID string, limit int) ([]AccountEvent, error)
}

// Store is the full document store.
type Store interface {
	Accounts
	Credentials
	Leases
	Messages
	Campaigns
	Events
	Close() error
}

func recordSize(id Identity, keys map[string]map[string]json.RawMessage) int {
	n := 0
	for k, v := range id {
		n += len(k) + len(v)
	}
	for typ, shard := range keys {
		n += len(typ)
		for k, v := range shard {
			n += len(k) + len(v)
		}
	}
	return n
}
