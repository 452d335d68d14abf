package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type memCred struct {
	identity Identity
	keys     map[string]map[string]json.RawMessage
}

// Memory is a process-local Store. Safe for concurrent use.
type Memory struct {
	maxRecord int

	mu        sync.Mutex
	closed    bool
	accounts  map[string]Account
	creds     map[string]*memCred
	leases    map[string]Lease
	messages  map[string]Message
	campaigns map[string]Campaign
	events    map[string][]AccountEvent
}

func NewMemory(maxRecordBytes int) *Memory {
	if maxRecordBytes <= 0 {
		maxRecordBytes = DefaultMaxRecordBytes
	}
	return &Memory{
		maxRecord: maxRecordBytes,
		accounts:  map[string]Account{},
		creds:     map[string]*memCred{},
		leases:    map[string]Lease{},
		messages:  map[string]Message{},
		campaigns: map[string]Campaign{},
		events:    map[string][]AccountEvent{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// ---- accounts ----

func (m *Memory) GetAccount(ctx context.Context, id string) (Account, error) {
	if err := m.lock(); err != nil {
		return Account{}, err
	}
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) PutAccount(ctx context.Context, a Account) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if a.Status == "" {
		a.Status = StatusDisconnected
	}
	a.UpdatedAt = time.Now()
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) PatchAccount(ctx context.Context, id string, p AccountPatch) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		a = Account{ID: id, Status: StatusDisconnected}
	}
	if p.Desired != nil {
		a.Desired = *p.Desired
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.QRAttempt != nil {
		a.QRAttempt = *p.QRAttempt
	}
	if p.ReconnectAttempts != nil {
		a.ReconnectAttempts = *p.ReconnectAttempts
	}
	a.UpdatedAt = time.Now()
	m.accounts[id] = a
	return nil
}

func (m *Memory) ListRestorable(ctx context.Context) ([]Account, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		if a.Desired {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AddCredits(ctx context.Context, id string, delta int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Credits += delta
	a.UpdatedAt = time.Now()
	m.accounts[id] = a
	return nil
}

// ---- credentials ----

func (m *Memory) GetIdentity(ctx context.Context, accountID string) (Identity, bool, error) {
	if err := m.lock(); err != nil {
		return nil, false, err
	}
	defer m.mu.Unlock()
	c, ok := m.creds[accountID]
	if !ok || c.identity == nil {
		return nil, false, nil
	}
	out := make(Identity, len(c.identity))
	for k, v := range c.identity {
		out[k] = cloneRaw(v)
	}
	return out, true, nil
}

func (m *Memory) GetKeys(ctx context.Context, accountID, keyType string, ids []string) (map[string]json.RawMessage, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := map[string]json.RawMessage{}
	c, ok := m.creds[accountID]
	if !ok {
		return out, nil
	}
	shard := c.keys[keyType]
	for _, id := range ids {
		if v, ok := shard[id]; ok {
			out[id] = cloneRaw(v)
		}
	}
	return out, nil
}

func (m *Memory) KeyIDs(ctx context.Context, accountID, keyType string) ([]string, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	c, ok := m.creds[accountID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(c.keys[keyType]))
	for id := range c.keys[keyType] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) UpdateCredentials(ctx context.Context, accountID string, u CredentialUpdate) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()

	cur := m.creds[accountID]
	next := &memCred{keys: map[string]map[string]json.RawMessage{}}
	if cur != nil {
		next.identity = cur.identity
		for typ, shard := range cur.keys {
			cp := make(map[string]json.RawMessage, len(shard))
			for k, v := range shard {
				cp[k] = v
			}
			next.keys[typ] = cp
		}
	}
	if u.Identity != nil {
		id := make(Identity, len(u.Identity))
		for k, v := range u.Identity {
			id[k] = cloneRaw(v)
		}
		next.identity = id
	}
	for typ, vals := range u.Set {
		shard := next.keys[typ]
		if shard == nil {
			shard = map[string]json.RawMessage{}
			next.keys[typ] = shard
		}
		for k, v := range vals {
			if v == nil {
				delete(shard, k)
				continue
			}
			shard[k] = cloneRaw(v)
		}
	}
	for typ, ids := range u.Unset {
		for _, k := range ids {
			delete(next.keys[typ], k)
		}
	}
	for typ, shard := range next.keys {
		if len(shard) == 0 {
			delete(next.keys, typ)
		}
	}

	if recordSize(next.identity, next.keys) > m.maxRecord {
		return ErrRecordTooLarge
	}
	m.creds[accountID] = next
	return nil
}

func (m *Memory) PurgeKeys(ctx context.Context, accountID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if c, ok := m.creds[accountID]; ok {
		m.creds[accountID] = &memCred{identity: c.identity, keys: map[string]map[string]json.RawMessage{}}
	}
	return nil
}

func (m *Memory) DeleteCredentials(ctx context.Context, accountID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.creds, accountID)
	return nil
}

func (m *Memory) HasCredentials(ctx context.Context, accountID string) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	c, ok := m.creds[accountID]
	return ok && c.identity != nil, nil
}

// ---- leases ----

func (m *Memory) AcquireLease(ctx context.Context, accountID, owner string, now time.Time, grace time.Duration) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	l, ok := m.leases[accountID]
	if !ok || l.Owner == "" || l.Owner == owner || l.Heartbeat.Before(now.Add(-grace)) {
		m.leases[accountID] = Lease{AccountID: accountID, Owner: owner, Heartbeat: now}
	}
	return nil
}

func (m *Memory) GetLease(ctx context.Context, accountID string) (Lease, error) {
	if err := m.lock(); err != nil {
		return Lease{}, err
	}
	defer m.mu.Unlock()
	l, ok := m.leases[accountID]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) ReleaseLease(ctx context.Context, accountID, owner string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if l, ok := m.leases[accountID]; ok && l.Owner == owner {
		delete(m.leases, accountID)
	}
	return nil
}

func (m *Memory) HeartbeatLeases(ctx context.Context, owner string, accountIDs []string, now time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, id := range accountIDs {
		if l, ok := m.leases[id]; ok && l.Owner == owner {
			l.Heartbeat = now
			m.leases[id] = l
		}
	}
	return nil
}

// ---- messages ----

func (m *Memory) CreateMessage(ctx context.Context, msg Message) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return nil
	}
	if msg.Status == "" {
		msg.Status = MessagePending
	}
	msg.UpdatedAt = time.Now()
	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := m.lock(); err != nil {
		return Message{}, err
	}
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) MarkMessageSent(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if msg.Status == MessageSent {
		return false, nil
	}
	msg.Status = MessageSent
	msg.Error = ""
	msg.SentAt = at
	msg.UpdatedAt = time.Now()
	m.messages[id] = msg
	return true, nil
}

func (m *Memory) MarkMessageFailed(ctx context.Context, id string, errText string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Status == MessageSent {
		return nil
	}
	msg.Status = MessageFailed
	msg.Error = errText
	msg.UpdatedAt = time.Now()
	m.messages[id] = msg
	return nil
}

// ---- campaigns ----

func (m *Memory) PutCampaign(ctx context.Context, c Campaign) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = CampaignRunning
	}
	m.campaigns[c.ID] = c
	return nil
}

func (m *Memory) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	if err := m.lock(); err != nil {
		return Campaign{}, err
	}
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) SetCampaignStatus(ctx context.Context, id string, s CampaignStatus) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = s
	m.campaigns[id] = c
	return nil
}

func (m *Memory) IncCampaign(ctx context.Context, id string, sent, failed int) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Sent += sent
	c.Failed += failed
	m.campaigns[id] = c
	return nil
}

// ---- events ----

func (m *Memory) AppendEvent(ctx context.Context, e AccountEvent) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.events[e.AccountID] = append(m.events[e.AccountID], e)
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, accountID string, limit int) ([]AccountEvent, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	src := m.events[accountID]
	out := make([]AccountEvent, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, src[i])
	}
	return out, nil
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
