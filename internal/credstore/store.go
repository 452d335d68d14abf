// Package credstore is the credential store adapter between the protocol and
// the document store.
//
// Reads are served from a per-account cache and fall back to projected
// reads of only the requested key ids. Writes update the cache at once and
// are persisted on a per-account chain, so writes A then B always persist B
// applied on top of A. Key shards are pruned to the most recently used ids
// before they can outgrow the record size limit.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"wagate/internal/metrics"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

type Generator func() (storage.Identity, error)

type Config struct {
	ShardCeiling int           // default 100
	ShardRetain  int           // default 50
	WriteTimeout time.Duration // default 30s
	Generator    Generator     // default NewIdentity
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ShardCeiling <= 0 {
		c.ShardCeiling = 100
	}
	if c.ShardRetain <= 0 {
		c.ShardRetain = 50
	}
	if c.ShardRetain > c.ShardCeiling {
		c.ShardRetain = c.ShardCeiling
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.Generator == nil {
		c.Generator = NewIdentity
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Store struct {
	st  storage.Credentials
	log logx.Logger
	cfg Config

	mu       sync.Mutex
	accounts map[string]*account
}

type account struct {
	id string

	mu       sync.Mutex
	identity storage.Identity
	// keys caches type -> id -> value. A nil value records a known-absent key.
	keys map[string]map[string]json.RawMessage
	// index tracks last use of every live id of a type, loaded on first write.
	index      map[string]map[string]time.Time
	lastActive time.Time
	wiped      bool
	// swept is set when SweepIdle drops the entry; holders must re-fetch.
	swept bool

	chain chain
}

func New(st storage.Credentials, cfg Config, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		st:       st,
		log:      log.Category("credstore"),
		cfg:      cfg.withDefaults(),
		accounts: map[string]*account{},
	}
}

func (s *Store) entry(id string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	if a == nil {
		a = &account{
			id:    id,
			keys:  map[string]map[string]json.RawMessage{},
			index: map[string]map[string]time.Time{},
		}
		s.accounts[id] = a
		s.cfg.Metrics.SetCachedAccounts(len(s.accounts))
	}
	return a
}

// locked returns the account's live entry with its mutex held.
func (s *Store) locked(id string) *account {
	for {
		a := s.entry(id)
		a.mu.Lock()
		if !a.swept {
			return a
		}
		a.mu.Unlock()
	}
}

func (s *Store) lookup(id string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

// Identity returns the identity credentials, generating and persisting
// fresh ones when the account has none.
func (s *Store) Identity(ctx context.Context, accountID string) (storage.Identity, error) {
	a := s.locked(accountID)
	defer a.mu.Unlock()
	a.lastActive = s.cfg.Now()

	if a.identity == nil {
		id, ok, err := s.st.GetIdentity(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if ok {
			a.identity = id
		}
	}
	if a.identity == nil {
		fresh, err := s.cfg.Generator()
		if err != nil {
			return nil, err
		}
		a.identity = fresh
		s.enqueue(a, storage.CredentialUpdate{Identity: cloneIdentity(fresh)})
		s.log.Info("generated fresh identity", logx.Account(accountID))
	}
	return cloneIdentity(a.identity), nil
}

// SaveIdentity assigns the patch's top-level fields onto the identity and
// queues a write of the merged snapshot.
func (s *Store) SaveIdentity(ctx context.Context, accountID string, patch map[string]json.RawMessage) error {
	a := s.locked(accountID)
	defer a.mu.Unlock()
	a.lastActive = s.cfg.Now()

	if a.identity == nil {
		id, ok, err := s.st.GetIdentity(ctx, accountID)
		if err != nil {
			return err
		}
		if ok {
			a.identity = id
		} else {
			a.identity = storage.Identity{}
		}
	}
	for k, v := range patch {
		a.identity[k] = append(json.RawMessage(nil), v...)
	}
	s.enqueue(a, storage.CredentialUpdate{Identity: cloneIdentity(a.identity)})
	return nil
}

// GetKeys returns the values of the requested ids that exist.
func (s *Store) GetKeys(ctx context.Context, accountID, keyType string, ids []string) (map[string]json.RawMessage, error) {
	a := s.locked(accountID)
	defer a.mu.Unlock()
	now := s.cfg.Now()
	a.lastActive = now

	shard := a.keys[keyType]
	if shard == nil {
		shard = map[string]json.RawMessage{}
		a.keys[keyType] = shard
	}
	idx := a.index[keyType]

	out := make(map[string]json.RawMessage, len(ids))
	var miss []string
	for _, id := range ids {
		v, ok := shard[id]
		if !ok {
			miss = append(miss, id)
			continue
		}
		if v != nil {
			out[id] = v
			if idx != nil {
				idx[id] = now
			}
		}
	}
	if len(miss) == 0 {
		return out, nil
	}

	got, err := s.st.GetKeys(ctx, accountID, keyType, miss)
	if err != nil {
		return nil, err
	}
	for _, id := range miss {
		v, ok := got[id]
		if !ok {
			shard[id] = nil
			continue
		}
		shard[id] = v
		out[id] = v
		if idx != nil {
			idx[id] = now
		}
	}
	return out, nil
}

// SetKeys applies type -> id -> value updates; a nil value deletes the key.
func (s *Store) SetKeys(ctx context.Context, accountID string, updates map[string]map[string]json.RawMessage) error {
	if len(updates) == 0 {
		return nil
	}
	a := s.locked(accountID)
	defer a.mu.Unlock()
	now := s.cfg.Now()
	a.lastActive = now

	u := storage.CredentialUpdate{Set: map[string]map[string]json.RawMessage{}}
	types := make([]string, 0, len(updates))
	for typ := range updates {
		types = append(types, typ)
	}
	sort.Strings(types)

	for _, typ := range types {
		vals := updates[typ]
		if err := s.loadIndex(ctx, a, typ); err != nil {
			s.log.Warn("load key index failed", logx.Account(accountID), logx.String("type", typ), logx.Err(err))
		}
		shard := a.keys[typ]
		if shard == nil {
			shard = map[string]json.RawMessage{}
			a.keys[typ] = shard
		}
		idx := a.index[typ]
		set := make(map[string]json.RawMessage, len(vals))
		for id, v := range vals {
			if isNull(v) {
				shard[id] = nil
				set[id] = nil
				if idx != nil {
					delete(idx, id)
				}
				continue
			}
			shard[id] = v
			set[id] = v
			if idx != nil {
				idx[id] = now
			}
		}
		pruned := s.prune(a, typ)
		for _, id := range pruned {
			shard[id] = nil
			set[id] = nil
		}
		if len(pruned) > 0 {
			s.log.Debug("pruned key shard", logx.Account(accountID), logx.String("type", typ),
				logx.Int("pruned", len(pruned)), logx.Int("kept", len(idx)))
		}
		u.Set[typ] = set
	}
	s.enqueue(a, u)
	return nil
}

func isNull(v json.RawMessage) bool {
	return v == nil || string(v) == "null"
}

// loadIndex seeds the shard index from the persisted key ids so pruning
// counts keys written before this process started.
func (s *Store) loadIndex(ctx context.Context, a *account, typ string) error {
	if a.index[typ] != nil {
		return nil
	}
	ids, err := s.st.KeyIDs(ctx, a.id, typ)
	if err != nil {
		return err
	}
	idx := make(map[string]time.Time, len(ids))
	shard := a.keys[typ]
	for _, id := range ids {
		if v, ok := shard[id]; ok && v == nil {
			continue
		}
		idx[id] = time.Time{}
	}
	for id, v := range shard {
		if v != nil {
			idx[id] = a.lastActive
		}
	}
	a.index[typ] = idx
	return nil
}

// prune trims a shard above the ceiling down to the retained most recently
// used ids and returns the dropped ids.
func (s *Store) prune(a *account, typ string) []string {
	idx := a.index[typ]
	if len(idx) <= s.cfg.ShardCeiling {
		return nil
	}
	ids := make([]string, 0, len(idx))
	for id := range idx {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := idx[ids[i]], idx[ids[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ids[i] < ids[j]
	})
	drop := ids[s.cfg.ShardRetain:]
	for _, id := range drop {
		delete(idx, id)
	}
	return drop
}

// enqueue must be called with a.mu held.
func (s *Store) enqueue(a *account, u storage.CredentialUpdate) {
	if a.wiped || u.Empty() {
		return
	}
	a.chain.push(func() { s.persist(a, u) })
}

func (s *Store) persist(a *account, u storage.CredentialUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	err := s.st.UpdateCredentials(ctx, a.id, u)
	if err == nil {
		s.cfg.Metrics.CredentialWrite("ok")
		return
	}
	if errors.Is(err, storage.ErrRecordTooLarge) {
		s.log.Warn("credential record too large, purging key shards", logx.Account(a.id))
		if perr := s.st.PurgeKeys(ctx, a.id); perr != nil {
			s.log.Error("purge key shards failed", logx.Account(a.id), logx.Err(perr))
			s.cfg.Metrics.CredentialWrite("dropped")
			return
		}
		a.mu.Lock()
		a.keys = map[string]map[string]json.RawMessage{}
		a.index = map[string]map[string]time.Time{}
		a.mu.Unlock()

		if err = s.st.UpdateCredentials(ctx, a.id, u); err == nil {
			s.cfg.Metrics.CredentialWrite("purged")
			return
		}
	}
	s.cfg.Metrics.CredentialWrite("dropped")
	s.log.Error("credential write dropped", logx.Account(a.id), logx.Err(err))
}

// Flush waits until every queued write of the account is persisted.
func (s *Store) Flush(ctx context.Context, accountID string) error {
	a := s.lookup(accountID)
	if a == nil {
		return nil
	}
	return a.chain.wait(ctx)
}

// Wipe drops the cache and pending writes and deletes the persisted record.
func (s *Store) Wipe(ctx context.Context, accountID string) error {
	s.mu.Lock()
	a := s.accounts[accountID]
	delete(s.accounts, accountID)
	s.cfg.Metrics.SetCachedAccounts(len(s.accounts))
	s.mu.Unlock()

	if a != nil {
		a.mu.Lock()
		a.wiped = true
		a.mu.Unlock()
		if n := a.chain.drop(); n > 0 {
			s.log.Debug("dropped pending credential writes", logx.Account(accountID), logx.Int("n", n))
		}
		if err := a.chain.wait(ctx); err != nil {
			return err
		}
	}
	if err := s.st.DeleteCredentials(ctx, accountID); err != nil {
		return err
	}
	s.log.Info("credentials wiped", logx.Account(accountID))
	return nil
}

func (s *Store) HasCredentials(ctx context.Context, accountID string) (bool, error) {
	if a := s.lookup(accountID); a != nil {
		a.mu.Lock()
		cached := a.identity != nil && !a.wiped
		a.mu.Unlock()
		if cached {
			return true, nil
		}
	}
	return s.st.HasCredentials(ctx, accountID)
}

// SweepIdle drops caches of accounts idle for longer than idle. Accounts
// with writes still in flight are kept.
func (s *Store) SweepIdle(idle time.Duration) int {
	cutoff := s.cfg.Now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.accounts {
		a.mu.Lock()
		if a.lastActive.Before(cutoff) && !a.chain.busy() {
			a.swept = true
			delete(s.accounts, id)
			n++
		}
		a.mu.Unlock()
	}
	s.cfg.Metrics.SetCachedAccounts(len(s.accounts))
	return n
}

// Cached returns how many accounts are held in memory.
func (s *Store) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func cloneIdentity(in storage.Identity) storage.Identity {
	if in == nil {
		return nil
	}
	out := make(storage.Identity, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
