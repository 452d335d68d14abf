package credstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"time"

	"wagate/internal/protocol"
	"wagate/internal/storage"
)

// AuthState binds the store to one account for the protocol.
func (s *Store) AuthState(accountID string) protocol.AuthState {
	return &authState{s: s, id: accountID}
}

type authState struct {
	s  *Store
	id string
}

func (a *authState) Identity(ctx context.Context) (map[string]json.RawMessage, error) {
	id, err := a.s.Identity(ctx, a.id)
	return map[string]json.RawMessage(id), err
}

func (a *authState) GetKeys(ctx context.Context, keyType string, ids []string) (map[string]json.RawMessage, error) {
	return a.s.GetKeys(ctx, a.id, keyType, ids)
}

func (a *authState) SetKeys(ctx context.Context, updates protocol.KeyUpdates) error {
	return a.s.SetKeys(ctx, a.id, updates)
}

func (a *authState) SaveCreds(ctx context.Context, patch map[string]json.RawMessage) error {
	return a.s.SaveIdentity(ctx, a.id, patch)
}

// NewIdentity generates unregistered identity credentials. The protocol
// sidecar completes them (registered, me, ...) through SaveCreds once the
// device is paired.
func NewIdentity() (storage.Identity, error) {
	var buf [32 * 3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	var reg [2]byte
	if _, err := rand.Read(reg[:]); err != nil {
		return nil, err
	}
	fields := map[string]any{
		"noiseKey":          base64.StdEncoding.EncodeToString(buf[0:32]),
		"signedIdentityKey": base64.StdEncoding.EncodeToString(buf[32:64]),
		"advSecretKey":      base64.StdEncoding.EncodeToString(buf[64:96]),
		"registrationId":    binary.BigEndian.Uint16(reg[:]) & 0x3fff,
		"registered":        false,
		"createdAt":         time.Now().UTC().Format(time.RFC3339),
	}
	id := make(storage.Identity, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		id[k] = b
	}
	return id, nil
}
