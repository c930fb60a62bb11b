// Package authrecords wraps the shared store (internal/store) with
// per-record-type key prefixes, TTLs, and encryption-at-rest for the OAuth
// authorization server's durable records: clients, pending authorizations,
// token exchanges, installations, and refresh mappings.
//
// Records are encrypted with a key derived from their own lookup identifier
// (see crypto.go), so possession of the identifier — the authorization code,
// the access token, the refresh token — is required to decrypt the record a
// store operator could otherwise read directly off the wire.
package authrecords

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"mcp-relay/internal/store"
)

// RecordType describes one of the five record kinds this package persists.
type RecordType struct {
	prefix  string
	ttl     time.Duration
	hashKey bool // true: store-level key hashes the identifier; false: use it verbatim
}

var (
	// ClientRecord holds ClientRegistration values, looked up by clientId —
	// a routing identifier clients present themselves, not a secret, so the
	// store key embeds it directly per the fixed namespace in spec §6.
	ClientRecord = RecordType{prefix: "auth:client:", ttl: 30 * 24 * time.Hour, hashKey: false}

	// PendingRecord holds PendingAuthorization values, keyed by authorization code.
	PendingRecord = RecordType{prefix: "auth:pending:", ttl: 10 * time.Minute, hashKey: true}

	// ExchangeRecord holds TokenExchange values, keyed by the same authorization code.
	ExchangeRecord = RecordType{prefix: "auth:exch:", ttl: 10 * time.Minute, hashKey: true}

	// InstallationRecord holds Installation values, keyed by access token.
	InstallationRecord = RecordType{prefix: "auth:installation:", ttl: 7 * 24 * time.Hour, hashKey: true}

	// RefreshRecord holds RefreshMapping values, keyed by refresh token.
	RefreshRecord = RecordType{prefix: "auth:refresh:", ttl: 7 * 24 * time.Hour, hashKey: true}
)

// TTL returns the record type's configured lifetime.
func (rt RecordType) TTL() time.Duration { return rt.ttl }

func (rt RecordType) storeKey(id string) string {
	if !rt.hashKey {
		return rt.prefix + id
	}
	sum := sha256.Sum256([]byte(id))
	return rt.prefix + hex.EncodeToString(sum[:])
}

// Store is the encrypted, TTL'd record store described above.
type Store struct {
	backend store.Store
}

// New wraps backend with the encryption/prefix/TTL scheme.
func New(backend store.Store) *Store {
	return &Store{backend: backend}
}

// Put encrypts rec and stores it under rt/id with rt's TTL, unless opts
// overrides the write condition.
func Put[T any](ctx context.Context, s *Store, rt RecordType, id string, rec T, opts store.SetOptions) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("authrecords: marshal %s: %w", rt.prefix, err)
	}
	cipherBytes, err := encryptRecord(id, plain)
	if err != nil {
		return err
	}
	if opts.TTL == 0 && !opts.KeepTTL {
		opts.TTL = rt.ttl
	}
	ok, _, err := s.backend.Set(ctx, rt.storeKey(id), cipherBytes, opts)
	if err != nil {
		return fmt.Errorf("authrecords: put %s: %w", rt.prefix, err)
	}
	if !ok {
		return fmt.Errorf("authrecords: put %s: write condition not satisfied", rt.prefix)
	}
	return nil
}

// Get decrypts and returns the record stored under rt/id.
// Returns store.ErrNotFound if absent or expired.
func Get[T any](ctx context.Context, s *Store, rt RecordType, id string) (T, error) {
	var zero T
	stored, err := s.backend.Get(ctx, rt.storeKey(id))
	if err != nil {
		return zero, err
	}
	plain, err := decryptRecord(id, stored)
	if err != nil {
		return zero, err
	}
	var rec T
	if err := json.Unmarshal(plain, &rec); err != nil {
		return zero, fmt.Errorf("authrecords: unmarshal %s: %w", rt.prefix, err)
	}
	return rec, nil
}

// GetAndDelete atomically reads and removes the record stored under rt/id.
func GetAndDelete[T any](ctx context.Context, s *Store, rt RecordType, id string) (T, error) {
	var zero T
	stored, err := s.backend.GetAndDelete(ctx, rt.storeKey(id))
	if err != nil {
		return zero, err
	}
	plain, err := decryptRecord(id, stored)
	if err != nil {
		return zero, err
	}
	var rec T
	if err := json.Unmarshal(plain, &rec); err != nil {
		return zero, fmt.Errorf("authrecords: unmarshal %s: %w", rt.prefix, err)
	}
	return rec, nil
}

// Delete removes the record stored under rt/id, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, rt RecordType, id string) (bool, error) {
	return s.backend.Delete(ctx, rt.storeKey(id))
}

// Exists reports whether a (possibly expired-but-not-yet-reaped) record exists.
func (s *Store) Exists(ctx context.Context, rt RecordType, id string) (bool, error) {
	return s.backend.Exists(ctx, rt.storeKey(id))
}

// usedFlagKey is the key for the one-shot replay guard: a separate marker key
// rather than a field inside the (encrypted) exchange record, so the flip can
// be performed with a single atomic NX write instead of a read-modify-write.
func usedFlagKey(code string) string {
	return ExchangeRecord.prefix + "used:" + ExchangeRecord.storeKey(code)[len(ExchangeRecord.prefix):]
}

// CompareAndSetUsed implements the TokenExchange replay-protection primitive
// (spec §3 TokenExchange, §8 P2). It atomically claims a one-shot marker for
// code via a conditional (NX) write: the first caller wins and must proceed
// with the exchange, every subsequent caller for the same code loses and must
// treat the request as a replay. This is a single compare-and-set against the
// shared store, so it is correct under concurrent callers, unlike a
// read-then-write against the exchange record itself.
func CompareAndSetUsed(ctx context.Context, s *Store, code string, ttl time.Duration) (won bool, err error) {
	ok, _, err := s.backend.Set(ctx, usedFlagKey(code), []byte("1"), store.SetOptions{
		TTL:          ttl,
		OnlyIfAbsent: true,
	})
	if err != nil {
		return false, fmt.Errorf("authrecords: claim replay guard: %w", err)
	}
	return ok, nil
}
