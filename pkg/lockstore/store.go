// Package lockstore implements spec.md §4.2: named leases with fencing
// tokens, and JSON-document compare-and-swap over a Redis-like key-value
// service. It stands in for the "Redis + JSON module family" the spec
// describes using plain go-redis strings holding canonical JSON plus
// WATCH/MULTI/EXEC — see SPEC_FULL.md's note on why no RedisJSON client is
// wired (none appears anywhere in the retrieved example corpus).
package lockstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the lock & state store. All keys are namespaced under prefix,
// per spec.md §4.2 ("All keys are namespaced by an installation prefix").
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New creates a Store. prefix is the installation-wide key namespace
// (config.Config.RedisKeyPrefix).
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) fullKey(name string) string {
	return fmt.Sprintf("%s:%s", s.prefix, escapeKey(name))
}

// document is the on-wire shape of every CAS-managed key: a lock nonce
// (empty when unheld), a monotonic update_number, and an opaque payload.
type document struct {
	Lock         string          `json:"lock,omitempty"`
	UpdateNumber int64           `json:"update_number"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Lease represents a held lock, identified by its fencing token (the
// random nonce written into the document's "lock" field).
type Lease struct {
	Name  string
	Token string
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AcquireLease creates the lock `{lock: nonce}` only if no lock is
// currently held, with the TTL enforced server-side by Redis's own key
// expiry. Returns the fencing token on success, or (nil, nil) if the lease
// is already held by someone else — callers poll/defer per spec.md §5
// ("the second observes the lease and defers").
func (s *Store) AcquireLease(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := s.fullKey(name)
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("generating lease nonce: %w", err)
	}

	var acquired bool
	txf := func(tx *redis.Tx) error {
		doc, err := readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		if doc.Lock != "" {
			acquired = false
			return nil
		}
		doc.Lock = nonce
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		acquired = true
		return nil
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if !acquired {
		return nil, nil
	}
	return &Lease{Name: name, Token: nonce}, nil
}

// ReleaseLease clears the lock field, presenting the same nonce that was
// returned by AcquireLease. A mismatched or already-expired lease is not
// an error: the lease is gone either way.
func (s *Store) ReleaseLease(ctx context.Context, lease *Lease) error {
	key := s.fullKey(lease.Name)
	txf := func(tx *redis.Tx) error {
		doc, err := readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		if doc.Lock != lease.Token {
			return nil // already released, stolen, or expired
		}
		ttl := tx.TTL(ctx, key).Val()
		doc.Lock = ""
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ttl > 0 {
				pipe.Set(ctx, key, raw, ttl)
			} else {
				pipe.Set(ctx, key, raw, 0)
			}
			return nil
		})
		return err
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("releasing lease %s: %w", lease.Name, err)
	}
	return nil
}

// CurrentUpdateNumber reads the update_number of a key without acquiring
// its lease, for resumption logic (spec.md §4.7 "Failure and resumption").
func (s *Store) CurrentUpdateNumber(ctx context.Context, name string) (int64, error) {
	raw, err := s.rdb.Get(ctx, s.fullKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", name, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", name, err)
	}
	return doc.UpdateNumber, nil
}

// ReadPayload reads the current JSON payload and update_number of a key,
// without requiring lease ownership.
func (s *Store) ReadPayload(ctx context.Context, name string) (json.RawMessage, int64, error) {
	raw, err := s.rdb.Get(ctx, s.fullKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", name, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("decoding %s: %w", name, err)
	}
	return doc.Payload, doc.UpdateNumber, nil
}

// MutateFunc transforms the current payload into a new one. Returning an
// error aborts the mutation without writing anything.
type MutateFunc func(current json.RawMessage) (json.RawMessage, error)

// Mutate performs a read-modify-write of a leased key's payload inside a
// WATCH/MULTI/EXEC transaction (spec.md §4.2, invariant 5 in §3): the
// caller must hold a currently-valid lease (lease.Token must still match
// the stored lock), and on success update_number increments by exactly
// one and the key's TTL is refreshed to ttl.
func (s *Store) Mutate(ctx context.Context, lease *Lease, ttl time.Duration, fn MutateFunc) (int64, error) {
	key := s.fullKey(lease.Name)
	var newUpdateNumber int64

	txf := func(tx *redis.Tx) error {
		doc, err := readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
		if doc.Lock != lease.Token {
			return &LockError{Key: lease.Name, Message: "lease no longer held (stolen, expired, or released)"}
		}

		newPayload, err := fn(doc.Payload)
		if err != nil {
			return err
		}

		doc.Payload = newPayload
		doc.UpdateNumber++
		newUpdateNumber = doc.UpdateNumber

		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttl)
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, key)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return 0, &LockError{Key: lease.Name, Message: "concurrent modification detected (watch aborted)"}
	case err != nil:
		var lockErr *LockError
		if errors.As(err, &lockErr) {
			return 0, lockErr
		}
		return 0, fmt.Errorf("mutating %s: %w", lease.Name, err)
	}
	return newUpdateNumber, nil
}

// PutCache stores a plain, lease-free TTL-expiring value, for callers that
// only need simple get/set/delete caching semantics (provider discovery
// documents, JWKS, PKCE verifiers, state tokens) rather than the
// lease+CAS machinery above, grounded on original_source's
// OIDCUtility (a plain `redis.set(key, value, ex=ttl)` / `redis.get` /
// `redis.delete` user that never touches WATCH/MULTI).
func (s *Store) PutCache(ctx context.Context, name string, payload []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.fullKey(name), payload, ttl).Err(); err != nil {
		return fmt.Errorf("caching %s: %w", name, err)
	}
	return nil
}

// GetCache reads a value stored by PutCache. found is false if the key is
// absent or has expired.
func (s *Store) GetCache(ctx context.Context, name string) (payload []byte, found bool, err error) {
	raw, err := s.rdb.Get(ctx, s.fullKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache %s: %w", name, err)
	}
	return raw, true, nil
}

// DeleteCache removes a value stored by PutCache. One-time-use callers
// (PKCE verifiers, logout state) call this after a successful GetCache to
// prevent replay.
func (s *Store) DeleteCache(ctx context.Context, name string) error {
	if err := s.rdb.Del(ctx, s.fullKey(name)).Err(); err != nil {
		return fmt.Errorf("deleting cache %s: %w", name, err)
	}
	return nil
}

// readDoc reads and decodes a document inside a WATCH transaction,
// returning an empty document if the key doesn't exist yet. Any non-nil
// slot in a multi-command pipeline response is treated as a transaction
// abort by the go-redis Watch machinery itself; this function is only ever
// called with a single GET, so the "no silent partial reads" concern in
// spec.md §4.2 reduces to checking redis.Nil explicitly.
func readDoc(ctx context.Context, tx *redis.Tx, key string) (document, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return document{}, nil
	}
	if err != nil {
		return document{}, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("decoding document at %s: %w", key, err)
	}
	return doc, nil
}
