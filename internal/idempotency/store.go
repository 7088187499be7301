// Package idempotency maps deterministic request fingerprints to previously
// produced results so a repeated request converges to the same outcome
// without re-executing its side effect.
//
// Entries carry a bounded TTL: long enough to cover retry windows, short
// enough that keys do not accumulate forever.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultTTL bounds how long a stored result is returned for a repeated key.
const DefaultTTL = 24 * time.Hour

// Store is the port for the idempotency key-value store. All mutations are
// atomic per key; PutIfAbsent is the compare-and-set primitive concurrent
// callers race on.
type Store interface {
	// Get returns the stored value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key unconditionally with the given TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent stores value only if key has no value yet. It returns
	// true if this call won the key, false if another caller got there
	// first.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete releases key so a later PutIfAbsent can claim it again.
	// Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// Key builds a deterministic fingerprint from its parts. The sha256 keeps
// keys a fixed length regardless of what goes into them.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0}) // separator so ("ab","c") != ("a","bc")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Namespaced prefixes a key with an operation namespace, mirroring how the
// store is shared between charge results, request dedupe and webhook dedupe.
func Namespaced(operation, key string) string {
	return fmt.Sprintf("fulfillment:%s:%s", operation, key)
}
