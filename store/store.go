// Package store persists signet records behind a minimal key/value contract.
// Bridge transactions and pending-approval envelopes are stored as JSON under
// prefixed keys; the in-memory and Redis implementations are interchangeable.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: not found")

// Key prefixes.
const (
	BridgePrefix   = "bridge:"
	ApprovalPrefix = "approval:"
)

// Store is a key/value store. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// BridgeKey returns the key of a bridge transaction.
func BridgeKey(sourceTxHash string) string {
	return BridgePrefix + sourceTxHash
}

// ApprovalKey returns the key of a pending approval envelope.
func ApprovalKey(requestID string) string {
	return ApprovalPrefix + requestID
}
