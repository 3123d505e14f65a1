// Package approval suspends signing requests until the user decides on them.
// The Registry is the only place a pending request's caller is resolved; the
// Controller drives each request through its states and dispatches approved
// payloads.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/encoding"
	"github.com/mark3labs/signet/store"
)

// Outcome resolves a pending request: exactly one of Result and Err is set.
type Outcome struct {
	Result *signet.SignOutcome
	Err    error
}

// Resolver delivers the outcome to the request's caller.
type Resolver func(Outcome)

// Entry is a pending approval.
type Entry struct {
	RequestID string
	Request   *signet.SigningRequest
	Display   signet.DisplayData

	resolve Resolver
}

// NewEntry creates an entry for req. resolve is called at most once.
func NewEntry(req *signet.SigningRequest, display signet.DisplayData, resolve Resolver) *Entry {
	return &Entry{RequestID: req.ID, Request: req, Display: display, resolve: resolve}
}

// DefaultRetention is how long a resolved id keeps answering
// ErrAlreadyResolved and blocking reuse.
const DefaultRetention = 24 * time.Hour

type resolvedID struct {
	id string
	at time.Time
}

// Registry holds pending approvals keyed by request id. Resolved ids are
// remembered for the retention window; after it a repeated Resolve reports
// ErrRequestNotFound instead of ErrAlreadyResolved. The resolver itself never
// runs twice either way.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	resolved  map[string]time.Time
	order     []resolvedID
	retention time.Duration
	now       func() time.Time

	store  store.Store
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStore persists pending request envelopes so a restarted process can
// report them with Recover.
func WithStore(s store.Store) RegistryOption {
	return func(r *Registry) {
		r.store = s
	}
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRetention sets how long resolved ids are remembered.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:   make(map[string]*Entry),
		resolved:  make(map[string]time.Time),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds e and returns its id.
func (r *Registry) Register(e *Entry) (string, error) {
	if e == nil || e.RequestID == "" || e.resolve == nil {
		return "", errors.New("approval: entry needs an id and a resolver")
	}
	r.mu.Lock()
	if _, ok := r.entries[e.RequestID]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", signet.ErrDuplicateRequest, e.RequestID)
	}
	if r.wasResolved(e.RequestID) {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", signet.ErrDuplicateRequest, e.RequestID)
	}
	r.entries[e.RequestID] = e
	r.mu.Unlock()

	r.persist(e)
	return e.RequestID, nil
}

// Resolve removes the entry and invokes its resolver outside the lock. A
// second call for the same id returns ErrAlreadyResolved and never reaches
// the resolver.
func (r *Registry) Resolve(id string, outcome Outcome) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		done := r.wasResolved(id)
		r.mu.Unlock()
		if done {
			return signet.NewSigningError(signet.ErrCodeAlreadyResolved,
				fmt.Sprintf("request %s was already resolved", id), nil)
		}
		return fmt.Errorf("%w: %s", signet.ErrRequestNotFound, id)
	}
	delete(r.entries, id)
	r.remember(id)
	r.mu.Unlock()

	r.forget(id)
	e.resolve(outcome)
	return nil
}

// remember must be called with r.mu held.
func (r *Registry) remember(id string) {
	now := r.now()
	r.resolved[id] = now
	r.order = append(r.order, resolvedID{id: id, at: now})
	r.expire(now)
}

// wasResolved must be called with r.mu held.
func (r *Registry) wasResolved(id string) bool {
	r.expire(r.now())
	_, ok := r.resolved[id]
	return ok
}

// expire drops ids resolved before the retention window. Must be called with
// r.mu held.
func (r *Registry) expire(now time.Time) {
	cutoff := now.Add(-r.retention)
	n := 0
	for n < len(r.order) && r.order[n].at.Before(cutoff) {
		delete(r.resolved, r.order[n].id)
		n++
	}
	if n > 0 {
		r.order = r.order[n:]
	}
}

// CancelAll resolves every pending entry with ErrSessionTerminated and
// returns how many were cancelled.
func (r *Registry) CancelAll(reason string) int {
	r.mu.Lock()
	pending := make([]*Entry, 0, len(r.entries))
	for id, e := range r.entries {
		pending = append(pending, e)
		delete(r.entries, id)
		r.remember(id)
	}
	r.mu.Unlock()

	for _, e := range pending {
		r.forget(e.RequestID)
		e.resolve(Outcome{Err: signet.NewSigningError(signet.ErrCodeSessionTerminated, reason, nil)})
	}
	if len(pending) > 0 {
		r.logger.Info("pending approvals cancelled", "count", len(pending), "reason", reason)
	}
	return len(pending)
}

// Pending returns the display data of every pending entry, oldest first.
func (r *Registry) Pending() []signet.DisplayData {
	r.mu.Lock()
	out := make([]signet.DisplayData, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Display)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Get returns the display data of a pending entry.
func (r *Registry) Get(id string) (signet.DisplayData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return signet.DisplayData{}, false
	}
	return e.Display, true
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) request(id string) (*signet.SigningRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.Request, true
}

func (r *Registry) setDisplay(id string, display signet.DisplayData) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.Display = display
	return true
}

// Recover reports requests that were pending when a previous process stopped.
// Each one is removed from the store and passed to fn with an
// ErrSessionTerminated error.
func (r *Registry) Recover(ctx context.Context, fn func(req *signet.SigningRequest, err error)) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	keys, err := r.store.Keys(ctx, store.ApprovalPrefix)
	if err != nil {
		return 0, fmt.Errorf("list pending approvals: %w", err)
	}

	n := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, store.ApprovalPrefix)
		r.mu.Lock()
		_, live := r.entries[id]
		r.mu.Unlock()
		if live {
			continue
		}

		data, err := r.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("load %s: %w", key, err)
		}
		if err := r.store.Delete(ctx, key); err != nil {
			return n, fmt.Errorf("delete %s: %w", key, err)
		}
		req, err := encoding.DecodeRequest(data)
		if err != nil {
			r.logger.Warn("dropping unreadable approval record", "key", key, "error", err)
			continue
		}
		fn(req, signet.NewSigningError(signet.ErrCodeSessionTerminated, "wallet restarted before the request was resolved", nil))
		n++
	}
	return n, nil
}

func (r *Registry) persist(e *Entry) {
	if r.store == nil {
		return
	}
	data, err := encoding.EncodeRequest(e.Request)
	if err != nil {
		r.logger.Warn("approval not persisted", "id", e.RequestID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Set(ctx, store.ApprovalKey(e.RequestID), data); err != nil {
		r.logger.Warn("approval not persisted", "id", e.RequestID, "error", err)
	}
}

func (r *Registry) forget(id string) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Delete(ctx, store.ApprovalKey(id)); err != nil {
		r.logger.Warn("approval record not deleted", "id", id, "error", err)
	}
}
