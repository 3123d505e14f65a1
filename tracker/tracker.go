// Package tracker follows the source leg of bridge transfers until it reaches
// the confirmation threshold, fails on chain or runs out of time. Each
// tracked transaction has its own goroutine and cancel func, keyed by source
// tx hash, and every change is persisted so tracking survives restarts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/encoding"
	"github.com/mark3labs/signet/metrics"
	"github.com/mark3labs/signet/store"
)

// DefaultPollInterval is how often status providers are polled.
const DefaultPollInterval = 5 * time.Second

// Event reports a tracked transfer reaching a terminal state. Err is nil on
// confirmation and wraps ErrReverted or ErrConfirmationTimeout otherwise.
type Event struct {
	Tx  signet.BridgeTransaction
	Err error
}

// StaticBridgeConfig is a fixed BridgeConfig.
type StaticBridgeConfig struct {
	Confirmations map[signet.ChainID]uint64
	MaxDuration   time.Duration
}

// RequiredConfirmations implements signet.BridgeConfig.
func (c StaticBridgeConfig) RequiredConfirmations(source signet.ChainID) (uint64, bool) {
	n, ok := c.Confirmations[source]
	return n, ok
}

// MaxTrackingDuration implements signet.BridgeConfig.
func (c StaticBridgeConfig) MaxTrackingDuration() time.Duration {
	return c.MaxDuration
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker owns every in-flight bridge subscription.
type Tracker struct {
	config    signet.BridgeConfig
	providers map[signet.ChainID]signet.StatusProvider
	store     store.Store
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	active    map[string]*task
	onDone    []func(Event)
	onUpdate  []func(signet.BridgeTransaction)
	persistMu sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithProvider registers the status provider for chain.
func WithProvider(chain signet.ChainID, p signet.StatusProvider) Option {
	return func(t *Tracker) {
		t.providers[chain] = p
	}
}

// WithStore persists tracked transfers.
func WithStore(s store.Store) Option {
	return func(t *Tracker) {
		t.store = s
	}
}

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// New creates a Tracker. config supplies confirmation thresholds and the
// tracking deadline.
func New(config signet.BridgeConfig, opts ...Option) (*Tracker, error) {
	if config == nil {
		return nil, errors.New("tracker: bridge config is required")
	}
	t := &Tracker{
		config:    config,
		providers: make(map[signet.ChainID]signet.StatusProvider),
		interval:  DefaultPollInterval,
		logger:    slog.Default(),
		active:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// OnComplete registers fn for terminal events. Each tracked transfer produces
// exactly one event unless it is stopped first.
func (t *Tracker) OnComplete(fn func(Event)) {
	t.mu.Lock()
	t.onDone = append(t.onDone, fn)
	t.mu.Unlock()
}

// OnUpdate registers fn for confirmation progress.
func (t *Tracker) OnUpdate(fn func(signet.BridgeTransaction)) {
	t.mu.Lock()
	t.onUpdate = append(t.onUpdate, fn)
	t.mu.Unlock()
}

// Track starts following tx. It returns false without starting a second
// task when tx.SourceTxHash is already tracked, or when tx or its persisted
// record is already terminal.
// The task lives until a terminal state, Stop, or the end of ctx.
func (t *Tracker) Track(ctx context.Context, tx signet.BridgeTransaction) (bool, error) {
	if tx.SourceTxHash == "" {
		return false, signet.InvalidParams("sourceTxHash", "missing")
	}
	if tx.Terminal() {
		return false, nil
	}
	provider, ok := t.providers[tx.SourceChain]
	if !ok {
		return false, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no status provider for %s", tx.SourceChain), nil).WithDetails("chain", string(tx.SourceChain))
	}
	if required, ok := t.config.RequiredConfirmations(tx.SourceChain); ok {
		tx.RequiredConfirmationCount = required
	}
	if tx.RequiredConfirmationCount == 0 {
		return false, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no confirmation threshold for %s", tx.SourceChain), nil).WithDetails("chain", string(tx.SourceChain))
	}
	if tx.SourceStartedAt.IsZero() {
		tx.SourceStartedAt = time.Now().UTC()
	}

	t.mu.Lock()
	if _, ok := t.active[tx.SourceTxHash]; ok {
		t.mu.Unlock()
		return false, nil
	}
	tctx, cancel := context.WithCancel(ctx)
	tk := &task{cancel: cancel, done: make(chan struct{})}
	t.active[tx.SourceTxHash] = tk
	t.mu.Unlock()

	// A finished transfer keeps its record; tracking it again would reopen it.
	stored, err := t.Get(ctx, tx.SourceTxHash)
	switch {
	case err == nil && stored.Terminal():
		t.release(tx.SourceTxHash, tk)
		close(tk.done)
		t.logger.Debug("bridge transaction already finished", "tx", tx.SourceTxHash)
		return false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		t.logger.Warn("bridge record not loaded", "tx", tx.SourceTxHash, "error", err)
	}

	if err := t.persist(tx); err != nil {
		t.logger.Warn("bridge transaction not persisted", "tx", tx.SourceTxHash, "error", err)
	}
	t.metrics.TrackerStarted()
	t.logger.Info("tracking bridge transaction",
		"tx", tx.SourceTxHash,
		"source", tx.SourceChain,
		"target", tx.TargetChain,
		"required", tx.RequiredConfirmationCount,
	)

	go t.run(tctx, tk, provider, tx)
	return true, nil
}

// release frees hash's slot if tk still holds it.
func (t *Tracker) release(hash string, tk *task) {
	t.mu.Lock()
	if t.active[hash] == tk {
		delete(t.active, hash)
	}
	t.mu.Unlock()
	tk.cancel()
}

func (t *Tracker) run(ctx context.Context, tk *task, provider signet.StatusProvider, tx signet.BridgeTransaction) {
	outcome := ""
	defer func() {
		t.release(tx.SourceTxHash, tk)
		t.metrics.TrackerStopped(outcome)
		close(tk.done)
	}()

	deadline := tx.SourceStartedAt.Add(t.config.MaxTrackingDuration())
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		var done bool
		tx, done = t.poll(ctx, provider, tx)
		if done {
			outcome = t.finish(tx)
			return
		}
		if t.config.MaxTrackingDuration() > 0 && !time.Now().Before(deadline) {
			tx.TimedOut = true
			outcome = t.finish(tx)
			return
		}

		select {
		case <-ctx.Done():
			t.logger.Debug("bridge tracking stopped", "tx", tx.SourceTxHash, "reason", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

// poll applies one status snapshot. It reports true when tx became terminal.
func (t *Tracker) poll(ctx context.Context, provider signet.StatusProvider, tx signet.BridgeTransaction) (signet.BridgeTransaction, bool) {
	status, err := provider.TxStatus(ctx, tx.SourceTxHash)
	if err == nil && status == nil {
		err = errors.New("empty status")
	}
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("status poll failed", "tx", tx.SourceTxHash, "chain", tx.SourceChain, "error", err)
		}
		return tx, false
	}

	switch status.State {
	case signet.TxFailed:
		tx.Reverted = true
		return tx, true
	case signet.TxIncluded:
		observed := status.Confirmations
		if status.Finalized && observed < tx.RequiredConfirmationCount {
			observed = tx.RequiredConfirmationCount
		}
		if observed > tx.RequiredConfirmationCount {
			observed = tx.RequiredConfirmationCount
		}
		if observed > tx.ConfirmationCount {
			tx.ConfirmationCount = observed
			if observed >= tx.RequiredConfirmationCount {
				tx.Complete = true
				return tx, true
			}
			if err := t.persist(tx); err != nil {
				t.logger.Warn("bridge progress not persisted", "tx", tx.SourceTxHash, "error", err)
			}
			t.notifyUpdate(tx)
		}
	}
	return tx, false
}

// finish persists a terminal record and emits its event.
func (t *Tracker) finish(tx signet.BridgeTransaction) string {
	now := time.Now().UTC()
	tx.CompletedAt = &now
	if err := t.persist(tx); err != nil {
		t.logger.Warn("terminal bridge state not persisted", "tx", tx.SourceTxHash, "error", err)
	}

	ev := Event{Tx: tx}
	outcome := "confirmed"
	switch {
	case tx.Reverted:
		outcome = "reverted"
		ev.Err = signet.NewSigningError(signet.ErrCodeReverted, "source transaction failed on chain", nil).
			WithDetails("tx", tx.SourceTxHash)
	case tx.TimedOut:
		outcome = "timed_out"
		ev.Err = signet.NewSigningError(signet.ErrCodeConfirmationTimeout,
			fmt.Sprintf("%d of %d confirmations after %s", tx.ConfirmationCount, tx.RequiredConfirmationCount, t.config.MaxTrackingDuration()), nil).
			WithDetails("tx", tx.SourceTxHash)
	}
	t.logger.Info("bridge transaction finished",
		"tx", tx.SourceTxHash,
		"outcome", outcome,
		"confirmations", fmt.Sprintf("%d/%d", tx.ConfirmationCount, tx.RequiredConfirmationCount),
	)

	t.notifyUpdate(tx)
	t.mu.Lock()
	listeners := make([]func(Event), len(t.onDone))
	copy(listeners, t.onDone)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
	return outcome
}

func (t *Tracker) notifyUpdate(tx signet.BridgeTransaction) {
	t.mu.Lock()
	listeners := make([]func(signet.BridgeTransaction), len(t.onUpdate))
	copy(listeners, t.onUpdate)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(tx)
	}
}

// Stop cancels tracking of hash and waits for its goroutine to exit. The
// persisted record is left as is so Resume picks it up again.
func (t *Tracker) Stop(hash string) bool {
	t.mu.Lock()
	tk, ok := t.active[hash]
	if ok {
		delete(t.active, hash)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	tk.cancel()
	<-tk.done
	return true
}

// StopAll cancels every task and waits for them to exit.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	tasks := make([]*task, 0, len(t.active))
	for hash, tk := range t.active {
		tasks = append(tasks, tk)
		delete(t.active, hash)
	}
	t.mu.Unlock()

	for _, tk := range tasks {
		tk.cancel()
	}
	for _, tk := range tasks {
		<-tk.done
	}
	if len(tasks) > 0 {
		t.logger.Info("bridge tracking stopped", "count", len(tasks))
	}
}

// Active returns the hashes currently tracked.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.active))
	for hash := range t.active {
		out = append(out, hash)
	}
	return out
}

// IsTracking reports whether hash has a running task.
func (t *Tracker) IsTracking(hash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[hash]
	return ok
}

// Get returns the persisted record for hash.
func (t *Tracker) Get(ctx context.Context, hash string) (signet.BridgeTransaction, error) {
	if t.store == nil {
		return signet.BridgeTransaction{}, store.ErrNotFound
	}
	data, err := t.store.Get(ctx, store.BridgeKey(hash))
	if err != nil {
		return signet.BridgeTransaction{}, err
	}
	return encoding.DecodeBridgeTransaction(data)
}

// Resume re-subscribes every persisted transfer that is not terminal and
// returns how many tasks were started. A record that cannot be loaded or
// tracked is logged and skipped.
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	keys, err := t.store.Keys(ctx, store.BridgePrefix)
	if err != nil {
		return 0, fmt.Errorf("list bridge transactions: %w", err)
	}

	var started int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			data, err := t.store.Get(gctx, key)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load %s: %w", key, err)
			}
			tx, err := encoding.DecodeBridgeTransaction(data)
			if err != nil {
				t.logger.Warn("skipping unreadable bridge record", "key", key, "error", err)
				return nil
			}
			if tx.Terminal() {
				return nil
			}
			ok, err := t.Track(ctx, tx)
			if err != nil {
				t.logger.Warn("bridge record not resumed", "tx", tx.SourceTxHash, "error", err)
				return nil
			}
			if ok {
				atomic.AddInt32(&started, 1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(started), err
}

func (t *Tracker) persist(tx signet.BridgeTransaction) error {
	if t.store == nil {
		return nil
	}
	data, err := encoding.EncodeBridgeTransaction(tx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.persistMu.Lock()
	defer t.persistMu.Unlock()
	return t.store.Set(ctx, store.BridgeKey(tx.SourceTxHash), data)
}
