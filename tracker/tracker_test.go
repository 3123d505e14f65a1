package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/encoding"
	"github.com/mark3labs/signet/store"
)

// fakeProvider serves statuses from a script; the last entry repeats.
type fakeProvider struct {
	mu       sync.Mutex
	statuses []signet.TxStatus
	err      error
	calls    int
}

func (p *fakeProvider) TxStatus(ctx context.Context, hash string) (*signet.TxStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls - 1
	if i >= len(p.statuses) {
		i = len(p.statuses) - 1
	}
	st := p.statuses[i]
	return &st, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testConfig(max time.Duration) StaticBridgeConfig {
	return StaticBridgeConfig{
		Confirmations: map[signet.ChainID]uint64{signet.EthereumMainnet: 15},
		MaxDuration:   max,
	}
}

func testTx(hash string) signet.BridgeTransaction {
	return signet.BridgeTransaction{
		SourceChain:  signet.EthereumMainnet,
		TargetChain:  signet.AvalancheCChain,
		SourceTxHash: hash,
		Amount:       decimal.RequireFromString("1.5"),
		Symbol:       "ETH",
	}
}

func newTracker(t *testing.T, p signet.StatusProvider, s store.Store, max time.Duration) (*Tracker, chan Event) {
	t.Helper()
	opts := []Option{
		WithProvider(signet.EthereumMainnet, p),
		WithPollInterval(10 * time.Millisecond),
	}
	if s != nil {
		opts = append(opts, WithStore(s))
	}
	tr, err := New(testConfig(max), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := make(chan Event, 4)
	tr.OnComplete(func(ev Event) { events <- ev })
	t.Cleanup(tr.StopAll)
	return tr, events
}

func waitEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
		return Event{}
	}
}

func waitIdle(t *testing.T, tr *Tracker, hash string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for tr.IsTracking(hash) {
		if time.Now().After(deadline) {
			t.Fatalf("%s still tracked", hash)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTrackConfirms(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{statuses: []signet.TxStatus{
		{State: signet.TxPending},
		{State: signet.TxIncluded, Confirmations: 20},
	}}
	tr, events := newTracker(t, p, s, time.Minute)

	ok, err := tr.Track(ctx, testTx("0xabc"))
	if err != nil || !ok {
		t.Fatalf("Track = %v, %v", ok, err)
	}

	ev := waitEvent(t, events)
	if ev.Err != nil {
		t.Fatalf("event err = %v", ev.Err)
	}
	if !ev.Tx.Complete || ev.Tx.ConfirmationCount != 15 || ev.Tx.RequiredConfirmationCount != 15 {
		t.Errorf("event tx = %+v", ev.Tx)
	}
	if ev.Tx.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	waitIdle(t, tr, "0xabc")

	stored, err := tr.Get(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.Complete || stored.ConfirmationCount != 15 {
		t.Errorf("stored = %+v", stored)
	}
	select {
	case ev := <-events:
		t.Errorf("second event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrackSkipsFinishedRecord(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{statuses: []signet.TxStatus{{State: signet.TxIncluded, Confirmations: 20}}}
	tr, events := newTracker(t, p, s, time.Minute)

	if ok, err := tr.Track(ctx, testTx("0xabc")); err != nil || !ok {
		t.Fatalf("Track = %v, %v", ok, err)
	}
	waitEvent(t, events)
	waitIdle(t, tr, "0xabc")
	calls := p.callCount()

	// The caller still holds the original, non-terminal value.
	ok, err := tr.Track(ctx, testTx("0xabc"))
	if err != nil || ok {
		t.Fatalf("Track of finished transfer = %v, %v, want false, nil", ok, err)
	}
	if tr.IsTracking("0xabc") {
		t.Error("finished transfer left an active task")
	}
	stored, err := tr.Get(ctx, "0xabc")
	if err != nil || !stored.Complete {
		t.Errorf("stored = %+v, %v, want complete", stored, err)
	}
	select {
	case ev := <-events:
		t.Errorf("second completion event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if p.callCount() != calls {
		t.Error("finished transfer was polled again")
	}
}

func TestTrackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{statuses: []signet.TxStatus{{State: signet.TxPending}}}
	tr, _ := newTracker(t, p, nil, time.Minute)

	if ok, _ := tr.Track(ctx, testTx("0xabc")); !ok {
		t.Fatal("first Track not started")
	}
	if ok, err := tr.Track(ctx, testTx("0xabc")); ok || err != nil {
		t.Errorf("second Track = %v, %v, want false, nil", ok, err)
	}
	if got := tr.Active(); len(got) != 1 {
		t.Errorf("Active = %v", got)
	}

	done := testTx("0xdone")
	done.Complete = true
	if ok, _ := tr.Track(ctx, done); ok {
		t.Error("terminal transfer was tracked")
	}
}

func TestTrackValidation(t *testing.T) {
	p := &fakeProvider{statuses: []signet.TxStatus{{State: signet.TxPending}}}
	tr, _ := newTracker(t, p, nil, time.Minute)

	noThreshold := testTx("0x1")
	noThreshold.SourceChain = signet.AvalancheCChain
	tr.providers[signet.AvalancheCChain] = p

	unknown := testTx("0x2")
	unknown.SourceChain = signet.SolanaMainnet

	tests := []struct {
		name string
		tx   signet.BridgeTransaction
		code signet.ErrorCode
	}{
		{name: "missing hash", tx: testTx(""), code: signet.ErrCodeInvalidParams},
		{name: "no provider", tx: unknown, code: signet.ErrCodeUnsupportedChain},
		{name: "no threshold", tx: noThreshold, code: signet.ErrCodeUnsupportedChain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tr.Track(context.Background(), tt.tx)
			if ok {
				t.Error("Track started")
			}
			if got := signet.CodeOf(err); got != tt.code {
				t.Errorf("code = %s, want %s (err %v)", got, tt.code, err)
			}
		})
	}
}

func TestTrackReverted(t *testing.T) {
	s := store.NewMemory()
	p := &fakeProvider{statuses: []signet.TxStatus{{State: signet.TxFailed}}}
	tr, events := newTracker(t, p, s, time.Minute)

	_, _ = tr.Track(context.Background(), testTx("0xbad"))
	ev := waitEvent(t, events)
	if !errors.Is(ev.Err, signet.ErrReverted) {
		t.Errorf("event err = %v, want ErrReverted", ev.Err)
	}
	if !ev.Tx.Reverted || ev.Tx.Complete {
		t.Errorf("tx = %+v", ev.Tx)
	}
}

func TestTrackTimesOut(t *testing.T) {
	p := &fakeProvider{statuses: []signet.TxStatus{{State: signet.TxIncluded, Confirmations: 3}}}
	tr, events := newTracker(t, p, store.NewMemory(), 50*time.Millisecond)

	_, _ = tr.Track(context.Background(), testTx("0xslow"))
	ev := waitEvent(t, events)
	if !errors.Is(ev.Err, signet.ErrConfirmationTimeout) {
		t.Errorf("event err = %v, want ErrConfirmationTimeout", ev.Err)
	}
	if !ev.Tx.TimedOut || ev.Tx.Complete || ev.Tx.ConfirmationCount != 3 {
		t.Errorf("tx = %+v", ev.Tx)
	}
}

func TestTrackProgressIsMonotonic(t *testing.T) {
	p := &fakeProvider{statuses: []signet.TxStatus{
		{State: signet.TxIncluded, Confirmations: 4},
		{State: signet.TxIncluded, Confirmations: 2},
		{State: signet.TxIncluded, Confirmations: 9},
		{State: signet.TxIncluded, Finalized: true},
	}}
	tr, events := newTracker(t, p, nil, time.Minute)

	var mu sync.Mutex
	var seen []uint64
	tr.OnUpdate(func(tx signet.BridgeTransaction) {
		mu.Lock()
		seen = append(seen, tx.ConfirmationCount)
		mu.Unlock()
	})

	_, _ = tr.Track(context.Background(), testTx("0xabc"))
	ev := waitEvent(t, events)
	if ev.Err != nil || ev.Tx.ConfirmationCount != 15 {
		t.Fatalf("event = %+v", ev)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []uint64{4, 9, 15}
	if len(seen) != len(want) {
		t.Fatalf("updates = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("updates = %v, want %v", seen, want)
			break
		}
	}
}

func TestTrackKeepsPollingOnErrors(t *testing.T) {
	p := &fakeProvider{err: errors.New("rpc down")}
	tr, events := newTracker(t, p, nil, time.Minute)

	_, _ = tr.Track(context.Background(), testTx("0xabc"))
	deadline := time.Now().Add(2 * time.Second)
	for p.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("provider not polled again after error")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !tr.IsTracking("0xabc") {
		t.Error("poll errors stopped tracking")
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestStop(t *testing.T) {
	s := store.NewMemory()
	p := &fakeProvider{statuses: []signet.TxStatus{{State: signet.TxPending}}}
	tr, events := newTracker(t, p, s, time.Minute)
	ctx := context.Background()

	_, _ = tr.Track(ctx, testTx("0xa"))
	_, _ = tr.Track(ctx, testTx("0xb"))

	if !tr.Stop("0xa") {
		t.Error("Stop(0xa) = false")
	}
	if tr.Stop("0xa") {
		t.Error("second Stop(0xa) = true")
	}
	tr.StopAll()
	if got := tr.Active(); len(got) != 0 {
		t.Errorf("Active after StopAll = %v", got)
	}
	select {
	case ev := <-events:
		t.Errorf("stopping emitted %+v", ev)
	default:
	}

	stored, err := tr.Get(ctx, "0xb")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Terminal() {
		t.Errorf("stopped transfer persisted as terminal: %+v", stored)
	}
}

func TestStopOnContextCancel(t *testing.T) {
	p := &fakeProvider{statuses: []signet.TxStatus{{State: signet.TxPending}}}
	tr, _ := newTracker(t, p, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	_, _ = tr.Track(ctx, testTx("0xa"))
	cancel()
	waitIdle(t, tr, "0xa")
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	put := func(tx signet.BridgeTransaction) {
		data, err := encoding.EncodeBridgeTransaction(tx)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := s.Set(ctx, store.BridgeKey(tx.SourceTxHash), data); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	pending := testTx("0xpending")
	pending.SourceStartedAt = time.Now().UTC()
	pending.RequiredConfirmationCount = 15
	pending.ConfirmationCount = 6
	put(pending)

	done := testTx("0xdone")
	done.Complete = true
	put(done)

	reverted := testTx("0xreverted")
	reverted.Reverted = true
	put(reverted)

	_ = s.Set(ctx, store.BridgeKey("0xgarbage"), []byte("not json"))

	p := &fakeProvider{statuses: []signet.TxStatus{{State: signet.TxIncluded, Confirmations: 15}}}
	tr, events := newTracker(t, p, s, time.Minute)

	n, err := tr.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 1 {
		t.Errorf("resumed %d, want 1", n)
	}
	ev := waitEvent(t, events)
	if ev.Tx.SourceTxHash != "0xpending" || !ev.Tx.Complete {
		t.Errorf("event = %+v", ev)
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) succeeded")
	}
}
