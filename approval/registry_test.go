package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/encoding"
	"github.com/mark3labs/signet/store"
)

func testRequest(id string, created time.Time) *signet.SigningRequest {
	return &signet.SigningRequest{
		ID:        id,
		Origin:    signet.OriginWalletConnect,
		ChainID:   signet.EthereumMainnet,
		Method:    signet.MethodPersonalSign,
		Data:      &signet.EVMSignMessage{Payload: []byte("hello")},
		CreatedAt: created,
	}
}

func testEntry(id string, created time.Time, resolve Resolver) *Entry {
	req := testRequest(id, created)
	return NewEntry(req, signet.DisplayData{RequestID: id, Created: created}, resolve)
}

func TestRegistryResolvesOnce(t *testing.T) {
	r := NewRegistry()
	var calls int32
	var got Outcome
	if _, err := r.Register(testEntry("a", time.Now(), func(o Outcome) {
		atomic.AddInt32(&calls, 1)
		got = o
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	want := &signet.SignOutcome{Signature: "0xsig"}
	if err := r.Resolve("a", Outcome{Result: want}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Result != want {
		t.Errorf("resolver got %+v", got)
	}

	err := r.Resolve("a", Outcome{Err: errors.New("late")})
	if !errors.Is(err, signet.ErrAlreadyResolved) {
		t.Errorf("second Resolve err = %v, want ErrAlreadyResolved", err)
	}
	if calls != 1 {
		t.Errorf("resolver called %d times, want 1", calls)
	}
	if err := r.Resolve("missing", Outcome{}); !errors.Is(err, signet.ErrRequestNotFound) {
		t.Errorf("unknown id err = %v, want ErrRequestNotFound", err)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	nop := func(Outcome) {}
	if _, err := r.Register(testEntry("a", time.Now(), nop)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(testEntry("a", time.Now(), nop)); !errors.Is(err, signet.ErrDuplicateRequest) {
		t.Errorf("duplicate pending id: err = %v", err)
	}
	_ = r.Resolve("a", Outcome{})
	if _, err := r.Register(testEntry("a", time.Now(), nop)); !errors.Is(err, signet.ErrDuplicateRequest) {
		t.Errorf("reused resolved id: err = %v", err)
	}
	if _, err := r.Register(&Entry{RequestID: "b"}); err == nil {
		t.Error("entry without resolver must be rejected")
	}
}

func TestRegistryRetention(t *testing.T) {
	r := NewRegistry(WithRetention(time.Hour))
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	nop := func(Outcome) {}

	for _, id := range []string{"a", "b"} {
		if _, err := r.Register(testEntry(id, clock, nop)); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	_ = r.Resolve("a", Outcome{})
	clock = clock.Add(30 * time.Minute)
	_ = r.Resolve("b", Outcome{})

	clock = clock.Add(45 * time.Minute)
	if err := r.Resolve("b", Outcome{}); !errors.Is(err, signet.ErrAlreadyResolved) {
		t.Errorf("within retention: err = %v, want ErrAlreadyResolved", err)
	}
	if err := r.Resolve("a", Outcome{}); !errors.Is(err, signet.ErrRequestNotFound) {
		t.Errorf("after retention: err = %v, want ErrRequestNotFound", err)
	}
	if _, err := r.Register(testEntry("a", clock, nop)); err != nil {
		t.Errorf("expired id should be reusable: %v", err)
	}
	if _, err := r.Register(testEntry("b", clock, nop)); !errors.Is(err, signet.ErrDuplicateRequest) {
		t.Errorf("retained id reused: err = %v", err)
	}
	if len(r.order) != 1 {
		t.Errorf("remembered ids = %d, want 1", len(r.order))
	}
}

func TestRegistryConcurrentResolve(t *testing.T) {
	r := NewRegistry()
	var calls int32
	_, _ = r.Register(testEntry("a", time.Now(), func(Outcome) { atomic.AddInt32(&calls, 1) }))

	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Resolve("a", Outcome{}); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || calls != 1 {
		t.Errorf("wins = %d, resolver calls = %d, want 1 and 1", wins, calls)
	}
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	codes := make(map[string]signet.ErrorCode)
	for _, id := range []string{"a", "b", "c"} {
		id := id
		_, _ = r.Register(testEntry(id, time.Now(), func(o Outcome) {
			mu.Lock()
			codes[id] = signet.CodeOf(o.Err)
			mu.Unlock()
		}))
	}

	if n := r.CancelAll("session closed"); n != 3 {
		t.Errorf("cancelled %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after CancelAll", r.Len())
	}
	for _, id := range []string{"a", "b", "c"} {
		if codes[id] != signet.ErrCodeSessionTerminated {
			t.Errorf("%s resolved with %s", id, codes[id])
		}
		if err := r.Resolve(id, Outcome{}); !errors.Is(err, signet.ErrAlreadyResolved) {
			t.Errorf("%s: Resolve after CancelAll err = %v", id, err)
		}
	}
}

func TestRegistryPending(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nop := func(Outcome) {}
	_, _ = r.Register(testEntry("late", base.Add(time.Minute), nop))
	_, _ = r.Register(testEntry("early", base, nop))

	pending := r.Pending()
	if len(pending) != 2 || pending[0].RequestID != "early" || pending[1].RequestID != "late" {
		t.Errorf("pending = %+v", pending)
	}
	if _, ok := r.Get("early"); !ok {
		t.Error("Get(early) not found")
	}
	if _, ok := r.Get("nope"); ok {
		t.Error("Get(nope) found")
	}
}

func TestRegistryPersistence(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r := NewRegistry(WithStore(s))

	_, _ = r.Register(testEntry("a", time.Now(), func(Outcome) {}))
	if _, err := s.Get(ctx, store.ApprovalKey("a")); err != nil {
		t.Fatalf("pending approval not persisted: %v", err)
	}
	_ = r.Resolve("a", Outcome{})
	if _, err := s.Get(ctx, store.ApprovalKey("a")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("resolved approval still stored: %v", err)
	}
}

func TestRegistryRecover(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	data, err := encoding.EncodeRequest(testRequest("orphan", time.Now()))
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	_ = s.Set(ctx, store.ApprovalKey("orphan"), data)
	_ = s.Set(ctx, store.ApprovalKey("garbage"), []byte("{"))

	r := NewRegistry(WithStore(s))
	_, _ = r.Register(testEntry("live", time.Now(), func(Outcome) {}))

	var recovered []string
	n, err := r.Recover(ctx, func(req *signet.SigningRequest, err error) {
		if !errors.Is(err, signet.ErrSessionTerminated) {
			t.Errorf("recover err = %v", err)
		}
		recovered = append(recovered, req.ID)
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 || len(recovered) != 1 || recovered[0] != "orphan" {
		t.Errorf("recovered %d: %v", n, recovered)
	}
	keys, _ := s.Keys(ctx, store.ApprovalPrefix)
	if len(keys) != 1 || keys[0] != store.ApprovalKey("live") {
		t.Errorf("remaining keys = %v, want only the live approval", keys)
	}
}
