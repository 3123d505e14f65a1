package chi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/signet"
	httpsignet "github.com/mark3labs/signet/http"
	"github.com/mark3labs/signet/normalize"
)

// fakeApprovals records decisions and serves a fixed pending list.
type fakeApprovals struct {
	mu       sync.Mutex
	pending  map[string]signet.DisplayData
	approved map[string]signet.ApprovalContext
	rejected map[string]string
	outcome  *signet.SignOutcome
	err      error
	inbound  normalize.Inbound
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{
		pending: map[string]signet.DisplayData{
			"req-1": {RequestID: "req-1", Method: signet.MethodEthSendTransaction, Summary: "Send 1 wei to 0xabc"},
		},
		approved: make(map[string]signet.ApprovalContext),
		rejected: make(map[string]string),
		outcome:  &signet.SignOutcome{TxHash: "0xhash"},
	}
}

func (f *fakeApprovals) Handle(ctx context.Context, in normalize.Inbound) (*signet.SignOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = in
	if in.Method == "" {
		return nil, signet.InvalidParams("method", "missing")
	}
	return f.outcome, f.err
}

func (f *fakeApprovals) Pending() []signet.DisplayData {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signet.DisplayData, 0, len(f.pending))
	for _, d := range f.pending {
		out = append(out, d)
	}
	return out
}

func (f *fakeApprovals) Get(id string) (signet.DisplayData, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.pending[id]
	return d, ok
}

func (f *fakeApprovals) take(id string) error {
	if _, ok := f.pending[id]; !ok {
		return fmt.Errorf("%w: %s", signet.ErrRequestNotFound, id)
	}
	delete(f.pending, id)
	return nil
}

func (f *fakeApprovals) Approve(id string, actx signet.ApprovalContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take(id); err != nil {
		return err
	}
	f.approved[id] = actx
	return f.err
}

func (f *fakeApprovals) Reject(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.take(id); err != nil {
		return err
	}
	f.rejected[id] = reason
	return nil
}

func (f *fakeApprovals) Dismiss(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.take(id)
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "list", method: "GET", path: "/approvals", wantStatus: 200, wantBody: "req-1"},
		{name: "get", method: "GET", path: "/approvals/req-1", wantStatus: 200, wantBody: "Send 1 wei"},
		{name: "get missing", method: "GET", path: "/approvals/nope", wantStatus: 404, wantBody: httpsignet.CodeNotFound},
		{name: "approve", method: "POST", path: "/approvals/req-1/approve", body: `{"accountIndex":2,"network":"eip155:1"}`, wantStatus: 200, wantBody: "approved"},
		{name: "approve malformed", method: "POST", path: "/approvals/req-1/approve", body: `{`, wantStatus: 400, wantBody: "INVALID_PARAMS"},
		{name: "reject", method: "POST", path: "/approvals/req-1/reject", body: `{"reason":"no"}`, wantStatus: 200, wantBody: "rejected"},
		{name: "dismiss", method: "POST", path: "/approvals/req-1/dismiss", wantStatus: 200, wantBody: "dismissed"},
		{name: "dismiss missing", method: "POST", path: "/approvals/nope/dismiss", wantStatus: 404},
		{name: "submit", method: "POST", path: "/requests", body: `{"origin":"deep_link","chainId":"eip155:1","method":"personal_sign","params":[]}`, wantStatus: 200, wantBody: "0xhash"},
		{name: "submit invalid", method: "POST", path: "/requests", body: `{}`, wantStatus: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(newFakeApprovals(), nil)
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want containing %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	router := NewRouter(newFakeApprovals(), &Config{Token: "s3cret"})

	tests := []struct {
		name   string
		method string
		auth   string
		want   int
	}{
		{name: "no token", method: "GET", want: http.StatusUnauthorized},
		{name: "wrong token", method: "GET", auth: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", method: "GET", auth: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/approvals", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestClientRoundTrip(t *testing.T) {
	approvals := newFakeApprovals()
	events := httpsignet.NewBroadcaster()
	server := httptest.NewServer(NewRouter(approvals, &Config{Token: "s3cret", Events: events}))
	defer server.Close()

	client, err := httpsignet.NewClient(server.URL, httpsignet.WithToken("s3cret"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	pending, err := client.Pending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Pending = %v, %v", pending, err)
	}
	display, err := client.Get(ctx, "req-1")
	if err != nil || display.Method != signet.MethodEthSendTransaction {
		t.Fatalf("Get = %+v, %v", display, err)
	}

	actx := signet.ApprovalContext{AccountIndex: 3, Network: signet.EthereumMainnet, Priority: signet.PriorityHigh}
	if err := client.Approve(ctx, "req-1", actx); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got := approvals.approved["req-1"]; got.AccountIndex != 3 || got.Priority != signet.PriorityHigh {
		t.Errorf("approval context = %+v", got)
	}

	if err := client.Reject(ctx, "req-1", "late"); !errors.Is(err, signet.ErrRequestNotFound) {
		t.Errorf("Reject resolved request: err = %v", err)
	}

	out, err := client.Submit(ctx, httpsignet.SubmitRequest{
		Origin:  signet.OriginInAppBrowser,
		ChainID: signet.EthereumMainnet,
		Method:  "eth_sendTransaction",
		Params:  []byte(`[{"to":"0xabc"}]`),
	})
	if err != nil || out.TxHash != "0xhash" {
		t.Fatalf("Submit = %+v, %v", out, err)
	}
	if approvals.inbound.Origin != signet.OriginInAppBrowser || string(approvals.inbound.Params) != `[{"to":"0xabc"}]` {
		t.Errorf("inbound = %+v", approvals.inbound)
	}

	approvals.err = signet.NewSigningError(signet.ErrCodeInsufficientFunds, "short", nil).WithDetails("need", "10")
	_, err = client.Submit(ctx, httpsignet.SubmitRequest{Method: "eth_sendTransaction"})
	if !errors.Is(err, signet.ErrInsufficientFunds) {
		t.Errorf("Submit err = %v, want ErrInsufficientFunds", err)
	}
	if se := signet.AsSigningError(err); se.Details["need"] != "10" {
		t.Errorf("details = %v", se.Details)
	}
}
