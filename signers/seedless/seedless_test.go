package seedless

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/retry"
)

type mockAuth struct{}

func (mockAuth) BearerToken(method, path string) (string, error) { return "bearer", nil }
func (mockAuth) WalletToken(method, path string, body []byte) (string, error) {
	return "wallet", nil
}

func testBackend(t *testing.T, h http.HandlerFunc, opts ...Option) *Backend {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	opts = append([]Option{
		WithBaseURL(server.URL),
		WithRetryConfig(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}),
	}, opts...)
	return newBackend(mockAuth{}, opts...)
}

func digest() []byte {
	d := make([]byte, 32)
	for i := range d {
		d[i] = byte(i)
	}
	return d
}

func TestKeyPath(t *testing.T) {
	tests := []struct {
		name string
		ref  signet.KeyRef
		want string
	}{
		{name: "evm", ref: signet.KeyRef{Account: 2, VM: signet.VMEVM}, want: "m/44'/60'/0'/0/2"},
		{name: "bitcoin", ref: signet.KeyRef{Account: 1, VM: signet.VMBitcoin, Change: 1, AddressIndex: 4}, want: "m/84'/0'/1'/1/4"},
		{name: "avm", ref: signet.KeyRef{VM: signet.VMAVM, AddressIndex: 3}, want: "m/44'/9000'/0'/0/3"},
		{name: "pvm", ref: signet.KeyRef{VM: signet.VMPVM}, want: "m/44'/9000'/0'/0/0"},
		{name: "solana", ref: signet.KeyRef{Account: 5, VM: signet.VMSolana}, want: "m/44'/501'/5'/0'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeyPath(tt.ref)
			if err != nil {
				t.Fatalf("KeyPath: %v", err)
			}
			if got != tt.want {
				t.Errorf("KeyPath = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := KeyPath(signet.KeyRef{VM: signet.VMUnknown}); signet.CodeOf(err) != signet.ErrCodeUnsupportedChain {
		t.Errorf("unknown vm err = %v", err)
	}
}

func TestSign(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 28

	var got signRequest
	b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/v1/sign" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer bearer" || r.Header.Get("X-Wallet-Auth") != "wallet" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(signResponse{Signature: "0x" + hex.EncodeToString(sig)})
	})

	out, err := b.Sign(context.Background(), &signet.BackendRequest{
		Key:     signet.KeyRef{Account: 1, VM: signet.VMEVM},
		ChainID: signet.EthereumMainnet,
		Purpose: signet.PurposeTransaction,
		Payload: digest(),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(out) != 65 || out[64] != 1 {
		t.Errorf("signature v = %d, want normalized 1", out[64])
	}
	if got.Path != "m/44'/60'/0'/0/1" || got.Curve != "secp256k1" || got.ChainID != string(signet.EthereumMainnet) {
		t.Errorf("request = %+v", got)
	}
	if got.Payload != hex.EncodeToString(digest()) {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestSignMFA(t *testing.T) {
	sig := make([]byte, 64)
	answered := make(chan string, 1)

	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sign":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(signResponse{MFA: &Challenge{ID: "mfa-1", Kind: "totp"}})
		case "/v1/mfa/mfa-1":
			var a mfaAnswer
			_ = json.NewDecoder(r.Body).Decode(&a)
			answered <- a.Code
			if a.Code != "123456" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte("wrong code"))
				return
			}
			_ = json.NewEncoder(w).Encode(signResponse{Signature: hex.EncodeToString(sig)})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
	req := &signet.BackendRequest{
		Key:     signet.KeyRef{VM: signet.VMSolana},
		ChainID: signet.SolanaMainnet,
		Purpose: signet.PurposeMessage,
		Payload: []byte("hello"),
	}

	tests := []struct {
		name     string
		prompter MFAPrompter
		wantCode signet.ErrorCode
		answer   string
	}{
		{
			name: "answered",
			prompter: MFAPrompterFunc(func(ctx context.Context, c Challenge) (string, error) {
				if c.ID != "mfa-1" || c.Key.VM != signet.VMSolana || c.Purpose != signet.PurposeMessage {
					t.Errorf("challenge = %+v", c)
				}
				return "123456", nil
			}),
			answer: "123456",
		},
		{
			name: "declined",
			prompter: MFAPrompterFunc(func(context.Context, Challenge) (string, error) {
				return "", ErrMFADeclined
			}),
			wantCode: signet.ErrCodeUserRejectedOnDevice,
		},
		{
			name: "wrong code",
			prompter: MFAPrompterFunc(func(context.Context, Challenge) (string, error) {
				return "000000", nil
			}),
			wantCode: signet.ErrCodeUserRejectedOnDevice,
			answer:   "000000",
		},
		{
			name:     "no prompter",
			wantCode: signet.ErrCodeBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.prompter != nil {
				opts = append(opts, WithMFA(tt.prompter))
			}
			b := testBackend(t, handler, opts...)

			out, err := b.Sign(context.Background(), req)
			if tt.wantCode != "" {
				if got := signet.CodeOf(err); got != tt.wantCode {
					t.Errorf("code = %s, want %s (err %v)", got, tt.wantCode, err)
				}
			} else if err != nil || len(out) != 64 {
				t.Errorf("Sign = %x, %v", out, err)
			}

			if tt.answer != "" {
				select {
				case code := <-answered:
					if code != tt.answer {
						t.Errorf("answer = %q, want %q", code, tt.answer)
					}
				default:
					t.Error("answer not submitted")
				}
			}
		})
	}
}

func TestSignMFAHonoursContext(t *testing.T) {
	b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(signResponse{MFA: &Challenge{ID: "mfa-1", Kind: "fido"}})
	}, WithMFA(MFAPrompterFunc(func(ctx context.Context, _ Challenge) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Sign(ctx, &signet.BackendRequest{Key: signet.KeyRef{VM: signet.VMEVM}, Payload: digest()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  signet.ErrorCode
		retryable bool
		calls     int32
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantCode: signet.ErrCodeBackendUnavailable, retryable: true, calls: 3},
		{name: "server error", status: http.StatusBadGateway, wantCode: signet.ErrCodeBackendUnavailable, retryable: true, calls: 3},
		{name: "unauthorized", status: http.StatusUnauthorized, wantCode: signet.ErrCodeBackendUnavailable, calls: 1},
		{name: "forbidden", status: http.StatusForbidden, wantCode: signet.ErrCodeBackendUnavailable, calls: 1},
		{name: "bad request", status: http.StatusBadRequest, wantCode: signet.ErrCodeInternal, calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Header().Set("Retry-After", "0")
				w.Header().Set("X-Request-ID", "req-1")
				w.WriteHeader(tt.status)
			})

			_, err := b.Sign(context.Background(), &signet.BackendRequest{Key: signet.KeyRef{VM: signet.VMEVM}, Payload: digest()})
			if got := signet.CodeOf(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
			if signet.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", signet.IsRetryable(err), tt.retryable)
			}
			if calls != tt.calls {
				t.Errorf("calls = %d, want %d", calls, tt.calls)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.RequestID != "req-1" {
				t.Errorf("APIError not preserved: %v", err)
			}
		})
	}
}

func TestRetryRecovers(t *testing.T) {
	var calls int32
	b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(signResponse{Signature: hex.EncodeToString(make([]byte, 65))})
	})

	if _, err := b.Sign(context.Background(), &signet.BackendRequest{Key: signet.KeyRef{VM: signet.VMEVM}, Payload: digest()}); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPublicKeyCached(t *testing.T) {
	pub := make([]byte, 33)
	pub[0] = 0x02
	var calls int32
	b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if !strings.HasPrefix(r.URL.Path, "/v1/keys/") {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(keyResponse{PublicKey: hex.EncodeToString(pub)})
	})

	ref := signet.KeyRef{Account: 3, VM: signet.VMEVM}
	for i := 0; i < 3; i++ {
		got, err := b.PublicKey(context.Background(), ref)
		if err != nil {
			t.Fatalf("PublicKey: %v", err)
		}
		if len(got) != 33 {
			t.Fatalf("len = %d", len(got))
		}
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	if _, err := b.PublicKey(context.Background(), signet.KeyRef{VM: signet.VMSolana}); signet.CodeOf(err) != signet.ErrCodeInternal {
		t.Errorf("33-byte key for ed25519 accepted: %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "missing", header: "", want: 60 * time.Second},
		{name: "seconds", header: "7", want: 7 * time.Second},
		{name: "invalid", header: "soon", want: 60 * time.Second},
		{name: "past date", header: "Mon, 02 Jan 2006 15:04:05 GMT", want: 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			if got := parseRetryAfter(resp); got != tt.want {
				t.Errorf("parseRetryAfter = %s, want %s", got, tt.want)
			}
		})
	}
}
