// Package seedless implements a signet.Backend backed by a remote MPC signing
// service. Keys never leave the service; the backend addresses them by
// derivation path and asks the service for signatures.
//
// A sign call may be suspended by the service pending multi-factor
// confirmation (HTTP 202 with a challenge). The backend then blocks on the
// configured MFAPrompter until the user answers, without holding any lock,
// so other accounts keep signing.
package seedless

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/retry"
)

// DefaultBaseURL is the production signing service.
const DefaultBaseURL = "https://seedless.signet.dev"

// Challenge is a pending multi-factor confirmation.
type Challenge struct {
	ID string `json:"id"`
	// Kind is "totp" or "fido".
	Kind    string             `json:"kind"`
	Message string             `json:"message,omitempty"`
	Key     signet.KeyRef      `json:"-"`
	Purpose signet.SignPurpose `json:"-"`
}

// MFAPrompter asks the user to answer a challenge. It returns the answer, or
// ErrMFADeclined when the user refuses.
type MFAPrompter interface {
	PromptMFA(ctx context.Context, challenge Challenge) (string, error)
}

// MFAPrompterFunc adapts a function to MFAPrompter.
type MFAPrompterFunc func(ctx context.Context, challenge Challenge) (string, error)

// PromptMFA implements MFAPrompter.
func (f MFAPrompterFunc) PromptMFA(ctx context.Context, c Challenge) (string, error) {
	return f(ctx, c)
}

type keyResponse struct {
	Path      string `json:"path"`
	Curve     string `json:"curve"`
	PublicKey string `json:"publicKey"`
}

type signRequest struct {
	Path    string `json:"path"`
	Curve   string `json:"curve"`
	ChainID string `json:"chainId"`
	Purpose string `json:"purpose"`
	Payload string `json:"payload"`
}

type signResponse struct {
	Signature string     `json:"signature,omitempty"`
	MFA       *Challenge `json:"mfa,omitempty"`
}

type mfaAnswer struct {
	Code string `json:"code"`
}

// Backend signs through the remote service.
type Backend struct {
	name   string
	client *client
	mfa    MFAPrompter
	logger *slog.Logger

	mu   sync.RWMutex
	keys map[signet.KeyRef][]byte
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(b *Backend) {
		b.client.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.client.httpClient = c
	}
}

// WithRetryConfig replaces the retry policy for rate limits and server errors.
func WithRetryConfig(cfg retry.Config) Option {
	return func(b *Backend) {
		b.client.retry = cfg
	}
}

// WithMFA sets the prompter used when the service asks for confirmation.
// Without one, suspended requests fail as unavailable.
func WithMFA(p MFAPrompter) Option {
	return func(b *Backend) {
		b.mfa = p
	}
}

// WithName sets the backend name used in dispatch routing.
func WithName(name string) Option {
	return func(b *Backend) {
		b.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a Backend authenticated with auth.
func New(auth *Auth, opts ...Option) (*Backend, error) {
	if auth == nil {
		return nil, errors.New("seedless: auth is required")
	}
	return newBackend(auth, opts...), nil
}

func newBackend(auth tokenSource, opts ...Option) *Backend {
	b := &Backend{
		name:   "seedless",
		client: newClient(DefaultBaseURL, auth),
		logger: slog.Default(),
		keys:   make(map[signet.KeyRef][]byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements signet.Backend.
func (b *Backend) Name() string {
	return b.name
}

// KeyPath returns the derivation path the service stores ref under.
func KeyPath(ref signet.KeyRef) (string, error) {
	switch ref.VM {
	case signet.VMEVM:
		return fmt.Sprintf("m/44'/60'/0'/0/%d", ref.Account), nil
	case signet.VMBitcoin:
		return fmt.Sprintf("m/84'/0'/%d'/%d/%d", ref.Account, ref.Change, ref.AddressIndex), nil
	case signet.VMAVM, signet.VMPVM:
		return fmt.Sprintf("m/44'/9000'/%d'/%d/%d", ref.Account, ref.Change, ref.AddressIndex), nil
	case signet.VMSolana:
		return fmt.Sprintf("m/44'/501'/%d'/0'", ref.Account), nil
	default:
		return "", signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no key path for %s", ref.VM), nil)
	}
}

// PublicKey implements signet.Backend. Keys are cached after the first fetch.
func (b *Backend) PublicKey(ctx context.Context, ref signet.KeyRef) ([]byte, error) {
	b.mu.RLock()
	pub, ok := b.keys[ref]
	b.mu.RUnlock()
	if ok {
		return pub, nil
	}

	path, err := KeyPath(ref)
	if err != nil {
		return nil, err
	}
	var resp keyResponse
	endpoint := "/v1/keys/" + url.PathEscape(path)
	if _, err := b.client.doWithRetry(ctx, http.MethodGet, endpoint, nil, &resp, false); err != nil {
		return nil, toSigningError(err)
	}
	pub, err = hex.DecodeString(strings.TrimPrefix(resp.PublicKey, "0x"))
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "signing service returned a malformed public key", err)
	}
	if want := publicKeySize(ref.Curve()); len(pub) != want {
		return nil, signet.NewSigningError(signet.ErrCodeInternal,
			fmt.Sprintf("signing service returned a %d-byte public key, want %d", len(pub), want), nil)
	}

	b.mu.Lock()
	b.keys[ref] = pub
	b.mu.Unlock()
	return pub, nil
}

// Sign implements signet.Backend.
func (b *Backend) Sign(ctx context.Context, req *signet.BackendRequest) ([]byte, error) {
	if req == nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "nil backend request", nil)
	}
	path, err := KeyPath(req.Key)
	if err != nil {
		return nil, err
	}

	body := signRequest{
		Path:    path,
		Curve:   string(req.Key.Curve()),
		ChainID: string(req.ChainID),
		Purpose: string(req.Purpose),
		Payload: hex.EncodeToString(req.Payload),
	}
	var resp signResponse
	status, err := b.client.doWithRetry(ctx, http.MethodPost, "/v1/sign", body, &resp, true)
	if err != nil {
		return nil, toSigningError(err)
	}

	if status == http.StatusAccepted {
		if resp.MFA == nil || resp.MFA.ID == "" {
			return nil, signet.NewSigningError(signet.ErrCodeInternal, "signing service suspended the request without a challenge", nil)
		}
		resp, err = b.answer(ctx, *resp.MFA, req)
		if err != nil {
			return nil, err
		}
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(resp.Signature, "0x"))
	if err != nil || len(sig) == 0 {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "signing service returned a malformed signature", err)
	}
	if req.Key.Curve() == signet.CurveSecp256k1 && len(sig) == 65 && sig[64] >= 27 {
		sig[64] -= 27
	}
	b.logger.Debug("signed", "backend", b.name, "vm", req.Key.VM.String(), "account", req.Key.Account, "purpose", req.Purpose)
	return sig, nil
}

// answer blocks on the prompter and submits the user's response.
func (b *Backend) answer(ctx context.Context, challenge Challenge, req *signet.BackendRequest) (signResponse, error) {
	if b.mfa == nil {
		return signResponse{}, signet.NewSigningError(signet.ErrCodeBackendUnavailable,
			"signing service requires multi-factor confirmation but no prompter is configured", nil)
	}
	challenge.Key = req.Key
	challenge.Purpose = req.Purpose
	b.logger.Info("awaiting multi-factor confirmation", "backend", b.name, "challenge", challenge.ID, "kind", challenge.Kind)

	code, err := b.mfa.PromptMFA(ctx, challenge)
	if err != nil {
		if ctx.Err() != nil {
			return signResponse{}, ctx.Err()
		}
		return signResponse{}, toSigningError(err)
	}

	var resp signResponse
	endpoint := "/v1/mfa/" + url.PathEscape(challenge.ID)
	_, err = b.client.doWithRetry(ctx, http.MethodPost, endpoint, mfaAnswer{Code: code}, &resp, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
			return signResponse{}, toSigningError(fmt.Errorf("%w: %s", ErrMFADeclined, apiErr.Message))
		}
		return signResponse{}, toSigningError(err)
	}
	if resp.Signature == "" {
		return signResponse{}, signet.NewSigningError(signet.ErrCodeInternal, "signing service returned no signature after confirmation", nil)
	}
	return resp, nil
}

func publicKeySize(c signet.Curve) int {
	if c == signet.CurveEd25519 {
		return 32
	}
	return 33
}
