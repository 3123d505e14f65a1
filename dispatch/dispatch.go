// Package dispatch routes approved signing payloads to the handler for their
// VM, serializing signing per account.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/metrics"
)

// EVMHandler signs EVM transactions and messages. Implemented by *evm.Handler.
type EVMHandler interface {
	SendTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.EVMSendTransaction, actx signet.ApprovalContext) (*signet.SignOutcome, error)
	SignMessage(ctx context.Context, signer signet.AccountSigner, msg *signet.EVMSignMessage) (*signet.SignOutcome, error)
}

// BitcoinHandler signs Bitcoin transactions. Implemented by *btc.Handler.
type BitcoinHandler interface {
	SendTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.BitcoinTransaction, actx signet.ApprovalContext) (*signet.SignOutcome, error)
	SignTransactionOutcome(ctx context.Context, signer signet.AccountSigner, req *signet.BitcoinTransaction, actx signet.ApprovalContext) (*signet.SignOutcome, error)
}

// AvalancheHandler signs Avalanche X/P and C-Chain atomic transactions.
// Implemented by *avax.Handler.
type AvalancheHandler interface {
	SendTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.AvalancheSendTransaction, actx signet.ApprovalContext) (*signet.SignOutcome, error)
	SignTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.AvalancheSignTransaction) (*signet.SignOutcome, error)
}

// SolanaHandler signs Solana transactions and messages. Implemented by *svm.Handler.
type SolanaHandler interface {
	SendTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.SolanaPayload) (*signet.SignOutcome, error)
	SignTransactionOutcome(ctx context.Context, signer signet.AccountSigner, req *signet.SolanaPayload) (*signet.SignOutcome, error)
	SignMessage(ctx context.Context, signer signet.AccountSigner, req *signet.SolanaPayload) (*signet.SignOutcome, error)
}

// Dispatcher hands approved payloads to VM handlers.
type Dispatcher struct {
	evm  EVMHandler
	btc  BitcoinHandler
	avax AvalancheHandler
	svm  SolanaHandler

	backends       map[string]signet.Backend
	defaultBackend string

	bridge  signet.BridgeSink
	logger  *slog.Logger
	metrics *metrics.Metrics
	queue   *queue
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// New creates a Dispatcher. At least one backend is required.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		backends: make(map[string]signet.Backend),
		logger:   slog.Default(),
		queue:    newQueue(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if len(d.backends) == 0 {
		return nil, errors.New("dispatch: no signing backend configured")
	}
	return d, nil
}

// WithEVM sets the EVM handler.
func WithEVM(h EVMHandler) Option {
	return func(d *Dispatcher) error {
		d.evm = h
		return nil
	}
}

// WithBitcoin sets the Bitcoin handler.
func WithBitcoin(h BitcoinHandler) Option {
	return func(d *Dispatcher) error {
		d.btc = h
		return nil
	}
}

// WithAvalanche sets the Avalanche handler.
func WithAvalanche(h AvalancheHandler) Option {
	return func(d *Dispatcher) error {
		d.avax = h
		return nil
	}
}

// WithSolana sets the Solana handler.
func WithSolana(h SolanaHandler) Option {
	return func(d *Dispatcher) error {
		d.svm = h
		return nil
	}
}

// WithBackend registers a wallet backend under its name. The first backend
// registered is the default unless another is registered with isDefault.
func WithBackend(b signet.Backend, isDefault bool) Option {
	return func(d *Dispatcher) error {
		if b == nil {
			return errors.New("dispatch: nil backend")
		}
		name := b.Name()
		if _, ok := d.backends[name]; ok {
			return fmt.Errorf("dispatch: backend %q registered twice", name)
		}
		d.backends[name] = b
		if isDefault || d.defaultBackend == "" {
			d.defaultBackend = name
		}
		return nil
	}
}

// WithBridgeSink sets where bridge source legs are handed after a successful send.
func WithBridgeSink(sink signet.BridgeSink) Option {
	return func(d *Dispatcher) error {
		d.bridge = sink
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) error {
		d.metrics = m
		return nil
	}
}

// Dispatch signs data with the account selected in actx and, for send
// variants, broadcasts it. Calls for the same backend, VM and account run one
// at a time in arrival order of acquisition. Every returned error other than
// a context error is a *signet.SigningError.
func (d *Dispatcher) Dispatch(ctx context.Context, data signet.SigningData, actx signet.ApprovalContext) (*signet.SignOutcome, error) {
	if data == nil {
		return nil, signet.InvalidParams("data", "no signing payload")
	}
	start := d.now()
	outcome, err := d.dispatch(ctx, data, actx)
	d.metrics.Dispatched(string(data.Method()), data.VM().String(), codeLabel(err), d.now().Sub(start))
	if err != nil {
		d.logger.Warn("dispatch failed",
			"method", data.Method(),
			"chain", actx.Network,
			"account", actx.AccountIndex,
			"error", err,
		)
		return nil, err
	}

	d.logger.Info("dispatch complete",
		"method", data.Method(),
		"chain", actx.Network,
		"account", actx.AccountIndex,
		"tx", outcome.TxHash,
	)
	if outcome.TxHash != "" && actx.Bridge != nil {
		d.handOff(ctx, outcome.TxHash, actx, start)
	}
	return outcome, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, data signet.SigningData, actx signet.ApprovalContext) (*signet.SignOutcome, error) {
	if vm := actx.Network.VM(); vm != data.VM() {
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("%s cannot run on %s", data.Method(), actx.Network), nil).
			WithDetails("chain", string(actx.Network))
	}
	name, backend, err := d.backend(actx.Backend)
	if err != nil {
		return nil, err
	}

	release, err := d.queue.acquire(ctx, queueKey{backend: name, account: actx.AccountIndex})
	if err != nil {
		return nil, err
	}
	defer release()

	signer := signet.AccountSigner{Backend: backend, Account: actx.AccountIndex, Chain: actx.Network}
	outcome, err := d.route(ctx, signer, data, actx)
	if err != nil {
		return nil, classify(err)
	}
	return outcome, nil
}

func (d *Dispatcher) route(ctx context.Context, signer signet.AccountSigner, data signet.SigningData, actx signet.ApprovalContext) (*signet.SignOutcome, error) {
	switch v := data.(type) {
	case *signet.EVMSendTransaction:
		if d.evm == nil {
			return nil, noHandler(data)
		}
		return d.evm.SendTransaction(ctx, signer, v, actx)
	case *signet.EVMSignMessage:
		if d.evm == nil {
			return nil, noHandler(data)
		}
		return d.evm.SignMessage(ctx, signer, v)
	case *signet.AvalancheSendTransaction:
		if d.avax == nil {
			return nil, noHandler(data)
		}
		return d.avax.SendTransaction(ctx, signer, v, actx)
	case *signet.AvalancheSignTransaction:
		if d.avax == nil {
			return nil, noHandler(data)
		}
		return d.avax.SignTransaction(ctx, signer, v)
	case *signet.BitcoinSendTransaction:
		if d.btc == nil {
			return nil, noHandler(data)
		}
		return d.btc.SendTransaction(ctx, signer, &v.BitcoinTransaction, actx)
	case *signet.BitcoinSignTransaction:
		if d.btc == nil {
			return nil, noHandler(data)
		}
		return d.btc.SignTransactionOutcome(ctx, signer, &v.BitcoinTransaction, actx)
	case *signet.SolanaSignAndSendTransaction:
		if d.svm == nil {
			return nil, noHandler(data)
		}
		return d.svm.SendTransaction(ctx, signer, &v.SolanaPayload)
	case *signet.SolanaSignTransaction:
		if d.svm == nil {
			return nil, noHandler(data)
		}
		return d.svm.SignTransactionOutcome(ctx, signer, &v.SolanaPayload)
	case *signet.SolanaSignMessage:
		if d.svm == nil {
			return nil, noHandler(data)
		}
		return d.svm.SignMessage(ctx, signer, &v.SolanaPayload)
	default:
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedMethod,
			fmt.Sprintf("no dispatch arm for %T", data), nil)
	}
}

func (d *Dispatcher) backend(name string) (string, signet.Backend, error) {
	if name == "" {
		name = d.defaultBackend
	}
	b, ok := d.backends[name]
	if !ok {
		err := signet.NewSigningError(signet.ErrCodeBackendUnavailable,
			fmt.Sprintf("unknown signing backend %q", name), nil)
		err.Retryable = false
		return "", nil, err
	}
	return name, b, nil
}

func (d *Dispatcher) handOff(ctx context.Context, txHash string, actx signet.ApprovalContext, started time.Time) {
	if d.bridge == nil {
		d.logger.Warn("bridge send without a tracker", "tx", txHash)
		return
	}
	tx := signet.BridgeTransaction{
		SourceChain:     actx.Network,
		TargetChain:     actx.Bridge.TargetChain,
		SourceTxHash:    txHash,
		SourceStartedAt: started,
		Amount:          actx.Bridge.Amount,
		Symbol:          actx.Bridge.Symbol,
	}
	// The tracker outlives the request.
	added, err := d.bridge.Track(context.WithoutCancel(ctx), tx)
	if err != nil {
		d.logger.Error("bridge tracking failed to start", "tx", txHash, "error", err)
		return
	}
	if !added {
		d.logger.Debug("bridge transaction already tracked", "tx", txHash)
	}
}

func noHandler(data signet.SigningData) error {
	return signet.NewSigningError(signet.ErrCodeUnsupportedChain,
		fmt.Sprintf("no %s handler configured for %s", data.VM(), data.Method()), nil)
}

// classify keeps context errors and structured errors and files anything else
// as internal.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return signet.AsSigningError(err)
}

func codeLabel(err error) string {
	if err == nil {
		return ""
	}
	return string(signet.CodeOf(err))
}
