// Package fees produces the three-tier fee quotes shown on approval screens.
// Providers per VM family fetch raw network data; this package turns it into
// monotonic tiers and applies user overrides.
package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/retry"
)

// Tier multipliers in percent, applied to the priority tip (or to the gas
// price on chains without a base fee).
const (
	LowPercent    = 100
	MediumPercent = 105
	HighPercent   = 115
)

// Fee units.
const (
	UnitWei      = "wei"
	UnitNanoAVAX = "nAVAX"
	UnitSatVByte = "sat/vB"
	UnitLamports = "lamports"
)

// Estimator routes fee requests to the provider registered for the payload's VM.
type Estimator struct {
	providers map[signet.VM]signet.FeeProvider
	retry     retry.Config
	logger    *slog.Logger
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithProvider registers p for vm, replacing any previous provider.
func WithProvider(vm signet.VM, p signet.FeeProvider) Option {
	return func(e *Estimator) {
		e.providers[vm] = p
	}
}

// WithRetry overrides the retry policy for provider calls.
func WithRetry(cfg retry.Config) Option {
	return func(e *Estimator) {
		e.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// NewEstimator creates an Estimator.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{
		providers: make(map[signet.VM]signet.FeeProvider),
		retry:     retry.DefaultConfig,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate quotes fees for data on chain. Message payloads carry no network fee
// and return a nil quote. Any provider failure, or a quote with a zero tier,
// fails with signet.ErrFeeUnavailable.
func (e *Estimator) Estimate(ctx context.Context, data signet.SigningData, chain signet.ChainID) (*signet.FeeQuote, error) {
	if data == nil || !signet.IsTransaction(data) {
		return nil, nil
	}

	vm := providerVM(data)
	p, ok := e.providers[vm]
	if !ok {
		return nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable,
			fmt.Sprintf("no fee provider for %s", vm), nil)
	}

	quote, err := retry.WithRetry(ctx, e.retry, transient, func() (*signet.FeeQuote, error) {
		return p.Quote(ctx, data, chain)
	})
	if err != nil {
		e.logger.Warn("fee quote failed", "chain", chain, "vm", vm.String(), "error", err)
		return nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "fee quote failed", err).
			WithDetails("chain", string(chain))
	}
	if err := Validate(quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// providerVM picks the provider key. Avalanche C-Chain atomic transactions pay
// a fixed AVAX fee, so they are quoted by the AVM provider rather than the EVM one.
func providerVM(data signet.SigningData) signet.VM {
	switch d := data.(type) {
	case *signet.AvalancheSendTransaction:
		if d.ChainVM == signet.VMEVM {
			return signet.VMAVM
		}
	case *signet.AvalancheSignTransaction:
		if d.ChainVM == signet.VMEVM {
			return signet.VMAVM
		}
	}
	return data.VM()
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *signet.SigningError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// Validate rejects nil quotes, zero tiers and non-monotonic tiers.
func Validate(q *signet.FeeQuote) error {
	if q == nil {
		return signet.NewSigningError(signet.ErrCodeFeeUnavailable, "empty fee quote", nil)
	}
	for name, t := range map[string]signet.FeeTier{"low": q.Low, "medium": q.Medium, "high": q.High} {
		if t.IsZero() {
			return signet.NewSigningError(signet.ErrCodeFeeUnavailable, name+" tier is zero", nil)
		}
	}
	if q.Low.MaxFeePerGas.Cmp(q.Medium.MaxFeePerGas) > 0 || q.Medium.MaxFeePerGas.Cmp(q.High.MaxFeePerGas) > 0 {
		return signet.NewSigningError(signet.ErrCodeFeeUnavailable, "fee tiers are not monotonic", nil)
	}
	return nil
}

func scale(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(percent))
	return out.Div(out, big.NewInt(100))
}

// FromBaseFee builds EIP-1559 tiers: the tip is scaled per tier and
// maxFee = 2*baseFee + tip, so a tier stays valid for several full blocks.
func FromBaseFee(baseFee, tip *big.Int) (*signet.FeeQuote, error) {
	if baseFee == nil || tip == nil {
		return nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "missing base fee or tip", nil)
	}
	// Tip floor is 1 wei.
	if tip.Sign() <= 0 {
		tip = big.NewInt(1)
	}
	doubled := new(big.Int).Mul(baseFee, big.NewInt(2))
	tier := func(percent int64) signet.FeeTier {
		t := scale(tip, percent)
		return signet.FeeTier{
			MaxFeePerGas:         new(big.Int).Add(doubled, t),
			MaxPriorityFeePerGas: t,
		}
	}
	return &signet.FeeQuote{
		BaseFee: new(big.Int).Set(baseFee),
		Low:     tier(LowPercent),
		Medium:  tier(MediumPercent),
		High:    tier(HighPercent),
		Unit:    UnitWei,
	}, nil
}

// FromGasPrice builds tiers for chains without a base fee. The priority fee
// equals the gas price, which is how legacy transactions are priced.
func FromGasPrice(gasPrice *big.Int) (*signet.FeeQuote, error) {
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		return nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "gas price is zero", nil)
	}
	tier := func(percent int64) signet.FeeTier {
		p := scale(gasPrice, percent)
		return signet.FeeTier{MaxFeePerGas: p, MaxPriorityFeePerGas: new(big.Int).Set(p)}
	}
	return &signet.FeeQuote{
		Low:    tier(LowPercent),
		Medium: tier(MediumPercent),
		High:   tier(HighPercent),
		Unit:   UnitWei,
	}, nil
}

// Fixed builds a quote for fixed-fee VMs: every tier carries rate.
func Fixed(rate *big.Int, unit string) (*signet.FeeQuote, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "fee rate is zero", nil)
	}
	tier := func() signet.FeeTier {
		return signet.FeeTier{MaxFeePerGas: new(big.Int).Set(rate), MaxPriorityFeePerGas: new(big.Int)}
	}
	return &signet.FeeQuote{
		Low:        tier(),
		Medium:     tier(),
		High:       tier(),
		IsFixedFee: true,
		Unit:       unit,
	}, nil
}

// WithCustom returns a copy of q carrying a user-entered tier. For fixed-fee
// quotes only maxFee is meaningful and tip must be nil or zero.
func WithCustom(q *signet.FeeQuote, maxFee, tip *big.Int) (*signet.FeeQuote, error) {
	if q == nil {
		return nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "no quote to override", nil)
	}
	if maxFee == nil || maxFee.Sign() <= 0 {
		return nil, signet.InvalidParams("customFee.maxFeePerGas", "must be greater than zero")
	}
	if tip == nil {
		tip = new(big.Int)
	}
	if tip.Sign() < 0 {
		return nil, signet.InvalidParams("customFee.maxPriorityFeePerGas", "must not be negative")
	}
	if q.IsFixedFee && tip.Sign() != 0 {
		return nil, signet.InvalidParams("customFee.maxPriorityFeePerGas", "not applicable to fixed-fee networks")
	}
	if tip.Cmp(maxFee) > 0 {
		return nil, signet.InvalidParams("customFee.maxPriorityFeePerGas", "exceeds maxFeePerGas")
	}
	out := *q
	out.Custom = &signet.FeeTier{
		MaxFeePerGas:         new(big.Int).Set(maxFee),
		MaxPriorityFeePerGas: new(big.Int).Set(tip),
	}
	return &out, nil
}
