package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/retry"
)

type fakeProvider struct {
	calls int
	fail  int
	quote *signet.FeeQuote
	err   error
}

func (f *fakeProvider) Quote(ctx context.Context, data signet.SigningData, chain signet.ChainID) (*signet.FeeQuote, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, f.err
	}
	return f.quote, nil
}

var fastRetry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestFromBaseFee(t *testing.T) {
	tests := []struct {
		name     string
		baseFee  *big.Int
		tip      *big.Int
		wantLow  *big.Int
		wantHigh *big.Int
	}{
		{
			name:     "typical mainnet",
			baseFee:  gwei(20),
			tip:      gwei(2),
			wantLow:  gwei(42),
			wantHigh: new(big.Int).Add(gwei(40), big.NewInt(2_300_000_000)),
		},
		{
			name:     "zero base fee",
			baseFee:  big.NewInt(0),
			tip:      big.NewInt(100),
			wantLow:  big.NewInt(100),
			wantHigh: big.NewInt(115),
		},
		{
			name:     "zero tip floors at one wei",
			baseFee:  big.NewInt(10),
			tip:      big.NewInt(0),
			wantLow:  big.NewInt(21),
			wantHigh: big.NewInt(21),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := FromBaseFee(tt.baseFee, tt.tip)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.Low.MaxFeePerGas.Cmp(tt.wantLow) != 0 {
				t.Errorf("low = %s, want %s", q.Low.MaxFeePerGas, tt.wantLow)
			}
			if q.High.MaxFeePerGas.Cmp(tt.wantHigh) != 0 {
				t.Errorf("high = %s, want %s", q.High.MaxFeePerGas, tt.wantHigh)
			}
			if err := Validate(q); err != nil {
				t.Errorf("quote should validate: %v", err)
			}
			if q.IsFixedFee {
				t.Error("EIP-1559 quote must not be fixed")
			}
		})
	}
}

func TestTierMonotonicity(t *testing.T) {
	for _, base := range []int64{0, 1, 7, 1_000, 30_000_000_000} {
		for _, tip := range []int64{1, 3, 99, 1_500_000_000} {
			q, err := FromBaseFee(big.NewInt(base), big.NewInt(tip))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.Low.MaxFeePerGas.Cmp(q.Medium.MaxFeePerGas) > 0 || q.Medium.MaxFeePerGas.Cmp(q.High.MaxFeePerGas) > 0 {
				t.Errorf("base=%d tip=%d: tiers not monotonic", base, tip)
			}
			if q.Low.MaxPriorityFeePerGas.Cmp(q.High.MaxPriorityFeePerGas) > 0 {
				t.Errorf("base=%d tip=%d: tips not monotonic", base, tip)
			}
		}
	}
}

func TestFromGasPrice(t *testing.T) {
	q, err := FromGasPrice(big.NewInt(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.BaseFee != nil {
		t.Error("legacy quote must not carry a base fee")
	}
	if q.Medium.MaxFeePerGas.Int64() != 1050 || q.High.MaxFeePerGas.Int64() != 1150 {
		t.Errorf("unexpected tiers %s / %s", q.Medium.MaxFeePerGas, q.High.MaxFeePerGas)
	}

	if _, err := FromGasPrice(big.NewInt(0)); !errors.Is(err, signet.ErrFeeUnavailable) {
		t.Errorf("expected ErrFeeUnavailable for zero gas price, got %v", err)
	}
}

func TestFixed(t *testing.T) {
	q, err := Fixed(big.NewInt(12), UnitSatVByte)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.IsFixedFee {
		t.Error("expected fixed fee")
	}
	if q.Low.MaxFeePerGas.Cmp(q.High.MaxFeePerGas) != 0 || q.Medium.MaxFeePerGas.Int64() != 12 {
		t.Error("fixed tiers must be equal")
	}
	q.Low.MaxFeePerGas.SetInt64(1)
	if q.Medium.MaxFeePerGas.Int64() != 12 {
		t.Error("tiers must not share big.Int values")
	}

	if _, err := Fixed(nil, UnitLamports); !errors.Is(err, signet.ErrFeeUnavailable) {
		t.Errorf("expected ErrFeeUnavailable, got %v", err)
	}
}

func TestWithCustom(t *testing.T) {
	eip1559, _ := FromBaseFee(gwei(10), gwei(1))
	fixed, _ := Fixed(big.NewInt(5000), UnitLamports)

	tests := []struct {
		name      string
		quote     *signet.FeeQuote
		maxFee    *big.Int
		tip       *big.Int
		wantField string
	}{
		{name: "valid override", quote: eip1559, maxFee: gwei(50), tip: gwei(5)},
		{name: "fixed override", quote: fixed, maxFee: big.NewInt(10000)},
		{name: "zero max fee", quote: eip1559, maxFee: big.NewInt(0), wantField: "customFee.maxFeePerGas"},
		{name: "tip above max", quote: eip1559, maxFee: gwei(1), tip: gwei(2), wantField: "customFee.maxPriorityFeePerGas"},
		{name: "tip on fixed fee", quote: fixed, maxFee: big.NewInt(10000), tip: big.NewInt(1), wantField: "customFee.maxPriorityFeePerGas"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := WithCustom(tt.quote, tt.maxFee, tt.tip)
			if tt.wantField != "" {
				var se *signet.SigningError
				if !errors.As(err, &se) || se.Details["field"] != tt.wantField {
					t.Fatalf("expected invalid %s, got %v", tt.wantField, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.Custom == nil || q.Custom.MaxFeePerGas.Cmp(tt.maxFee) != 0 {
				t.Fatalf("custom tier not set: %+v", q.Custom)
			}
			if tt.quote.Custom != nil {
				t.Error("original quote must not be modified")
			}

			actx := signet.ApprovalContext{Quote: q, Priority: signet.PriorityCustom}
			sel, err := actx.SelectedFee()
			if err != nil || sel.MaxFeePerGas.Cmp(tt.maxFee) != 0 {
				t.Errorf("custom tier not selected: %v %v", sel, err)
			}
		})
	}
}

func TestEstimator(t *testing.T) {
	good, _ := FromBaseFee(gwei(10), gwei(1))
	send := &signet.EVMSendTransaction{From: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", To: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"}

	t.Run("routes by VM", func(t *testing.T) {
		evmP := &fakeProvider{quote: good}
		btcQuote, _ := Fixed(big.NewInt(3), UnitSatVByte)
		btcP := &fakeProvider{quote: btcQuote}
		e := NewEstimator(WithProvider(signet.VMEVM, evmP), WithProvider(signet.VMBitcoin, btcP), WithRetry(fastRetry))

		q, err := e.Estimate(context.Background(), send, signet.EthereumMainnet)
		if err != nil || q != good {
			t.Fatalf("unexpected result %v %v", q, err)
		}
		q, err = e.Estimate(context.Background(), &signet.BitcoinSendTransaction{}, signet.BitcoinMainnet)
		if err != nil || !q.IsFixedFee {
			t.Fatalf("unexpected result %v %v", q, err)
		}
		if evmP.calls != 1 || btcP.calls != 1 {
			t.Errorf("unexpected calls evm=%d btc=%d", evmP.calls, btcP.calls)
		}
	})

	t.Run("c-chain atomic uses avm provider", func(t *testing.T) {
		avmQuote, _ := Fixed(big.NewInt(1_000_000), UnitNanoAVAX)
		avmP := &fakeProvider{quote: avmQuote}
		e := NewEstimator(WithProvider(signet.VMAVM, avmP), WithRetry(fastRetry))
		q, err := e.Estimate(context.Background(), &signet.AvalancheSendTransaction{ChainVM: signet.VMEVM}, signet.AvalancheCChain)
		if err != nil || q.Unit != UnitNanoAVAX {
			t.Fatalf("unexpected result %v %v", q, err)
		}
	})

	t.Run("messages have no fee", func(t *testing.T) {
		e := NewEstimator()
		q, err := e.Estimate(context.Background(), &signet.EVMSignMessage{}, signet.EthereumMainnet)
		if q != nil || err != nil {
			t.Errorf("expected nil quote, got %v %v", q, err)
		}
	})

	t.Run("retries transient failures", func(t *testing.T) {
		p := &fakeProvider{quote: good, fail: 2, err: errors.New("connection reset")}
		e := NewEstimator(WithProvider(signet.VMEVM, p), WithRetry(fastRetry))
		if _, err := e.Estimate(context.Background(), send, signet.EthereumMainnet); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.calls != 3 {
			t.Errorf("expected 3 calls, got %d", p.calls)
		}
	})

	t.Run("upstream failure is fee unavailable", func(t *testing.T) {
		p := &fakeProvider{fail: 10, err: errors.New("rpc down")}
		e := NewEstimator(WithProvider(signet.VMEVM, p), WithRetry(fastRetry))
		q, err := e.Estimate(context.Background(), send, signet.EthereumMainnet)
		if q != nil {
			t.Errorf("expected no quote, got %+v", q)
		}
		if !errors.Is(err, signet.ErrFeeUnavailable) {
			t.Errorf("expected ErrFeeUnavailable, got %v", err)
		}
	})

	t.Run("zero quote is rejected", func(t *testing.T) {
		p := &fakeProvider{quote: &signet.FeeQuote{}}
		e := NewEstimator(WithProvider(signet.VMEVM, p), WithRetry(fastRetry))
		if _, err := e.Estimate(context.Background(), send, signet.EthereumMainnet); !errors.Is(err, signet.ErrFeeUnavailable) {
			t.Errorf("expected ErrFeeUnavailable, got %v", err)
		}
	})

	t.Run("missing provider", func(t *testing.T) {
		e := NewEstimator()
		if _, err := e.Estimate(context.Background(), send, signet.EthereumMainnet); !errors.Is(err, signet.ErrFeeUnavailable) {
			t.Errorf("expected ErrFeeUnavailable, got %v", err)
		}
	})
}
