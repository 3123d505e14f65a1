package signet

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
)

func TestSigningError(t *testing.T) {
	t.Run("wraps sentinel when cause is nil", func(t *testing.T) {
		err := NewSigningError(ErrCodeInsufficientFunds, "balance too low", nil)
		if !errors.Is(err, ErrInsufficientFunds) {
			t.Error("expected errors.Is to match ErrInsufficientFunds")
		}
		if err.Retryable {
			t.Error("insufficient funds must not be retryable")
		}
	})

	t.Run("matches code sentinel with foreign cause", func(t *testing.T) {
		cause := errors.New("nonce too low")
		err := NewSigningError(ErrCodeBroadcastFailed, "rpc refused", cause)
		if !errors.Is(err, ErrBroadcastFailed) {
			t.Error("expected errors.Is to match ErrBroadcastFailed")
		}
		if !errors.Is(err, cause) {
			t.Error("expected errors.Is to match the cause")
		}
		if !err.Retryable {
			t.Error("broadcast failures are retryable")
		}
		if !strings.Contains(err.Error(), "nonce too low") {
			t.Errorf("error string should include cause: %s", err.Error())
		}
	})

	t.Run("details chain", func(t *testing.T) {
		err := InvalidParams("to", "not an address").WithDetails("value", "0x12")
		if err.Details["field"] != "to" || err.Details["value"] != "0x12" {
			t.Errorf("unexpected details: %v", err.Details)
		}
		if err.RPCCode() != -32602 {
			t.Errorf("expected -32602, got %d", err.RPCCode())
		}
	})
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"sentinel", ErrUserRejected, ErrCodeUserRejected},
		{"wrapped sentinel", fmt.Errorf("approval: %w", ErrTimeout), ErrCodeTimeout},
		{"signing error", NewSigningError(ErrCodeReverted, "reverted", nil), ErrCodeReverted},
		{"wrapped signing error", fmt.Errorf("dispatch: %w", NewSigningError(ErrCodeFeeUnavailable, "x", nil)), ErrCodeFeeUnavailable},
		{"duplicate request", fmt.Errorf("registry: %w", ErrDuplicateRequest), ErrCodeDuplicateRequest},
		{"unknown", errors.New("boom"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUserMessagesDistinct(t *testing.T) {
	seen := make(map[string]ErrorCode)
	for _, cs := range codeSentinels {
		msg := NewSigningError(cs.code, "", nil).UserMessage()
		if msg == "" {
			t.Errorf("%s has no user message", cs.code)
		}
		if prev, ok := seen[msg]; ok {
			t.Errorf("%s and %s share user message %q", prev, cs.code, msg)
		}
		seen[msg] = cs.code
	}
}

func TestAsSigningError(t *testing.T) {
	if AsSigningError(nil) != nil {
		t.Error("nil error should stay nil")
	}
	se := AsSigningError(fmt.Errorf("wrap: %w", ErrSessionTerminated))
	if se.Code != ErrCodeSessionTerminated {
		t.Errorf("expected SESSION_TERMINATED, got %s", se.Code)
	}
	if se.RPCCode() != 4900 {
		t.Errorf("expected 4900, got %d", se.RPCCode())
	}
}

func TestSelectedFee(t *testing.T) {
	quote := &FeeQuote{
		Low:    FeeTier{MaxFeePerGas: big.NewInt(10), MaxPriorityFeePerGas: big.NewInt(1)},
		Medium: FeeTier{MaxFeePerGas: big.NewInt(11), MaxPriorityFeePerGas: big.NewInt(2)},
		High:   FeeTier{MaxFeePerGas: big.NewInt(12), MaxPriorityFeePerGas: big.NewInt(3)},
	}

	tests := []struct {
		name    string
		actx    ApprovalContext
		want    int64
		wantNil bool
		wantErr error
	}{
		{"no quote", ApprovalContext{}, 0, true, nil},
		{"default medium", ApprovalContext{Quote: quote}, 11, false, nil},
		{"high", ApprovalContext{Quote: quote, Priority: PriorityHigh}, 12, false, nil},
		{"custom wins", ApprovalContext{Quote: quote, CustomFee: &FeeTier{MaxFeePerGas: big.NewInt(99)}}, 99, false, nil},
		{"zero custom", ApprovalContext{CustomFee: &FeeTier{MaxFeePerGas: big.NewInt(0)}}, 0, false, ErrInvalidParams},
		{"custom without tier", ApprovalContext{Quote: quote, Priority: PriorityCustom}, 0, false, ErrInvalidParams},
		{"zero tier", ApprovalContext{Quote: &FeeQuote{}}, 0, false, ErrFeeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.actx.SelectedFee()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("expected nil tier, got %+v", got)
				}
				return
			}
			if got.MaxFeePerGas.Int64() != tt.want {
				t.Errorf("expected %d, got %s", tt.want, got.MaxFeePerGas)
			}
		})
	}
}
