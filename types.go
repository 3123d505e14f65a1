package signet

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Origin identifies where a request entered the wallet.
type Origin string

// Request origins.
const (
	OriginInAppBrowser  Origin = "in_app_browser"
	OriginWalletConnect Origin = "wallet_connect"
	OriginDeepLink      Origin = "deep_link"
)

// PeerMeta describes the dApp that sent a request.
type PeerMeta struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Icon string `json:"icon,omitempty"`
}

// SigningRequest is an inbound request after normalization. It is never mutated
// once created.
type SigningRequest struct {
	ID        string      `json:"id"`
	Origin    Origin      `json:"origin"`
	Peer      PeerMeta    `json:"peer"`
	ChainID   ChainID     `json:"chainId"`
	Method    Method      `json:"method"`
	Data      SigningData `json:"-"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Priority selects a fee tier.
type Priority string

// Fee priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityCustom Priority = "custom"
)

// FeeTier is one fee level. For fixed-fee VMs MaxFeePerGas carries the fee rate
// (sat/byte, nAVAX or lamports) and MaxPriorityFeePerGas is zero.
type FeeTier struct {
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
}

// IsZero reports whether the tier would submit a zero fee.
func (t FeeTier) IsZero() bool {
	return t.MaxFeePerGas == nil || t.MaxFeePerGas.Sign() <= 0
}

// FeeQuote is the fee estimate shown to the user.
type FeeQuote struct {
	BaseFee    *big.Int `json:"baseFee,omitempty"`
	Low        FeeTier  `json:"low"`
	Medium     FeeTier  `json:"medium"`
	High       FeeTier  `json:"high"`
	Custom     *FeeTier `json:"custom,omitempty"`
	IsFixedFee bool     `json:"isFixedFee"`
	Unit       string   `json:"unit"`
}

// Tier returns the tier for p. PriorityCustom requires a custom tier on the quote.
func (q *FeeQuote) Tier(p Priority) (FeeTier, error) {
	var t FeeTier
	switch p {
	case PriorityLow:
		t = q.Low
	case PriorityMedium, "":
		t = q.Medium
	case PriorityHigh:
		t = q.High
	case PriorityCustom:
		if q.Custom == nil {
			return FeeTier{}, InvalidParams("priority", "custom priority without a custom fee")
		}
		t = *q.Custom
	default:
		return FeeTier{}, InvalidParams("priority", "unknown priority "+string(p))
	}
	if t.IsZero() {
		return FeeTier{}, NewSigningError(ErrCodeFeeUnavailable, "selected fee tier is zero", nil)
	}
	return t, nil
}

// BridgeIntent marks an approved send as the source leg of a bridge transfer.
type BridgeIntent struct {
	TargetChain ChainID         `json:"targetChain"`
	Amount      decimal.Decimal `json:"amount"`
	Symbol      string          `json:"symbol"`
}

// ApprovalContext carries the user's decision details into dispatch.
type ApprovalContext struct {
	// Backend names the wallet backend; empty selects the default one.
	Backend      string        `json:"backend,omitempty"`
	AccountIndex uint32        `json:"accountIndex"`
	Network      ChainID       `json:"network"`
	Priority     Priority      `json:"priority,omitempty"`
	CustomFee    *FeeTier      `json:"customFee,omitempty"`
	GasLimit     uint64        `json:"gasLimit,omitempty"`
	Quote        *FeeQuote     `json:"quote,omitempty"`
	Bridge       *BridgeIntent `json:"bridge,omitempty"`
}

// SelectedFee resolves the fee the user picked. It returns nil when no quote was
// attached, in which case the handler estimates on its own.
func (a ApprovalContext) SelectedFee() (*FeeTier, error) {
	if a.CustomFee != nil {
		if a.CustomFee.IsZero() {
			return nil, InvalidParams("customFee", "must be greater than zero")
		}
		t := *a.CustomFee
		return &t, nil
	}
	if a.Quote == nil {
		return nil, nil
	}
	t, err := a.Quote.Tier(a.Priority)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SignOutcome is the artifact returned to the caller on success. Message signing
// fills Signature; sends fill TxHash; sign-only transactions fill SignedTx.
type SignOutcome struct {
	Signature string `json:"signature,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	SignedTx  string `json:"signedTx,omitempty"`
}

// DisplayData is what the presenter shows for a pending approval.
type DisplayData struct {
	RequestID string      `json:"requestId"`
	Method    Method      `json:"method"`
	Origin    Origin      `json:"origin"`
	Peer      PeerMeta    `json:"peer"`
	ChainID   ChainID     `json:"chainId"`
	Summary   string      `json:"summary"`
	Payload   interface{} `json:"payload,omitempty"`
	Fee       *FeeQuote   `json:"fee,omitempty"`
	// FeeError is set when the fee quote could not be produced; the approval still proceeds.
	FeeError string    `json:"feeError,omitempty"`
	Degraded bool      `json:"degraded"`
	Warnings []string  `json:"warnings,omitempty"`
	Created  time.Time `json:"created"`
}

// BridgeTransaction is a tracked bridge transfer, persisted by source tx hash.
type BridgeTransaction struct {
	SourceChain               ChainID         `json:"sourceChain"`
	TargetChain               ChainID         `json:"targetChain"`
	SourceTxHash              string          `json:"sourceTxHash"`
	SourceStartedAt           time.Time       `json:"sourceStartedAt"`
	Amount                    decimal.Decimal `json:"amount"`
	Symbol                    string          `json:"symbol"`
	ConfirmationCount         uint64          `json:"confirmationCount"`
	RequiredConfirmationCount uint64          `json:"requiredConfirmationCount"`
	Complete                  bool            `json:"complete"`
	Reverted                  bool            `json:"reverted,omitempty"`
	TimedOut                  bool            `json:"timedOut,omitempty"`
	CompletedAt               *time.Time      `json:"completedAt,omitempty"`
}

// Terminal reports whether tracking of the transfer has ended.
func (t BridgeTransaction) Terminal() bool {
	return t.Complete || t.Reverted || t.TimedOut
}

// TxState is the on-chain state of a transaction.
type TxState int

const (
	// TxPending means the transaction is unknown or not yet included.
	TxPending TxState = iota
	// TxIncluded means the transaction is included and succeeded.
	TxIncluded
	// TxFailed means the transaction was included and failed, or was dropped.
	TxFailed
)

// TxStatus is a snapshot returned by a StatusProvider.
type TxStatus struct {
	State         TxState
	Confirmations uint64
	// Finalized is set by chains with deterministic finality; it satisfies any threshold.
	Finalized     bool
}
