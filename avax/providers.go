package avax

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/fees"
)

func broadcastError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return signet.NewSigningError(signet.ErrCodeInsufficientFunds, "node rejected the transaction", err)
	}
	return signet.NewSigningError(signet.ErrCodeBroadcastFailed, "node rejected the transaction", err)
}

type txFeeReply struct {
	TxFee            uint64 `json:"txFee,string"`
	CreateAssetTxFee uint64 `json:"createAssetTxFee,string"`
}

// FeeProvider quotes the network's fixed transaction fee in nAVAX from the
// node's info API (/ext/info).
type FeeProvider struct {
	info Caller
}

// NewFeeProvider creates a FeeProvider over an info API endpoint.
func NewFeeProvider(info Caller) *FeeProvider {
	return &FeeProvider{info: info}
}

// Quote implements signet.FeeProvider.
func (p *FeeProvider) Quote(ctx context.Context, data signet.SigningData, chain signet.ChainID) (*signet.FeeQuote, error) {
	var reply txFeeReply
	if err := p.info.CallContext(ctx, &reply, "info.getTxFee"); err != nil {
		return nil, fmt.Errorf("info.getTxFee: %w", err)
	}
	return fees.Fixed(new(big.Int).SetUint64(reply.TxFee), fees.UnitNanoAVAX)
}

// Transaction statuses reported by the X, P and C-Chain APIs.
const (
	StatusAccepted   = "Accepted"
	StatusCommitted  = "Committed"
	StatusProcessing = "Processing"
	StatusRejected   = "Rejected"
	StatusAborted    = "Aborted"
	StatusDropped    = "Dropped"
	StatusUnknown    = "Unknown"
)

type txStatusArgs struct {
	TxID string `json:"txID"`
}

type txStatusReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// StatusProvider reports transaction status on one Avalanche chain. Accepted
// transactions are final, so they report Finalized.
type StatusProvider struct {
	client Caller
	method string
}

// NewStatusProvider creates a StatusProvider for transactions of vm.
func NewStatusProvider(client Caller, vm signet.VM) (*StatusProvider, error) {
	prefix, err := apiPrefix(vm)
	if err != nil {
		return nil, err
	}
	method := prefix + ".getTxStatus"
	if vm == signet.VMEVM {
		method = "avax.getAtomicTxStatus"
	}
	return &StatusProvider{client: client, method: method}, nil
}

// TxStatus implements signet.StatusProvider.
func (p *StatusProvider) TxStatus(ctx context.Context, txID string) (*signet.TxStatus, error) {
	if txID == "" {
		return nil, signet.InvalidParams("txHash", "transaction id is required")
	}
	var reply txStatusReply
	if err := p.client.CallContext(ctx, &reply, p.method, txStatusArgs{TxID: txID}); err != nil {
		return nil, fmt.Errorf("%s %s: %w", p.method, txID, err)
	}

	switch reply.Status {
	case StatusAccepted, StatusCommitted:
		return &signet.TxStatus{State: signet.TxIncluded, Confirmations: 1, Finalized: true}, nil
	case StatusRejected, StatusAborted, StatusDropped:
		return &signet.TxStatus{State: signet.TxFailed}, nil
	case StatusProcessing, StatusUnknown, "":
		return &signet.TxStatus{State: signet.TxPending}, nil
	default:
		return nil, fmt.Errorf("%s %s: unexpected status %q", p.method, txID, reply.Status)
	}
}
