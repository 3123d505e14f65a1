package btc

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/fees"
	"github.com/mark3labs/signet/validation"
)

// ConfTarget is the block target passed to estimatesmartfee.
const ConfTarget = 6

// estimateRate asks the node for a conservative rate and converts BTC/kvB to
// sat/vB, rounding up with a floor of 1.
func estimateRate(ctx context.Context, client Client) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	mode := btcjson.EstimateModeConservative
	res, err := client.EstimateSmartFee(ConfTarget, &mode)
	if err != nil {
		return 0, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "estimatesmartfee", err)
	}
	if res.FeeRate == nil {
		return 0, signet.NewSigningError(signet.ErrCodeFeeUnavailable,
			"node has no fee estimate: "+strings.Join(res.Errors, "; "), nil)
	}
	satPerKvB := int64(math.Round(*res.FeeRate * btcutil.SatoshiPerBitcoin))
	rate := (satPerKvB + 999) / 1000
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

// FeeProvider quotes a fixed sat/vB rate from the node.
type FeeProvider struct {
	clients Clients
}

// NewFeeProvider creates a FeeProvider over clients.
func NewFeeProvider(clients Clients) *FeeProvider {
	return &FeeProvider{clients: clients}
}

// Quote implements signet.FeeProvider.
func (p *FeeProvider) Quote(ctx context.Context, data signet.SigningData, chain signet.ChainID) (*signet.FeeQuote, error) {
	client, err := p.clients.For(chain)
	if err != nil {
		return nil, err
	}
	rate, err := estimateRate(ctx, client)
	if err != nil {
		return nil, err
	}
	return fees.Fixed(big.NewInt(rate), fees.UnitSatVByte)
}

// StatusProvider reports confirmation depth from a node with a transaction index.
type StatusProvider struct {
	client Client
}

// NewStatusProvider creates a StatusProvider for client.
func NewStatusProvider(client Client) *StatusProvider {
	return &StatusProvider{client: client}
}

// TxStatus implements signet.StatusProvider. Unknown and mempool transactions
// are pending; Bitcoin has no on-chain failure state.
func (p *StatusProvider) TxStatus(ctx context.Context, txHash string) (*signet.TxStatus, error) {
	if err := validation.ValidateTxHash(txHash); err != nil {
		return nil, signet.InvalidParams("txHash", err.Error())
	}
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return nil, signet.InvalidParams("txHash", err.Error())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := p.client.GetRawTransactionVerbose(hash)
	if isNotFound(err) {
		return &signet.TxStatus{State: signet.TxPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getrawtransaction %s: %w", txHash, err)
	}
	if res.Confirmations == 0 {
		return &signet.TxStatus{State: signet.TxPending}, nil
	}
	return &signet.TxStatus{State: signet.TxIncluded, Confirmations: res.Confirmations}, nil
}
