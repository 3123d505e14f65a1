package evm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/fees"
	"github.com/mark3labs/signet/validation"
)

// FeeProvider quotes EIP-1559 tiers, or gas-price tiers on chains without a base fee.
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
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	if header.BaseFee == nil {
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas price: %w", err)
		}
		return fees.FromGasPrice(price)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("priority fee: %w", err)
	}
	return fees.FromBaseFee(header.BaseFee, tip)
}

// StatusProvider reports receipt status and confirmation depth on one chain.
type StatusProvider struct {
	client Client
}

// NewStatusProvider creates a StatusProvider for client.
func NewStatusProvider(client Client) *StatusProvider {
	return &StatusProvider{client: client}
}

// TxStatus implements signet.StatusProvider. Confirmations count the inclusion
// block itself, so a receipt in the latest block has one confirmation.
func (p *StatusProvider) TxStatus(ctx context.Context, txHash string) (*signet.TxStatus, error) {
	if err := validation.ValidateTxHash(strings.TrimPrefix(txHash, "0x")); err != nil {
		return nil, signet.InvalidParams("txHash", err.Error())
	}
	receipt, err := p.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return &signet.TxStatus{State: signet.TxPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return &signet.TxStatus{State: signet.TxFailed}, nil
	}

	latest, err := p.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	var confirmations uint64
	if receipt.BlockNumber != nil && latest >= receipt.BlockNumber.Uint64() {
		confirmations = latest - receipt.BlockNumber.Uint64() + 1
	}
	return &signet.TxStatus{State: signet.TxIncluded, Confirmations: confirmations}, nil
}
