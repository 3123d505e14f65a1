// Package evm signs and broadcasts EVM transactions and messages through a
// signet.Backend, and provides EVM fee quotes and transaction status.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mark3labs/signet"
)

// Client is the subset of *ethclient.Client the handler and providers use.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Client = (*ethclient.Client)(nil)

// Clients maps EVM chains to RPC clients.
type Clients map[signet.ChainID]Client

// Dial connects to url and registers the client for chain.
func (c Clients) Dial(chain signet.ChainID, url string) error {
	if chain.VM() != signet.VMEVM {
		return fmt.Errorf("evm: %s is not an EVM chain", chain)
	}
	client, err := ethclient.Dial(url)
	if err != nil {
		return fmt.Errorf("evm: dial %s: %w", chain, err)
	}
	c[chain] = client
	return nil
}

// For returns the client for chain.
func (c Clients) For(chain signet.ChainID) (Client, error) {
	client, ok := c[chain]
	if !ok {
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no EVM client for %s", chain), nil).WithDetails("chain", string(chain))
	}
	return client, nil
}

// broadcastError classifies a SendTransaction failure. Node error strings are
// the only signal go-ethereum gives for funding problems over RPC.
func broadcastError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") {
		return signet.NewSigningError(signet.ErrCodeInsufficientFunds, "node rejected transaction", err)
	}
	return signet.NewSigningError(signet.ErrCodeBroadcastFailed, "node rejected transaction", err)
}
