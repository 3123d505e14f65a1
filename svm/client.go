// Package svm signs Solana transactions and messages through a
// signet.Backend and submits transactions over JSON-RPC.
package svm

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mark3labs/signet"
)

// Client is the subset of *rpc.Client used here.
type Client interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ Client = (*rpc.Client)(nil)

// Clients maps Solana clusters to RPC clients.
type Clients map[signet.ChainID]Client

// Dial registers an RPC client for chain.
func (c Clients) Dial(chain signet.ChainID, url string) {
	c[chain] = rpc.New(url)
}

// For returns the client for chain.
func (c Clients) For(chain signet.ChainID) (Client, error) {
	client, ok := c[chain]
	if !ok {
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no Solana RPC for %s", chain), nil).WithDetails("chain", string(chain))
	}
	return client, nil
}

func latestBlockhash(ctx context.Context, client Client) (solana.Hash, error) {
	res, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("latest blockhash: %w", err)
	}
	if res == nil || res.Value == nil {
		return solana.Hash{}, fmt.Errorf("latest blockhash: empty response")
	}
	return res.Value.Blockhash, nil
}
