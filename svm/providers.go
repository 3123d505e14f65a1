package svm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/fees"
)

// FeeProvider quotes the lamport fee the cluster charges for a transaction.
type FeeProvider struct {
	clients Clients
}

// NewFeeProvider creates a FeeProvider over clients.
func NewFeeProvider(clients Clients) *FeeProvider {
	return &FeeProvider{clients: clients}
}

// Quote implements signet.FeeProvider.
func (p *FeeProvider) Quote(ctx context.Context, data signet.SigningData, chain signet.ChainID) (*signet.FeeQuote, error) {
	var payload []byte
	switch d := data.(type) {
	case *signet.SolanaSignAndSendTransaction:
		payload = d.Payload
	case *signet.SolanaSignTransaction:
		payload = d.Payload
	default:
		return nil, fmt.Errorf("svm: no fee for %s", data.Method())
	}

	client, err := p.clients.For(chain)
	if err != nil {
		return nil, err
	}
	tx, err := solana.TransactionFromBytes(payload)
	if err != nil {
		return nil, signet.InvalidParams("transaction", err.Error())
	}
	if tx.Message.RecentBlockhash.IsZero() {
		hash, err := latestBlockhash(ctx, client)
		if err != nil {
			return nil, err
		}
		tx.Message.RecentBlockhash = hash
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	res, err := client.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(msg), rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("fee for message: %w", err)
	}
	if res == nil || res.Value == nil {
		return nil, errors.New("fee for message: blockhash expired")
	}
	return fees.Fixed(new(big.Int).SetUint64(*res.Value), fees.UnitLamports)
}

// StatusProvider reports signature status on one cluster.
type StatusProvider struct {
	client Client
}

// NewStatusProvider creates a StatusProvider for client.
func NewStatusProvider(client Client) *StatusProvider {
	return &StatusProvider{client: client}
}

// TxStatus implements signet.StatusProvider. Finalized signatures report
// Finalized; a null confirmation count means the slot is rooted.
func (p *StatusProvider) TxStatus(ctx context.Context, txHash string) (*signet.TxStatus, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return nil, signet.InvalidParams("txHash", err.Error())
	}
	res, err := p.client.GetSignatureStatuses(ctx, true, sig)
	if errors.Is(err, rpc.ErrNotFound) {
		return &signet.TxStatus{State: signet.TxPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signature status %s: %w", txHash, err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return &signet.TxStatus{State: signet.TxPending}, nil
	}

	status := res.Value[0]
	if status.Err != nil {
		return &signet.TxStatus{State: signet.TxFailed}, nil
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized || status.Confirmations == nil {
		return &signet.TxStatus{State: signet.TxIncluded, Confirmations: 1, Finalized: true}, nil
	}
	return &signet.TxStatus{State: signet.TxIncluded, Confirmations: *status.Confirmations + 1}, nil
}
