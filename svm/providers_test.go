package svm

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mark3labs/signet"
)

func TestFeeProvider(t *testing.T) {
	_, key := testSigner(t)
	client := newFakeClient()
	p := NewFeeProvider(Clients{signet.SolanaMainnet: client})
	data := &signet.SolanaSignAndSendTransaction{SolanaPayload: signet.SolanaPayload{Payload: transfer(t, key, solana.Hash{}, nil)}}

	quote, err := p.Quote(context.Background(), data, signet.SolanaMainnet)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if !quote.IsFixedFee || quote.High.MaxFeePerGas.Uint64() != 5000 {
		t.Errorf("quote = %+v", quote)
	}

	client.fee = nil
	if _, err := p.Quote(context.Background(), data, signet.SolanaMainnet); err == nil {
		t.Error("expected an error for an expired blockhash")
	}
	if _, err := p.Quote(context.Background(), &signet.SolanaSignMessage{}, signet.SolanaMainnet); err == nil {
		t.Error("messages have no fee")
	}
	if _, err := p.Quote(context.Background(), data, signet.SolanaDevnet); !errors.Is(err, signet.ErrUnsupportedChain) {
		t.Errorf("unknown cluster: err = %v", err)
	}
}

func TestStatusProvider(t *testing.T) {
	two := uint64(2)
	sig := func(b byte) solana.Signature {
		var s solana.Signature
		s[0] = b
		return s
	}

	client := newFakeClient()
	client.statuses[sig(1)] = &rpc.SignatureStatusesResult{Slot: 10, Confirmations: &two, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	client.statuses[sig(2)] = &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusFinalized}
	client.statuses[sig(3)] = &rpc.SignatureStatusesResult{Slot: 10, Confirmations: &two, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}
	p := NewStatusProvider(client)

	tests := []struct {
		name    string
		hash    string
		want    signet.TxStatus
		wantErr error
	}{
		{name: "confirmed", hash: sig(1).String(), want: signet.TxStatus{State: signet.TxIncluded, Confirmations: 3}},
		{name: "finalized", hash: sig(2).String(), want: signet.TxStatus{State: signet.TxIncluded, Confirmations: 1, Finalized: true}},
		{name: "failed", hash: sig(3).String(), want: signet.TxStatus{State: signet.TxFailed}},
		{name: "unknown", hash: sig(4).String(), want: signet.TxStatus{State: signet.TxPending}},
		{name: "not base58", hash: "0xdeadbeef", wantErr: signet.ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.TxStatus(context.Background(), tt.hash)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("TxStatus: %v", err)
			}
			if *got != tt.want {
				t.Errorf("status = %+v, want %+v", *got, tt.want)
			}
		})
	}
}
