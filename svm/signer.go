package svm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/encoding"
)

// Handler signs and sends Solana requests.
type Handler struct {
	clients Clients
	logger  *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler) error

// NewHandler creates a Handler.
func NewHandler(opts ...HandlerOption) (*Handler, error) {
	h := &Handler{
		clients: make(Clients),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// WithClient registers an RPC client for chain.
func WithClient(chain signet.ChainID, client Client) HandlerOption {
	return func(h *Handler) error {
		if chain.VM() != signet.VMSolana {
			return fmt.Errorf("svm: %s is not a Solana chain", chain)
		}
		h.clients[chain] = client
		return nil
	}
}

// WithRPC registers an RPC endpoint for chain.
func WithRPC(chain signet.ChainID, url string) HandlerOption {
	return func(h *Handler) error {
		if chain.VM() != signet.VMSolana {
			return fmt.Errorf("svm: %s is not a Solana chain", chain)
		}
		h.clients.Dial(chain, url)
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

// Clients returns the handler's client set, shared with fee and status providers.
func (h *Handler) Clients() Clients {
	return h.clients
}

// Address returns the signer's Solana public key.
func Address(ctx context.Context, signer signet.AccountSigner) (solana.PublicKey, error) {
	pub, err := signer.PublicKey(ctx, signer.Key(signet.VMSolana))
	if err != nil {
		return solana.PublicKey{}, err
	}
	if len(pub) != solana.PublicKeyLength {
		return solana.PublicKey{}, signet.NewSigningError(signet.ErrCodeInternal,
			fmt.Sprintf("backend returned a %d-byte ed25519 key", len(pub)), nil)
	}
	return solana.PublicKeyFromBytes(pub), nil
}

func checkAccount(account string, key solana.PublicKey) error {
	if account != "" && account != key.String() {
		return signet.InvalidParams("account", fmt.Sprintf("%s is not the selected account %s", account, key))
	}
	return nil
}

// SendTransaction signs the account's slot, requires every other signer to
// have signed already and submits the transaction. The returned hash is the
// first signature, base58 encoded.
func (h *Handler) SendTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.SolanaPayload) (*signet.SignOutcome, error) {
	tx, err := h.SignTransaction(ctx, signer, req)
	if err != nil {
		return nil, err
	}
	for i, sig := range tx.Signatures {
		if sig.IsZero() {
			return nil, signet.InvalidParams("transaction",
				fmt.Sprintf("signer %s has not signed", tx.Message.Signers()[i]))
		}
	}

	client, err := h.clients.For(signer.Chain)
	if err != nil {
		return nil, err
	}
	sig, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		h.logger.Warn("send failed", "chain", signer.Chain, "tx", tx.Signatures[0].String(), "error", err)
		return nil, broadcastError(err)
	}

	h.logger.Info("transaction sent", "chain", signer.Chain, "tx", sig.String())
	return &signet.SignOutcome{TxHash: sig.String()}, nil
}

// SignTransaction decodes the transaction, fills the recent blockhash when it
// is empty and adds the account's signature. Other signers' slots are left as
// they are.
func (h *Handler) SignTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.SolanaPayload) (*solana.Transaction, error) {
	key, err := Address(ctx, signer)
	if err != nil {
		return nil, err
	}
	if err := checkAccount(req.Account, key); err != nil {
		return nil, err
	}

	tx, err := solana.TransactionFromBytes(req.Payload)
	if err != nil {
		return nil, signet.InvalidParams("transaction", err.Error())
	}
	signers := tx.Message.Signers()
	slot := -1
	for i, s := range signers {
		if s.Equals(key) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, signet.InvalidParams("transaction", fmt.Sprintf("%s is not a required signer", key))
	}
	if len(tx.Signatures) != len(signers) {
		if len(tx.Signatures) != 0 {
			return nil, signet.InvalidParams("transaction",
				fmt.Sprintf("%d signatures for %d signers", len(tx.Signatures), len(signers)))
		}
		tx.Signatures = make([]solana.Signature, len(signers))
	}

	if tx.Message.RecentBlockhash.IsZero() {
		for i, sig := range tx.Signatures {
			if i != slot && !sig.IsZero() {
				return nil, signet.InvalidParams("transaction", "co-signed transaction has no recent blockhash")
			}
		}
		client, err := h.clients.For(signer.Chain)
		if err != nil {
			return nil, err
		}
		hash, err := latestBlockhash(ctx, client)
		if err != nil {
			return nil, signet.NewSigningError(signet.ErrCodeBroadcastFailed, "could not fetch a recent blockhash", err)
		}
		tx.Message.RecentBlockhash = hash
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "encode message", err)
	}
	sig, err := signer.SignMessage(ctx, signer.Key(signet.VMSolana), signet.PurposeTransaction, msg)
	if err != nil {
		return nil, err
	}
	tx.Signatures[slot] = solana.SignatureFromBytes(sig)

	h.logger.Debug("transaction signed", "chain", signer.Chain, "signer", key.String(), "slot", slot)
	return tx, nil
}

// SignTransactionOutcome signs without sending and returns the base64 wire encoding.
func (h *Handler) SignTransactionOutcome(ctx context.Context, signer signet.AccountSigner, req *signet.SolanaPayload) (*signet.SignOutcome, error) {
	tx, err := h.SignTransaction(ctx, signer, req)
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "encode transaction", err)
	}
	return &signet.SignOutcome{SignedTx: encoding.EncodeSignedTx(signet.VMSolana, raw)}, nil
}

// SignMessage signs the raw message bytes and returns the base58 signature.
func (h *Handler) SignMessage(ctx context.Context, signer signet.AccountSigner, req *signet.SolanaPayload) (*signet.SignOutcome, error) {
	key, err := Address(ctx, signer)
	if err != nil {
		return nil, err
	}
	if err := checkAccount(req.Account, key); err != nil {
		return nil, err
	}
	if len(req.Payload) == 0 {
		return nil, signet.InvalidParams("message", "message is empty")
	}
	sig, err := signer.SignMessage(ctx, signer.Key(signet.VMSolana), signet.PurposeMessage, req.Payload)
	if err != nil {
		return nil, err
	}
	return &signet.SignOutcome{Signature: solana.SignatureFromBytes(sig).String()}, nil
}

func broadcastError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient lamports") {
		return signet.NewSigningError(signet.ErrCodeInsufficientFunds, "cluster rejected the transaction", err)
	}
	return signet.NewSigningError(signet.ErrCodeBroadcastFailed, "cluster rejected the transaction", err)
}
