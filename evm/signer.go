package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/fees"
)

// Handler finalizes, signs and broadcasts EVM requests.
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
		if chain.VM() != signet.VMEVM {
			return fmt.Errorf("evm: %s is not an EVM chain", chain)
		}
		h.clients[chain] = client
		return nil
	}
}

// WithClients registers every client in c.
func WithClients(c Clients) HandlerOption {
	return func(h *Handler) error {
		for chain, client := range c {
			h.clients[chain] = client
		}
		return nil
	}
}

// WithRPC dials url for chain.
func WithRPC(chain signet.ChainID, url string) HandlerOption {
	return func(h *Handler) error {
		return h.clients.Dial(chain, url)
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

// Address returns the EVM address of the signer's account.
func Address(ctx context.Context, signer signet.AccountSigner) (common.Address, error) {
	pub, err := signer.PublicKey(ctx, signer.Key(signet.VMEVM))
	if err != nil {
		return common.Address{}, err
	}
	key, err := crypto.DecompressPubkey(pub)
	if err != nil {
		return common.Address{}, signet.NewSigningError(signet.ErrCodeInternal, "backend returned an invalid public key", err)
	}
	return crypto.PubkeyToAddress(*key), nil
}

func checkFrom(from string, account common.Address) error {
	if !strings.EqualFold(from, account.Hex()) {
		return signet.InvalidParams("from", fmt.Sprintf("%s is not the selected account %s", from, account.Hex()))
	}
	return nil
}

// SendTransaction fills in nonce, gas and fees, signs the transaction with the
// account key and broadcasts it. The chain is signer.Chain.
func (h *Handler) SendTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.EVMSendTransaction, actx signet.ApprovalContext) (*signet.SignOutcome, error) {
	tx, err := h.SignTransaction(ctx, signer, req, actx)
	if err != nil {
		return nil, err
	}

	client, err := h.clients.For(signer.Chain)
	if err != nil {
		return nil, err
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		h.logger.Warn("broadcast failed", "chain", signer.Chain, "tx", tx.Hash().Hex(), "error", err)
		return nil, broadcastError(err)
	}

	h.logger.Info("transaction broadcast", "chain", signer.Chain, "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	return &signet.SignOutcome{TxHash: tx.Hash().Hex()}, nil
}

// SignTransaction builds and signs the transaction without broadcasting it.
func (h *Handler) SignTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.EVMSendTransaction, actx signet.ApprovalContext) (*types.Transaction, error) {
	client, err := h.clients.For(signer.Chain)
	if err != nil {
		return nil, err
	}
	chainID, err := signer.Chain.EVMChainID()
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedChain, err.Error(), err)
	}

	from, err := Address(ctx, signer)
	if err != nil {
		return nil, err
	}
	if err := checkFrom(req.From, from); err != nil {
		return nil, err
	}

	unsigned, err := h.build(ctx, client, chainID, from, req, actx)
	if err != nil {
		return nil, err
	}

	ethSigner := types.LatestSignerForChainID(chainID)
	hash := ethSigner.Hash(unsigned)
	sig, err := signer.SignDigest(ctx, signer.Key(signet.VMEVM), signet.PurposeTransaction, hash.Bytes())
	if err != nil {
		return nil, err
	}
	signed, err := unsigned.WithSignature(ethSigner, sig)
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "invalid transaction signature", err)
	}
	return signed, nil
}

func (h *Handler) build(ctx context.Context, client Client, chainID *big.Int, from common.Address, req *signet.EVMSendTransaction, actx signet.ApprovalContext) (*types.Transaction, error) {
	var to *common.Address
	if req.To != "" {
		addr := common.HexToAddress(req.To)
		to = &addr
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := h.nonce(ctx, client, from, req)
	if err != nil {
		return nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "latest header", err)
	}
	feeCap, tipCap, err := h.feeCaps(ctx, client, header, req, actx)
	if err != nil {
		return nil, err
	}

	gas := actx.GasLimit
	if gas == 0 {
		gas = req.GasLimit
	}
	if gas == 0 {
		msg := ethereum.CallMsg{From: from, To: to, Value: value, Data: req.Data}
		if header.BaseFee != nil {
			msg.GasFeeCap, msg.GasTipCap = feeCap, tipCap
		} else {
			msg.GasPrice = feeCap
		}
		gas, err = client.EstimateGas(ctx, msg)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
				return nil, signet.NewSigningError(signet.ErrCodeInsufficientFunds, "gas estimation", err)
			}
			return nil, signet.NewSigningError(signet.ErrCodeBroadcastFailed, "gas estimation failed", err)
		}
	}

	cost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas))
	cost.Add(cost, value)
	balance, err := client.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeBroadcastFailed, "balance lookup failed", err)
	}
	if balance.Cmp(cost) < 0 {
		return nil, signet.NewSigningError(signet.ErrCodeInsufficientFunds,
			fmt.Sprintf("balance %s is below the maximum cost %s", balance, cost), nil).
			WithDetails("balance", balance.String()).
			WithDetails("required", cost.String())
	}

	if header.BaseFee == nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: feeCap,
			Gas:      gas,
			To:       to,
			Value:    value,
			Data:     req.Data,
		}), nil
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      req.Data,
	}), nil
}

func (h *Handler) nonce(ctx context.Context, client Client, from common.Address, req *signet.EVMSendTransaction) (uint64, error) {
	if req.Nonce != nil {
		return *req.Nonce, nil
	}
	n, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, signet.NewSigningError(signet.ErrCodeBroadcastFailed, "pending nonce lookup failed", err)
	}
	return n, nil
}

// feeCaps picks fee cap and tip: the tier the user selected, then fees the dApp
// supplied, then a fresh medium-tier estimate. Legacy chains return the gas
// price as both values.
func (h *Handler) feeCaps(ctx context.Context, client Client, header *types.Header, req *signet.EVMSendTransaction, actx signet.ApprovalContext) (feeCap, tipCap *big.Int, err error) {
	selected, err := actx.SelectedFee()
	if err != nil {
		return nil, nil, err
	}
	if selected != nil {
		tip := selected.MaxPriorityFeePerGas
		if tip == nil || header.BaseFee == nil {
			tip = selected.MaxFeePerGas
		}
		return selected.MaxFeePerGas, tip, nil
	}

	if header.BaseFee == nil {
		if req.GasPrice != nil {
			return req.GasPrice, req.GasPrice, nil
		}
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "gas price", err)
		}
		return price, price, nil
	}

	if req.MaxPriorityFeePerGas != nil {
		if req.MaxFeePerGas != nil {
			return req.MaxFeePerGas, req.MaxPriorityFeePerGas, nil
		}
		quote, err := fees.FromBaseFee(header.BaseFee, req.MaxPriorityFeePerGas)
		if err != nil {
			return nil, nil, err
		}
		return quote.Low.MaxFeePerGas, quote.Low.MaxPriorityFeePerGas, nil
	}

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "priority fee", err)
	}
	quote, err := fees.FromBaseFee(header.BaseFee, tip)
	if err != nil {
		return nil, nil, err
	}
	if req.MaxFeePerGas != nil && req.MaxFeePerGas.Cmp(quote.Medium.MaxPriorityFeePerGas) >= 0 {
		return req.MaxFeePerGas, quote.Medium.MaxPriorityFeePerGas, nil
	}
	return quote.Medium.MaxFeePerGas, quote.Medium.MaxPriorityFeePerGas, nil
}

// EncodeTransaction returns the 0x-prefixed RLP/typed envelope of tx.
func EncodeTransaction(tx *types.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hexutil.Encode(raw), nil
}
