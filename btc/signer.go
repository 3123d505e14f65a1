package btc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/encoding"
	"github.com/mark3labs/signet/validation"
)

const (
	// DustLimit is the smallest output, change included, the handler creates.
	DustLimit int64 = 546

	// P2WPKH size estimates in virtual bytes.
	txOverheadVSize = 11
	inputVSize      = 68

	// rbfSequence signals opt-in replace-by-fee.
	rbfSequence = wire.MaxTxInSequenceNum - 2
)

// Handler builds, signs and broadcasts Bitcoin transactions.
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

// WithClient registers a node client for chain.
func WithClient(chain signet.ChainID, client Client) HandlerOption {
	return func(h *Handler) error {
		if chain.VM() != signet.VMBitcoin {
			return fmt.Errorf("btc: %s is not a Bitcoin chain", chain)
		}
		h.clients[chain] = client
		return nil
	}
}

// WithNode dials a bitcoind node for chain.
func WithNode(chain signet.ChainID, cfg NodeConfig) HandlerOption {
	return func(h *Handler) error {
		client, err := Dial(cfg)
		if err != nil {
			return err
		}
		return WithClient(chain, client)(h)
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

// Address returns the P2WPKH address of the signer's account on its chain.
func Address(ctx context.Context, signer signet.AccountSigner) (*btcutil.AddressWitnessPubKeyHash, []byte, error) {
	pub, err := signer.PublicKey(ctx, signer.Key(signet.VMBitcoin))
	if err != nil {
		return nil, nil, err
	}
	if _, err := btcec.ParsePubKey(pub); err != nil {
		return nil, nil, signet.NewSigningError(signet.ErrCodeInternal, "backend returned an invalid public key", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), validation.BitcoinParams(signer.Chain))
	if err != nil {
		return nil, nil, signet.NewSigningError(signet.ErrCodeInternal, "derive address", err)
	}
	return addr, pub, nil
}

// SendTransaction signs the transaction and broadcasts it. The returned hash
// is the txid in display byte order.
func (h *Handler) SendTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.BitcoinTransaction, actx signet.ApprovalContext) (*signet.SignOutcome, error) {
	tx, err := h.SignTransaction(ctx, signer, req, actx)
	if err != nil {
		return nil, err
	}
	client, err := h.clients.For(signer.Chain)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash, err := client.SendRawTransaction(tx, false)
	if err != nil {
		h.logger.Warn("broadcast failed", "chain", signer.Chain, "tx", tx.TxHash().String(), "error", err)
		return nil, signet.NewSigningError(signet.ErrCodeBroadcastFailed, "node rejected the transaction", err)
	}

	h.logger.Info("transaction broadcast", "chain", signer.Chain, "tx", hash.String(), "inputs", len(tx.TxIn))
	return &signet.SignOutcome{TxHash: hash.String()}, nil
}

// SignTransaction builds and signs the transaction without broadcasting it.
func (h *Handler) SignTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.BitcoinTransaction, actx signet.ApprovalContext) (*wire.MsgTx, error) {
	params := validation.BitcoinParams(signer.Chain)
	from, pub, err := Address(ctx, signer)
	if err != nil {
		return nil, err
	}
	if req.From != from.EncodeAddress() {
		return nil, signet.InvalidParams("from", fmt.Sprintf("%s is not the selected account %s", req.From, from.EncodeAddress()))
	}
	fromScript, err := txscript.PayToAddrScript(from)
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "sender script", err)
	}

	outputs, err := buildOutputs(req.Outputs, params)
	if err != nil {
		return nil, err
	}
	rate, err := h.feeRate(ctx, signer.Chain, req, actx)
	if err != nil {
		return nil, err
	}
	sel, err := SelectCoins(req.UTXOs, outputs, fromScript, rate)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut, len(sel.Inputs)))
	for i, u := range sel.Inputs {
		if len(u.Script) > 0 && !bytes.Equal(u.Script, fromScript) {
			return nil, signet.InvalidParams(fmt.Sprintf("utxos[%d].script", i), "output is not owned by the sender")
		}
		hash, err := chainhash.NewHashFromStr(u.TxHash)
		if err != nil {
			return nil, signet.InvalidParams(fmt.Sprintf("utxos[%d].txHash", i), err.Error())
		}
		op := wire.NewOutPoint(hash, u.Index)
		in := wire.NewTxIn(op, nil, nil)
		in.Sequence = rbfSequence
		tx.AddTxIn(in)
		fetcher.AddPrevOut(*op, wire.NewTxOut(u.Value, fromScript))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	if sel.Change > 0 {
		tx.AddTxOut(wire.NewTxOut(sel.Change, fromScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range sel.Inputs {
		digest, err := txscript.CalcWitnessSigHash(fromScript, sigHashes, txscript.SigHashAll, tx, i, u.Value)
		if err != nil {
			return nil, signet.NewSigningError(signet.ErrCodeInternal, "witness sighash", err)
		}
		sig, err := signer.SignDigest(ctx, signer.Key(signet.VMBitcoin), signet.PurposeTransaction, digest)
		if err != nil {
			return nil, err
		}
		der, err := derSignature(sig)
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].Witness = wire.TxWitness{append(der, byte(txscript.SigHashAll)), pub}
	}

	h.logger.Debug("transaction signed",
		"chain", signer.Chain,
		"tx", tx.TxHash().String(),
		"inputs", len(tx.TxIn),
		"fee", sel.Fee,
		"feeRate", rate,
	)
	return tx, nil
}

// SignTransactionOutcome signs without broadcasting and returns the hex
// encoded transaction.
func (h *Handler) SignTransactionOutcome(ctx context.Context, signer signet.AccountSigner, req *signet.BitcoinTransaction, actx signet.ApprovalContext) (*signet.SignOutcome, error) {
	tx, err := h.SignTransaction(ctx, signer, req, actx)
	if err != nil {
		return nil, err
	}
	raw, err := EncodeTransaction(tx)
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "encode transaction", err)
	}
	return &signet.SignOutcome{SignedTx: raw}, nil
}

// EncodeTransaction returns the hex wire encoding of tx.
func EncodeTransaction(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return encoding.EncodeSignedTx(signet.VMBitcoin, buf.Bytes()), nil
}

func buildOutputs(outs []signet.BitcoinOutput, params *chaincfg.Params) ([]*wire.TxOut, error) {
	if len(outs) == 0 {
		return nil, signet.InvalidParams("outputs", "at least one output is required")
	}
	txOuts := make([]*wire.TxOut, 0, len(outs))
	for i, out := range outs {
		addr, err := btcutil.DecodeAddress(out.Address, params)
		if err != nil || !addr.IsForNet(params) {
			return nil, signet.InvalidParams(fmt.Sprintf("outputs[%d].address", i), fmt.Sprintf("not a %s address", params.Name))
		}
		if err := validation.ValidateSatoshis(out.Value, DustLimit); err != nil {
			return nil, signet.InvalidParams(fmt.Sprintf("outputs[%d].value", i), err.Error())
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, signet.InvalidParams(fmt.Sprintf("outputs[%d].address", i), err.Error())
		}
		txOuts = append(txOuts, wire.NewTxOut(out.Value, script))
	}
	return txOuts, nil
}

// feeRate returns sat/vB: the user's tier, then the dApp's rate, then a node estimate.
func (h *Handler) feeRate(ctx context.Context, chain signet.ChainID, req *signet.BitcoinTransaction, actx signet.ApprovalContext) (int64, error) {
	selected, err := actx.SelectedFee()
	if err != nil {
		return 0, err
	}
	if selected != nil {
		if !selected.MaxFeePerGas.IsInt64() {
			return 0, signet.InvalidParams("customFee.maxFeePerGas", "fee rate out of range")
		}
		return selected.MaxFeePerGas.Int64(), nil
	}
	if req.FeeRatePerByte > 0 {
		return int64(req.FeeRatePerByte), nil
	}
	client, err := h.clients.For(chain)
	if err != nil {
		return 0, err
	}
	return estimateRate(ctx, client)
}

// Selection is the result of coin selection.
type Selection struct {
	Inputs []signet.UTXO
	Fee    int64
	// Change is zero when the remainder would be dust and went to the fee.
	Change int64
	VSize  int64
}

// SelectCoins picks UTXOs largest first until they pay for outputs and the
// fee at rate sat/vB. A change output back to changeScript is added when the
// remainder is at least DustLimit.
func SelectCoins(utxos []signet.UTXO, outputs []*wire.TxOut, changeScript []byte, rate int64) (*Selection, error) {
	if len(utxos) == 0 {
		return nil, signet.InvalidParams("utxos", "no spendable outputs")
	}
	if rate <= 0 {
		return nil, signet.NewSigningError(signet.ErrCodeFeeUnavailable, "fee rate must be positive", nil)
	}

	var target int64
	vsize := int64(txOverheadVSize)
	for _, out := range outputs {
		target += out.Value
		vsize += outputVSize(out.PkScript)
	}

	sorted := make([]signet.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var available int64
	for i, u := range sorted {
		if u.Value <= 0 {
			return nil, signet.InvalidParams(fmt.Sprintf("utxos[%d].value", i), "must be greater than zero")
		}
		available += u.Value
		vsize += inputVSize

		if available < target+vsize*rate {
			continue
		}
		withChange := vsize + outputVSize(changeScript)
		change := available - target - withChange*rate
		if change >= DustLimit {
			return &Selection{Inputs: sorted[:i+1], Fee: withChange * rate, Change: change, VSize: withChange}, nil
		}
		return &Selection{Inputs: sorted[:i+1], Fee: available - target, VSize: vsize}, nil
	}

	return nil, signet.NewSigningError(signet.ErrCodeInsufficientFunds,
		fmt.Sprintf("utxos total %d sat, need %d plus fees", available, target), nil).
		WithDetails("available", available).
		WithDetails("required", target+vsize*rate)
}

func outputVSize(script []byte) int64 {
	// value + script length prefix + script
	return int64(8 + wire.VarIntSerializeSize(uint64(len(script))) + len(script))
}

// derSignature converts a 65-byte [R || S || V] signature to low-S DER.
func derSignature(sig []byte) ([]byte, error) {
	var r, s btcec.ModNScalar
	if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:64]) || r.IsZero() || s.IsZero() {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "backend returned an invalid signature", nil)
	}
	return ecdsa.NewSignature(&r, &s).Serialize(), nil
}
