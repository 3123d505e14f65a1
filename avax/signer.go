package avax

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/crypto/secp256k1"
	"github.com/ava-labs/avalanchego/utils/formatting"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/ava-labs/avalanchego/vms/components/verify"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/encoding"
)

// Handler signs Avalanche transactions and issues them to the node.
type Handler struct {
	clients Clients
	codecs  *codecs
	logger  *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler) error

// NewHandler creates a Handler with the X-Chain, P-Chain and C-Chain atomic
// codecs.
func NewHandler(opts ...HandlerOption) (*Handler, error) {
	c, err := newCodecs()
	if err != nil {
		return nil, err
	}
	h := &Handler{
		clients: make(Clients),
		codecs:  c,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// WithClient registers a node endpoint for chain.
func WithClient(chain signet.ChainID, client Caller) HandlerOption {
	return func(h *Handler) error {
		h.clients[chain] = client
		return nil
	}
}

// WithRPC dials url for chain.
func WithRPC(chain signet.ChainID, url string) HandlerOption {
	return func(h *Handler) error {
		return h.clients.Dial(context.Background(), chain, url)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

// Clients returns the handler's endpoints, shared with fee and status providers.
func (h *Handler) Clients() Clients {
	return h.clients
}

type issueTxArgs struct {
	Tx       string `json:"tx"`
	Encoding string `json:"encoding"`
}

type issueTxReply struct {
	TxID string `json:"txID"`
}

// SendTransaction signs every signature slot and issues the transaction.
//
// Slots are assigned keys in order: external indices first, then internal
// ones. A single index signs every slot; otherwise there must be one index per
// slot. C-Chain atomic transactions are signed with the account's EVM key.
func (h *Handler) SendTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.AvalancheSendTransaction, actx signet.ApprovalContext) (*signet.SignOutcome, error) {
	tx, err := h.parse(req.UnsignedTx, req.ChainVM)
	if err != nil {
		return nil, err
	}
	keys, err := slotKeys(signer, req, total(tx.layout()))
	if err != nil {
		return nil, err
	}

	var k int
	signed, id, err := h.sign(ctx, signer, req.UnsignedTx, tx, func(signet.SignatureIndex) (signet.KeyRef, bool) {
		key := keys[k]
		k++
		return key, true
	})
	if err != nil {
		return nil, err
	}

	client, err := h.clients.For(signer.Chain)
	if err != nil {
		return nil, err
	}
	prefix, err := apiPrefix(req.ChainVM)
	if err != nil {
		return nil, signet.InvalidParams("vm", err.Error())
	}
	encoded, err := formatting.Encode(formatting.Hex, signed)
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "encode transaction", err)
	}
	var reply issueTxReply
	err = client.CallContext(ctx, &reply, prefix+".issueTx", issueTxArgs{Tx: encoded, Encoding: "hex"})
	if err != nil {
		h.logger.Warn("issueTx failed", "chain", signer.Chain, "vm", req.ChainVM, "error", err)
		return nil, broadcastError(err)
	}

	txID := reply.TxID
	if txID == "" {
		txID = id.String()
	} else if txID != id.String() {
		h.logger.Warn("node reported a different transaction id", "chain", signer.Chain, "node", txID, "computed", id)
	}
	h.logger.Info("transaction issued", "chain", signer.Chain, "vm", req.ChainVM, "tx", txID, "credentials", len(tx.slots))
	return &signet.SignOutcome{TxHash: txID}, nil
}

// SignTransaction fills only the account's own slots of a multisig
// transaction with the account's first address key. Other slots are left as
// zero signatures for co-signers.
func (h *Handler) SignTransaction(ctx context.Context, signer signet.AccountSigner, req *signet.AvalancheSignTransaction) (*signet.SignOutcome, error) {
	tx, err := h.parse(req.UnsignedTx, req.ChainVM)
	if err != nil {
		return nil, err
	}
	layout := tx.layout()
	if len(req.OwnSignatureIndices) == 0 {
		return nil, signet.InvalidParams("ownSignatureIndices", "at least one signature index is required")
	}
	own := make(map[signet.SignatureIndex]bool, len(req.OwnSignatureIndices))
	for i, idx := range req.OwnSignatureIndices {
		if int(idx.InputIndex) >= len(layout) || int(idx.SigIndex) >= layout[idx.InputIndex] {
			return nil, signet.InvalidParams(fmt.Sprintf("ownSignatureIndices[%d]", i),
				fmt.Sprintf("no signature slot %d/%d", idx.InputIndex, idx.SigIndex))
		}
		own[idx] = true
	}

	key := signet.KeyRef{Account: signer.Account, VM: keyVM(req.ChainVM)}
	signed, _, err := h.sign(ctx, signer, req.UnsignedTx, tx, func(idx signet.SignatureIndex) (signet.KeyRef, bool) {
		return key, own[idx]
	})
	if err != nil {
		return nil, err
	}

	h.logger.Debug("transaction partially signed", "chain", signer.Chain, "vm", req.ChainVM, "slots", len(own))
	return &signet.SignOutcome{SignedTx: encoding.EncodeSignedTx(signet.VMAVM, signed)}, nil
}

func (h *Handler) parse(unsigned []byte, vm signet.VM) (*parsedTx, error) {
	if len(unsigned) == 0 {
		return nil, signet.InvalidParams("unsignedTx", "transaction bytes are required")
	}
	tx, err := h.codecs.parse(unsigned, vm)
	if err != nil {
		return nil, signet.InvalidParams("unsignedTx", err.Error())
	}
	return tx, nil
}

// sign walks every slot in credential order. keyFor returns the key for a slot
// and whether the slot is signed at all; unsigned slots keep a zero signature
// for co-signers. The digest is the same for every slot, so each distinct key
// signs once.
func (h *Handler) sign(ctx context.Context, signer signet.AccountSigner, unsigned []byte, tx *parsedTx, keyFor func(signet.SignatureIndex) (signet.KeyRef, bool)) ([]byte, ids.ID, error) {
	digest := hashing.ComputeHash256(unsigned)
	sigs := make(map[signet.KeyRef][secp256k1.SignatureLen]byte)
	creds := make([]verify.Verifiable, len(tx.slots))

	for i, s := range tx.slots {
		slotSigs := make([][secp256k1.SignatureLen]byte, s.sigs)
		for j := range slotSigs {
			key, ok := keyFor(signet.SignatureIndex{InputIndex: uint32(i), SigIndex: uint32(j)})
			if !ok {
				continue
			}
			sig, cached := sigs[key]
			if !cached {
				raw, err := signer.SignDigest(ctx, key, signet.PurposeTransaction, digest)
				if err != nil {
					return nil, ids.Empty, err
				}
				if len(raw) != secp256k1.SignatureLen {
					return nil, ids.Empty, signet.NewSigningError(signet.ErrCodeInternal,
						fmt.Sprintf("backend returned a %d byte signature", len(raw)), nil)
				}
				copy(sig[:], raw)
				sigs[key] = sig
			}
			slotSigs[j] = sig
		}
		creds[i] = s.credential(slotSigs)
	}

	signed, id, err := tx.attach(creds)
	if err != nil {
		return nil, ids.Empty, signet.NewSigningError(signet.ErrCodeInternal, "encode signed transaction", err)
	}
	if !bytes.HasPrefix(signed, unsigned) {
		return nil, ids.Empty, signet.NewSigningError(signet.ErrCodeInternal, "signed transaction does not match the approved bytes", nil)
	}
	return signed, id, nil
}

// keyVM maps a transaction VM to the VM of its signing key.
func keyVM(vm signet.VM) signet.VM {
	if vm == signet.VMEVM {
		return signet.VMEVM
	}
	return signet.VMAVM
}

func slotKeys(signer signet.AccountSigner, req *signet.AvalancheSendTransaction, slots int) ([]signet.KeyRef, error) {
	vm := keyVM(req.ChainVM)
	var refs []signet.KeyRef
	if vm == signet.VMEVM {
		refs = []signet.KeyRef{{Account: signer.Account, VM: vm}}
	} else {
		for _, idx := range req.ExternalIndices {
			refs = append(refs, signet.KeyRef{Account: signer.Account, VM: vm, AddressIndex: idx})
		}
		for _, idx := range req.InternalIndices {
			refs = append(refs, signet.KeyRef{Account: signer.Account, VM: vm, Change: 1, AddressIndex: idx})
		}
		if len(refs) == 0 {
			refs = []signet.KeyRef{{Account: signer.Account, VM: vm}}
		}
	}

	switch len(refs) {
	case 1:
		keys := make([]signet.KeyRef, slots)
		for i := range keys {
			keys[i] = refs[0]
		}
		return keys, nil
	case slots:
		return refs, nil
	default:
		return nil, signet.InvalidParams("externalIndices",
			fmt.Sprintf("%d address indices for %d signature slots", len(refs), slots))
	}
}

func total(layout []int) int {
	var n int
	for _, c := range layout {
		n += c
	}
	return n
}
