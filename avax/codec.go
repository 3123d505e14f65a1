// Package avax signs Avalanche X-Chain, P-Chain and C-Chain atomic
// transactions supplied as codec-serialized unsigned bytes, and issues them
// through the node's JSON-RPC API.
package avax

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/codec"
	"github.com/ava-labs/avalanchego/codec/linearcodec"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/crypto/secp256k1"
	"github.com/ava-labs/avalanchego/utils/hashing"
	"github.com/ava-labs/avalanchego/vms/avm/fxs"
	avmtxs "github.com/ava-labs/avalanchego/vms/avm/txs"
	components "github.com/ava-labs/avalanchego/vms/components/avax"
	"github.com/ava-labs/avalanchego/vms/components/verify"
	"github.com/ava-labs/avalanchego/vms/nftfx"
	"github.com/ava-labs/avalanchego/vms/platformvm/stakeable"
	pvmtxs "github.com/ava-labs/avalanchego/vms/platformvm/txs"
	"github.com/ava-labs/avalanchego/vms/propertyfx"
	"github.com/ava-labs/avalanchego/vms/secp256k1fx"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/signet"
)

// atomicCodecVersion is the only C-Chain atomic serialization version.
const atomicCodecVersion uint16 = 0

type fxKind uint8

const (
	fxSecp256k1 fxKind = iota
	fxNFT
	fxProperty
)

// slot is one credential of a transaction: the fx that verifies it and the
// number of signatures its input names.
type slot struct {
	fx   fxKind
	sigs int
}

func (s slot) credential(sigs [][secp256k1.SignatureLen]byte) verify.Verifiable {
	cred := secp256k1fx.Credential{Sigs: sigs}
	switch s.fx {
	case fxNFT:
		return &nftfx.Credential{Credential: cred}
	case fxProperty:
		return &propertyfx.Credential{Credential: cred}
	default:
		return &cred
	}
}

// parsedTx is an unsigned transaction decoded by its chain's codec.
type parsedTx struct {
	slots []slot
	// attach encodes the signed transaction with creds in slot order.
	attach func(creds []verify.Verifiable) ([]byte, ids.ID, error)
}

func (p *parsedTx) layout() []int {
	out := make([]int, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.sigs
	}
	return out
}

// codecs decodes the unsigned transactions of the X, P and C chains.
type codecs struct {
	avm    avmtxs.Parser
	atomic codec.Manager
}

func newCodecs() (*codecs, error) {
	avm, err := avmtxs.NewParser([]fxs.Fx{
		&secp256k1fx.Fx{},
		&nftfx.Fx{},
		&propertyfx.Fx{},
	})
	if err != nil {
		return nil, fmt.Errorf("avm codec: %w", err)
	}
	atomic, err := newAtomicCodec()
	if err != nil {
		return nil, fmt.Errorf("atomic codec: %w", err)
	}
	return &codecs{avm: avm, atomic: atomic}, nil
}

// parse decodes unsigned and reads the credential each input needs.
func (c *codecs) parse(unsigned []byte, vm signet.VM) (*parsedTx, error) {
	var (
		tx  *parsedTx
		err error
	)
	switch vm {
	case signet.VMAVM:
		tx, err = c.parseAVM(unsigned)
	case signet.VMPVM:
		tx, err = parsePVM(unsigned)
	case signet.VMEVM:
		tx, err = c.parseAtomic(unsigned)
	default:
		return nil, fmt.Errorf("%s is not an Avalanche transaction VM", vm)
	}
	if err != nil {
		return nil, err
	}
	if len(tx.slots) == 0 {
		return nil, errors.New("transaction has no inputs to sign")
	}
	return tx, nil
}

func (c *codecs) parseAVM(unsigned []byte) (*parsedTx, error) {
	var utx avmtxs.UnsignedTx
	if _, err := c.avm.Codec().Unmarshal(unsigned, &utx); err != nil {
		return nil, fmt.Errorf("decode X-Chain transaction: %w", err)
	}
	slots, err := avmSlots(utx)
	if err != nil {
		return nil, err
	}
	return &parsedTx{
		slots: slots,
		attach: func(creds []verify.Verifiable) ([]byte, ids.ID, error) {
			tx := &avmtxs.Tx{Unsigned: utx, Creds: make([]*fxs.FxCredential, len(creds))}
			for i, cred := range creds {
				tx.Creds[i] = &fxs.FxCredential{Credential: cred}
			}
			if err := tx.Initialize(c.avm.Codec()); err != nil {
				return nil, ids.Empty, err
			}
			return tx.Bytes(), tx.ID(), nil
		},
	}, nil
}

func parsePVM(unsigned []byte) (*parsedTx, error) {
	var utx pvmtxs.UnsignedTx
	if _, err := pvmtxs.Codec.Unmarshal(unsigned, &utx); err != nil {
		return nil, fmt.Errorf("decode P-Chain transaction: %w", err)
	}
	slots, err := pvmSlots(utx)
	if err != nil {
		return nil, err
	}
	return &parsedTx{
		slots: slots,
		attach: func(creds []verify.Verifiable) ([]byte, ids.ID, error) {
			tx := &pvmtxs.Tx{Unsigned: utx, Creds: creds}
			if err := tx.Initialize(pvmtxs.Codec); err != nil {
				return nil, ids.Empty, err
			}
			return tx.Bytes(), tx.ID(), nil
		},
	}, nil
}

func (c *codecs) parseAtomic(unsigned []byte) (*parsedTx, error) {
	var utx atomicTx
	if _, err := c.atomic.Unmarshal(unsigned, &utx); err != nil {
		return nil, fmt.Errorf("decode C-Chain atomic transaction: %w", err)
	}

	var slots []slot
	switch tx := utx.(type) {
	case *evmImportTx:
		var err error
		if slots, err = inputSlots(tx.ImportedInputs); err != nil {
			return nil, err
		}
	case *evmExportTx:
		// EVM inputs are each signed once by the account that holds them.
		for range tx.Ins {
			slots = append(slots, slot{fx: fxSecp256k1, sigs: 1})
		}
	default:
		return nil, fmt.Errorf("unsupported C-Chain atomic transaction %T", utx)
	}

	return &parsedTx{
		slots: slots,
		attach: func(creds []verify.Verifiable) ([]byte, ids.ID, error) {
			signed, err := c.atomic.Marshal(atomicCodecVersion, &atomicSignedTx{Unsigned: utx, Creds: creds})
			if err != nil {
				return nil, ids.Empty, err
			}
			return signed, ids.ID(hashing.ComputeHash256Array(signed)), nil
		},
	}, nil
}

func avmSlots(utx any) ([]slot, error) {
	switch tx := utx.(type) {
	case *avmtxs.BaseTx:
		return inputSlots(tx.Ins)
	case *avmtxs.CreateAssetTx:
		return inputSlots(tx.Ins)
	case *avmtxs.ExportTx:
		return inputSlots(tx.Ins)
	case *avmtxs.ImportTx:
		return inputSlots(tx.Ins, tx.ImportedIns)
	case *avmtxs.OperationTx:
		slots, err := inputSlots(tx.Ins)
		if err != nil {
			return nil, err
		}
		for i, op := range tx.Ops {
			s, err := operationSlot(op.Op)
			if err != nil {
				return nil, fmt.Errorf("operation %d: %w", i, err)
			}
			slots = append(slots, s)
		}
		return slots, nil
	default:
		return nil, fmt.Errorf("unsupported X-Chain transaction %T", utx)
	}
}

// pvmSlots lists input credentials first, then the subnet or validator
// authorization credential.
func pvmSlots(utx any) ([]slot, error) {
	switch tx := utx.(type) {
	case *pvmtxs.BaseTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.ImportTx:
		return inputSlots(tx.Ins, tx.ImportedInputs)
	case *pvmtxs.ExportTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.CreateSubnetTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.AddValidatorTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.AddDelegatorTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.AddPermissionlessValidatorTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.AddPermissionlessDelegatorTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.RegisterL1ValidatorTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.SetL1ValidatorWeightTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.IncreaseL1ValidatorBalanceTx:
		return inputSlots(tx.Ins)
	case *pvmtxs.AddSubnetValidatorTx:
		return authorizedSlots(tx.Ins, tx.SubnetAuth)
	case *pvmtxs.RemoveSubnetValidatorTx:
		return authorizedSlots(tx.Ins, tx.SubnetAuth)
	case *pvmtxs.CreateChainTx:
		return authorizedSlots(tx.Ins, tx.SubnetAuth)
	case *pvmtxs.TransformSubnetTx:
		return authorizedSlots(tx.Ins, tx.SubnetAuth)
	case *pvmtxs.TransferSubnetOwnershipTx:
		return authorizedSlots(tx.Ins, tx.SubnetAuth)
	case *pvmtxs.ConvertSubnetToL1Tx:
		return authorizedSlots(tx.Ins, tx.SubnetAuth)
	case *pvmtxs.DisableL1ValidatorTx:
		return authorizedSlots(tx.Ins, tx.DisableAuth)
	default:
		return nil, fmt.Errorf("unsupported P-Chain transaction %T", utx)
	}
}

func authorizedSlots(ins []*components.TransferableInput, auth verify.Verifiable) ([]slot, error) {
	slots, err := inputSlots(ins)
	if err != nil {
		return nil, err
	}
	in, ok := auth.(*secp256k1fx.Input)
	if !ok {
		return nil, fmt.Errorf("unsupported authorization %T", auth)
	}
	return append(slots, slot{fx: fxSecp256k1, sigs: len(in.SigIndices)}), nil
}

func inputSlots(lists ...[]*components.TransferableInput) ([]slot, error) {
	var slots []slot
	for _, ins := range lists {
		for _, in := range ins {
			n, err := inputSigs(in.In)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", len(slots), err)
			}
			slots = append(slots, slot{fx: fxSecp256k1, sigs: n})
		}
	}
	return slots, nil
}

func inputSigs(in any) (int, error) {
	switch in := in.(type) {
	case *secp256k1fx.TransferInput:
		return len(in.SigIndices), nil
	case *stakeable.LockIn:
		return inputSigs(in.TransferableIn)
	default:
		return 0, fmt.Errorf("unsupported input %T", in)
	}
}

func operationSlot(op any) (slot, error) {
	switch op := op.(type) {
	case *secp256k1fx.MintOperation:
		return slot{fx: fxSecp256k1, sigs: len(op.MintInput.SigIndices)}, nil
	case *nftfx.MintOperation:
		return slot{fx: fxNFT, sigs: len(op.MintInput.SigIndices)}, nil
	case *nftfx.TransferOperation:
		return slot{fx: fxNFT, sigs: len(op.Input.SigIndices)}, nil
	case *propertyfx.MintOperation:
		return slot{fx: fxProperty, sigs: len(op.MintInput.SigIndices)}, nil
	case *propertyfx.BurnOperation:
		return slot{fx: fxProperty, sigs: len(op.SigIndices)}, nil
	default:
		return slot{}, fmt.Errorf("unsupported operation %T", op)
	}
}

// C-Chain atomic transactions. The layout and type ids match the coreth
// atomic codec: import 0, export 1, then the secp256k1fx types from id 5.

type atomicTx interface {
	isAtomic()
}

type evmInput struct {
	Address common.Address `serialize:"true"`
	Amount  uint64         `serialize:"true"`
	AssetID ids.ID         `serialize:"true"`
	Nonce   uint64         `serialize:"true"`
}

type evmOutput struct {
	Address common.Address `serialize:"true"`
	Amount  uint64         `serialize:"true"`
	AssetID ids.ID         `serialize:"true"`
}

type evmImportTx struct {
	NetworkID      uint32                          `serialize:"true"`
	BlockchainID   ids.ID                          `serialize:"true"`
	SourceChain    ids.ID                          `serialize:"true"`
	ImportedInputs []*components.TransferableInput `serialize:"true"`
	Outs           []evmOutput                     `serialize:"true"`
}

type evmExportTx struct {
	NetworkID        uint32                           `serialize:"true"`
	BlockchainID     ids.ID                           `serialize:"true"`
	DestinationChain ids.ID                           `serialize:"true"`
	Ins              []evmInput                       `serialize:"true"`
	ExportedOutputs  []*components.TransferableOutput `serialize:"true"`
}

func (*evmImportTx) isAtomic() {}
func (*evmExportTx) isAtomic() {}

type atomicSignedTx struct {
	Unsigned atomicTx            `serialize:"true"`
	Creds    []verify.Verifiable `serialize:"true"`
}

func newAtomicCodec() (codec.Manager, error) {
	lc := linearcodec.NewDefault()
	err := errors.Join(
		lc.RegisterType(&evmImportTx{}),
		lc.RegisterType(&evmExportTx{}),
	)
	lc.SkipRegistrations(3)
	m := codec.NewDefaultManager()
	err = errors.Join(err,
		lc.RegisterType(&secp256k1fx.TransferInput{}),
		lc.RegisterType(&secp256k1fx.MintOutput{}),
		lc.RegisterType(&secp256k1fx.TransferOutput{}),
		lc.RegisterType(&secp256k1fx.MintOperation{}),
		lc.RegisterType(&secp256k1fx.Credential{}),
		lc.RegisterType(&secp256k1fx.Input{}),
		lc.RegisterType(&secp256k1fx.OutputOwners{}),
		m.RegisterCodec(atomicCodecVersion, lc),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
