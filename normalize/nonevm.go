package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/encoding"
	"github.com/mark3labs/signet/validation"
)

// DustLimit is the smallest P2WPKH output value relayed by default policy.
const DustLimit = 546

type avalancheParams struct {
	TransactionHex      string     `json:"transactionHex"`
	ChainAlias          string     `json:"chainAlias"`
	ExternalIndices     []uint32   `json:"externalIndices"`
	InternalIndices     []uint32   `json:"internalIndices"`
	OwnSignatureIndices [][]uint32 `json:"ownSignatureIndices"`
}

func avalancheVM(alias string) (signet.VM, error) {
	switch strings.ToUpper(alias) {
	case "X":
		return signet.VMAVM, nil
	case "P":
		return signet.VMPVM, nil
	case "C":
		return signet.VMEVM, nil
	default:
		return signet.VMUnknown, signet.InvalidParams("chainAlias", fmt.Sprintf("expected X, P or C, got %q", alias))
	}
}

func decodeAvalanche(params json.RawMessage) (*avalancheParams, signet.VM, []byte, error) {
	var p avalancheParams
	if err := object(params, &p); err != nil {
		return nil, signet.VMUnknown, nil, err
	}
	vm, err := avalancheVM(p.ChainAlias)
	if err != nil {
		return nil, signet.VMUnknown, nil, err
	}
	if p.TransactionHex == "" {
		return nil, signet.VMUnknown, nil, signet.InvalidParams("transactionHex", "missing")
	}
	raw, err := encoding.DecodePayload(p.TransactionHex)
	if err != nil {
		return nil, signet.VMUnknown, nil, signet.InvalidParams("transactionHex", err.Error())
	}
	// codec version (2 bytes) + type id (4 bytes) at minimum
	if len(raw) < 6 {
		return nil, signet.VMUnknown, nil, signet.InvalidParams("transactionHex", "too short")
	}
	return &p, vm, raw, nil
}

func normalizeAvalancheSend(params json.RawMessage) (signet.SigningData, error) {
	p, vm, raw, err := decodeAvalanche(params)
	if err != nil {
		return nil, err
	}
	return &signet.AvalancheSendTransaction{
		UnsignedTx:      raw,
		ChainVM:         vm,
		ExternalIndices: p.ExternalIndices,
		InternalIndices: p.InternalIndices,
	}, nil
}

func normalizeAvalancheSign(params json.RawMessage) (signet.SigningData, error) {
	p, vm, raw, err := decodeAvalanche(params)
	if err != nil {
		return nil, err
	}
	if len(p.OwnSignatureIndices) == 0 {
		return nil, signet.InvalidParams("ownSignatureIndices", "missing")
	}
	indices := make([]signet.SignatureIndex, 0, len(p.OwnSignatureIndices))
	for i, pair := range p.OwnSignatureIndices {
		if len(pair) != 2 {
			return nil, signet.InvalidParams("ownSignatureIndices", fmt.Sprintf("entry %d must be [inputIndex, sigIndex]", i))
		}
		indices = append(indices, signet.SignatureIndex{InputIndex: pair[0], SigIndex: pair[1]})
	}
	return &signet.AvalancheSignTransaction{
		UnsignedTx:          raw,
		ChainVM:             vm,
		OwnSignatureIndices: indices,
	}, nil
}

type bitcoinParams struct {
	From    string                 `json:"from"`
	To      string                 `json:"to"`
	Amount  int64                  `json:"amount"`
	FeeRate uint64                 `json:"feeRate"`
	UTXOs   []bitcoinUTXOParam     `json:"utxos"`
	Outputs []signet.BitcoinOutput `json:"outputs"`
}

type bitcoinUTXOParam struct {
	TxHash string `json:"txHash"`
	Index  uint32 `json:"index"`
	Value  int64  `json:"value"`
	Script string `json:"script"`
}

func normalizeBitcoin(params json.RawMessage, chain ChainContext) (*signet.BitcoinTransaction, error) {
	if chain.ChainID.VM() != signet.VMBitcoin {
		return nil, signet.InvalidParams("chainId", fmt.Sprintf("%s is not a Bitcoin chain", chain.ChainID))
	}
	var p bitcoinParams
	if err := object(params, &p); err != nil {
		return nil, err
	}

	if err := validation.ValidateAddress(p.From, chain.ChainID); err != nil {
		return nil, signet.InvalidParams("from", err.Error())
	}

	outputs := p.Outputs
	if len(outputs) == 0 && p.To != "" {
		outputs = []signet.BitcoinOutput{{Address: p.To, Value: p.Amount}}
	}
	if len(outputs) == 0 {
		return nil, signet.InvalidParams("outputs", "missing")
	}
	for i, o := range outputs {
		if err := validation.ValidateAddress(o.Address, chain.ChainID); err != nil {
			return nil, signet.InvalidParams(fmt.Sprintf("outputs[%d].address", i), err.Error())
		}
		if err := validation.ValidateSatoshis(o.Value, DustLimit); err != nil {
			return nil, signet.InvalidParams(fmt.Sprintf("outputs[%d].value", i), err.Error())
		}
	}

	if len(p.UTXOs) == 0 {
		return nil, signet.InvalidParams("utxos", "at least one UTXO is required")
	}
	utxos := make([]signet.UTXO, 0, len(p.UTXOs))
	seen := make(map[string]bool, len(p.UTXOs))
	for i, u := range p.UTXOs {
		field := fmt.Sprintf("utxos[%d]", i)
		if err := validation.ValidateTxHash(u.TxHash); err != nil {
			return nil, signet.InvalidParams(field+".txHash", err.Error())
		}
		if u.Value <= 0 {
			return nil, signet.InvalidParams(field+".value", "must be greater than 0")
		}
		outpoint := fmt.Sprintf("%s:%d", strings.ToLower(u.TxHash), u.Index)
		if seen[outpoint] {
			return nil, signet.InvalidParams(field, "duplicate outpoint "+outpoint)
		}
		seen[outpoint] = true

		utxo := signet.UTXO{TxHash: strings.ToLower(u.TxHash), Index: u.Index, Value: u.Value}
		if u.Script != "" {
			script, err := encoding.DecodePayload(u.Script)
			if err != nil {
				return nil, signet.InvalidParams(field+".script", err.Error())
			}
			utxo.Script = script
		}
		utxos = append(utxos, utxo)
	}

	return &signet.BitcoinTransaction{
		From:           p.From,
		UTXOs:          utxos,
		Outputs:        outputs,
		FeeRatePerByte: p.FeeRate,
	}, nil
}

type solanaParams struct {
	Account           string `json:"account"`
	SerializedTx      string `json:"serializedTx"`
	SerializedMessage string `json:"serializedMessage"`
}

func normalizeSolanaAccount(p *solanaParams, chain ChainContext) error {
	target := chain.ChainID
	if target.VM() != signet.VMSolana {
		target = signet.SolanaMainnet
	}
	if err := validation.ValidateAddress(p.Account, target); err != nil {
		return signet.InvalidParams("account", err.Error())
	}
	return nil
}

func normalizeSolanaTransaction(params json.RawMessage, chain ChainContext) (*signet.SolanaPayload, error) {
	var p solanaParams
	if err := object(params, &p); err != nil {
		return nil, err
	}
	if err := normalizeSolanaAccount(&p, chain); err != nil {
		return nil, err
	}
	if p.SerializedTx == "" {
		return nil, signet.InvalidParams("serializedTx", "missing")
	}
	raw, err := encoding.DecodeBase64(p.SerializedTx)
	if err != nil {
		return nil, signet.InvalidParams("serializedTx", err.Error())
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, signet.InvalidParams("serializedTx", "not a Solana transaction: "+err.Error())
	}
	account := solana.MustPublicKeyFromBase58(p.Account)
	if !tx.IsSigner(account) {
		return nil, signet.InvalidParams("account", "is not a required signer of the transaction")
	}
	return &signet.SolanaPayload{Account: p.Account, Payload: raw}, nil
}

func normalizeSolanaMessage(params json.RawMessage, chain ChainContext) (*signet.SolanaPayload, error) {
	var p solanaParams
	if err := object(params, &p); err != nil {
		return nil, err
	}
	if err := normalizeSolanaAccount(&p, chain); err != nil {
		return nil, err
	}
	if p.SerializedMessage == "" {
		return nil, signet.InvalidParams("serializedMessage", "missing")
	}
	raw, err := encoding.DecodeBase64(p.SerializedMessage)
	if err != nil {
		return nil, signet.InvalidParams("serializedMessage", err.Error())
	}
	if len(raw) == 0 {
		return nil, signet.InvalidParams("serializedMessage", "empty")
	}
	return &signet.SolanaPayload{Account: p.Account, Payload: raw}, nil
}
