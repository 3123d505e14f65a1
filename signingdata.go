package signet

import (
	"encoding/json"
	"math/big"
)

// SigningData is the chain-specific payload of a request. The set of
// implementations is closed: only this package can add variants, so a type
// switch over them is exhaustive.
type SigningData interface {
	// Method returns the canonical method name for the payload.
	Method() Method
	// VM returns the virtual machine that executes the payload.
	VM() VM
	// Broadcasts reports whether approval ends in a network broadcast.
	Broadcasts() bool

	isSigningData()
}

// EVMSendTransaction is an eth_sendTransaction payload. Nil or zero fields are
// filled in by the EVM handler at signing time.
type EVMSendTransaction struct {
	From                 string   `json:"from"`
	To                   string   `json:"to,omitempty"`
	Data                 []byte   `json:"data,omitempty"`
	Value                *big.Int `json:"value,omitempty"`
	Nonce                *uint64  `json:"nonce,omitempty"`
	GasLimit             uint64   `json:"gas,omitempty"`
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
}

func (*EVMSendTransaction) Method() Method   { return MethodEthSendTransaction }
func (*EVMSendTransaction) VM() VM           { return VMEVM }
func (*EVMSendTransaction) Broadcasts() bool { return true }
func (*EVMSendTransaction) isSigningData()   {}

// MessageKind distinguishes the EVM message signing flavors.
type MessageKind int

// EVM message kinds.
const (
	MessagePersonalSign MessageKind = iota
	MessageEthSign
	MessageTypedDataV1
	MessageTypedDataV3
	MessageTypedDataV4
)

// EVMSignMessage is a personal_sign, eth_sign or eth_signTypedData payload.
// Payload holds the raw message bytes, or the typed data JSON for typed kinds.
type EVMSignMessage struct {
	Kind    MessageKind `json:"kind"`
	Address string      `json:"address"`
	Payload []byte      `json:"payload"`
}

// TypedData returns the typed data JSON for typed kinds.
func (m *EVMSignMessage) TypedData() json.RawMessage {
	if m.Kind < MessageTypedDataV1 {
		return nil
	}
	return json.RawMessage(m.Payload)
}

func (m *EVMSignMessage) Method() Method {
	switch m.Kind {
	case MessageEthSign:
		return MethodEthSign
	case MessageTypedDataV1:
		return MethodSignTypedDataV1
	case MessageTypedDataV3:
		return MethodSignTypedDataV3
	case MessageTypedDataV4:
		return MethodSignTypedDataV4
	default:
		return MethodPersonalSign
	}
}
func (*EVMSignMessage) VM() VM           { return VMEVM }
func (*EVMSignMessage) Broadcasts() bool { return false }
func (*EVMSignMessage) isSigningData()   {}

// AvalancheSendTransaction is an avalanche_sendTransaction payload. UnsignedTx is
// the codec-serialized unsigned transaction; VM is AVM, PVM or EVM (C-Chain atomic).
// The index lists name the account's addresses that own the consumed UTXOs.
type AvalancheSendTransaction struct {
	UnsignedTx      []byte   `json:"unsignedTx"`
	ChainVM         VM       `json:"vm"`
	ExternalIndices []uint32 `json:"externalIndices,omitempty"`
	InternalIndices []uint32 `json:"internalIndices,omitempty"`
}

func (*AvalancheSendTransaction) Method() Method   { return MethodAvalancheSendTx }
func (a *AvalancheSendTransaction) VM() VM         { return a.ChainVM }
func (*AvalancheSendTransaction) Broadcasts() bool { return true }
func (*AvalancheSendTransaction) isSigningData()   {}

// SignatureIndex addresses one signature slot: credential (input) and slot within it.
type SignatureIndex struct {
	InputIndex uint32 `json:"inputIndex"`
	SigIndex   uint32 `json:"sigIndex"`
}

// AvalancheSignTransaction is an avalanche_signTransaction payload for partially
// signed (multisig) transactions. Only the slots in OwnSignatureIndices are signed.
type AvalancheSignTransaction struct {
	UnsignedTx          []byte           `json:"unsignedTx"`
	ChainVM             VM               `json:"vm"`
	OwnSignatureIndices []SignatureIndex `json:"ownSignatureIndices"`
}

func (*AvalancheSignTransaction) Method() Method   { return MethodAvalancheSignTx }
func (a *AvalancheSignTransaction) VM() VM         { return a.ChainVM }
func (*AvalancheSignTransaction) Broadcasts() bool { return false }
func (*AvalancheSignTransaction) isSigningData()   {}

// UTXO is a spendable Bitcoin output.
type UTXO struct {
	TxHash string `json:"txHash"`
	Index  uint32 `json:"index"`
	Value  int64  `json:"value"`
	Script []byte `json:"script,omitempty"`
}

// BitcoinOutput is a payment output in satoshis.
type BitcoinOutput struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// BitcoinTransaction is the shared body of the Bitcoin variants.
type BitcoinTransaction struct {
	From           string          `json:"from"`
	UTXOs          []UTXO          `json:"utxos"`
	Outputs        []BitcoinOutput `json:"outputs"`
	FeeRatePerByte uint64          `json:"feeRate,omitempty"`
}

// BitcoinSendTransaction is a bitcoin_sendTransaction payload.
type BitcoinSendTransaction struct {
	BitcoinTransaction
}

func (*BitcoinSendTransaction) Method() Method   { return MethodBitcoinSendTx }
func (*BitcoinSendTransaction) VM() VM           { return VMBitcoin }
func (*BitcoinSendTransaction) Broadcasts() bool { return true }
func (*BitcoinSendTransaction) isSigningData()   {}

// BitcoinSignTransaction is a bitcoin_signTransaction payload.
type BitcoinSignTransaction struct {
	BitcoinTransaction
}

func (*BitcoinSignTransaction) Method() Method   { return MethodBitcoinSignTx }
func (*BitcoinSignTransaction) VM() VM           { return VMBitcoin }
func (*BitcoinSignTransaction) Broadcasts() bool { return false }
func (*BitcoinSignTransaction) isSigningData()   {}

// SolanaPayload is the shared body of the Solana variants. Payload is the
// serialized transaction, or the raw message for SolanaSignMessage.
type SolanaPayload struct {
	Account string `json:"account"`
	Payload []byte `json:"payload"`
}

// SolanaSignAndSendTransaction is a solana_signAndSendTransaction payload.
type SolanaSignAndSendTransaction struct {
	SolanaPayload
}

func (*SolanaSignAndSendTransaction) Method() Method   { return MethodSolanaSignAndSendTx }
func (*SolanaSignAndSendTransaction) VM() VM           { return VMSolana }
func (*SolanaSignAndSendTransaction) Broadcasts() bool { return true }
func (*SolanaSignAndSendTransaction) isSigningData()   {}

// SolanaSignTransaction is a solana_signTransaction payload.
type SolanaSignTransaction struct {
	SolanaPayload
}

func (*SolanaSignTransaction) Method() Method   { return MethodSolanaSignTx }
func (*SolanaSignTransaction) VM() VM           { return VMSolana }
func (*SolanaSignTransaction) Broadcasts() bool { return false }
func (*SolanaSignTransaction) isSigningData()   {}

// SolanaSignMessage is a solana_signMessage payload.
type SolanaSignMessage struct {
	SolanaPayload
}

func (*SolanaSignMessage) Method() Method   { return MethodSolanaSignMessage }
func (*SolanaSignMessage) VM() VM           { return VMSolana }
func (*SolanaSignMessage) Broadcasts() bool { return false }
func (*SolanaSignMessage) isSigningData()   {}

// IsTransaction reports whether d is a transaction (as opposed to a message) and
// therefore carries a network fee worth quoting.
func IsTransaction(d SigningData) bool {
	switch d.(type) {
	case *EVMSignMessage, *SolanaSignMessage:
		return false
	default:
		return d != nil
	}
}
