// Package encoding converts signet records and payloads to and from their
// persisted and wire forms: JSON for stored records, hex and base64 for
// transaction bytes.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mark3labs/signet"
)

// EncodeBridgeTransaction converts a BridgeTransaction to JSON for the store.
func EncodeBridgeTransaction(tx signet.BridgeTransaction) ([]byte, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bridge transaction: %w", err)
	}
	return data, nil
}

// DecodeBridgeTransaction parses a stored BridgeTransaction.
func DecodeBridgeTransaction(data []byte) (signet.BridgeTransaction, error) {
	var tx signet.BridgeTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return tx, fmt.Errorf("failed to unmarshal bridge transaction: %w", err)
	}
	if tx.SourceTxHash == "" {
		return tx, fmt.Errorf("bridge transaction has no source tx hash")
	}
	return tx, nil
}

// EncodeRequest converts the envelope of a SigningRequest to JSON. The payload
// is not persisted; a recovered request only identifies what was pending.
func EncodeRequest(req *signet.SigningRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses a stored request envelope. Data is nil on the result.
func DecodeRequest(data []byte) (*signet.SigningRequest, error) {
	var req signet.SigningRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("request has no id")
	}
	return &req, nil
}

// EncodeSignedTx renders signed transaction bytes the way each VM's dApps expect:
// base64 for Solana, 0x-hex for EVM and Avalanche, plain hex for Bitcoin.
func EncodeSignedTx(vm signet.VM, raw []byte) string {
	switch vm {
	case signet.VMSolana:
		return base64.StdEncoding.EncodeToString(raw)
	case signet.VMBitcoin:
		return strings.TrimPrefix(hexutil.Encode(raw), "0x")
	default:
		return hexutil.Encode(raw)
	}
}

// DecodePayload decodes transaction bytes sent as 0x-hex, plain hex or base64.
// Hex is tried first when the input only contains hex characters.
func DecodePayload(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("payload cannot be empty")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hexutil.Decode("0x" + s[2:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex payload: %w", err)
		}
		return b, nil
	}
	if isHex(s) {
		if b, err := hexutil.Decode("0x" + s); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	return b, nil
}

// DecodeBase64 decodes a base64 payload, accepting both padded and raw encodings.
func DecodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	return b, nil
}

func isHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
