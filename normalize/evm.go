package normalize

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/validation"
)

type rpcTransaction struct {
	From                 string  `json:"from"`
	To                   *string `json:"to"`
	Data                 *string `json:"data"`
	Input                *string `json:"input"`
	Value                *string `json:"value"`
	Gas                  *string `json:"gas"`
	GasPrice             *string `json:"gasPrice"`
	MaxFeePerGas         *string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *string `json:"maxPriorityFeePerGas"`
	Nonce                *string `json:"nonce"`
	ChainID              *string `json:"chainId"`
}

func normalizeEVMTransaction(params json.RawMessage, chain ChainContext) (signet.SigningData, error) {
	arr, err := positional(params, 1)
	if err != nil {
		return nil, err
	}
	var raw rpcTransaction
	if err := json.Unmarshal(arr[0], &raw); err != nil {
		return nil, signet.InvalidParams("transaction", "expected an object")
	}

	if err := validation.ValidateEVMAddress(raw.From); err != nil {
		return nil, signet.InvalidParams("from", err.Error())
	}
	tx := &signet.EVMSendTransaction{From: raw.From}

	if raw.To != nil && *raw.To != "" {
		if err := validation.ValidateEVMAddress(*raw.To); err != nil {
			return nil, signet.InvalidParams("to", err.Error())
		}
		tx.To = *raw.To
	}

	data := raw.Data
	if data == nil {
		data = raw.Input
	}
	if data != nil && *data != "" {
		b, err := hexutil.Decode(*data)
		if err != nil {
			return nil, signet.InvalidParams("data", err.Error())
		}
		tx.Data = b
	}
	if tx.To == "" && len(tx.Data) == 0 {
		return nil, signet.InvalidParams("to", "contract creation requires data")
	}

	if tx.Value, err = optionalQuantity("value", raw.Value); err != nil {
		return nil, err
	}
	if tx.GasPrice, err = optionalQuantity("gasPrice", raw.GasPrice); err != nil {
		return nil, err
	}
	if tx.MaxFeePerGas, err = optionalQuantity("maxFeePerGas", raw.MaxFeePerGas); err != nil {
		return nil, err
	}
	if tx.MaxPriorityFeePerGas, err = optionalQuantity("maxPriorityFeePerGas", raw.MaxPriorityFeePerGas); err != nil {
		return nil, err
	}
	if tx.MaxFeePerGas != nil && tx.MaxPriorityFeePerGas != nil && tx.MaxPriorityFeePerGas.Cmp(tx.MaxFeePerGas) > 0 {
		return nil, signet.InvalidParams("maxPriorityFeePerGas", "exceeds maxFeePerGas")
	}

	gas, err := optionalQuantity("gas", raw.Gas)
	if err != nil {
		return nil, err
	}
	if gas != nil {
		if !gas.IsUint64() {
			return nil, signet.InvalidParams("gas", "out of range")
		}
		tx.GasLimit = gas.Uint64()
	}

	nonce, err := optionalQuantity("nonce", raw.Nonce)
	if err != nil {
		return nil, err
	}
	if nonce != nil {
		if !nonce.IsUint64() {
			return nil, signet.InvalidParams("nonce", "out of range")
		}
		n := nonce.Uint64()
		tx.Nonce = &n
	}

	if raw.ChainID != nil && chain.ChainID != "" {
		id, err := quantity("chainId", *raw.ChainID)
		if err != nil {
			return nil, err
		}
		want, err := chain.ChainID.EVMChainID()
		if err != nil {
			return nil, signet.InvalidParams("chainId", err.Error())
		}
		if id.Cmp(want) != 0 {
			return nil, signet.InvalidParams("chainId", "does not match the active chain "+string(chain.ChainID))
		}
	}

	return tx, nil
}

// quantity parses a hex quantity leniently: leading zeros are accepted since
// several wallets' dApps send them.
func quantity(field, s string) (*big.Int, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, signet.InvalidParams(field, "hex quantity must be 0x-prefixed")
	}
	body := s[2:]
	if body == "" {
		return nil, signet.InvalidParams(field, "empty hex quantity")
	}
	v, ok := new(big.Int).SetString(body, 16)
	if !ok || v.Sign() < 0 {
		return nil, signet.InvalidParams(field, "invalid hex quantity "+s)
	}
	return v, nil
}

func optionalQuantity(field string, s *string) (*big.Int, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	return quantity(field, *s)
}

func normalizePersonalSign(params json.RawMessage) (signet.SigningData, error) {
	arr, err := positional(params, 2)
	if err != nil {
		return nil, err
	}
	first, ok1 := asString(arr[0])
	second, ok2 := asString(arr[1])
	if !ok1 || !ok2 {
		return nil, signet.InvalidParams("params", "expected [message, address]")
	}

	// Canonical order is [message, address]; some dApps send [address, message].
	message, address := first, second
	if validation.ValidateEVMAddress(first) == nil && validation.ValidateEVMAddress(second) != nil {
		message, address = second, first
	}
	if err := validation.ValidateEVMAddress(address); err != nil {
		return nil, signet.InvalidParams("address", err.Error())
	}

	payload, err := messageBytes(message)
	if err != nil {
		return nil, err
	}
	return &signet.EVMSignMessage{Kind: signet.MessagePersonalSign, Address: address, Payload: payload}, nil
}

func normalizeEthSign(params json.RawMessage) (signet.SigningData, error) {
	arr, err := positional(params, 2)
	if err != nil {
		return nil, err
	}
	address, ok1 := asString(arr[0])
	message, ok2 := asString(arr[1])
	if !ok1 || !ok2 {
		return nil, signet.InvalidParams("params", "expected [address, message]")
	}
	if err := validation.ValidateEVMAddress(address); err != nil {
		return nil, signet.InvalidParams("address", err.Error())
	}
	if err := validation.ValidateHex(message); err != nil {
		return nil, signet.InvalidParams("message", err.Error())
	}
	payload, err := hexutil.Decode(message)
	if err != nil {
		return nil, signet.InvalidParams("message", err.Error())
	}
	return &signet.EVMSignMessage{Kind: signet.MessageEthSign, Address: address, Payload: payload}, nil
}

// messageBytes decodes 0x-hex messages and passes anything else through as UTF-8.
func messageBytes(message string) ([]byte, error) {
	if validation.ValidateHex(message) == nil {
		b, err := hexutil.Decode(message)
		if err != nil {
			return nil, signet.InvalidParams("message", err.Error())
		}
		return b, nil
	}
	return []byte(message), nil
}

// LegacyTypedField is one entry of an eth_signTypedData_v1 payload.
type LegacyTypedField struct {
	Type  string      `json:"type"`
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

func normalizeTypedData(m signet.Method, params json.RawMessage) (signet.SigningData, error) {
	arr, err := positional(params, 2)
	if err != nil {
		return nil, err
	}

	// The address may come first (v3/v4) or last (v1); detect it.
	addrIdx, dataIdx := 0, 1
	if s, ok := asString(arr[0]); !ok || validation.ValidateEVMAddress(s) != nil {
		addrIdx, dataIdx = 1, 0
	}
	address, ok := asString(arr[addrIdx])
	if !ok {
		return nil, signet.InvalidParams("address", "expected a string")
	}
	if err := validation.ValidateEVMAddress(address); err != nil {
		return nil, signet.InvalidParams("address", err.Error())
	}

	payload := []byte(arr[dataIdx])
	if s, ok := asString(arr[dataIdx]); ok {
		payload = []byte(s)
	}

	kind := signet.MessageTypedDataV4
	switch m {
	case signet.MethodSignTypedDataV1:
		kind = signet.MessageTypedDataV1
	case signet.MethodSignTypedDataV3:
		kind = signet.MessageTypedDataV3
	case signet.MethodSignTypedData:
		if trimmed := strings.TrimSpace(string(payload)); strings.HasPrefix(trimmed, "[") {
			kind = signet.MessageTypedDataV1
		}
	}

	if kind == signet.MessageTypedDataV1 {
		var fields []LegacyTypedField
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, signet.InvalidParams("typedData", "expected an array of {type, name, value}")
		}
		if len(fields) == 0 {
			return nil, signet.InvalidParams("typedData", "empty")
		}
		for _, f := range fields {
			if f.Type == "" || f.Name == "" {
				return nil, signet.InvalidParams("typedData", "entry without type or name")
			}
		}
	} else {
		var td apitypes.TypedData
		if err := json.Unmarshal(payload, &td); err != nil {
			return nil, signet.InvalidParams("typedData", err.Error())
		}
		if td.PrimaryType == "" {
			return nil, signet.InvalidParams("typedData.primaryType", "missing")
		}
		if _, ok := td.Types[td.PrimaryType]; !ok {
			return nil, signet.InvalidParams("typedData.types", "primary type "+td.PrimaryType+" is not defined")
		}
		if _, ok := td.Types["EIP712Domain"]; !ok {
			return nil, signet.InvalidParams("typedData.types", "EIP712Domain is not defined")
		}
	}

	return &signet.EVMSignMessage{Kind: kind, Address: address, Payload: payload}, nil
}
