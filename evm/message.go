package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mark3labs/signet"
)

// SignMessage signs a personal_sign, eth_sign or typed data payload and returns
// the 0x-prefixed signature with V in {27, 28}.
func (h *Handler) SignMessage(ctx context.Context, signer signet.AccountSigner, msg *signet.EVMSignMessage) (*signet.SignOutcome, error) {
	from, err := Address(ctx, signer)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(msg.Address, from.Hex()) {
		return nil, signet.InvalidParams("address", fmt.Sprintf("%s is not the selected account %s", msg.Address, from.Hex()))
	}

	digest, err := MessageHash(msg)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignDigest(ctx, signer.Key(signet.VMEVM), signet.PurposeMessage, digest)
	if err != nil {
		return nil, err
	}
	sig[64] += 27

	h.logger.Debug("message signed", "chain", signer.Chain, "method", msg.Method(), "address", from.Hex())
	return &signet.SignOutcome{Signature: hexutil.Encode(sig)}, nil
}

// MessageHash returns the digest signed for msg.
func MessageHash(msg *signet.EVMSignMessage) ([]byte, error) {
	switch msg.Kind {
	case signet.MessagePersonalSign, signet.MessageEthSign:
		return accounts.TextHash(msg.Payload), nil
	case signet.MessageTypedDataV3, signet.MessageTypedDataV4:
		var td apitypes.TypedData
		if err := json.Unmarshal(msg.Payload, &td); err != nil {
			return nil, signet.InvalidParams("typedData", err.Error())
		}
		hash, _, err := apitypes.TypedDataAndHash(td)
		if err != nil {
			return nil, signet.InvalidParams("typedData", err.Error())
		}
		return hash, nil
	case signet.MessageTypedDataV1:
		return LegacyTypedDataHash(msg.Payload)
	default:
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedMethod, fmt.Sprintf("message kind %d", msg.Kind), nil)
	}
}

type legacyField struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// LegacyTypedDataHash computes the eth_signTypedData_v1 hash:
// keccak256(keccak256(types || names) || keccak256(packed values)).
func LegacyTypedDataHash(payload []byte) ([]byte, error) {
	var fields []legacyField
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, signet.InvalidParams("typedData", "expected an array of {type, name, value}")
	}

	var schema, values []byte
	for i, f := range fields {
		schema = append(schema, []byte(f.Type+" "+f.Name)...)
		packed, err := packLegacy(f.Type, f.Value)
		if err != nil {
			return nil, signet.InvalidParams(fmt.Sprintf("typedData[%d]", i), err.Error())
		}
		values = append(values, packed...)
	}
	return crypto.Keccak256(crypto.Keccak256(schema), crypto.Keccak256(values)), nil
}

// packLegacy is solidity tight packing for the value types v1 payloads use.
func packLegacy(typ string, raw json.RawMessage) ([]byte, error) {
	var s string
	var isString bool
	if err := json.Unmarshal(raw, &s); err == nil {
		isString = true
	}

	switch {
	case typ == "string":
		if !isString {
			return nil, fmt.Errorf("%s value must be a string", typ)
		}
		return []byte(s), nil
	case typ == "bytes":
		if !isString {
			return nil, fmt.Errorf("%s value must be a hex string", typ)
		}
		return hexutil.Decode(s)
	case typ == "address":
		if !isString || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address value")
		}
		return common.HexToAddress(s).Bytes(), nil
	case typ == "bool":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("bool value must be true or false")
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case strings.HasPrefix(typ, "bytes"):
		size, err := strconv.Atoi(strings.TrimPrefix(typ, "bytes"))
		if err != nil || size < 1 || size > 32 {
			return nil, fmt.Errorf("unsupported type %s", typ)
		}
		b, err := hexutil.Decode(s)
		if err != nil || len(b) > size {
			return nil, fmt.Errorf("%s value must be at most %d hex bytes", typ, size)
		}
		return common.RightPadBytes(b, size), nil
	case strings.HasPrefix(typ, "uint"), strings.HasPrefix(typ, "int"):
		bits := 256
		if n := strings.TrimLeft(typ, "uint"); n != "" {
			v, err := strconv.Atoi(n)
			if err != nil || v%8 != 0 || v < 8 || v > 256 {
				return nil, fmt.Errorf("unsupported type %s", typ)
			}
			bits = v
		}
		v, err := legacyNumber(raw)
		if err != nil {
			return nil, err
		}
		word := math.U256Bytes(v)
		return word[32-bits/8:], nil
	default:
		return nil, fmt.Errorf("unsupported type %s", typ)
	}
}

func legacyNumber(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = strings.TrimSpace(string(raw))
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}
