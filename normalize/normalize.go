// Package normalize turns a raw RPC method and its JSON params into one of
// the closed set of signet.SigningData payloads. It is pure: no network, no
// clock other than request timestamps, no shared state.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mark3labs/signet"
)

// ChainContext is the chain the request was addressed to.
type ChainContext struct {
	ChainID signet.ChainID
}

// Normalize validates params against the shape expected by method and returns
// the matching payload. Unknown methods fail with signet.ErrUnsupportedMethod;
// shape failures with signet.ErrInvalidParams naming the offending field.
func Normalize(method string, params json.RawMessage, chain ChainContext) (signet.SigningData, error) {
	m := signet.Method(method)
	if !m.IsSupported() {
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedMethod,
			fmt.Sprintf("method %q is not supported", method), nil).WithDetails("method", method)
	}

	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return nil, signet.InvalidParams("params", "missing")
	}

	switch m {
	case signet.MethodEthSendTransaction:
		return normalizeEVMTransaction(params, chain)
	case signet.MethodPersonalSign:
		return normalizePersonalSign(params)
	case signet.MethodEthSign:
		return normalizeEthSign(params)
	case signet.MethodSignTypedData, signet.MethodSignTypedDataV1,
		signet.MethodSignTypedDataV3, signet.MethodSignTypedDataV4:
		return normalizeTypedData(m, params)
	case signet.MethodAvalancheSendTx:
		return normalizeAvalancheSend(params)
	case signet.MethodAvalancheSignTx:
		return normalizeAvalancheSign(params)
	case signet.MethodBitcoinSendTx:
		tx, err := normalizeBitcoin(params, chain)
		if err != nil {
			return nil, err
		}
		return &signet.BitcoinSendTransaction{BitcoinTransaction: *tx}, nil
	case signet.MethodBitcoinSignTx:
		tx, err := normalizeBitcoin(params, chain)
		if err != nil {
			return nil, err
		}
		return &signet.BitcoinSignTransaction{BitcoinTransaction: *tx}, nil
	case signet.MethodSolanaSignAndSendTx:
		p, err := normalizeSolanaTransaction(params, chain)
		if err != nil {
			return nil, err
		}
		return &signet.SolanaSignAndSendTransaction{SolanaPayload: *p}, nil
	case signet.MethodSolanaSignTx:
		p, err := normalizeSolanaTransaction(params, chain)
		if err != nil {
			return nil, err
		}
		return &signet.SolanaSignTransaction{SolanaPayload: *p}, nil
	case signet.MethodSolanaSignMessage:
		p, err := normalizeSolanaMessage(params, chain)
		if err != nil {
			return nil, err
		}
		return &signet.SolanaSignMessage{SolanaPayload: *p}, nil
	}

	return nil, signet.NewSigningError(signet.ErrCodeUnsupportedMethod,
		fmt.Sprintf("method %q is not supported", method), nil)
}

// Inbound is a raw request as received from a transport.
type Inbound struct {
	Origin  signet.Origin
	Peer    signet.PeerMeta
	ChainID signet.ChainID
	Method  string
	Params  json.RawMessage
}

// NewRequest normalizes in and wraps the payload in a SigningRequest with a
// fresh id and timestamp.
func NewRequest(in Inbound) (*signet.SigningRequest, error) {
	if in.ChainID == "" {
		return nil, signet.InvalidParams("chainId", "missing")
	}
	data, err := Normalize(in.Method, in.Params, ChainContext{ChainID: in.ChainID})
	if err != nil {
		return nil, err
	}
	return &signet.SigningRequest{
		ID:        uuid.NewString(),
		Origin:    in.Origin,
		Peer:      in.Peer,
		ChainID:   in.ChainID,
		Method:    signet.Method(in.Method),
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// positional decodes a JSON array of params, requiring at least min entries.
func positional(params json.RawMessage, min int) ([]json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil {
		return nil, signet.InvalidParams("params", "expected an array")
	}
	if len(arr) < min {
		return nil, signet.InvalidParams("params", fmt.Sprintf("expected at least %d entries, got %d", min, len(arr)))
	}
	return arr, nil
}

// object decodes params given either as an object or as a single-element array
// wrapping one, the two forms dApps use for non-EVM methods.
func object(params json.RawMessage, v interface{}) error {
	if len(params) > 0 && params[0] == '[' {
		arr, err := positional(params, 1)
		if err != nil {
			return err
		}
		params = arr[0]
	}
	if err := json.Unmarshal(params, v); err != nil {
		return signet.InvalidParams("params", "expected an object: "+err.Error())
	}
	return nil
}

func asString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
