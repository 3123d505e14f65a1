package signet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Curve names the key type a backend signs with.
type Curve string

// Supported curves.
const (
	CurveSecp256k1 Curve = "secp256k1"
	CurveEd25519   Curve = "ed25519"
)

// CurveFor returns the curve used by accounts on vm.
func CurveFor(vm VM) Curve {
	if vm == VMSolana {
		return CurveEd25519
	}
	return CurveSecp256k1
}

// KeyRef locates a key inside a wallet. Change and AddressIndex select among the
// many addresses of an Avalanche X/P account and are zero elsewhere.
type KeyRef struct {
	Account      uint32
	VM           VM
	Change       uint32
	AddressIndex uint32
}

// Curve returns the curve of the referenced key.
func (k KeyRef) Curve() Curve {
	return CurveFor(k.VM)
}

// SignPurpose tells the backend what it is signing, for device prompts and audit.
type SignPurpose string

// Signing purposes.
const (
	PurposeTransaction SignPurpose = "transaction"
	PurposeMessage     SignPurpose = "message"
)

// BackendRequest is a single signature request to a wallet backend.
type BackendRequest struct {
	Key     KeyRef
	ChainID ChainID
	Purpose SignPurpose
	// Payload is a 32-byte digest for secp256k1 keys and the raw message for ed25519 keys.
	Payload []byte
}

// Backend is the opaque wallet backend (mnemonic, seedless MPC, hardware).
// secp256k1 signatures are 65 bytes [R || S || V] with V in {0, 1}; ed25519
// signatures are 64 bytes.
type Backend interface {
	Name() string
	Sign(ctx context.Context, req *BackendRequest) ([]byte, error)
	// PublicKey returns the compressed secp256k1 key (33 bytes) or the ed25519 key (32 bytes).
	PublicKey(ctx context.Context, key KeyRef) ([]byte, error)
}

// AccountSigner binds a backend to one account so VM handlers never choose accounts.
type AccountSigner struct {
	Backend Backend
	Account uint32
	Chain   ChainID
}

// Key returns the reference for the account's key on vm.
func (s AccountSigner) Key(vm VM) KeyRef {
	return KeyRef{Account: s.Account, VM: vm}
}

// SignDigest signs a 32-byte digest with a secp256k1 key and returns the
// 65-byte [R || S || V] signature.
func (s AccountSigner) SignDigest(ctx context.Context, key KeyRef, purpose SignPurpose, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, NewSigningError(ErrCodeInternal, fmt.Sprintf("digest must be 32 bytes, got %d", len(digest)), nil)
	}
	return s.sign(ctx, key, purpose, digest, 65)
}

// SignMessage signs raw bytes with an ed25519 key and returns the 64-byte signature.
func (s AccountSigner) SignMessage(ctx context.Context, key KeyRef, purpose SignPurpose, msg []byte) ([]byte, error) {
	return s.sign(ctx, key, purpose, msg, 64)
}

func (s AccountSigner) sign(ctx context.Context, key KeyRef, purpose SignPurpose, payload []byte, size int) ([]byte, error) {
	if s.Backend == nil {
		return nil, NewSigningError(ErrCodeBackendUnavailable, "no signing backend", nil)
	}
	sig, err := s.Backend.Sign(ctx, &BackendRequest{
		Key:     key,
		ChainID: s.Chain,
		Purpose: purpose,
		Payload: payload,
	})
	if err != nil {
		return nil, BackendError(err)
	}
	if len(sig) != size {
		return nil, NewSigningError(ErrCodeInternal,
			fmt.Sprintf("backend %s returned a %d-byte signature, want %d", s.Backend.Name(), len(sig), size), nil)
	}
	return sig, nil
}

// BackendError classifies a wallet backend failure. Structured errors and
// context errors pass through; anything else means the backend is unavailable.
func BackendError(err error) error {
	if err == nil {
		return nil
	}
	var se *SigningError
	if errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewSigningError(ErrCodeBackendUnavailable, "signing backend failed", err)
}

// PublicKey returns the public key for key.
func (s AccountSigner) PublicKey(ctx context.Context, key KeyRef) ([]byte, error) {
	if s.Backend == nil {
		return nil, NewSigningError(ErrCodeBackendUnavailable, "no signing backend", nil)
	}
	pub, err := s.Backend.PublicKey(ctx, key)
	if err != nil {
		return nil, BackendError(err)
	}
	return pub, nil
}

// FeeProvider quotes fees for one VM family.
type FeeProvider interface {
	Quote(ctx context.Context, data SigningData, chain ChainID) (*FeeQuote, error)
}

// StatusProvider reports on-chain status for transactions on one chain.
type StatusProvider interface {
	TxStatus(ctx context.Context, txHash string) (*TxStatus, error)
}

// Presenter shows approvals to the user. Implementations must not block.
type Presenter interface {
	PresentApproval(display DisplayData)
	// ApprovalClosed tells the UI an approval reached a terminal state.
	ApprovalClosed(requestID string, code ErrorCode)
}

// BridgeConfig supplies bridge parameters. It is the source of truth for
// confirmation thresholds.
type BridgeConfig interface {
	RequiredConfirmations(source ChainID) (uint64, bool)
	MaxTrackingDuration() time.Duration
}

// BridgeSink receives send results that are the source leg of a bridge transfer.
type BridgeSink interface {
	Track(ctx context.Context, tx BridgeTransaction) (bool, error)
}
