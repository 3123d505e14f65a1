// Package mnemonic implements a signet.Backend over a BIP-39 mnemonic held in
// process memory.
//
// Derivation paths:
//
//	EVM       m/44'/60'/0'/0/{account}
//	Bitcoin   m/84'/0'/{account}'/{change}/{addressIndex}
//	AVM, PVM  m/44'/9000'/{account}'/{change}/{addressIndex}
//	Solana    m/44'/501'/{account}'/0'  (SLIP-0010, ed25519)
//
// The mnemonic can be supplied in the clear or as a scrypt-encrypted keystore
// file produced by EncryptMnemonic.
package mnemonic

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/anyproto/go-slip10"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/mark3labs/signet"
)

// Errors returned while configuring a Backend.
var (
	ErrInvalidMnemonic = errors.New("mnemonic: invalid mnemonic")
	ErrInvalidKeystore = errors.New("mnemonic: invalid keystore")
)

const hardened = bip32.FirstHardenedChild

// Backend signs with keys derived from a mnemonic.
type Backend struct {
	name       string
	mnemonic   string
	passphrase string
	logger     *slog.Logger

	seed   []byte
	master *bip32.Key

	mu      sync.Mutex
	secp    map[signet.KeyRef]*ecdsa.PrivateKey
	edwards map[signet.KeyRef]ed25519.PrivateKey
}

// Option configures a Backend.
type Option func(*Backend) error

// New creates a Backend. A mnemonic must be supplied with WithMnemonic or
// WithKeystore.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{
		name:    "mnemonic",
		logger:  slog.Default(),
		secp:    make(map[signet.KeyRef]*ecdsa.PrivateKey),
		edwards: make(map[signet.KeyRef]ed25519.PrivateKey),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	if !bip39.IsMnemonicValid(b.mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	b.seed = bip39.NewSeed(b.mnemonic, b.passphrase)
	b.mnemonic = ""

	master, err := bip32.NewMasterKey(b.seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	b.master = master
	return b, nil
}

// WithMnemonic sets the mnemonic phrase.
func WithMnemonic(mnemonic string) Option {
	return func(b *Backend) error {
		b.mnemonic = strings.Join(strings.Fields(mnemonic), " ")
		return nil
	}
}

// WithPassphrase sets the optional BIP-39 passphrase.
func WithPassphrase(passphrase string) Option {
	return func(b *Backend) error {
		b.passphrase = passphrase
		return nil
	}
}

// WithName overrides the backend name used for queue keys and logs.
func WithName(name string) Option {
	return func(b *Backend) error {
		if name == "" {
			return errors.New("mnemonic: empty backend name")
		}
		b.name = name
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) error {
		b.logger = logger
		return nil
	}
}

type keystoreFile struct {
	Crypto keystore.CryptoJSON `json:"crypto"`
}

// WithKeystore loads the mnemonic from an encrypted keystore file.
func WithKeystore(path, password string) Option {
	return func(b *Backend) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
		}
		plain, err := DecryptMnemonic(data, password)
		if err != nil {
			return err
		}
		b.mnemonic = plain
		return nil
	}
}

// EncryptMnemonic seals mnemonic with password using the Web3 Secret Storage
// scrypt parameters. Use keystore.LightScryptN/P in tests.
func EncryptMnemonic(mnemonic, password string, scryptN, scryptP int) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	c, err := keystore.EncryptDataV3([]byte(mnemonic), []byte(password), scryptN, scryptP)
	if err != nil {
		return nil, err
	}
	return json.Marshal(keystoreFile{Crypto: c})
}

// DecryptMnemonic opens a file produced by EncryptMnemonic.
func DecryptMnemonic(data []byte, password string) (string, error) {
	var f keystoreFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("%w: invalid JSON format", ErrInvalidKeystore)
	}
	plain, err := keystore.DecryptDataV3(f.Crypto, password)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed", ErrInvalidKeystore)
	}
	return string(plain), nil
}

// Name implements signet.Backend.
func (b *Backend) Name() string {
	return b.name
}

// Sign implements signet.Backend.
func (b *Backend) Sign(ctx context.Context, req *signet.BackendRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "nil backend request", nil)
	}

	switch req.Key.Curve() {
	case signet.CurveEd25519:
		key, err := b.ed25519Key(req.Key)
		if err != nil {
			return nil, err
		}
		b.logger.Debug("signing", "backend", b.name, "vm", req.Key.VM.String(), "account", req.Key.Account, "purpose", req.Purpose)
		return ed25519.Sign(key, req.Payload), nil
	default:
		if len(req.Payload) != 32 {
			return nil, signet.NewSigningError(signet.ErrCodeInternal,
				fmt.Sprintf("secp256k1 payload must be a 32-byte digest, got %d bytes", len(req.Payload)), nil)
		}
		key, err := b.secpKey(req.Key)
		if err != nil {
			return nil, err
		}
		b.logger.Debug("signing", "backend", b.name, "vm", req.Key.VM.String(), "account", req.Key.Account, "purpose", req.Purpose)
		sig, err := crypto.Sign(req.Payload, key)
		if err != nil {
			return nil, signet.NewSigningError(signet.ErrCodeInternal, "secp256k1 signing failed", err)
		}
		return sig, nil
	}
}

// PublicKey implements signet.Backend.
func (b *Backend) PublicKey(ctx context.Context, ref signet.KeyRef) ([]byte, error) {
	if ref.Curve() == signet.CurveEd25519 {
		key, err := b.ed25519Key(ref)
		if err != nil {
			return nil, err
		}
		return []byte(key.Public().(ed25519.PublicKey)), nil
	}
	key, err := b.secpKey(ref)
	if err != nil {
		return nil, err
	}
	return crypto.CompressPubkey(&key.PublicKey), nil
}

// secpPath returns the BIP-32 path for a secp256k1 key.
func secpPath(ref signet.KeyRef) ([]uint32, error) {
	switch ref.VM {
	case signet.VMEVM:
		return []uint32{hardened + 44, hardened + 60, hardened + 0, 0, ref.Account}, nil
	case signet.VMBitcoin:
		return []uint32{hardened + 84, hardened + 0, hardened + ref.Account, ref.Change, ref.AddressIndex}, nil
	case signet.VMAVM, signet.VMPVM:
		return []uint32{hardened + 44, hardened + 9000, hardened + ref.Account, ref.Change, ref.AddressIndex}, nil
	default:
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no secp256k1 derivation for %s", ref.VM), nil)
	}
}

func (b *Backend) secpKey(ref signet.KeyRef) (*ecdsa.PrivateKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if k, ok := b.secp[ref]; ok {
		return k, nil
	}
	path, err := secpPath(ref)
	if err != nil {
		return nil, err
	}
	key := b.master
	for _, idx := range path {
		key, err = key.NewChildKey(idx)
		if err != nil {
			return nil, signet.NewSigningError(signet.ErrCodeInternal, "key derivation failed", err)
		}
	}
	priv, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "invalid derived key", err)
	}
	b.secp[ref] = priv
	return priv, nil
}

func (b *Backend) ed25519Key(ref signet.KeyRef) (ed25519.PrivateKey, error) {
	if ref.VM != signet.VMSolana {
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no ed25519 derivation for %s", ref.VM), nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Solana wallets ignore change and address index.
	k := signet.KeyRef{Account: ref.Account, VM: ref.VM}
	if key, ok := b.edwards[k]; ok {
		return key, nil
	}
	key, err := deriveEd25519(b.seed, fmt.Sprintf("m/44'/501'/%d'/0'", ref.Account))
	if err != nil {
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "key derivation failed", err)
	}
	b.edwards[k] = key
	return key, nil
}

// deriveEd25519 walks a fully hardened SLIP-0010 path.
func deriveEd25519(seed []byte, path string) (ed25519.PrivateKey, error) {
	node, err := slip10.DeriveForPath(path, seed)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", path, err)
	}
	_, key := node.Keypair()
	return key, nil
}
