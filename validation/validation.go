// Package validation holds the field validators the normalizer applies to
// inbound request parameters.
package validation

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	avaxaddr "github.com/ava-labs/avalanchego/utils/formatting/address"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gagliardetto/solana-go"

	"github.com/mark3labs/signet"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// avalancheAddressRegex matches bech32 X/P-Chain addresses such as X-avax1...
	avalancheAddressRegex = regexp.MustCompile(`^[XP]-(avax|fuji|local)1[02-9ac-hj-np-z]{38}$`)
)

// ValidateAmount validates that an amount string is a valid positive base-10 integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}

	return nil
}

// ValidateAddress validates an address for the VM of chain.
func ValidateAddress(address string, chain signet.ChainID) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch chain.VM() {
	case signet.VMEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil

	case signet.VMSolana:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
		}
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("invalid Solana address: %w", err)
		}
		return nil

	case signet.VMBitcoin:
		params := BitcoinParams(chain)
		addr, err := btcutil.DecodeAddress(address, params)
		if err != nil {
			return fmt.Errorf("invalid Bitcoin address %s: %w", address, err)
		}
		if !addr.IsForNet(params) {
			return fmt.Errorf("bitcoin address %s is not for %s", address, params.Name)
		}
		return nil

	case signet.VMAVM, signet.VMPVM:
		if !avalancheAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Avalanche address format: %s (expected X-avax1... or P-avax1...)", address)
		}
		if _, _, raw, err := avaxaddr.Parse(address); err != nil {
			return fmt.Errorf("invalid Avalanche address %s: %w", address, err)
		} else if len(raw) != 20 {
			return fmt.Errorf("invalid Avalanche address %s: %d byte payload", address, len(raw))
		}
		return nil

	default:
		return fmt.Errorf("unsupported chain for address validation: %s", chain)
	}
}

// ValidateEVMAddress validates an EVM address regardless of chain.
func ValidateEVMAddress(address string) error {
	return ValidateAddress(address, signet.EthereumMainnet)
}

// ValidateTxHash validates a hex transaction id as used by Bitcoin outpoints.
func ValidateTxHash(hash string) error {
	if _, err := chainhash.NewHashFromStr(hash); err != nil {
		return fmt.Errorf("invalid transaction hash %q: %w", hash, err)
	}
	if len(hash) != chainhash.MaxHashStringSize {
		return fmt.Errorf("invalid transaction hash length: %d", len(hash))
	}
	return nil
}

// ValidateSatoshis validates a positive satoshi amount above the dust limit.
func ValidateSatoshis(value int64, dust int64) error {
	if value <= 0 {
		return fmt.Errorf("value must be greater than 0, got: %d", value)
	}
	if value > btcutil.MaxSatoshi {
		return fmt.Errorf("value exceeds total supply: %d", value)
	}
	if value < dust {
		return fmt.Errorf("value %d is below the dust limit %d", value, dust)
	}
	return nil
}

// ValidateHex validates a 0x-prefixed hex string of even length.
func ValidateHex(s string) error {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return fmt.Errorf("hex value must be 0x-prefixed: %q", s)
	}
	body := s[2:]
	if len(body)%2 != 0 {
		return fmt.Errorf("hex value has odd length: %q", s)
	}
	for _, c := range body {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return fmt.Errorf("invalid hex character %q in %q", c, s)
		}
	}
	return nil
}

// BitcoinParams returns the btcd network parameters for a Bitcoin chain id.
func BitcoinParams(chain signet.ChainID) *chaincfg.Params {
	if chain.IsBitcoinTestnet() {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}
