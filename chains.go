// Package signet is the request-signing core of a self-custodial wallet. It
// accepts signing requests from an in-app browser, WalletConnect sessions and
// deep links, normalizes them into a closed set of chain-specific payloads,
// suspends them for human approval and hands approved payloads to per-VM
// handlers that sign through a pluggable wallet backend.
//
// The subpackages hold the moving parts: normalize, fees, approval, dispatch,
// tracker and the per-VM handlers evm, btc, avax and svm.
package signet

import (
	"fmt"
	"math/big"
	"strings"
)

// VM identifies the virtual machine family a chain runs.
type VM int

const (
	// VMUnknown represents an unrecognized chain.
	VMUnknown VM = iota
	// VMEVM represents Ethereum Virtual Machine chains, including the Avalanche C-Chain.
	VMEVM
	// VMAVM represents the Avalanche X-Chain.
	VMAVM
	// VMPVM represents the Avalanche P-Chain.
	VMPVM
	// VMBitcoin represents Bitcoin.
	VMBitcoin
	// VMSolana represents Solana.
	VMSolana
)

// String returns the short name of the VM.
func (v VM) String() string {
	switch v {
	case VMEVM:
		return "evm"
	case VMAVM:
		return "avm"
	case VMPVM:
		return "pvm"
	case VMBitcoin:
		return "bitcoin"
	case VMSolana:
		return "solana"
	default:
		return "unknown"
	}
}

// ChainID is a CAIP-2 style chain identifier such as "eip155:1".
type ChainID string

// CAIP-2 namespaces.
const (
	NamespaceEIP155    = "eip155"
	NamespaceBitcoin   = "bip122"
	NamespaceAvalanche = "avax"
	NamespaceSolana    = "solana"
)

// Well-known chains.
const (
	EthereumMainnet ChainID = "eip155:1"
	EthereumSepolia ChainID = "eip155:11155111"
	AvalancheCChain ChainID = "eip155:43114"
	AvalancheFujiC  ChainID = "eip155:43113"
	BitcoinMainnet  ChainID = "bip122:000000000019d6689c085ae165831e93"
	BitcoinTestnet  ChainID = "bip122:000000000933ea01ad0ee984209779ba"
	AvalancheXChain ChainID = "avax:2oYMBNV4eNHyqk2fjjV5nVQLDbtmNJzq5s5Hk3VhR5sZ4Uw"
	AvalancheFujiX  ChainID = "avax:2JVSBoinj9C2J33VntvzYtVJNZdN2NKiwwKjcumHUWEb5DbBrm"
	AvalanchePChain ChainID = "avax:11111111111111111111111111111111LpoYY"
	SolanaMainnet   ChainID = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnet    ChainID = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

const (
	pChainReference   = "11111111111111111111111111111111LpoYY"
	bitcoinTestnetRef = "000000000933ea01ad0ee984209779ba"
)

// EVMChain returns the chain id for a numeric EIP-155 chain id.
func EVMChain(id int64) ChainID {
	return ChainID(fmt.Sprintf("%s:%d", NamespaceEIP155, id))
}

// ParseChainID splits s into namespace and reference and validates both are present.
func ParseChainID(s string) (ChainID, error) {
	ns, ref, ok := strings.Cut(s, ":")
	if !ok || ns == "" || ref == "" {
		return "", fmt.Errorf("%w: chain id %q", ErrUnsupportedChain, s)
	}
	c := ChainID(s)
	if c.VM() == VMUnknown {
		return "", fmt.Errorf("%w: chain id %q", ErrUnsupportedChain, s)
	}
	return c, nil
}

// Namespace returns the CAIP-2 namespace.
func (c ChainID) Namespace() string {
	ns, _, _ := strings.Cut(string(c), ":")
	return ns
}

// Reference returns the CAIP-2 reference.
func (c ChainID) Reference() string {
	_, ref, _ := strings.Cut(string(c), ":")
	return ref
}

// VM returns the virtual machine the chain runs.
func (c ChainID) VM() VM {
	switch c.Namespace() {
	case NamespaceEIP155:
		return VMEVM
	case NamespaceBitcoin:
		return VMBitcoin
	case NamespaceSolana:
		return VMSolana
	case NamespaceAvalanche:
		if c.Reference() == pChainReference {
			return VMPVM
		}
		return VMAVM
	default:
		return VMUnknown
	}
}

// EVMChainID returns the numeric EIP-155 chain id.
func (c ChainID) EVMChainID() (*big.Int, error) {
	if c.Namespace() != NamespaceEIP155 {
		return nil, fmt.Errorf("%w: %s is not an EVM chain", ErrUnsupportedChain, c)
	}
	id, ok := new(big.Int).SetString(c.Reference(), 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid EIP-155 reference in %s", ErrUnsupportedChain, c)
	}
	return id, nil
}

// IsBitcoinTestnet reports whether c is the Bitcoin testnet.
func (c ChainID) IsBitcoinTestnet() bool {
	return c.Namespace() == NamespaceBitcoin && c.Reference() == bitcoinTestnetRef
}

// String implements fmt.Stringer.
func (c ChainID) String() string {
	return string(c)
}
