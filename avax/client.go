package avax

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mark3labs/signet"
)

// Caller is the JSON-RPC surface of *rpc.Client used here.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

var _ Caller = (*rpc.Client)(nil)

// Clients maps chains to node endpoints. X and P-Chain entries point at
// /ext/bc/X and /ext/bc/P; the C-Chain entry, keyed by its eip155 id, points at
// /ext/bc/C/avax.
type Clients map[signet.ChainID]Caller

// Dial connects to url and registers it for chain.
func (c Clients) Dial(ctx context.Context, chain signet.ChainID, url string) error {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return fmt.Errorf("avax: dial %s: %w", url, err)
	}
	c[chain] = client
	return nil
}

// For returns the endpoint for chain.
func (c Clients) For(chain signet.ChainID) (Caller, error) {
	client, ok := c[chain]
	if !ok {
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no Avalanche node for %s", chain), nil).WithDetails("chain", string(chain))
	}
	return client, nil
}

// apiPrefix returns the JSON-RPC namespace for vm.
func apiPrefix(vm signet.VM) (string, error) {
	switch vm {
	case signet.VMAVM:
		return "avm", nil
	case signet.VMPVM:
		return "platform", nil
	case signet.VMEVM:
		return "avax", nil
	default:
		return "", fmt.Errorf("%s is not an Avalanche transaction VM", vm)
	}
}
