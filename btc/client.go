// Package btc builds, signs and broadcasts native SegWit (P2WPKH) Bitcoin
// transactions through a signet.Backend, and provides fee rates and
// confirmation status from a bitcoind-compatible node.
package btc

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/mark3labs/signet"
)

// Client is the subset of *rpcclient.Client used here.
type Client interface {
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
}

var _ Client = (*rpcclient.Client)(nil)

// NodeConfig locates a bitcoind JSON-RPC endpoint.
type NodeConfig struct {
	Host string
	User string
	Pass string
	TLS  bool
}

// Dial opens an HTTP POST mode RPC client.
func Dial(cfg NodeConfig) (*rpcclient.Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   !cfg.TLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("btc: dial %s: %w", cfg.Host, err)
	}
	return client, nil
}

// Clients maps Bitcoin chains to node clients.
type Clients map[signet.ChainID]Client

// For returns the client for chain.
func (c Clients) For(chain signet.ChainID) (Client, error) {
	client, ok := c[chain]
	if !ok {
		return nil, signet.NewSigningError(signet.ErrCodeUnsupportedChain,
			fmt.Sprintf("no Bitcoin node for %s", chain), nil).WithDetails("chain", string(chain))
	}
	return client, nil
}

func isNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo
}
