package evm

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/signers/mnemonic"
)

const (
	testMnemonic = "test test test test test test test test test test test junk"
	account0     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	recipient    = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type fakeClient struct {
	mu       sync.Mutex
	baseFee  *big.Int
	tip      *big.Int
	gasPrice *big.Int
	nonce    uint64
	gas      uint64
	balance  *big.Int
	head     uint64
	sendErr  error
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		baseFee:  big.NewInt(10_000_000_000),
		tip:      big.NewInt(1_000_000_000),
		gasPrice: big.NewInt(20_000_000_000),
		nonce:    7,
		gas:      21000,
		balance:  new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		head:     100,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: f.baseFee}, nil
}
func (f *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return f.tip, nil }
func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error)  { return f.gasPrice, nil }
func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}
func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func testSigner(t *testing.T, chain signet.ChainID) signet.AccountSigner {
	t.Helper()
	b, err := mnemonic.New(mnemonic.WithMnemonic(testMnemonic))
	if err != nil {
		t.Fatalf("mnemonic backend: %v", err)
	}
	return signet.AccountSigner{Backend: b, Account: 0, Chain: chain}
}

func testHandler(t *testing.T, client Client) *Handler {
	t.Helper()
	h, err := NewHandler(WithClient(signet.EthereumMainnet, client))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestSendTransaction(t *testing.T) {
	oneEther := big.NewInt(1e18)

	tests := []struct {
		name      string
		setup     func(f *fakeClient)
		req       signet.EVMSendTransaction
		actx      signet.ApprovalContext
		wantErr   error
		wantType  uint8
		wantNonce uint64
		check     func(t *testing.T, tx *types.Transaction)
	}{
		{
			name:      "dynamic fee with estimated gas",
			req:       signet.EVMSendTransaction{From: account0, To: recipient, Value: oneEther},
			wantType:  types.DynamicFeeTxType,
			wantNonce: 7,
			check: func(t *testing.T, tx *types.Transaction) {
				if tx.Gas() != 21000 {
					t.Errorf("gas = %d", tx.Gas())
				}
				// medium tier: 2*10 gwei + 1.05 gwei
				if tx.GasFeeCap().Cmp(big.NewInt(21_050_000_000)) != 0 {
					t.Errorf("fee cap = %s", tx.GasFeeCap())
				}
				if tx.Value().Cmp(oneEther) != 0 {
					t.Errorf("value = %s", tx.Value())
				}
			},
		},
		{
			name:      "explicit nonce and gas",
			req:       signet.EVMSendTransaction{From: account0, To: recipient, Nonce: ptr(uint64(3)), GasLimit: 50000},
			wantType:  types.DynamicFeeTxType,
			wantNonce: 3,
			check: func(t *testing.T, tx *types.Transaction) {
				if tx.Gas() != 50000 {
					t.Errorf("gas = %d", tx.Gas())
				}
			},
		},
		{
			name: "custom fee wins",
			req:  signet.EVMSendTransaction{From: account0, To: recipient},
			actx: signet.ApprovalContext{CustomFee: &signet.FeeTier{
				MaxFeePerGas:         big.NewInt(99_000_000_000),
				MaxPriorityFeePerGas: big.NewInt(3_000_000_000),
			}},
			wantType:  types.DynamicFeeTxType,
			wantNonce: 7,
			check: func(t *testing.T, tx *types.Transaction) {
				if tx.GasFeeCap().Int64() != 99_000_000_000 || tx.GasTipCap().Int64() != 3_000_000_000 {
					t.Errorf("fees = %s / %s", tx.GasFeeCap(), tx.GasTipCap())
				}
			},
		},
		{
			name:      "legacy chain",
			setup:     func(f *fakeClient) { f.baseFee = nil },
			req:       signet.EVMSendTransaction{From: account0, To: recipient},
			wantType:  types.LegacyTxType,
			wantNonce: 7,
			check: func(t *testing.T, tx *types.Transaction) {
				if tx.GasPrice().Int64() != 20_000_000_000 {
					t.Errorf("gas price = %s", tx.GasPrice())
				}
			},
		},
		{
			name:    "insufficient funds",
			setup:   func(f *fakeClient) { f.balance = big.NewInt(1000) },
			req:     signet.EVMSendTransaction{From: account0, To: recipient, Value: oneEther},
			wantErr: signet.ErrInsufficientFunds,
		},
		{
			name:    "node rejects",
			setup:   func(f *fakeClient) { f.sendErr = errors.New("nonce too low") },
			req:     signet.EVMSendTransaction{From: account0, To: recipient},
			wantErr: signet.ErrBroadcastFailed,
		},
		{
			name:    "node reports insufficient funds",
			setup:   func(f *fakeClient) { f.sendErr = errors.New("insufficient funds for gas * price + value") },
			req:     signet.EVMSendTransaction{From: account0, To: recipient},
			wantErr: signet.ErrInsufficientFunds,
		},
		{
			name:    "from is another account",
			req:     signet.EVMSendTransaction{From: recipient, To: account0},
			wantErr: signet.ErrInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			if tt.setup != nil {
				tt.setup(client)
			}
			h := testHandler(t, client)
			req := tt.req

			out, err := h.SendTransaction(context.Background(), testSigner(t, signet.EthereumMainnet), &req, tt.actx)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if errors.Is(err, signet.ErrBroadcastFailed) && !signet.IsRetryable(err) {
					t.Error("broadcast failures must be retryable")
				}
				if errors.Is(err, signet.ErrInsufficientFunds) && signet.IsRetryable(err) {
					t.Error("insufficient funds must not be retryable")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(client.sent) != 1 {
				t.Fatalf("expected one broadcast, got %d", len(client.sent))
			}
			tx := client.sent[0]
			if out.TxHash != tx.Hash().Hex() {
				t.Errorf("tx hash = %s, want %s", out.TxHash, tx.Hash().Hex())
			}
			if tx.Type() != tt.wantType {
				t.Errorf("type = %d, want %d", tx.Type(), tt.wantType)
			}
			if tx.Nonce() != tt.wantNonce {
				t.Errorf("nonce = %d, want %d", tx.Nonce(), tt.wantNonce)
			}
			sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
			if err != nil {
				t.Fatalf("Sender: %v", err)
			}
			if sender.Hex() != account0 {
				t.Errorf("sender = %s", sender.Hex())
			}
			if tt.check != nil {
				tt.check(t, tx)
			}
		})
	}
}

func TestSendTransactionUnknownChain(t *testing.T) {
	h := testHandler(t, newFakeClient())
	_, err := h.SendTransaction(context.Background(), testSigner(t, signet.EthereumSepolia),
		&signet.EVMSendTransaction{From: account0, To: recipient}, signet.ApprovalContext{})
	if !errors.Is(err, signet.ErrUnsupportedChain) {
		t.Errorf("expected ErrUnsupportedChain, got %v", err)
	}
}

func recoverAddress(t *testing.T, digest []byte, sigHex string) string {
	t.Helper()
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("V = %d, want 27 or 28", sig[64])
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex()
}

func TestSignMessage(t *testing.T) {
	typedJSON := []byte(`{"types":{"EIP712Domain":[{"name":"name","type":"string"}],"Mail":[{"name":"contents","type":"string"}]},"primaryType":"Mail","domain":{"name":"Ether Mail"},"message":{"contents":"Hello"}}`)
	typedHash, _, err := apitypes.TypedDataAndHash(mustTyped(t, typedJSON))
	if err != nil {
		t.Fatalf("TypedDataAndHash: %v", err)
	}

	legacy := []byte(`[{"type":"string","name":"message","value":"Hi, Alice!"},{"type":"uint32","name":"value","value":42}]`)
	legacyHash, err := LegacyTypedDataHash(legacy)
	if err != nil {
		t.Fatalf("LegacyTypedDataHash: %v", err)
	}

	tests := []struct {
		name   string
		msg    signet.EVMSignMessage
		digest []byte
	}{
		{
			name:   "personal_sign",
			msg:    signet.EVMSignMessage{Kind: signet.MessagePersonalSign, Address: account0, Payload: []byte("hello")},
			digest: accounts.TextHash([]byte("hello")),
		},
		{
			name:   "eth_sign",
			msg:    signet.EVMSignMessage{Kind: signet.MessageEthSign, Address: account0, Payload: []byte{0xde, 0xad}},
			digest: accounts.TextHash([]byte{0xde, 0xad}),
		},
		{
			name:   "typed data v4",
			msg:    signet.EVMSignMessage{Kind: signet.MessageTypedDataV4, Address: account0, Payload: typedJSON},
			digest: typedHash,
		},
		{
			name:   "typed data v1",
			msg:    signet.EVMSignMessage{Kind: signet.MessageTypedDataV1, Address: account0, Payload: legacy},
			digest: legacyHash,
		},
	}

	h := testHandler(t, newFakeClient())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			out, err := h.SignMessage(context.Background(), testSigner(t, signet.EthereumMainnet), &msg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := recoverAddress(t, tt.digest, out.Signature); got != account0 {
				t.Errorf("recovered %s, want %s", got, account0)
			}
		})
	}

	t.Run("wrong address", func(t *testing.T) {
		msg := signet.EVMSignMessage{Kind: signet.MessagePersonalSign, Address: recipient, Payload: []byte("x")}
		_, err := h.SignMessage(context.Background(), testSigner(t, signet.EthereumMainnet), &msg)
		if !errors.Is(err, signet.ErrInvalidParams) {
			t.Errorf("expected ErrInvalidParams, got %v", err)
		}
	})
}

func mustTyped(t *testing.T, raw []byte) apitypes.TypedData {
	t.Helper()
	var td apitypes.TypedData
	if err := json.Unmarshal(raw, &td); err != nil {
		t.Fatalf("unmarshal typed data: %v", err)
	}
	return td
}

func TestPackLegacy(t *testing.T) {
	tests := []struct {
		typ     string
		value   string
		want    string
		wantErr bool
	}{
		{typ: "string", value: `"abc"`, want: "0x616263"},
		{typ: "bool", value: `true`, want: "0x01"},
		{typ: "uint8", value: `255`, want: "0xff"},
		{typ: "uint32", value: `"42"`, want: "0x0000002a"},
		{typ: "int16", value: `-1`, want: "0xffff"},
		{typ: "address", value: `"` + recipient + `"`, want: "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"},
		{typ: "bytes4", value: `"0xdead"`, want: "0xdead0000"},
		{typ: "bytes", value: `"0x01"`, want: "0x01"},
		{typ: "uint7", value: `1`, wantErr: true},
		{typ: "tuple", value: `1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			got, err := packLegacy(tt.typ, json.RawMessage(tt.value))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if hexutil.Encode(got) != tt.want {
				t.Errorf("packed = %s, want %s", hexutil.Encode(got), tt.want)
			}
		})
	}
}

func TestFeeProvider(t *testing.T) {
	client := newFakeClient()
	p := NewFeeProvider(Clients{signet.EthereumMainnet: client})

	q, err := p.Quote(context.Background(), &signet.EVMSendTransaction{}, signet.EthereumMainnet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.BaseFee.Cmp(client.baseFee) != 0 || q.IsFixedFee {
		t.Errorf("unexpected quote %+v", q)
	}
	if q.Low.MaxPriorityFeePerGas.Cmp(client.tip) != 0 {
		t.Errorf("low tip = %s, want %s", q.Low.MaxPriorityFeePerGas, client.tip)
	}

	client.baseFee = nil
	q, err = p.Quote(context.Background(), &signet.EVMSendTransaction{}, signet.EthereumMainnet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.BaseFee != nil || q.Low.MaxFeePerGas.Cmp(client.gasPrice) != 0 {
		t.Errorf("unexpected legacy quote %+v", q)
	}

	if _, err := p.Quote(context.Background(), &signet.EVMSendTransaction{}, signet.EthereumSepolia); !errors.Is(err, signet.ErrUnsupportedChain) {
		t.Errorf("expected ErrUnsupportedChain, got %v", err)
	}
}

func TestStatusProvider(t *testing.T) {
	client := newFakeClient()
	included := common.HexToHash("0x01")
	failed := common.HexToHash("0x02")
	client.receipts[included] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(91)}
	client.receipts[failed] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(95)}
	p := NewStatusProvider(client)

	tests := []struct {
		name      string
		hash      string
		wantState signet.TxState
		wantConfs uint64
	}{
		{name: "unknown", hash: common.HexToHash("0x03").Hex(), wantState: signet.TxPending},
		{name: "included", hash: included.Hex(), wantState: signet.TxIncluded, wantConfs: 10},
		{name: "failed", hash: failed.Hex(), wantState: signet.TxFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := p.TxStatus(context.Background(), tt.hash)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if st.State != tt.wantState || st.Confirmations != tt.wantConfs {
				t.Errorf("status = %+v", st)
			}
		})
	}

	if _, err := p.TxStatus(context.Background(), "0x1234"); !errors.Is(err, signet.ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
