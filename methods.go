package signet

// Method is an RPC method name as sent by a dApp.
type Method string

// Recognized methods.
const (
	MethodEthSendTransaction  Method = "eth_sendTransaction"
	MethodPersonalSign        Method = "personal_sign"
	MethodEthSign             Method = "eth_sign"
	MethodSignTypedData       Method = "eth_signTypedData"
	MethodSignTypedDataV1     Method = "eth_signTypedData_v1"
	MethodSignTypedDataV3     Method = "eth_signTypedData_v3"
	MethodSignTypedDataV4     Method = "eth_signTypedData_v4"
	MethodAvalancheSendTx     Method = "avalanche_sendTransaction"
	MethodAvalancheSignTx     Method = "avalanche_signTransaction"
	MethodBitcoinSendTx       Method = "bitcoin_sendTransaction"
	MethodBitcoinSignTx       Method = "bitcoin_signTransaction"
	MethodSolanaSignAndSendTx Method = "solana_signAndSendTransaction"
	MethodSolanaSignTx        Method = "solana_signTransaction"
	MethodSolanaSignMessage   Method = "solana_signMessage"
)

var supportedMethods = []Method{
	MethodEthSendTransaction,
	MethodPersonalSign,
	MethodEthSign,
	MethodSignTypedData,
	MethodSignTypedDataV1,
	MethodSignTypedDataV3,
	MethodSignTypedDataV4,
	MethodAvalancheSendTx,
	MethodAvalancheSignTx,
	MethodBitcoinSendTx,
	MethodBitcoinSignTx,
	MethodSolanaSignAndSendTx,
	MethodSolanaSignTx,
	MethodSolanaSignMessage,
}

// SupportedMethods returns every method the normalizer accepts.
func SupportedMethods() []Method {
	out := make([]Method, len(supportedMethods))
	copy(out, supportedMethods)
	return out
}

// IsSupported reports whether m is a recognized method.
func (m Method) IsSupported() bool {
	for _, s := range supportedMethods {
		if s == m {
			return true
		}
	}
	return false
}
