package approval

import (
	"fmt"
	"strings"

	"github.com/mark3labs/signet"
)

// summarize renders a one-line description of data for the approval screen.
func summarize(data signet.SigningData) (string, []string) {
	var warnings []string
	switch d := data.(type) {
	case *signet.EVMSendTransaction:
		if d.To == "" {
			warnings = append(warnings, "This transaction deploys a contract.")
			return fmt.Sprintf("Deploy contract from %s", d.From), warnings
		}
		value := "0"
		if d.Value != nil {
			value = d.Value.String()
		}
		if len(d.Data) > 0 {
			return fmt.Sprintf("Call %s with %s wei", d.To, value), warnings
		}
		return fmt.Sprintf("Send %s wei to %s", value, d.To), warnings
	case *signet.EVMSignMessage:
		if d.Kind == signet.MessageEthSign {
			warnings = append(warnings, "eth_sign can authorize any transaction. Only sign if you trust this site.")
		}
		return fmt.Sprintf("Sign message (%s) with %s", d.Method(), d.Address), warnings
	case *signet.AvalancheSendTransaction:
		return fmt.Sprintf("Send %s transaction (%d bytes)", d.ChainVM, len(d.UnsignedTx)), warnings
	case *signet.AvalancheSignTransaction:
		return fmt.Sprintf("Sign %d of the signatures on a %s transaction", len(d.OwnSignatureIndices), d.ChainVM), warnings
	case *signet.BitcoinSendTransaction:
		return "Send " + bitcoinSummary(&d.BitcoinTransaction), warnings
	case *signet.BitcoinSignTransaction:
		return "Sign " + bitcoinSummary(&d.BitcoinTransaction), warnings
	case *signet.SolanaSignAndSendTransaction:
		return "Sign and send Solana transaction for " + account(d.Account), warnings
	case *signet.SolanaSignTransaction:
		return "Sign Solana transaction for " + account(d.Account), warnings
	case *signet.SolanaSignMessage:
		return "Sign message with " + account(d.Account), warnings
	default:
		return string(data.Method()), warnings
	}
}

func bitcoinSummary(tx *signet.BitcoinTransaction) string {
	var total int64
	to := make([]string, 0, len(tx.Outputs))
	for _, o := range tx.Outputs {
		total += o.Value
		to = append(to, o.Address)
	}
	return fmt.Sprintf("%d sat to %s", total, strings.Join(to, ", "))
}

func account(a string) string {
	if a == "" {
		return "the selected account"
	}
	return a
}
