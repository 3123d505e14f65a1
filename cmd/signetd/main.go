// Command signetd runs the signet approval server and talks to a running one.
//
//	signetd serve                    run the server
//	signetd normalize request.json   print the signing payload for a request
//	signetd approvals list           list pending approvals
//	signetd approvals approve <id>   approve a pending request
//	signetd keystore encrypt         seal a mnemonic into a keystore file
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	server     string
	token      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "signetd",
		Short:         "Request-signing daemon for a self-custodial wallet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./signet.yaml or ~/.signet/signet.yaml)")
	root.PersistentFlags().StringVar(&opts.server, "server", "http://127.0.0.1:8645", "approval server URL for client commands")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("SIGNET_SERVER_TOKEN"), "bearer token for client commands")

	root.AddCommand(
		newServeCmd(opts),
		newNormalizeCmd(),
		newApprovalsCmd(opts),
		newKeystoreCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("signetd failed", "error", err)
		os.Exit(1)
	}
}
