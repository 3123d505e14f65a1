package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mark3labs/signet"
	httpsignet "github.com/mark3labs/signet/http"
)

func newApprovalsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and decide pending approvals on a running server",
	}
	cmd.AddCommand(
		newListCmd(opts),
		newShowCmd(opts),
		newSubmitCmd(opts),
		newApproveCmd(opts),
		newRejectCmd(opts),
		newDismissCmd(opts),
	)
	return cmd
}

func (o *rootOptions) client() (*httpsignet.Client, error) {
	return httpsignet.NewClient(o.server, httpsignet.WithToken(o.token))
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approvals, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			pending, err := c.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
				return nil
			}
			for _, p := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", p.RequestID, p.Method, p.ChainID, p.Summary)
			}
			return nil
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			display, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), display)
		},
	}
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <request.json|->",
		Short: "Submit a request and wait for its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			var req httpsignet.SubmitRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse request: %w", err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			outcome, err := c.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), outcome)
		},
	}
}

func newApproveCmd(opts *rootOptions) *cobra.Command {
	var (
		backend  string
		account  uint32
		priority string
		gasLimit uint64
	)
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request and wait for signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actx := signet.ApprovalContext{
				Backend:      backend,
				AccountIndex: account,
				Priority:     signet.Priority(priority),
				GasLimit:     gasLimit,
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.Approve(cmd.Context(), args[0], actx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "wallet backend (default: the server's default)")
	cmd.Flags().Uint32Var(&account, "account", 0, "account index")
	cmd.Flags().StringVar(&priority, "priority", string(signet.PriorityMedium), "fee priority: low, medium or high")
	cmd.Flags().Uint64Var(&gasLimit, "gas-limit", 0, "EVM gas limit override")
	return cmd
}

func newRejectCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.Reject(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rejected %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the requester")
	return cmd
}

func newDismissCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.Dismiss(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dismissed %s\n", args[0])
			return nil
		},
	}
}
