package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mark3labs/signet/config"
	"github.com/mark3labs/signet/signers/seedless"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var mfaStdin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the approval server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger := cfg.Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var mfa seedless.MFAPrompter
			if mfaStdin {
				mfa = terminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			}

			d, err := newDaemon(ctx, cfg, logger, mfa)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&mfaStdin, "mfa-stdin", false, "answer seedless MFA challenges from the terminal")
	return cmd
}

// terminalPrompter reads MFA answers line by line from in. An empty line
// declines the challenge.
func terminalPrompter(in io.Reader, out io.Writer) seedless.MFAPrompter {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	return seedless.MFAPrompterFunc(func(ctx context.Context, c seedless.Challenge) (string, error) {
		fmt.Fprintf(out, "MFA required (%s) for %s: %s\nCode (empty to decline): ", c.Kind, c.Purpose, c.Message)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-lines:
			if !ok || line == "" {
				return "", seedless.ErrMFADeclined
			}
			return line, nil
		}
	})
}
