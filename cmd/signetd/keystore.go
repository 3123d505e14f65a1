package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"

	"github.com/mark3labs/signet/signers/mnemonic"
)

func newKeystoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Manage encrypted mnemonic keystores",
	}
	cmd.AddCommand(newEncryptCmd())
	return cmd
}

func newEncryptCmd() *cobra.Command {
	var (
		out      string
		password string
		generate bool
		light    bool
	)
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Seal a mnemonic read from stdin into a keystore file",
		Long: `Reads a BIP-39 mnemonic from stdin, or generates a new 24-word one with
--generate, and writes it encrypted with the Web3 Secret Storage scrypt KDF.
A generated mnemonic is printed once to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if password == "" {
				password = os.Getenv("SIGNET_WALLET_PASSWORD")
			}
			if password == "" {
				return errors.New("--password or SIGNET_WALLET_PASSWORD is required")
			}

			var phrase string
			if generate {
				entropy, err := bip39.NewEntropy(256)
				if err != nil {
					return err
				}
				if phrase, err = bip39.NewMnemonic(entropy); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "generated mnemonic, write it down:\n%s\n", phrase)
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read mnemonic: %w", err)
				}
				phrase = strings.Join(strings.Fields(line), " ")
			}

			n, p := keystore.StandardScryptN, keystore.StandardScryptP
			if light {
				n, p = keystore.LightScryptN, keystore.LightScryptP
			}
			data, err := mnemonic.EncryptMnemonic(phrase, password, n, p)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "keystore file to write")
	cmd.Flags().StringVar(&password, "password", "", "encryption password (default $SIGNET_WALLET_PASSWORD)")
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a new mnemonic instead of reading stdin")
	cmd.Flags().BoolVar(&light, "light", false, "use light scrypt parameters")
	return cmd
}
