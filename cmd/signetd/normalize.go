package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mark3labs/signet"
	httpsignet "github.com/mark3labs/signet/http"
	"github.com/mark3labs/signet/normalize"
)

type normalized struct {
	Request *signet.SigningRequest `json:"request"`
	Type    string                 `json:"type"`
	Data    signet.SigningData     `json:"data"`
}

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <request.json|->",
		Short: "Validate a request and print its signing payload",
		Long: `Reads a request in the POST /requests body format, runs it through the
normalizer and prints the resulting signing request. Nothing is signed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			var body httpsignet.SubmitRequest
			if err := json.Unmarshal(data, &body); err != nil {
				return fmt.Errorf("parse request: %w", err)
			}
			req, err := normalize.NewRequest(body.Inbound())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), normalized{
				Request: req,
				Type:    fmt.Sprintf("%T", req.Data),
				Data:    req.Data,
			})
		},
	}
}

// readInput reads path, or in when path is "-".
func readInput(in io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(in)
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
