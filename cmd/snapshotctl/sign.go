package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/erp-backup/backup-service/internal/snapshot"
	"github.com/erp-backup/backup-service/internal/validation"
)

type signOptions struct {
	key           string
	passphraseEnv string
	output        string
}

func newSignCmd() *cobra.Command {
	opts := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign <file>",
		Short: "Write a detached signature for a snapshot file",
		Long: `Sign the snapshot JSON with an armored OpenPGP private key. The signature
covers the decoded snapshot document, so a signature made over a packed archive
also verifies the same snapshot restored from the JSON body of a request.

The key passphrase, if any, is read from the environment variable named by
--passphrase-env.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output
			if out == "" {
				out = args[0] + ".asc"
			}
			if err := signFile(args[0], out, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote signature %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.key, "key", "k", "", "Armored private key file (required)")
	cmd.Flags().StringVar(&opts.passphraseEnv, "passphrase-env", "", "Environment variable holding the key passphrase")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Signature file (default <file>.asc)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

// signFile signs the snapshot JSON held in path. Encrypted archives cannot be signed
// here; sign the exported JSON instead.
func signFile(path, out string, opts *signOptions) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	_, raw, err := snapshot.Unpack(data, nil, 0)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	key, err := os.ReadFile(opts.key) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	var passphrase []byte
	if opts.passphraseEnv != "" {
		passphrase = []byte(os.Getenv(opts.passphraseEnv))
	}

	sig, err := validation.SignDetached(string(key), passphrase, raw)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, []byte(sig), 0o644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}
