package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atscard/webpush/keys"
)

func newKeygenCmd() *cobra.Command {
	var (
		out     string
		subject string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a VAPID key pair",
		Long: `Generate a P-256 VAPID key pair and print it as environment variables.
With --out the private key is written to a PEM file for VAPID_KEY_FILE instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()

			if out != "" {
				signer, err := keys.GenerateKey(out)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "VAPID_KEY_FILE=%s\n", out)
				fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\n", signer.PublicKeyBase64())
				fmt.Fprintf(w, "VAPID_SUBJECT=%s\n", subject)
				return nil
			}

			priv, pub, err := keys.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "VAPID_PRIVATE_KEY=%s\n", priv)
			fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Fprintf(w, "VAPID_SUBJECT=%s\n", subject)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the private key to this PEM file")
	cmd.Flags().StringVar(&subject, "subject", "mailto:admin@example.com", "contact URI for the push service operator")
	return cmd
}
