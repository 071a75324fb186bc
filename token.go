package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Acquire an access token and report its expiry",
		Long: `Acquire an app-only access token with the configured certificate to check
the identity settings. The token itself is never printed.`,
		Args: cobra.NoArgs,
		RunE: runToken,
	}
}

type tokenOutput struct {
	TenantID   string    `json:"tenant_id"`
	ClientID   string    `json:"client_id"`
	Thumbprint string    `json:"thumbprint"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func runToken(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	sess, err := NewSession(cmd.Context(), resolvedCfg, logger, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := sess.Credential.Token(cmd.Context()); err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	out := tokenOutput{
		TenantID:   resolvedCfg.Identity.TenantID,
		ClientID:   resolvedCfg.Identity.ClientID,
		Thumbprint: sess.Credential.Thumbprint(),
		ExpiresAt:  sess.Credential.Expiry(),
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Token acquired for client %s in tenant %s\n", out.ClientID, out.TenantID)
	fmt.Fprintf(w, "Certificate: %s\n", out.Thumbprint)
	fmt.Fprintf(w, "Expires:     %s (in %s)\n",
		out.ExpiresAt.Local().Format(time.RFC3339), time.Until(out.ExpiresAt).Round(time.Second))

	return nil
}
