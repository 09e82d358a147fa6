package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/infra/auth"
)

var knownScopes = []string{domain.ScopePolicyCheck, domain.ScopeEvents, domain.ScopeGraphAdmin}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Broker tokens"}

	var (
		brokerID string
		scopes   []string
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an RS256 token for a broker",
		Long: `Sign a token with auth.private_key_path (or AUTH_PRIVATE_KEY_DATA).

Scopes: policy_check, events, graph_admin.

Examples:
  shieldctl token issue --broker laptop-1 --scope policy_check --scope events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkScopes(scopes); err != nil {
				return err
			}
			cfg, err := c.config()
			if err != nil {
				return err
			}
			key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
			if err != nil {
				return err
			}
			tok, err := auth.NewIssuer(key, cfg.Auth.TokenTTL).Issue(brokerID, scopes)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), tok, func(w io.Writer) { fmt.Fprintln(w, tok.AccessToken) })
		},
	}
	issue.Flags().StringVar(&brokerID, "broker", "", "broker id (token subject)")
	issue.Flags().StringSliceVar(&scopes, "scope", []string{domain.ScopePolicyCheck, domain.ScopeEvents}, "granted scope (repeatable)")
	_ = issue.MarkFlagRequired("broker")

	cmd.AddCommand(issue)
	return cmd
}

func checkScopes(scopes []string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	for _, s := range scopes {
		if !slices.Contains(knownScopes, s) {
			return fmt.Errorf("unknown scope %q (known: %v)", s, knownScopes)
		}
	}
	return nil
}
