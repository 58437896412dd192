package main

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/trustsubstrate/internal/app"
	"github.com/spf13/cobra"
)

func newDevTokenCmd() *cobra.Command {
	var subject, tenant string
	var roles []string
	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Mint a session token with the development identity key",
		Long: `dev-token issues a session token signed by the development key trustd
generates when identity.public_key_file is not set. It refuses to run when a
real identity provider key is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, issuer, err := app.TokenVerifier(cfg.Identity, discard)
			if err != nil {
				return err
			}
			if issuer == nil {
				return errors.New("identity.public_key_file is set; tokens come from the identity provider")
			}
			tok, err := issuer.Issue(subject, tenant, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id")
	cmd.Flags().StringVar(&tenant, "tenant", "", "active tenant id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
