package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/glsync/internal/auth"
	"github.com/MarcoPoloResearchLab/glsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		roles   []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadAuth(viper.GetViper())
			if err != nil {
				return err
			}
			for _, role := range roles {
				if role != auth.RoleAdmin && role != auth.RoleViewer {
					return fmt.Errorf("unknown role %q", role)
				}
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueOperatorToken(cmd.Context(), subject, roles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Operator identity recorded in the token")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleViewer}, "Granted roles (admin, viewer)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
