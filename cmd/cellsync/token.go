package main

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/cellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/cellsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand(defaults *viper.Viper) *cobra.Command {
	var userID, displayName string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a collaborator",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			bindFlag(cmd.Flags(), "auth.signing_secret", "signing-secret")
			bindFlag(cmd.Flags(), "auth.token_ttl", "token-ttl")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), auth.Identity{UserID: userID, DisplayName: displayName})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Collaborator user id (token subject)")
	cmd.Flags().StringVar(&displayName, "name", "", "Collaborator display name")
	cmd.Flags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.Flags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Access token lifetime")
	return cmd
}
