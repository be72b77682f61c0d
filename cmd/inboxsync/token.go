package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a session token for the local HTTP surface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configViper := viper.GetViper()
			sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
				SigningSecret: []byte(configViper.GetString("auth.signing_secret")),
				Issuer:        configViper.GetString("auth.issuer"),
				TokenTTL:      configViper.GetDuration("auth.session_ttl"),
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := sessions.Issue(args[0], workspaceID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "Workspace id embedded in the token")
	return cmd
}
