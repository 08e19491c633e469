package main

import (
	"fmt"
	"time"

	"github.com/craftec/nodehub/nodehub/controlapi"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			secret, err := controlapi.LoadSecret(s.APISecretPath)
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			subject, _ := cmd.Flags().GetString("subject")
			token, err := controlapi.IssueClientToken(secret, subject, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().String("subject", "cli", "Subject recorded in the token")
	return cmd
}
