package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in interactively and store a fresh session",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a App) error {
			s, err := a.Login(cmd.Context())
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session saved: %d cookies\n", len(s.Cookies))
			return err
		}),
	}
}
