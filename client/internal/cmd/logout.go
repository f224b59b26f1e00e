package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the stored token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogout(cmd *cobra.Command, args []string) error {
	s, _, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	st, err := s.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if !st.SignedIn {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
		return nil
	}

	if err := s.Logout(cmd.Context()); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	return nil
}
