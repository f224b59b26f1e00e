package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/deskline/pkg/cli"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session token",
		Args:  cobra.NoArgs,
		RunE:  runLogin,
	}
	cmd.Flags().StringP("email", "e", "", "account email (prompted when empty)")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	s, _, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	email, _ := cmd.Flags().GetString("email")
	if email == "" {
		if email, err = p.Email("Email"); err != nil {
			return err
		}
	} else if err := cli.ValidateEmail(email); err != nil {
		return err
	}
	password, err := p.Password("Password")
	if err != nil {
		return err
	}

	user, err := s.Login(cmd.Context(), email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s <%s> (company %s)\n", user.Name, user.Email, user.CompanyID)
	return nil
}
