package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored identity and token expiry",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "print status as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, _, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	st, err := s.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	if !st.SignedIn {
		_, _ = fmt.Fprintln(out, "Status:  signed out")
		return nil
	}

	expiry := st.ExpiresAt.Format(time.RFC3339)
	if st.Expired {
		expiry += " (expired, refreshed on next use)"
	}
	_, _ = fmt.Fprintf(out, "Status:  signed in\n")
	_, _ = fmt.Fprintf(out, "Tenant:  %s\n", st.Identity.TenantID)
	_, _ = fmt.Fprintf(out, "User:    %s\n", st.Identity.UserID)
	_, _ = fmt.Fprintf(out, "Token:   %s\n", maskToken(st.Token))
	_, _ = fmt.Fprintf(out, "Expires: %s\n", expiry)
	return nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
