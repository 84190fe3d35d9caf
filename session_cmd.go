package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkoskela/tether/internal/session"
)

// newSessionCmd builds the session management command group. Tether does
// not own the login flow; the embedding application obtains tokens and
// hands them over with `session set`.
func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage the stored session",
	}

	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionSetCmd())
	cmd.AddCommand(newSessionClearCmd())

	return cmd
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show session validity and expiry",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path, err := cfg.SessionPath()
			if err != nil {
				return err
			}

			s, err := session.Load(path)
			if err != nil {
				return err
			}

			if s.AccessToken == "" {
				fmt.Println("No session stored.")

				return nil
			}

			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"valid":        s.Valid(time.Now(), 0),
					"expires_at":   s.ExpiresAt,
					"refreshed_at": s.RefreshedAt,
					"has_refresh":  s.RefreshToken != "",
				})
			}

			state := "expired"
			if s.Valid(time.Now(), 0) {
				state = "valid"
			}

			fmt.Printf("Session: %s\n", state)
			fmt.Printf("Expires: %s\n", s.ExpiresAt.Format(time.RFC3339))

			if s.RefreshToken == "" {
				fmt.Println("No refresh token stored; re-authentication will be required at expiry.")
			}

			return nil
		},
	}
}

func newSessionSetCmd() *cobra.Command {
	var (
		flagAccess  string
		flagRefresh string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store tokens obtained by the host application",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if flagAccess == "" {
				return fmt.Errorf("--access-token is required")
			}

			expiry, err := session.ExpiryFromToken(flagAccess)
			if err != nil {
				return fmt.Errorf("reading token expiry: %w", err)
			}

			path, err := cfg.SessionPath()
			if err != nil {
				return err
			}

			s := session.Session{
				AccessToken:  flagAccess,
				RefreshToken: flagRefresh,
				ExpiresAt:    expiry,
				RefreshedAt:  time.Now(),
			}

			if err := session.Save(path, s); err != nil {
				return err
			}

			statusf(flagQuiet, "Session stored, expires %s\n", expiry.Format(time.RFC3339))

			return nil
		},
	}

	cmd.Flags().StringVar(&flagAccess, "access-token", "", "JWT access token")
	cmd.Flags().StringVar(&flagRefresh, "refresh-token", "", "refresh token")

	return cmd
}

func newSessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path, err := cfg.SessionPath()
			if err != nil {
				return err
			}

			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}

			statusf(flagQuiet, "Session cleared.\n")

			return nil
		},
	}
}
