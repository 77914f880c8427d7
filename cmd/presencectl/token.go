package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"clickbit/internal/app/user"
	"clickbit/internal/pkg/auth/jwt"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for a user id (development only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := settings(cmd)
			if err != nil {
				return err
			}

			secret := v.GetString("secret")
			if secret == "" {
				return errors.New("--secret is required")
			}
			userID := v.GetInt64("user-id")
			if userID <= 0 {
				return errors.New("--user-id must be positive")
			}

			token, err := jwt.GenerateToken(&jwt.Payload{
				UserID: userID,
				Email:  v.GetString("email"),
				Role:   v.GetString("role"),
			}, secret, v.GetDuration("ttl"))
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().String("secret", "", "JWT secret shared with the server")
	cmd.Flags().Int64("user-id", 0, "user id to embed")
	cmd.Flags().String("email", "", "email claim")
	cmd.Flags().String("role", user.RoleCustomer, "role claim")
	cmd.Flags().Duration("ttl", jwt.UserIdentityExpiration, "token lifetime")

	return cmd
}
