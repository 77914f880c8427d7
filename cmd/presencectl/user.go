package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"clickbit/internal/app/db"
	"clickbit/internal/app/user"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts in the presence database",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := settings(cmd)
			if err != nil {
				return err
			}

			email := strings.TrimSpace(v.GetString("email"))
			password := v.GetString("password")
			if email == "" || password == "" {
				return errors.New("--email and --password are required")
			}

			role := v.GetString("role")
			if role != user.RoleCustomer && role != user.RoleAdmin {
				return fmt.Errorf("unknown role %q", role)
			}

			store, err := db.NewUserStore(v.GetString("driver"), v.GetString("dsn"))
			if err != nil {
				return err
			}
			defer store.Close()

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			u := &user.User{
				Email:        email,
				FirstName:    v.GetString("first-name"),
				LastName:     v.GetString("last-name"),
				Role:         role,
				Status:       v.GetString("status"),
				PasswordHash: string(hash),
			}

			if err := store.Create(cmd.Context(), u); err != nil {
				if db.IsUniqueViolation(err) {
					return fmt.Errorf("user %s already exists", u.Email)
				}
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "created user %d <%s> role=%s status=%s\n", u.ID, u.Email, u.Role, u.Status)
			return err
		},
	}

	cmd.Flags().String("driver", db.DriverSQLite, "database driver (postgres or sqlite)")
	cmd.Flags().String("dsn", "clickbit.db", "database DSN")
	cmd.Flags().String("email", "", "login email")
	cmd.Flags().String("password", "", "login password")
	cmd.Flags().String("first-name", "", "first name")
	cmd.Flags().String("last-name", "", "last name")
	cmd.Flags().String("role", user.RoleCustomer, "customer or admin")
	cmd.Flags().String("status", user.StatusActive, "active, inactive or suspended")

	return cmd
}
