package main

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	domainauth "github.com/matiasleandrokruk/toolforge/internal/domain/auth"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
)

func newUserCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(newUserCreateCmd(opts))
	return cmd
}

func newUserCreateCmd(opts *options) *cobra.Command {
	var in domainauth.CreateUserInput
	var role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user account",
		Long: `Creates an active account. Without --password the password is read from an
interactive prompt. Use this to bootstrap the first admin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = permission.Role(role)
			if in.Password == "" {
				pw, err := promptPassword()
				if err != nil {
					return err
				}
				in.Password = pw
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.Auth.CreateUser(cmd.Context(), in)
			if err != nil {
				return errors.New(describeError(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s user %s (%s)\n", u.Role, u.Email, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "login email (required)")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(permission.RoleViewer), "one of admin, manager, agent, viewer")
	cmd.Flags().StringVar(&in.Password, "password", "", "password (prompted when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func promptPassword() (string, error) {
	prompt := promptui.Prompt{
		Label: "Password",
		Mask:  '*',
		Validate: func(s string) error {
			if len(s) < domainauth.MinPasswordLength {
				return fmt.Errorf("must be at least %d characters", domainauth.MinPasswordLength)
			}
			return nil
		},
	}
	pw, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("password prompt: %w", err)
	}
	confirm := promptui.Prompt{Label: "Confirm password", Mask: '*'}
	again, err := confirm.Run()
	if err != nil {
		return "", fmt.Errorf("password prompt: %w", err)
	}
	if again != pw {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}
