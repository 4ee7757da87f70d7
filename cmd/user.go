package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mwarren/bugtrack/internal/auth"
	"github.com/mwarren/bugtrack/internal/models"
	"github.com/mwarren/bugtrack/internal/output"
)

var userPassword string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun()
	},
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userAddRun(args[0])
	},
}

var userListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun()
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (required)")
	_ = userAddCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	rootCmd.AddCommand(userCmd)
}

func userAddRun(username string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if _, err := s.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("user already exists: %s", username)
	}

	hash, err := auth.HashPassword(userPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	u := &models.User{
		Username:     username,
		PasswordHash: hash,
	}
	if err := s.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	ui.Success("Created user %s", output.Cyan(username))
	return nil
}

func userListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	users, err := s.ListUsers(context.Background())
	if err != nil {
		return err
	}

	if len(users) == 0 {
		ui.Info("No users yet. Create one with 'bugtrack user add'.")
		return nil
	}

	table := ui.Table([]string{"Username", "Created"})
	for _, u := range users {
		_ = table.Append([]string{
			u.Username,
			u.CreatedAt.Format(time.DateOnly),
		})
	}
	_ = table.Render()
	return nil
}
