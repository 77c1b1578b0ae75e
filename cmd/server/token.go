package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmynk/tontine/internal/auth"
)

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ttl, err := cmd.Flags().GetDuration("ttl")
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.JWT.Duration
	}
	role, err := cmd.Flags().GetString("role")
	if err != nil {
		return err
	}
	if role != "" && role != auth.RolePaymentProvider {
		return fmt.Errorf("unknown role %q", role)
	}

	token, err := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, ttl).GenerateWithRole(args[0], role)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
