package app

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KevinKickass/MachineTending/internal/auth"
	"github.com/KevinKickass/MachineTending/internal/config"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its operator_password_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				return fmt.Errorf("empty password")
			}

			hash, err := auth.NewPasswordHasher().HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newMachineTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machine-token",
		Short: "Generate a machine token and the hash for machine_token_hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, hash, err := auth.NewMachineTokenGenerator().GenerateMachineToken()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token: %s\nhash:  %s\n", token, hash)
			return nil
		},
	}
}

func newIssueTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue-token <app-config>",
		Short: "Issue an access token signed with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if !cfg.Auth.IsProductionReady() {
				return fmt.Errorf("%s must hold a JWT secret of at least %d bytes", cfg.Auth.SecretEnv(), config.MinJWTSecretLength)
			}

			username, _ := cmd.Flags().GetString("username")
			role, _ := cmd.Flags().GetString("role")
			if role != auth.RoleOperator && role != auth.RoleAdmin {
				return fmt.Errorf("role must be %s or %s", auth.RoleOperator, auth.RoleAdmin)
			}
			if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
				cfg.Auth.AccessTokenTTL = ttl
			}

			svc := auth.NewAuthService(cfg.Auth, zap.NewNop())
			token, expiresAt, err := svc.IssueToken(username, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("username", "operator", "Token subject")
	cmd.Flags().String("role", auth.RoleOperator, "operator or admin")
	cmd.Flags().Duration("ttl", 0, "Override access_token_ttl")
	return cmd
}
