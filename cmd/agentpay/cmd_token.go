package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"AgentPay-Chain/internal/app"
	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/config"
)

// newTokenCmd creates the "agentpay token" command group.
func newTokenCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API access tokens",
	}
	cmd.AddCommand(newTokenIssueCmd(opts))
	return cmd
}

func newTokenIssueCmd(opts *globalOptions) *cobra.Command {
	var (
		subject     string
		permissions []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an HS256 token for auth.mode=jwt",
		Long:  "Sign a token with the secret read from auth.jwt.secret_env.\nIssuer and audience are taken from the config file when present.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(opts.config)
			if err != nil {
				return fmt.Errorf("token issue: %w", err)
			}
			secret := strings.TrimSpace(os.Getenv(cfg.Auth.JWT.SecretEnv))
			if secret == "" {
				return fmt.Errorf("token issue: environment variable %s is empty", cfg.Auth.JWT.SecretEnv)
			}
			now := time.Now()
			claims := auth.Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					Issuer:    cfg.Auth.JWT.Issuer,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
				Permissions: permissions,
			}
			if cfg.Auth.JWT.Audience != "" {
				claims.Audience = jwt.ClaimStrings{cfg.Auth.JWT.Audience}
			}
			token, err := auth.IssueToken(secret, claims)
			if err != nil {
				return fmt.Errorf("token issue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&permissions, "permission", []string{auth.PermissionSubmit}, "granted permissions")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// loadConfigOrDefault 读取配置文件，文件不存在时返回默认配置。
func loadConfigOrDefault(path string) (*config.Config, error) {
	resolved := app.ConfigPath(path)
	if _, err := os.Stat(resolved); os.IsNotExist(err) && path == "" {
		return config.Default("."), nil
	}
	return config.Load(resolved)
}
