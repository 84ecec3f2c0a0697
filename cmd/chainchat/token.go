package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/chainchat/internal/identity"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	tokenUserID   string
	tokenUsername string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for local development",
	Long: `token signs a session token with auth.session_secret so a client can
post messages without the external auth service:

  chainchat token --username alice | xargs -I{} curl -H "Authorization: Bearer {}" ...`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "sender name carried in the token (required)")
	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "", "user ID claim (default: random UUID)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.session_ttl)")
	_ = tokenCmd.MarkFlagRequired("username")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(zap.NewNop())
	if err != nil {
		return err
	}

	ttl := cfg.Auth.SessionTTL
	if tokenTTL > 0 {
		ttl = tokenTTL
	}
	sessions, err := identity.NewSessionIssuer(cfg.Auth.SessionSecret, cfg.Auth.Issuer, ttl)
	if err != nil {
		if errors.Is(err, identity.ErrNoSecret) {
			return fmt.Errorf("set auth.session_secret (or AUTH_SESSION_SECRET): %w", err)
		}
		return err
	}

	userID := tokenUserID
	if userID == "" {
		userID = uuid.NewString()
	}
	tok, err := sessions.Issue(userID, tokenUsername)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
