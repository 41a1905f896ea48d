package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	commonauth "cardspace_rt/server/common/auth"
	"cardspace_rt/server/common/transport/httpresp"
	"cardspace_rt/server/presence/domain"
)

func newTokenCmd() *cobra.Command {
	var identity domain.Identity
	var secret string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a handshake token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = viper.GetString("auth.jwt_secret")
			}
			if secret == "" {
				return errors.New("--secret or STUDY_RT_AUTH_JWT_SECRET is required")
			}
			token, err := commonauth.NewService(secret, ttl).GenerateToken(identity)
			if err != nil {
				return err
			}
			normalized := identity.Normalize()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(httpresp.NewTokenResponse(token, normalized.ID, normalized.Email))
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&identity.ID, "user-id", "", "User id")
	cmd.Flags().StringVar(&identity.Email, "email", "", "User email")
	cmd.Flags().StringVar(&identity.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&identity.Image, "image", "", "Avatar url")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
