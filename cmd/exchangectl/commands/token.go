package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"exchange-service/internal/auth"
	"exchange-service/internal/config"
)

// token: mint an access token with the service's own signing config.
func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to mint tokens with production config")
			}
			token, err := auth.NewTokenManager(cfg.Auth).GenerateAccessToken(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}
