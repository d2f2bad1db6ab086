// Package commands implements exchangectl, a terminal client for the
// exchange service.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exchange-service/internal/exchangeclient"
	"exchange-service/internal/model"
	"exchange-service/internal/util"
)

var (
	serverURL   string
	accessToken string
	envFile     string
	verbose     bool
	timeout     time.Duration
)

func Execute() error {
	root := &cobra.Command{
		Use:           "exchangectl",
		Short:         "Exchange contacts by bump or QR from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("failed to load %s: %w", envFile, err)
				}
			}
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			util.Replace(logger)
			if accessToken == "" {
				accessToken = os.Getenv("EXCHANGE_ACCESS_TOKEN")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			util.Sync()
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "exchange service base URL")
	root.PersistentFlags().StringVar(&accessToken, "token", "", "bearer token (default $EXCHANGE_ACCESS_TOKEN)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before reading configuration")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline for the command")

	root.AddCommand(tokenCmd(), bumpCmd(), scanCmd(), pairCmd(), qrCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// newLogger writes to stderr so stdout carries only command output.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func newTransport() (*exchangeclient.HTTPTransport, error) {
	var opts []exchangeclient.HTTPOption
	if accessToken != "" {
		opts = append(opts, exchangeclient.WithAccessToken(accessToken))
	}
	return exchangeclient.NewHTTPTransport(serverURL, opts...)
}

func parseCategory(v string) (model.SharingCategory, error) {
	category, err := model.ParseSharingCategory(v)
	if err != nil {
		return "", fmt.Errorf("invalid --category: %w", err)
	}
	return category, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
