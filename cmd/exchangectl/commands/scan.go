package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"exchange-service/internal/exchangeclient"
)

// scan: redeem a peer's QR token.
func scanCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "scan <qr-token>",
		Short: "Redeem a scanned QR share token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accessToken == "" {
				return fmt.Errorf("scanning requires --token")
			}
			cat, err := parseCategory(category)
			if err != nil {
				return err
			}
			transport, err := newTransport()
			if err != nil {
				return err
			}
			client := exchangeclient.New(transport, exchangeclient.Options{})
			defer func() { _ = client.Close(context.Background()) }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			matchToken, err := client.RedeemQR(ctx, args[0], cat)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"matchToken": matchToken})
		},
	}
	cmd.Flags().StringVar(&category, "category", "All", "sharing category: All, Personal or Work")
	return cmd
}
