package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func pairCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "pair <match-token>",
		Short: "Fetch the counterpart profile of a match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := newTransport()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			profile, err := transport.Pair(ctx, args[0], sessionID)
			if err != nil {
				return err
			}
			return printJSON(profile)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "own session id, used on the first fetch of a match")
	return cmd
}

// qr: issue a fresh share token; older tokens keep working.
func qrCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Issue a new QR share token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := parseCategory(category)
			if err != nil {
				return err
			}
			transport, err := newTransport()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			token, err := transport.IssueQR(ctx, cat)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"qrToken": token, "sharingCategory": string(cat)})
		},
	}
	cmd.Flags().StringVar(&category, "category", "All", "sharing category: All, Personal or Work")
	return cmd
}
