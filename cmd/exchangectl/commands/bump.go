package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exchange-service/internal/exchangeclient"
	"exchange-service/internal/util"
)

// oneShotSensor reports a single bump after delay.
type oneShotSensor struct {
	delay  time.Duration
	signal string
}

func (s oneShotSensor) Listen(ctx context.Context) (<-chan exchangeclient.HitEvent, error) {
	out := make(chan exchangeclient.HitEvent, 1)
	go func() {
		defer close(out)
		select {
		case <-time.After(s.delay):
			out <- exchangeclient.HitEvent{At: time.Now(), ProximitySignal: s.signal}
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func bumpCmd() *cobra.Command {
	var (
		category string
		signal   string
		delay    time.Duration
		noBump   bool
	)
	cmd := &cobra.Command{
		Use:   "bump",
		Short: "Open a session, bump once and wait for the outcome",
		Long: "Open an exchange session and report one bump after --delay. " +
			"With --no-bump the session only waits, so a peer can scan its QR token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := parseCategory(category)
			if err != nil {
				return err
			}
			transport, err := newTransport()
			if err != nil {
				return err
			}

			final := make(chan exchangeclient.View, 1)
			opts := exchangeclient.Options{
				OnStateChange: func(v exchangeclient.View) {
					if err := printJSON(v); err != nil {
						util.Warn("Failed to print view", zap.Error(err))
					}
					if v.Err != nil {
						util.Warn("Exchange failed", zap.String("state", string(v.State)), zap.Error(v.Err))
					}
					if v.State.IsTerminal() {
						select {
						case final <- v:
						default:
						}
					}
				},
				Logger: util.Get(),
			}
			if !noBump {
				opts.Sensors = oneShotSensor{delay: delay, signal: signal}
			}
			client := exchangeclient.New(transport, opts)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.StartExchange(true, cat); err != nil {
				return err
			}

			select {
			case v := <-final:
				_ = client.Close(context.Background())
				if !v.State.IsSuccess() {
					return fmt.Errorf("exchange ended in %s", v.State)
				}
				return nil
			case <-ctx.Done():
				closeCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				_ = client.Disconnect(closeCtx)
				_ = client.Close(closeCtx)
				return ctx.Err()
			}
		},
	}
	cmd.Flags().StringVar(&category, "category", "All", "sharing category: All, Personal or Work")
	cmd.Flags().StringVar(&signal, "signal", "", "coarse proximity signal shared with the peer")
	cmd.Flags().DurationVar(&delay, "delay", 0, "wait before reporting the bump")
	cmd.Flags().BoolVar(&noBump, "no-bump", false, "present the session for QR scanning only")
	return cmd
}
