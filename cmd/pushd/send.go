package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		userID string
		title  string
		body   string
		data   string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a notification to every subscription of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" || title == "" {
				return errors.New("--user and --title are required")
			}
			var extra map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &extra); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}

			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sent, err := a.service.Notify(ctx, userID, title, body, extra)
			if err != nil {
				return err
			}
			if !a.service.Enabled() {
				return errors.New("push notifications are disabled: VAPID keys not configured")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d subscription(s)\n", sent)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user to notify")
	cmd.Flags().StringVar(&title, "title", "", "notification title")
	cmd.Flags().StringVar(&body, "body", "", "notification body")
	cmd.Flags().StringVar(&data, "data", "", "extra data as a JSON object")
	return cmd
}
