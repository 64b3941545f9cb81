package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/ingest"
)

// quickCmd represents the quick command
var quickCmd = &cobra.Command{
	Use:   "quick",
	Short: "Quick operations for common workflows",
	Long:  `Shortcuts that chain several calls for common workflows.`,
}

// quickSetupCmd registers a webhook and immediately sends it a test delivery.
var quickSetupCmd = &cobra.Command{
	Use:   "setup [scope] [url]",
	Short: "Register a webhook and send it a test delivery",
	Long: `Register a webhook endpoint and send it one signed test delivery so the
receiver can be checked end to end.

Example:
  guildhookctl quick setup guild:42 http://localhost:8081/hook --events message.created`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, _ := cmd.Flags().GetString("events")
		ctx := context.Background()

		fmt.Printf("Registering webhook for %s...\n", args[0])
		body := map[string]any{"url": args[1], "subscriptions": splitList(events)}
		var w webhook
		if err := doJSON(ctx, http.MethodPost, "/v1/scopes/"+url.PathEscape(args[0])+"/webhooks", nil, body, &w); err != nil {
			return fmt.Errorf("failed to create webhook: %w", err)
		}

		fmt.Println("Sending test delivery...")
		res, err := sendTest(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("webhook %s created but test delivery failed: %w", w.ID, err)
		}

		if outputJSON {
			printOutput(map[string]any{"webhook": w, "test": res})
			return nil
		}
		fmt.Printf("\nSetup complete:\n")
		fmt.Printf("  Webhook: %s (%s)\n", w.ID, w.URL)
		fmt.Printf("  Secret: %s\n", w.Secret)
		fmt.Printf("  Test delivery: %s (%s)\n", res.Status, res.Reason)
		if len(w.Subscriptions) > 0 {
			fmt.Printf("\nYou can now publish events with:\n")
			fmt.Printf("  guildhookctl event publish %s %s '{\"key\":\"value\"}'\n", w.Scope, w.Subscriptions[0])
		}
		return nil
	},
}

// quickPublishCmd publishes a sample event and shows its deliveries.
var quickPublishCmd = &cobra.Command{
	Use:   "publish [scope] [event-type]",
	Short: "Publish a sample event and show its deliveries",
	Long: `Publish an event with sample data, wait briefly, then print the delivery
state of every webhook it fanned out to.

Example:
  guildhookctl quick publish guild:42 message.created`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		client, cleanup, err := getIngestClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := client.Publish(ctx, ingest.PublishRequest{
			Type:  event.Type(args[1]),
			Scope: event.Scope(args[0]),
			Data: map[string]any{
				"test":    true,
				"source":  "guildhookctl-quick-publish",
				"message": "This is a test event from guildhookctl",
			},
		})
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		fmt.Printf("Published event: %s (sequence %d)\n", res.EventID, res.Sequence)

		fmt.Printf("Waiting %s for delivery...\n", wait)
		time.Sleep(wait)

		var status struct {
			EventID  string    `json:"event_id"`
			Jobs     []job     `json:"jobs"`
			Attempts []attempt `json:"attempts"`
		}
		err = doJSON(context.Background(), http.MethodGet, "/v1/events/"+url.PathEscape(res.EventID)+"/deliveries", nil, nil, &status)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			fmt.Printf("No deliveries yet; is any webhook of %s subscribed to %s?\n", args[0], args[1])
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get delivery status: %w", err)
		}
		if outputJSON {
			printOutput(map[string]any{"event": res, "deliveries": status})
			return nil
		}
		printJobs(status.Jobs)
		printAttempts(status.Attempts)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quickCmd)
	quickCmd.AddCommand(quickSetupCmd, quickPublishCmd)

	quickSetupCmd.Flags().String("events", "", "comma separated event types to subscribe to")
	_ = quickSetupCmd.MarkFlagRequired("events")
	quickPublishCmd.Flags().Duration("wait", 2*time.Second, "how long to wait before checking deliveries")
}
