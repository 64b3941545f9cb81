package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/ingest"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish platform events",
	Long:  `Publish platform events through the ingest service.`,
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [scope] [event-type] [data-json]",
	Short: "Publish a platform event",
	Long: `Publish a platform event with a JSON data object. Every enabled webhook
of the scope subscribed to the event type receives it.

Example:
  guildhookctl event publish guild:42 message.created '{"channel_id":"c1","content":"hi"}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseJSON(args[2])
		if err != nil {
			return fmt.Errorf("invalid data JSON: %w", err)
		}
		id, _ := cmd.Flags().GetString("id")
		seq, _ := cmd.Flags().GetInt64("sequence")

		client, cleanup, err := getIngestClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := client.Publish(ctx, ingest.PublishRequest{
			ID:       id,
			Type:     event.Type(args[1]),
			Scope:    event.Scope(args[0]),
			Sequence: seq,
			Data:     data,
		})
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}

		if outputJSON {
			printOutput(res)
		} else {
			fmt.Printf("Published event: %s\n", res.EventID)
			fmt.Printf("  Sequence: %d\n", res.Sequence)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("id", "", "event id; reuse it when retrying so duplicates are dropped")
	publishCmd.Flags().Int64("sequence", 0, "per-scope sequence number (assigned by ingest when 0)")
}
