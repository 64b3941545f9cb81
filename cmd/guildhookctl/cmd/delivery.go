package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type attempt struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	WebhookID     string    `json:"webhook_id"`
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	HTTPStatus    int       `json:"http_status,omitempty"`
	Error         string    `json:"error,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

type attemptPage struct {
	Attempts   []attempt `json:"attempts"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type job struct {
	EventID       string    `json:"event_id"`
	WebhookID     string    `json:"webhook_id"`
	Scope         string    `json:"scope"`
	EventType     string    `json:"event_type"`
	Sequence      int64     `json:"sequence"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func printAttempts(attempts []attempt) {
	if len(attempts) == 0 {
		fmt.Println("  No delivery attempts found")
		return
	}
	for _, a := range attempts {
		line := fmt.Sprintf("  #%d %-11s event=%s webhook=%s at=%s latency=%dms",
			a.AttemptNumber, a.Status, a.EventID, a.WebhookID,
			a.AttemptedAt.Format("2006-01-02 15:04:05"), a.LatencyMs)
		if a.HTTPStatus != 0 {
			line += fmt.Sprintf(" http=%d", a.HTTPStatus)
		}
		if a.Error != "" {
			line += " error=" + a.Error
		}
		fmt.Println(line)
	}
}

func printJobs(jobs []job) {
	for _, j := range jobs {
		fmt.Printf("  %s -> %s  %-11s attempts=%d type=%s seq=%d\n",
			j.EventID, j.WebhookID, j.State, j.Attempts, j.EventType, j.Sequence)
	}
}

// attemptFilter turns the shared flags into query parameters.
func attemptFilter(cmd *cobra.Command) (url.Values, error) {
	q := url.Values{}
	for _, name := range []string{"from", "to"} {
		raw, _ := cmd.Flags().GetString(name)
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid '%s' timestamp: %w", name, err)
		}
		if ts != "" {
			q.Set(name, ts)
		}
	}
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	for _, name := range []string{"cursor", "event", "webhook"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			key := name
			switch name {
			case "event":
				key = "event_id"
			case "webhook":
				key = "webhook_id"
			}
			q.Set(key, v)
		}
	}
	return q, nil
}

func addAttemptFlags(c *cobra.Command) {
	c.Flags().String("from", "", "only attempts at or after this RFC3339 time")
	c.Flags().String("to", "", "only attempts before this RFC3339 time")
	c.Flags().Int("limit", 0, "page size (server default 50, max 500)")
	c.Flags().String("cursor", "", "resume from a previous page's next_cursor")
	c.Flags().String("event", "", "only attempts for this event id")
}

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook deliveries",
	Long:  `Inspect delivery attempts, per-event delivery state and dead letters.`,
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "List delivery attempts",
	Long: `List delivery attempts, newest first. Non-admin tokens must pass --webhook.

Example:
  guildhookctl delivery attempts --webhook 6f1c... --from 2026-01-01T00:00:00Z --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := attemptFilter(cmd)
		if err != nil {
			return err
		}
		var page attemptPage
		if err := doJSON(context.Background(), http.MethodGet, "/v1/attempts", q, nil, &page); err != nil {
			return fmt.Errorf("failed to list attempts: %w", err)
		}
		if outputJSON {
			printOutput(page)
			return nil
		}
		printAttempts(page.Attempts)
		if page.NextCursor != "" {
			fmt.Printf("\nMore results: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [event-id]",
	Short: "Get delivery status for an event",
	Long: `Show every delivery job of an event and its attempts.

Example:
  guildhookctl delivery status evt_123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			EventID  string    `json:"event_id"`
			Jobs     []job     `json:"jobs"`
			Attempts []attempt `json:"attempts"`
		}
		if err := doJSON(context.Background(), http.MethodGet, "/v1/events/"+url.PathEscape(args[0])+"/deliveries", nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to get delivery status: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		fmt.Printf("Deliveries for event %s:\n", resp.EventID)
		printJobs(resp.Jobs)
		fmt.Println("Attempts:")
		printAttempts(resp.Attempts)
		return nil
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters [webhook-id]",
	Short: "List jobs that exhausted their retries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if cursor, _ := cmd.Flags().GetString("cursor"); cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp struct {
			DeadLetters []job  `json:"dead_letters"`
			NextCursor  string `json:"next_cursor,omitempty"`
		}
		if err := doJSON(context.Background(), http.MethodGet, "/v1/webhooks/"+url.PathEscape(args[0])+"/dead-letters", q, nil, &resp); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		if len(resp.DeadLetters) == 0 {
			fmt.Println("No dead letters")
			return nil
		}
		printJobs(resp.DeadLetters)
		if resp.NextCursor != "" {
			fmt.Printf("\nMore results: --cursor %s\n", resp.NextCursor)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(attemptsCmd, statusCmd, deadLettersCmd)

	addAttemptFlags(attemptsCmd)
	attemptsCmd.Flags().String("webhook", "", "only attempts for this webhook id")
	deadLettersCmd.Flags().Int("limit", 0, "page size (server default 50, max 500)")
	deadLettersCmd.Flags().String("cursor", "", "resume from a previous page's next_cursor")
}
