package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// webhook mirrors the management API's endpoint representation.
type webhook struct {
	ID                  string    `json:"id"`
	Scope               string    `json:"scope"`
	URL                 string    `json:"url"`
	Subscriptions       []string  `json:"subscriptions"`
	Description         string    `json:"description,omitempty"`
	Enabled             bool      `json:"enabled"`
	DisabledReason      string    `json:"disabled_reason,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Status              string    `json:"status"`
	Secret              string    `json:"secret,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func printWebhook(w webhook) {
	fmt.Printf("Webhook: %s\n", w.ID)
	fmt.Printf("  Scope: %s\n", w.Scope)
	fmt.Printf("  URL: %s\n", w.URL)
	fmt.Printf("  Subscriptions: %s\n", strings.Join(w.Subscriptions, ", "))
	if w.Description != "" {
		fmt.Printf("  Description: %s\n", w.Description)
	}
	fmt.Printf("  Status: %s\n", w.Status)
	if w.DisabledReason != "" {
		fmt.Printf("  Disabled reason: %s\n", w.DisabledReason)
	}
	fmt.Printf("  Consecutive failures: %d\n", w.ConsecutiveFailures)
	fmt.Printf("  Created: %s\n", w.CreatedAt.Format("2006-01-02 15:04:05"))
}

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:     "webhook",
	Aliases: []string{"webhooks", "wh"},
	Short:   "Manage webhook endpoints",
	Long:    `Register and manage the webhook endpoints of a guild or account.`,
}

var createWebhookCmd = &cobra.Command{
	Use:   "create [scope] [url]",
	Short: "Register a new webhook endpoint",
	Long: `Register a webhook endpoint for a scope. The signing secret is shown
once, in this command's output.

Example:
  guildhookctl webhook create guild:42 https://bot.example.com/hook --events message.created,member.joined`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, _ := cmd.Flags().GetString("events")
		description, _ := cmd.Flags().GetString("description")
		body := map[string]any{
			"url":           args[1],
			"subscriptions": splitList(events),
			"description":   description,
		}

		var w webhook
		if err := doJSON(context.Background(), http.MethodPost, "/v1/scopes/"+url.PathEscape(args[0])+"/webhooks", nil, body, &w); err != nil {
			return fmt.Errorf("failed to create webhook: %w", err)
		}
		if outputJSON {
			printOutput(w)
			return nil
		}
		printWebhook(w)
		fmt.Printf("  Secret: %s\n", w.Secret)
		fmt.Println("\nStore the secret now; it is not shown again.")
		return nil
	},
}

var listWebhooksCmd = &cobra.Command{
	Use:   "list [scope]",
	Short: "List the webhook endpoints of a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Webhooks []webhook `json:"webhooks"`
		}
		if err := doJSON(context.Background(), http.MethodGet, "/v1/scopes/"+url.PathEscape(args[0])+"/webhooks", nil, nil, &resp); err != nil {
			return fmt.Errorf("failed to list webhooks: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		if len(resp.Webhooks) == 0 {
			fmt.Println("No webhooks registered")
			return nil
		}
		for _, w := range resp.Webhooks {
			fmt.Printf("%s  %-14s %s  [%s]\n", w.ID, w.Status, w.URL, strings.Join(w.Subscriptions, ","))
		}
		return nil
	},
}

var getWebhookCmd = &cobra.Command{
	Use:   "get [webhook-id]",
	Short: "Show a webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var w webhook
		if err := doJSON(context.Background(), http.MethodGet, "/v1/webhooks/"+url.PathEscape(args[0]), nil, nil, &w); err != nil {
			return fmt.Errorf("failed to get webhook: %w", err)
		}
		if outputJSON {
			printOutput(w)
		} else {
			printWebhook(w)
		}
		return nil
	},
}

// updateBody collects only the flags the user set.
func updateBody(cmd *cobra.Command) (map[string]any, error) {
	body := map[string]any{}
	if cmd.Flags().Changed("url") {
		v, _ := cmd.Flags().GetString("url")
		body["url"] = v
	}
	if cmd.Flags().Changed("events") {
		v, _ := cmd.Flags().GetString("events")
		body["subscriptions"] = splitList(v)
	}
	if cmd.Flags().Changed("description") {
		v, _ := cmd.Flags().GetString("description")
		body["description"] = v
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("nothing to update: pass --url, --events or --description")
	}
	return body, nil
}

var updateWebhookCmd = &cobra.Command{
	Use:   "update [webhook-id]",
	Short: "Change a webhook's URL, subscriptions or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := updateBody(cmd)
		if err != nil {
			return err
		}
		var w webhook
		if err := doJSON(context.Background(), http.MethodPatch, "/v1/webhooks/"+url.PathEscape(args[0]), nil, body, &w); err != nil {
			return fmt.Errorf("failed to update webhook: %w", err)
		}
		if outputJSON {
			printOutput(w)
		} else {
			printWebhook(w)
		}
		return nil
	},
}

var deleteWebhookCmd = &cobra.Command{
	Use:   "delete [webhook-id]",
	Short: "Delete a webhook endpoint",
	Long:  `Delete a webhook endpoint. Its delivery history is kept.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doJSON(context.Background(), http.MethodDelete, "/v1/webhooks/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
			return fmt.Errorf("failed to delete webhook: %w", err)
		}
		fmt.Printf("Deleted webhook %s\n", args[0])
		return nil
	},
}

func toggleCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [webhook-id]",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a webhook endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w webhook
			if err := doJSON(context.Background(), http.MethodPost, "/v1/webhooks/"+url.PathEscape(args[0])+"/"+action, nil, nil, &w); err != nil {
				return fmt.Errorf("failed to %s webhook: %w", action, err)
			}
			if outputJSON {
				printOutput(w)
			} else {
				fmt.Printf("Webhook %s is now %s\n", w.ID, w.Status)
			}
			return nil
		},
	}
}

// testResult mirrors the test delivery response.
type testResult struct {
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	LatencyMs    int64  `json:"latency_ms"`
	Error        string `json:"error,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
}

func sendTest(ctx context.Context, id string) (testResult, error) {
	var res testResult
	err := doJSON(ctx, http.MethodPost, "/v1/webhooks/"+url.PathEscape(id)+"/test", nil, nil, &res)
	return res, err
}

var testWebhookCmd = &cobra.Command{
	Use:   "test [webhook-id]",
	Short: "Send a signed test delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := sendTest(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to send test delivery: %w", err)
		}
		if outputJSON {
			printOutput(res)
			return nil
		}
		fmt.Printf("Test delivery: %s (%s)\n", res.Status, res.Reason)
		if res.HTTPStatus != 0 {
			fmt.Printf("  HTTP status: %d\n", res.HTTPStatus)
		}
		fmt.Printf("  Latency: %dms\n", res.LatencyMs)
		if res.Error != "" {
			fmt.Printf("  Error: %s\n", res.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(createWebhookCmd, listWebhooksCmd, getWebhookCmd, updateWebhookCmd,
		deleteWebhookCmd, toggleCmd("enable"), toggleCmd("disable"), testWebhookCmd)

	createWebhookCmd.Flags().String("events", "", "comma separated event types to subscribe to")
	createWebhookCmd.Flags().String("description", "", "free-form description")
	_ = createWebhookCmd.MarkFlagRequired("events")

	updateWebhookCmd.Flags().String("url", "", "new target URL")
	updateWebhookCmd.Flags().String("events", "", "replacement comma separated event types")
	updateWebhookCmd.Flags().String("description", "", "new description")
}
