package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/ingest"
)

// trafficConfig holds the parameters of one traffic run.
type trafficConfig struct {
	Scope     string        `json:"scope"`
	EventType string        `json:"event_type"`
	Rate      int           `json:"rate"`
	Duration  time.Duration `json:"duration"`
	Workers   int           `json:"workers"`
	JWKSHost  string        `json:"jwks_host,omitempty"`
}

// trafficSummary reports what a run published.
type trafficSummary struct {
	TotalRequests   int64         `json:"total_requests"`
	SuccessRequests int64         `json:"success_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	Elapsed         time.Duration `json:"elapsed"`
	RPS             float64       `json:"rps"`
	FirstEventID    string        `json:"first_event_id,omitempty"`
	LastEventID     string        `json:"last_event_id,omitempty"`
}

type publishFunc func(ctx context.Context, r ingest.PublishRequest) (ingest.PublishResult, error)

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate event traffic for testing",
	Long: `Publish synthetic events at a fixed rate for a fixed duration and print a
summary. With --jwks-host a token for the scope is fetched from the
development token issuer first.

Example:
  guildhookctl traffic --scope guild:42 --type message.created --rate 20 --duration 30s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := trafficFlags(cmd)
		if err != nil {
			return err
		}
		if cfg.JWKSHost != "" {
			token, err := fetchToken(context.Background(), cfg.JWKSHost, cfg.Scope)
			if err != nil {
				return fmt.Errorf("failed to get JWT token: %w", err)
			}
			jwtToken = token
		}

		client, cleanup, err := getIngestClient()
		if err != nil {
			return err
		}
		defer cleanup()

		fmt.Printf("Publishing %s to %s at %d/s for %s...\n", cfg.EventType, cfg.Scope, cfg.Rate, cfg.Duration)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
		defer cancel()
		summary, err := runTraffic(ctx, cfg, func(ctx context.Context, r ingest.PublishRequest) (ingest.PublishResult, error) {
			return client.Publish(ctx, r)
		})
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(summary)
			return nil
		}
		printTrafficSummary(summary)
		return nil
	},
}

func trafficFlags(cmd *cobra.Command) (trafficConfig, error) {
	var cfg trafficConfig
	cfg.Scope, _ = cmd.Flags().GetString("scope")
	cfg.EventType, _ = cmd.Flags().GetString("type")
	cfg.Rate, _ = cmd.Flags().GetInt("rate")
	cfg.Duration, _ = cmd.Flags().GetDuration("duration")
	cfg.Workers, _ = cmd.Flags().GetInt("workers")
	cfg.JWKSHost, _ = cmd.Flags().GetString("jwks-host")

	if _, err := event.ParseScope(cfg.Scope); err != nil {
		return cfg, err
	}
	if cfg.Rate <= 0 {
		return cfg, fmt.Errorf("rate must be positive")
	}
	if cfg.Duration <= 0 {
		return cfg, fmt.Errorf("duration must be positive")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return cfg, nil
}

// runTraffic ticks at cfg.Rate until ctx ends, handing each tick to one of
// cfg.Workers publishers. Ticks that find every worker busy are dropped.
func runTraffic(ctx context.Context, cfg trafficConfig, publish publishFunc) (trafficSummary, error) {
	var (
		summary   trafficSummary
		total     atomic.Int64
		succeeded atomic.Int64
		failed    atomic.Int64
		firstID   atomic.Value
		lastID    atomic.Value
	)
	ticks := make(chan int64)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			for n := range ticks {
				total.Add(1)
				res, err := publish(gctx, ingest.PublishRequest{
					Type:  event.Type(cfg.EventType),
					Scope: event.Scope(cfg.Scope),
					Data: map[string]any{
						"source": "guildhookctl-traffic",
						"n":      n,
					},
				})
				if err != nil {
					failed.Add(1)
					continue
				}
				succeeded.Add(1)
				firstID.CompareAndSwap(nil, res.EventID)
				lastID.Store(res.EventID)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(ticks)
		ticker := time.NewTicker(time.Second / time.Duration(cfg.Rate))
		defer ticker.Stop()
		var n int64
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n++
				select {
				case ticks <- n:
				default:
				}
			}
		}
	})
	if err := g.Wait(); err != nil {
		return summary, err
	}

	summary.TotalRequests = total.Load()
	summary.SuccessRequests = succeeded.Load()
	summary.FailedRequests = failed.Load()
	summary.Elapsed = time.Since(start)
	if secs := summary.Elapsed.Seconds(); secs > 0 {
		summary.RPS = float64(summary.TotalRequests) / secs
	}
	if v, ok := firstID.Load().(string); ok {
		summary.FirstEventID = v
	}
	if v, ok := lastID.Load().(string); ok {
		summary.LastEventID = v
	}
	return summary, nil
}

// fetchToken obtains a scoped token from the development token issuer.
func fetchToken(ctx context.Context, jwksHost, scope string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"subject": "guildhookctl-traffic",
		"scopes":  []string{scope},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+jwksHost+"/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get token from %s: %w", jwksHost, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.Token == "" {
		return "", fmt.Errorf("received empty token")
	}
	return tokenResp.Token, nil
}

func printTrafficSummary(s trafficSummary) {
	fmt.Println("\nTraffic summary:")
	fmt.Printf("  Total requests: %d\n", s.TotalRequests)
	fmt.Printf("  Succeeded: %d\n", s.SuccessRequests)
	fmt.Printf("  Failed: %d\n", s.FailedRequests)
	fmt.Printf("  Elapsed: %s (%.1f req/s)\n", s.Elapsed.Round(time.Millisecond), s.RPS)
	if s.FirstEventID != "" {
		fmt.Printf("  Events: %s .. %s\n", s.FirstEventID, s.LastEventID)
		fmt.Printf("\nInspect deliveries with:\n  guildhookctl delivery status %s\n", s.LastEventID)
	}
}

func init() {
	rootCmd.AddCommand(trafficCmd)

	trafficCmd.Flags().String("scope", "", "scope to publish to, e.g. guild:42")
	trafficCmd.Flags().String("type", "message.created", "event type")
	trafficCmd.Flags().Int("rate", 10, "events per second")
	trafficCmd.Flags().Duration("duration", 10*time.Second, "how long to publish for")
	trafficCmd.Flags().Int("workers", 4, "concurrent publishers")
	trafficCmd.Flags().String("jwks-host", "", "token issuer host:port; fetches a scoped token first")
	_ = trafficCmd.MarkFlagRequired("scope")
}
