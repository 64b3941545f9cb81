package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/metrics"
)

// Stats is the subset of nsqd's /stats?format=json response we export.
type Stats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	TopicName string         `json:"topic_name"`
	Depth     int64          `json:"depth"`
	Channels  []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	ChannelName   string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
}

// FetchStats reads topic and channel depths from nsqd's HTTP API.
func FetchStats(ctx context.Context, client *http.Client, nsqdHTTPAddr string) (Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+nsqdHTTPAddr+"/stats?format=json", nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("nsqd stats returned status %d", resp.StatusCode)
	}
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Stats{}, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return st, nil
}

// Export sets the bus gauges for every channel of the given topics.
func (s Stats) Export(topics []string) {
	for _, t := range s.Topics {
		if !slices.Contains(topics, t.TopicName) {
			continue
		}
		for _, c := range t.Channels {
			metrics.SetBusChannel(t.TopicName, c.ChannelName, c.Depth, c.InFlightCount)
		}
	}
}

// WatchStats polls nsqd every interval until ctx is done.
func WatchStats(ctx context.Context, nsqdHTTPAddr string, topics []string, interval time.Duration, log *logging.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := FetchStats(ctx, client, nsqdHTTPAddr)
		if err != nil {
			log.Plain().WithError(err).Warn("nsq stats poll failed")
		} else {
			st.Export(topics)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
