package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/guildhook/internal/bus"
	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/metrics"
)

func TestMonitoredTopics(t *testing.T) {
	tests := []struct {
		name       string
		publishDLQ bool
		want       []string
	}{
		{name: "without dlq", publishDLQ: false, want: []string{"platform_events", "registry_changes"}},
		{name: "with dlq", publishDLQ: true, want: []string{"platform_events", "registry_changes", "deliveries_dlq"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.Defaults().NSQ
			c.PublishDLQ = tt.publishDLQ
			if got := monitoredTopics(c); !slices.Equal(got, tt.want) {
				t.Errorf("monitoredTopics() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetricsEndpointExportsChannelDepth(t *testing.T) {
	nsqd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"topics":[{"topic_name":"platform_events","depth":0,"channels":[
			{"channel_name":"dispatcher","depth":42,"in_flight_count":3}]}]}`)
	}))
	defer nsqd.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	st, err := bus.FetchStats(context.Background(), nsqd.Client(), strings.TrimPrefix(nsqd.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	st.Export(monitoredTopics(config.Defaults().NSQ))

	w := httptest.NewRecorder()
	routes(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	want := `guildhook_bus_channel_depth{channel="dispatcher",topic="platform_events"} 42`
	if !strings.Contains(body, want) {
		t.Errorf("metrics output missing %q", want)
	}
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	routes(prometheus.NewRegistry()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "OK" {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}
