package main

import (
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/ratelimit"
)

func TestBackoffFor(t *testing.T) {
	c := config.Defaults().Delivery
	b := backoffFor(c)
	if b.Base != 30*time.Second || b.Cap != time.Hour || b.Jitter != 0.1 {
		t.Errorf("backoffFor(defaults) = %+v", b)
	}
}

func TestLimiterFor(t *testing.T) {
	// the client never dials; limiterFor only stores it
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { rdb.Close() })

	tests := []struct {
		name       string
		enabled    bool
		client     redis.Cmdable
		wantWindow bool
	}{
		{name: "disabled", enabled: false, client: rdb, wantWindow: false},
		{name: "enabled without redis", enabled: true, client: nil, wantWindow: false},
		{name: "enabled with nil client", enabled: true, client: (*redis.Client)(nil), wantWindow: false},
		{name: "enabled with redis", enabled: true, client: rdb, wantWindow: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.RateLimit{Enabled: tt.enabled, PerWindow: 10, Window: time.Second}
			l := limiterFor(c, tt.client)
			_, isWindow := l.(*ratelimit.Window)
			if isWindow != tt.wantWindow {
				t.Errorf("limiterFor() = %T, want window %v", l, tt.wantWindow)
			}
		})
	}
}

func TestConsumerConfig(t *testing.T) {
	n := config.Defaults().NSQ
	cc := consumerConfig(n, n.EventsTopic, n.DispatchChannel)
	if cc.Topic != "platform_events" || cc.Channel != "dispatcher" {
		t.Errorf("topic/channel = %s/%s", cc.Topic, cc.Channel)
	}
	if cc.NsqdTCPAddr != n.NsqdTCPAddr || cc.LookupHTTPAddr != n.LookupHTTPAddr {
		t.Errorf("addresses not carried over: %+v", cc)
	}
	if cc.MaxAttempts != uint16(n.MaxAttempts) || cc.MaxInFlight != n.MaxInFlight {
		t.Errorf("tuning not carried over: %+v", cc)
	}
}

func TestInstanceName(t *testing.T) {
	name := instanceName()
	if name == "" || strings.ContainsAny(name, " #") {
		t.Errorf("instanceName() = %q", name)
	}
}
