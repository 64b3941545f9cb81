package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/guildhook/internal/bus"
	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/metrics"
)

var logger = logging.New("nsq-monitor")

// monitoredTopics lists the bus topics whose channel gauges are exported.
func monitoredTopics(c config.NSQ) []string {
	topics := []string{c.EventsTopic, c.RegistryTopic}
	if c.PublishDLQ {
		topics = append(topics, c.DLQTopic)
	}
	return topics
}

func routes(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}

func main() {
	cfg := config.FromEnv().NSQ
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	topics := monitoredTopics(cfg)
	logger.Plain().WithFields(map[string]any{
		"nsqd":     cfg.NsqdHTTPAddr,
		"interval": cfg.StatsInterval.String(),
		"topics":   topics,
	}).Info("NSQ monitor starting")

	go bus.WatchStats(ctx, cfg.NsqdHTTPAddr, topics, cfg.StatsInterval, logger)

	srv := &http.Server{Addr: cfg.MonitorPort, Handler: routes(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("NSQ monitor failed")
	}
}
