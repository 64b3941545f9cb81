package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/guildhook/internal/bus"
	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/dispatch"
	"github.com/austindbirch/guildhook/internal/health"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/metrics"
	"github.com/austindbirch/guildhook/internal/ratelimit"
	"github.com/austindbirch/guildhook/internal/registry"
	"github.com/austindbirch/guildhook/internal/retry"
	"github.com/austindbirch/guildhook/internal/store"
	"github.com/austindbirch/guildhook/internal/tracing"
	"github.com/austindbirch/guildhook/internal/worker"
)

const serviceName = "guildhook-worker"

// backoffFor builds the retry curve from configuration.
func backoffFor(c config.Delivery) delivery.Backoff {
	return delivery.Backoff{Base: c.BackoffBase, Cap: c.BackoffCap, Jitter: c.JitterPercent}
}

// limiterFor returns the redis window limiter when rate limiting is on and
// redis is configured, and AllowAll otherwise.
func limiterFor(c config.RateLimit, rdb redis.Cmdable) worker.Limiter {
	if client, ok := rdb.(*redis.Client); ok && client == nil {
		rdb = nil
	}
	if !c.Enabled || rdb == nil {
		return ratelimit.AllowAll{}
	}
	return ratelimit.NewWindow(rdb, c.PerWindow, c.Window)
}

func consumerConfig(c config.NSQ, topic, channel string) bus.ConsumerConfig {
	return bus.ConsumerConfig{
		Topic:          topic,
		Channel:        channel,
		NsqdTCPAddr:    c.NsqdTCPAddr,
		LookupHTTPAddr: c.LookupHTTPAddr,
		MaxInFlight:    c.MaxInFlight,
		MaxAttempts:    uint16(c.MaxAttempts),
	}
}

// instanceName keys this process's ephemeral registry channel.
func instanceName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker"
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to GUILDHOOK_CONFIG)")
	flag.Parse()

	logger := logging.New(serviceName)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	if err := logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		logger.Plain().WithError(err).Fatal("logging setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store open failed")
	}
	defer closeStore()

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()
	producer.SetLoggerLevel(nsq.LogLevelWarning)

	topics := bus.Topics{Events: cfg.NSQ.EventsTopic, Registry: cfg.NSQ.RegistryTopic}
	if cfg.NSQ.PublishDLQ {
		topics.DLQ = cfg.NSQ.DLQTopic
	}
	publisher := bus.NewPublisher(producer, topics)

	var rdb redis.Cmdable
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		rdb = client
	}

	reg := registry.NewService(st, registry.Options{
		MaxEndpointsPerScope: cfg.Registry.MaxEndpointsPerScope,
		CacheTTL:             cfg.Registry.CacheTTL,
		AllowPrivateTargets:  cfg.Registry.AllowPrivateTargets,
		Notifier:             publisher,
		Logger:               logging.New("guildhook-registry"),
	})

	queue := delivery.NewQueue(nil)
	schedOpts := retry.Options{
		MaxAttempts:           cfg.Delivery.MaxAttempts,
		CircuitBreakThreshold: cfg.Delivery.CircuitBreakThreshold,
		Backoff:               backoffFor(cfg.Delivery),
		ResponseBodyLimit:     cfg.Delivery.ResponseBodyLimit,
		RecoverBatchSize:      cfg.Delivery.RecoverBatchSize,
		Logger:                logging.New("guildhook-retry"),
	}
	if cfg.NSQ.PublishDLQ {
		schedOpts.DeadLetters = publisher
	}
	scheduler := retry.NewScheduler(st, reg, queue, schedOpts)

	recovered, err := scheduler.Recover(ctx)
	if err != nil {
		logger.Plain().WithError(err).Fatal("recovering pending jobs failed")
	}
	logger.Plain().WithField("jobs", recovered).Info("pending jobs recovered")

	limiter := limiterFor(cfg.RateLimit, rdb)
	pool := worker.New(queue, reg, scheduler, worker.Options{
		Workers:           cfg.Delivery.Workers,
		Timeout:           cfg.Delivery.Timeout,
		UserAgent:         cfg.Delivery.UserAgent,
		ResponseBodyLimit: cfg.Delivery.ResponseBodyLimit,
		Client:            worker.NewClient(cfg.Delivery.Timeout, cfg.Registry.AllowPrivateTargets),
		Limiter:           limiter,
		Logger:            logger,
	})

	dispatcher := dispatch.New(reg, st, scheduler, dispatch.Options{
		LookupAttempts: cfg.Dispatcher.LookupAttempts,
		LookupBackoff:  cfg.Dispatcher.LookupBackoff,
		Logger:         logging.New("guildhook-dispatcher"),
	})
	filter, err := bus.ParseFilter(cfg.Dispatcher.ScopeFilter)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid dispatcher scope filter")
	}

	// Prom metrics
	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(st))
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Delivery.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		bus.WatchStats(ctx, cfg.NSQ.NsqdHTTPAddr,
			[]string{cfg.NSQ.EventsTopic, cfg.NSQ.RegistryTopic, cfg.NSQ.DLQTopic},
			cfg.NSQ.StatsInterval, logger)
	}()

	events, err := bus.Subscribe(consumerConfig(cfg.NSQ, cfg.NSQ.EventsTopic, cfg.NSQ.DispatchChannel),
		dispatcher.Handler(filter), cfg.NSQ.MaxInFlight)
	if err != nil {
		logger.Plain().WithError(err).Fatal("events consumer failed")
	}
	changes, err := bus.Subscribe(
		consumerConfig(cfg.NSQ, cfg.NSQ.RegistryTopic, bus.EphemeralChannel("worker", instanceName())),
		bus.ChangeHandler(reg.Invalidate, logger), 1)
	if err != nil {
		logger.Plain().WithError(err).Fatal("registry change consumer failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.EventsTopic,
		"channel": cfg.NSQ.DispatchChannel,
		"workers": cfg.Delivery.Workers,
	}).Info("worker started")

	<-ctx.Done()
	logger.Plain().Info("shutting down worker")

	events.Stop()
	changes.Stop()
	<-events.StopChan
	<-changes.StopChan

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
