package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/guildhook/internal/api"
	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/bus"
	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/health"
	"github.com/austindbirch/guildhook/internal/ingest"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/metrics"
	"github.com/austindbirch/guildhook/internal/registry"
	"github.com/austindbirch/guildhook/internal/store"
	"github.com/austindbirch/guildhook/internal/tracing"
	"github.com/austindbirch/guildhook/internal/worker"
)

const serviceName = "guildhook-ingest"

// buildAuthenticator chains every configured token verifier. With auth
// disabled every caller is an admin.
func buildAuthenticator(ctx context.Context, c config.Auth) (auth.Authenticator, error) {
	if c.Disabled {
		return auth.Anonymous{Principal: auth.Principal{Subject: "anonymous", Admin: true}}, nil
	}
	var chain auth.Chain
	if c.JWTPublicKey != "" {
		v, err := auth.NewJWTValidator(c.JWTPublicKey, c.Issuer, c.Audience)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if c.JWKSURL != "" {
		v, err := auth.NewJWKSValidator(ctx, c.JWKSURL, c.Issuer, c.Audience, nil)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if c.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, c.OIDCIssuer, c.OIDCClientID, c.OIDCScopeClaim)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if len(chain) == 0 {
		return nil, errors.New("auth enabled but no jwt_public_key, jwks_url or oidc_issuer configured")
	}
	return chain, nil
}

// sequencerFor shares sequence counters through redis when configured.
// The local sequencer is only correct with a single ingest replica.
func sequencerFor(rdb redis.Cmdable) bus.Sequencer {
	if rdb == nil {
		return bus.NewLocalSequencer()
	}
	return bus.NewRedisSequencer(rdb)
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

	// NSQ producer
	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	publisher := bus.NewPublisher(prod, bus.Topics{Events: cfg.NSQ.EventsTopic, Registry: cfg.NSQ.RegistryTopic})

	var seq bus.Sequencer = bus.NewLocalSequencer()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		seq = sequencerFor(rdb)
	}

	authn, err := buildAuthenticator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}
	if cfg.Auth.Disabled {
		logger.Plain().Warn("authentication disabled; every caller is treated as admin")
	}

	reg := registry.NewService(st, registry.Options{
		MaxEndpointsPerScope: cfg.Registry.MaxEndpointsPerScope,
		CacheTTL:             cfg.Registry.CacheTTL,
		AllowPrivateTargets:  cfg.Registry.AllowPrivateTargets,
		Notifier:             publisher,
		Logger:               logging.New("guildhook-registry"),
	})

	// test deliveries only; this pool never runs its workers
	tester := worker.New(delivery.NewQueue(nil), reg, nil, worker.Options{
		Timeout:           cfg.Delivery.Timeout,
		UserAgent:         cfg.Delivery.UserAgent,
		ResponseBodyLimit: cfg.Delivery.ResponseBodyLimit,
		Client:            worker.NewClient(cfg.Delivery.Timeout, cfg.Registry.AllowPrivateTargets),
		Logger:            logger,
	})

	// gRPC server
	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(authn, logger)),
	)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	ingest.Register(grpcSrv, ingest.NewServer(publisher, seq, ingest.Options{Logger: logger}))

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("ingest gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	// HTTP: management API, health, metrics
	promReg := prometheus.NewRegistry()
	metrics.MustRegister(promReg)

	srv := api.New(api.Options{
		Registry:      reg,
		DeliveryLog:   st,
		Tester:        tester,
		Authenticator: authn,
		Health:        health.HTTPHandler(st),
		Metrics:       promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Logger:        logging.New("guildhook-api"),
	})
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: srv.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("management API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down ingest")
	hs.Shutdown()
	grpcSrv.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("ingest stopped")
}
