package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DB struct {
	Driver     string `yaml:"driver"` // postgres or sqlite
	User       string `yaml:"user"`
	Pass       string `yaml:"pass"`
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	Name       string `yaml:"name"`
	SQLitePath string `yaml:"sqlite_path"`
	MaxConns   int    `yaml:"max_conns"`
	Migrate    bool   `yaml:"migrate"` // apply embedded migrations at startup
}

type NSQ struct {
	NsqdTCPAddr     string        `yaml:"nsqd_tcp_addr"`    // e.g. nsqd:4150
	NsqdHTTPAddr    string        `yaml:"nsqd_http_addr"`   // stats API, e.g. nsqd:4151
	LookupHTTPAddr  string        `yaml:"lookup_http_addr"` // e.g. nsqlookupd:4161
	EventsTopic     string        `yaml:"events_topic"`     // platform events consumed by the dispatcher
	DispatchChannel string        `yaml:"dispatch_channel"`
	RegistryTopic   string        `yaml:"registry_topic"` // registry change notices
	DLQTopic        string        `yaml:"dlq_topic"`
	PublishDLQ      bool          `yaml:"publish_dlq"`
	MaxAttempts     int           `yaml:"max_attempts"` // redeliveries of a bus message before it is dropped
	MaxInFlight     int           `yaml:"max_in_flight"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	MonitorPort     string        `yaml:"monitor_port"`
}

type Redis struct {
	Addr     string `yaml:"addr"` // empty disables redis backed components
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Registry struct {
	MaxEndpointsPerScope int           `yaml:"max_endpoints_per_scope"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	AllowPrivateTargets  bool          `yaml:"allow_private_targets"`
}

type Dispatcher struct {
	LookupAttempts int           `yaml:"lookup_attempts"`
	LookupBackoff  time.Duration `yaml:"lookup_backoff"`
	ScopeFilter    []string      `yaml:"scope_filter"` // scope prefixes, empty means every scope
}

type Delivery struct {
	Workers               int           `yaml:"workers"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxAttempts           int           `yaml:"max_attempts"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffCap            time.Duration `yaml:"backoff_cap"`
	JitterPercent         float64       `yaml:"jitter_percent"` // 0.0-1.0
	CircuitBreakThreshold int           `yaml:"circuit_break_threshold"`
	ResponseBodyLimit     int           `yaml:"response_body_limit"`
	SignatureTolerance    time.Duration `yaml:"signature_tolerance"`
	RecoverBatchSize      int           `yaml:"recover_batch_size"`
	UserAgent             string        `yaml:"user_agent"`
	HTTPPort              string        `yaml:"http_port"` // worker metrics and health
}

type RateLimit struct {
	Enabled   bool          `yaml:"enabled"`
	PerWindow int           `yaml:"per_window"`
	Window    time.Duration `yaml:"window"`
}

type Auth struct {
	Disabled       bool   `yaml:"disabled"`
	JWTPublicKey   string `yaml:"jwt_public_key"` // PEM
	JWKSURL        string `yaml:"jwks_url"`
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
	OIDCIssuer     string `yaml:"oidc_issuer"`
	OIDCClientID   string `yaml:"oidc_client_id"`
	OIDCScopeClaim string `yaml:"oidc_scope_claim"`
}

type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, file, multi
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type FakeReceiver struct {
	FailFirstN           int           `yaml:"fail_first_n"`
	FailStatus           int           `yaml:"fail_status"`
	EndpointSecret       string        `yaml:"endpoint_secret"`
	SigningLeewaySeconds int           `yaml:"signing_leeway_seconds"`
	ResponseDelayMS      int           `yaml:"response_delay_ms"`
	Port                 string        `yaml:"port"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
}

type Config struct {
	AppName      string       `yaml:"app_name"`
	HTTPPort     string       `yaml:"http_port"` // :8080
	GRPCPort     string       `yaml:"grpc_port"` // :50051
	DB           DB           `yaml:"db"`
	NSQ          NSQ          `yaml:"nsq"`
	Redis        Redis        `yaml:"redis"`
	Registry     Registry     `yaml:"registry"`
	Dispatcher   Dispatcher   `yaml:"dispatcher"`
	Delivery     Delivery     `yaml:"delivery"`
	RateLimit    RateLimit    `yaml:"rate_limit"`
	Auth         Auth         `yaml:"auth"`
	Logging      Logging      `yaml:"logging"`
	FakeReceiver FakeReceiver `yaml:"fake_receiver"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma separated variable, dropping blanks.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		AppName:  "guildhook",
		HTTPPort: ":8080",
		GRPCPort: ":50051",
		DB: DB{
			Driver:     "postgres",
			User:       "postgres",
			Pass:       "postgres",
			Host:       "postgres",
			Port:       "5432",
			Name:       "guildhook",
			SQLitePath: "guildhook.db",
			MaxConns:   10,
			Migrate:    true,
		},
		NSQ: NSQ{
			NsqdTCPAddr:     "nsqd:4150",
			NsqdHTTPAddr:    "nsqd:4151",
			LookupHTTPAddr:  "nsqlookupd:4161",
			EventsTopic:     "platform_events",
			DispatchChannel: "dispatcher",
			RegistryTopic:   "registry_changes",
			DLQTopic:        "deliveries_dlq",
			MaxAttempts:     5,
			MaxInFlight:     32,
			StatsInterval:   15 * time.Second,
			MonitorPort:     ":8084",
		},
		Registry: Registry{
			MaxEndpointsPerScope: 5,
			CacheTTL:             5 * time.Second,
		},
		Dispatcher: Dispatcher{
			LookupAttempts: 3,
			LookupBackoff:  200 * time.Millisecond,
		},
		Delivery: Delivery{
			Workers:               16,
			Timeout:               10 * time.Second,
			MaxAttempts:           10,
			BackoffBase:           30 * time.Second,
			BackoffCap:            time.Hour,
			JitterPercent:         0.1,
			CircuitBreakThreshold: 5,
			ResponseBodyLimit:     1024,
			SignatureTolerance:    5 * time.Minute,
			RecoverBatchSize:      500,
			UserAgent:             "guildhook/1.0",
			HTTPPort:              ":8083",
		},
		RateLimit: RateLimit{
			PerWindow: 10,
			Window:    time.Second,
		},
		Auth: Auth{
			Issuer:         "guildhook",
			Audience:       "guildhook-api",
			OIDCScopeClaim: "scopes",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "/var/log/guildhook/guildhook.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		FakeReceiver: FakeReceiver{
			FailStatus:           500,
			SigningLeewaySeconds: 300,
			Port:                 ":8081",
			ReadTimeout:          10 * time.Second,
			WriteTimeout:         10 * time.Second,
			IdleTimeout:          60 * time.Second,
		},
	}
}

// FromEnv returns the defaults overridden by environment variables.
func FromEnv() Config {
	c := Defaults()
	applyEnv(&c)
	return c
}

// Load reads .env (when present), then the YAML file at path (or
// GUILDHOOK_CONFIG), then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := Defaults()
	if path == "" {
		path = os.Getenv("GUILDHOOK_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&c)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func applyEnv(c *Config) {
	c.AppName = getenv("APP_NAME", c.AppName)
	c.HTTPPort = getenv("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = getenv("GRPC_PORT", c.GRPCPort)

	c.DB.Driver = getenv("DB_DRIVER", c.DB.Driver)
	c.DB.User = getenv("DB_USER", c.DB.User)
	c.DB.Pass = getenv("DB_PASS", c.DB.Pass)
	c.DB.Host = getenv("DB_HOST", c.DB.Host)
	c.DB.Port = getenv("DB_PORT", c.DB.Port)
	c.DB.Name = getenv("DB_NAME", c.DB.Name)
	c.DB.SQLitePath = getenv("SQLITE_PATH", c.DB.SQLitePath)
	c.DB.MaxConns = getenvInt("DB_MAX_CONNS", c.DB.MaxConns)
	c.DB.Migrate = getenvBool("DB_MIGRATE", c.DB.Migrate)

	c.NSQ.NsqdTCPAddr = getenv("NSQD_TCP_ADDR", c.NSQ.NsqdTCPAddr)
	c.NSQ.NsqdHTTPAddr = getenv("NSQD_HTTP_ADDR", c.NSQ.NsqdHTTPAddr)
	c.NSQ.LookupHTTPAddr = getenv("NSQ_LOOKUP_HTTP_ADDR", c.NSQ.LookupHTTPAddr)
	c.NSQ.EventsTopic = getenv("NSQ_EVENTS_TOPIC", c.NSQ.EventsTopic)
	c.NSQ.DispatchChannel = getenv("NSQ_DISPATCH_CHANNEL", c.NSQ.DispatchChannel)
	c.NSQ.RegistryTopic = getenv("NSQ_REGISTRY_TOPIC", c.NSQ.RegistryTopic)
	c.NSQ.DLQTopic = getenv("NSQ_DLQ_TOPIC", c.NSQ.DLQTopic)
	c.NSQ.PublishDLQ = getenvBool("PUBLISH_DLQ_TOPIC", c.NSQ.PublishDLQ)
	c.NSQ.MaxAttempts = getenvInt("NSQ_MAX_ATTEMPTS", c.NSQ.MaxAttempts)
	c.NSQ.MaxInFlight = getenvInt("NSQ_MAX_IN_FLIGHT", c.NSQ.MaxInFlight)
	c.NSQ.StatsInterval = getenvDuration("NSQ_STATS_INTERVAL", c.NSQ.StatsInterval)
	c.NSQ.MonitorPort = getenv("NSQ_MONITOR_PORT", c.NSQ.MonitorPort)

	c.Redis.Addr = getenv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvInt("REDIS_DB", c.Redis.DB)

	c.Registry.MaxEndpointsPerScope = getenvInt("MAX_WEBHOOKS_PER_SCOPE", c.Registry.MaxEndpointsPerScope)
	c.Registry.CacheTTL = getenvDuration("REGISTRY_CACHE_TTL", c.Registry.CacheTTL)
	c.Registry.AllowPrivateTargets = getenvBool("ALLOW_PRIVATE_TARGETS", c.Registry.AllowPrivateTargets)

	c.Dispatcher.LookupAttempts = getenvInt("DISPATCH_LOOKUP_ATTEMPTS", c.Dispatcher.LookupAttempts)
	c.Dispatcher.LookupBackoff = getenvDuration("DISPATCH_LOOKUP_BACKOFF", c.Dispatcher.LookupBackoff)
	c.Dispatcher.ScopeFilter = getenvList("DISPATCH_SCOPE_FILTER", c.Dispatcher.ScopeFilter)

	c.Delivery.Workers = getenvInt("DELIVERY_WORKERS", c.Delivery.Workers)
	c.Delivery.Timeout = getenvDuration("DELIVERY_TIMEOUT", c.Delivery.Timeout)
	c.Delivery.MaxAttempts = getenvInt("MAX_ATTEMPTS", c.Delivery.MaxAttempts)
	c.Delivery.BackoffBase = getenvDuration("BACKOFF_BASE", c.Delivery.BackoffBase)
	c.Delivery.BackoffCap = getenvDuration("BACKOFF_CAP", c.Delivery.BackoffCap)
	c.Delivery.JitterPercent = getenvFloat("BACKOFF_JITTER_PCT", c.Delivery.JitterPercent)
	c.Delivery.CircuitBreakThreshold = getenvInt("CIRCUIT_BREAK_THRESHOLD", c.Delivery.CircuitBreakThreshold)
	c.Delivery.ResponseBodyLimit = getenvInt("RESPONSE_BODY_LIMIT", c.Delivery.ResponseBodyLimit)
	c.Delivery.SignatureTolerance = getenvDuration("SIGNATURE_TOLERANCE", c.Delivery.SignatureTolerance)
	c.Delivery.RecoverBatchSize = getenvInt("RECOVER_BATCH_SIZE", c.Delivery.RecoverBatchSize)
	c.Delivery.UserAgent = getenv("DELIVERY_USER_AGENT", c.Delivery.UserAgent)
	if v := os.Getenv("WORKER_HTTP_PORT"); v != "" {
		c.Delivery.HTTPPort = ":" + strings.TrimPrefix(v, ":")
	}

	c.RateLimit.Enabled = getenvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.PerWindow = getenvInt("RATE_LIMIT_PER_WINDOW", c.RateLimit.PerWindow)
	c.RateLimit.Window = getenvDuration("RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Auth.Disabled = getenvBool("AUTH_DISABLED", c.Auth.Disabled)
	c.Auth.JWTPublicKey = getenv("JWT_PUBLIC_KEY", c.Auth.JWTPublicKey)
	c.Auth.JWKSURL = getenv("JWKS_URL", c.Auth.JWKSURL)
	c.Auth.Issuer = getenv("JWT_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getenv("JWT_AUDIENCE", c.Auth.Audience)
	c.Auth.OIDCIssuer = getenv("OIDC_ISSUER", c.Auth.OIDCIssuer)
	c.Auth.OIDCClientID = getenv("OIDC_CLIENT_ID", c.Auth.OIDCClientID)
	c.Auth.OIDCScopeClaim = getenv("OIDC_SCOPE_CLAIM", c.Auth.OIDCScopeClaim)

	c.Logging.Level = getenv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getenv("LOG_OUTPUT", c.Logging.Output)
	c.Logging.FilePath = getenv("LOG_FILE_PATH", c.Logging.FilePath)
	c.Logging.MaxSizeMB = getenvInt("LOG_MAX_SIZE_MB", c.Logging.MaxSizeMB)
	c.Logging.MaxBackups = getenvInt("LOG_MAX_BACKUPS", c.Logging.MaxBackups)
	c.Logging.MaxAgeDays = getenvInt("LOG_MAX_AGE_DAYS", c.Logging.MaxAgeDays)
	c.Logging.Compress = getenvBool("LOG_COMPRESS", c.Logging.Compress)

	c.FakeReceiver.FailFirstN = getenvInt("FAIL_FIRST_N", c.FakeReceiver.FailFirstN)
	c.FakeReceiver.FailStatus = getenvInt("FAIL_STATUS", c.FakeReceiver.FailStatus)
	c.FakeReceiver.EndpointSecret = getenv("ENDPOINT_SECRET", c.FakeReceiver.EndpointSecret)
	c.FakeReceiver.SigningLeewaySeconds = getenvInt("SIGNING_LEEWAY_SECONDS", c.FakeReceiver.SigningLeewaySeconds)
	c.FakeReceiver.ResponseDelayMS = getenvInt("RESPONSE_DELAY_MS", c.FakeReceiver.ResponseDelayMS)
	c.FakeReceiver.Port = getenv("FAKE_RECEIVER_PORT", c.FakeReceiver.Port)
	c.FakeReceiver.ReadTimeout = getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", c.FakeReceiver.ReadTimeout)
	c.FakeReceiver.WriteTimeout = getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", c.FakeReceiver.WriteTimeout)
	c.FakeReceiver.IdleTimeout = getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", c.FakeReceiver.IdleTimeout)
}

// Validate rejects configurations the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("db.driver must be postgres or sqlite, got %q", c.DB.Driver))
	}
	if c.Delivery.Workers < 1 {
		errs = append(errs, errors.New("delivery.workers must be at least 1"))
	}
	if c.Delivery.MaxAttempts < 1 {
		errs = append(errs, errors.New("delivery.max_attempts must be at least 1"))
	}
	if c.Delivery.BackoffBase <= 0 || c.Delivery.BackoffCap < c.Delivery.BackoffBase {
		errs = append(errs, errors.New("delivery backoff requires 0 < base <= cap"))
	}
	if c.Delivery.JitterPercent < 0 || c.Delivery.JitterPercent > 1 {
		errs = append(errs, errors.New("delivery.jitter_percent must be within [0,1]"))
	}
	if c.Delivery.CircuitBreakThreshold < 1 {
		errs = append(errs, errors.New("delivery.circuit_break_threshold must be at least 1"))
	}
	if c.Registry.MaxEndpointsPerScope < 1 {
		errs = append(errs, errors.New("registry.max_endpoints_per_scope must be at least 1"))
	}
	if c.Dispatcher.LookupAttempts < 1 {
		errs = append(errs, errors.New("dispatcher.lookup_attempts must be at least 1"))
	}
	if c.RateLimit.Enabled && c.RateLimit.PerWindow < 1 {
		errs = append(errs, errors.New("rate_limit.per_window must be at least 1 when enabled"))
	}
	return errors.Join(errs...)
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
