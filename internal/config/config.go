// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, rate limiting, negotiation rules, the real-time channel,
// the OTP gate and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StorageConfig selects the relational store.
type StorageConfig struct {
	Driver string // sqlite|mysql
	Path   string // SQLite file
	DSN    string // MySQL DSN
}

// NegotiationConfig tunes proposal validation and history.
type NegotiationConfig struct {
	PortsFile       string   // PORTS_FILE
	Ports           []string // loaded from PortsFile; empty means built-in catalog
	MinDownPayment  float64  // percent
	MaxContentRunes int
	HistoryLimit    int
}

// RealtimeConfig tunes live sessions and the optional NATS bridge.
type RealtimeConfig struct {
	TypingThrottle    time.Duration
	TypingTTL         time.Duration
	SendBuffer        int
	PollIntervalHint  time.Duration
	ReconnectHint     time.Duration
	NATSURL           string
	NATSSubjectPrefix string
}

// SMTPConfig configures OTP mail delivery. An empty Host logs codes instead.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Domain   string // appended to user ids that are not addresses
}

// RedisConfig points at the OTP challenge store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// OTPConfig configures the confirmation gate.
type OTPConfig struct {
	Length         int
	TTL            time.Duration
	MaxAttempts    int
	ResendInterval time.Duration
	Secret         string
	Store          string // memory|redis
	Redis          RedisConfig
	SMTP           SMTPConfig
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	ShutdownTimeout   time.Duration

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes
	GzipEnabled    bool

	Storage StorageConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Identity: HS256 bearer tokens when set, X-User-ID otherwise.
	JWTSecret string

	Negotiation NegotiationConfig
	Realtime    RealtimeConfig
	OTP         OTPConfig

	// JanitorSchedule is a cron spec for housekeeping.
	JanitorSchedule string

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 10*time.Second),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		GzipEnabled:    getbool("GZIP_ENABLED", true),

		Storage: StorageConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "negotiator.db"),
			DSN:    getenv("DB_DSN", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		JWTSecret:      getenv("JWT_SECRET", ""),

		Negotiation: NegotiationConfig{
			PortsFile:       getenv("PORTS_FILE", ""),
			MinDownPayment:  getfloat("MIN_DOWNPAYMENT_PERCENT", 10),
			MaxContentRunes: getint("MAX_CONTENT_RUNES", 2000),
			HistoryLimit:    getint("HISTORY_LIMIT", 500),
		},

		Realtime: RealtimeConfig{
			TypingThrottle:    getdur("TYPING_THROTTLE", 800*time.Millisecond),
			TypingTTL:         getdur("TYPING_TTL", 2*time.Second),
			SendBuffer:        getint("WS_SEND_BUFFER", 64),
			PollIntervalHint:  getdur("POLL_INTERVAL_HINT", 5*time.Second),
			ReconnectHint:     getdur("RECONNECT_HINT", 2*time.Second),
			NATSURL:           getenv("NATS_URL", ""),
			NATSSubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "negotiation.events"),
		},

		OTP: OTPConfig{
			Length:         getint("OTP_LENGTH", 6),
			TTL:            getdur("OTP_TTL", 5*time.Minute),
			MaxAttempts:    getint("OTP_MAX_ATTEMPTS", 5),
			ResendInterval: getdur("OTP_RESEND_INTERVAL", 30*time.Second),
			Secret:         getenv("OTP_SECRET", ""),
			Store:          strings.ToLower(getenv("OTP_STORE", "memory")),
			Redis: RedisConfig{
				Addr:     getenv("REDIS_ADDR", "localhost:6379"),
				Password: getenv("REDIS_PASSWORD", ""),
				DB:       getint("REDIS_DB", 0),
			},
			SMTP: SMTPConfig{
				Host:     getenv("SMTP_HOST", ""),
				Port:     getint("SMTP_PORT", 587),
				Username: getenv("SMTP_USERNAME", ""),
				Password: getenv("SMTP_PASSWORD", ""),
				From:     getenv("SMTP_FROM", ""),
				Domain:   getenv("OTP_EMAIL_DOMAIN", ""),
			},
		},

		JanitorSchedule: getenv("JANITOR_SCHEDULE", "@every 1m"),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "negotiator"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.Realtime.NATSSubjectPrefix = strings.TrimSuffix(strings.TrimSpace(cfg.Realtime.NATSSubjectPrefix), ".")

	// --- validation ---
	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	if cfg.Negotiation.PortsFile != "" {
		ports, err := LoadPorts(cfg.Negotiation.PortsFile)
		if err != nil {
			return cfg, err
		}
		cfg.Negotiation.Ports = ports
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be > 0")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "mysql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("DB_DSN is required when DB_DRIVER=mysql")
		}
	default:
		return errors.New("DB_DRIVER must be sqlite or mysql")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Negotiation.MinDownPayment < 0 || cfg.Negotiation.MinDownPayment > 100 {
		return errors.New("MIN_DOWNPAYMENT_PERCENT must be between 0 and 100")
	}
	if cfg.Negotiation.MaxContentRunes < 1 {
		return errors.New("MAX_CONTENT_RUNES must be >= 1")
	}
	if cfg.Negotiation.HistoryLimit < 1 {
		return errors.New("HISTORY_LIMIT must be >= 1")
	}
	if cfg.Realtime.TypingThrottle <= 0 || cfg.Realtime.TypingTTL <= 0 {
		return errors.New("TYPING_THROTTLE and TYPING_TTL must be positive durations")
	}
	if cfg.Realtime.SendBuffer < 1 {
		return errors.New("WS_SEND_BUFFER must be >= 1")
	}
	if cfg.Realtime.PollIntervalHint <= 0 || cfg.Realtime.ReconnectHint <= 0 {
		return errors.New("POLL_INTERVAL_HINT and RECONNECT_HINT must be positive durations")
	}
	if cfg.OTP.Length < 4 || cfg.OTP.Length > 10 {
		return errors.New("OTP_LENGTH must be between 4 and 10")
	}
	if cfg.OTP.TTL <= 0 {
		return errors.New("OTP_TTL must be > 0")
	}
	if cfg.OTP.MaxAttempts < 1 {
		return errors.New("OTP_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.OTP.ResendInterval < 0 {
		return errors.New("OTP_RESEND_INTERVAL must be >= 0")
	}
	switch cfg.OTP.Store {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.OTP.Redis.Addr) == "" {
			return errors.New("REDIS_ADDR is required when OTP_STORE=redis")
		}
	default:
		return errors.New("OTP_STORE must be memory or redis")
	}
	if cfg.OTP.SMTP.Host != "" && (cfg.OTP.SMTP.Port <= 0 || cfg.OTP.SMTP.From == "") {
		return errors.New("SMTP_PORT and SMTP_FROM are required when SMTP_HOST is set")
	}
	if strings.TrimSpace(cfg.JanitorSchedule) == "" {
		return errors.New("JANITOR_SCHEDULE must not be empty")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// portsFile accepts either a bare YAML list or a mapping with a ports key.
type portsFile struct {
	Ports []string `yaml:"ports"`
}

// LoadPorts reads the loading-port catalog from a YAML file.
func LoadPorts(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ports file: %w", err)
	}
	var list []string
	if err := yaml.Unmarshal(b, &list); err != nil {
		var doc portsFile
		if err2 := yaml.Unmarshal(b, &doc); err2 != nil {
			return nil, fmt.Errorf("parse ports file %s: %w", path, err2)
		}
		list = doc.Ports
	}
	out := make([]string, 0, len(list))
	for _, p := range list {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ports file %s lists no ports", path)
	}
	return out, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
