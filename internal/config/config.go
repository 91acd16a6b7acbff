package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	TLSCertFile string
	TLSKeyFile  string
	LogLevel    slog.Level
	LogFormat   string

	DBAdapter     string
	SQLiteFile    string
	MigrationsDir string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	Notifier            string
	TelegramToken       string
	TelegramAPIEndpoint string

	// Approval policy
	Timeout                 time.Duration
	AutoRegisterEnabled     bool
	BypassEnabled           bool
	AllowOnTransportFailure bool
	RateCapPerSecond        int
	ClearDelay              time.Duration
	ReaperInterval          time.Duration
	MaxPending              int

	GatewayRateLimitPerMinute int
	HTTPReadTimeout           time.Duration
	HTTPWriteTimeout          time.Duration
	ShutdownTimeout           time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (use 30s, 1m)", key, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be > 0", key)
	}
	return d, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func New() (*Config, error) {
	c := &Config{
		Port:        getenv("PORT", "5000"),
		TLSCertFile: getenv("TLS_CERT_FILE", ""),
		TLSKeyFile:  getenv("TLS_KEY_FILE", ""),
		LogFormat:   getenv("LOG_FORMAT", "json"),

		DBAdapter:     getenv("DB_ADAPTER", "sqlite"),
		SQLiteFile:    getenv("SQLITE_FILE", "/opt/db/users.db"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./migrations"),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "pushgate")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "pushgate")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		Notifier:            strings.ToLower(getenv("NOTIFIER", "telegram")),
		TelegramToken:       getenv("TELEGRAM_TOKEN", ""),
		TelegramAPIEndpoint: getenv("TELEGRAM_API_ENDPOINT", "https://api.telegram.org/bot%s/%s"),
	}

	var err error
	c.LogLevel, err = parseLogLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT: unsupported format %q (json, text)", c.LogFormat)
	}

	timeoutSeconds, err := getenvInt("TIMEOUT_SECONDS", 20)
	if err != nil {
		return nil, err
	}
	if timeoutSeconds < 5 || timeoutSeconds > 300 {
		return nil, fmt.Errorf("TIMEOUT_SECONDS: %d out of range 5..300", timeoutSeconds)
	}
	c.Timeout = time.Duration(timeoutSeconds) * time.Second

	if c.AutoRegisterEnabled, err = getenvBool("AUTO_REGISTER_ENABLED", false); err != nil {
		return nil, err
	}
	if c.BypassEnabled, err = getenvBool("BYPASS_ENABLED", false); err != nil {
		return nil, err
	}
	if c.AllowOnTransportFailure, err = getenvBool("ALLOW_ON_TRANSPORT_FAILURE", false); err != nil {
		return nil, err
	}
	if c.RateCapPerSecond, err = getenvInt("RATE_CAP_PER_SECOND", 28); err != nil {
		return nil, err
	}
	if c.RateCapPerSecond <= 0 {
		return nil, fmt.Errorf("RATE_CAP_PER_SECOND: must be > 0")
	}
	if c.ClearDelay, err = getenvDuration("CLEAR_DELAY", time.Second); err != nil {
		return nil, err
	}
	if c.ReaperInterval, err = getenvDuration("REAPER_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.MaxPending, err = getenvInt("MAX_PENDING", 10000); err != nil {
		return nil, err
	}
	// off by default: the RD gateway is usually one client IP carrying every login
	if c.GatewayRateLimitPerMinute, err = getenvInt("GATEWAY_RATE_LIMIT_PER_MINUTE", 0); err != nil {
		return nil, err
	}
	if c.HTTPReadTimeout, err = getenvDuration("HTTP_READ_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	// authenticate blocks for up to Timeout, the write deadline has to outlast it
	if c.HTTPWriteTimeout, err = getenvDuration("HTTP_WRITE_TIMEOUT", c.Timeout+15*time.Second); err != nil {
		return nil, err
	}
	if c.HTTPWriteTimeout <= c.Timeout {
		return nil, fmt.Errorf("HTTP_WRITE_TIMEOUT: must exceed TIMEOUT_SECONDS (%s)", c.Timeout)
	}
	if c.ShutdownTimeout, err = getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.Notifier {
	case "telegram":
		if c.TelegramToken == "" {
			return nil, errors.New("TELEGRAM_TOKEN must be set when NOTIFIER=telegram")
		}
	case "log":
	default:
		return nil, fmt.Errorf("unsupported NOTIFIER: %s (supported: telegram, log)", c.Notifier)
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return nil, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}

// SetupLogger builds the process logger and installs it as the slog default.
func SetupLogger(c *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}

	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q (debug, info, warn, error)", level)
	}
}
