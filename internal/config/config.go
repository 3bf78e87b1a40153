package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port     string
	LogLevel string

	// Database
	DBDriver     string
	SQLiteDBPath string
	DatabaseURL  string

	// Auth
	JWTSecret      string
	JWTAlgorithm   string
	AccessTokenTTL time.Duration

	// Rate limiting
	RateLimitCount   int
	RateLimitWindow  time.Duration
	RateLimitPaths   []string
	RateLimitBackend string
	RedisURL         string
	TrustedProxies   []string

	// AMQP (empty URL selects the polling transport)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Report jobs
	JobMaxAttempts    int
	JobBackoffBase    time.Duration
	JobBackoffMax     time.Duration
	JobBackoffJitter  bool
	WorkerConcurrency int
	JobPollInterval   time.Duration
	JobLease          time.Duration
	JobRetention      time.Duration

	// Delivery
	ReportChannel      string
	SMTPHost           string
	SMTPPort           int
	SMTPUsername       string
	SMTPPassword       string
	SMTPFrom           string
	DeliveryRatePerSec float64

	// Google Sheets channel
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

var (
	validDrivers    = []string{"sqlite", "postgres"}
	validAlgorithms = []string{"HS256", "HS384", "HS512"}
	validBackends   = []string{"memory", "redis"}
	validChannels   = []string{"log", "smtp", "sheets"}
)

func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8081"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBDriver:     getEnv("DB_DRIVER", "sqlite"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/outlay.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		JWTAlgorithm:   getEnv("JWT_ALGORITHM", "HS256"),
		AccessTokenTTL: getEnvDuration("ACCESS_TOKEN_TTL", 30*time.Minute),

		RateLimitCount:   getEnvInt("RATE_LIMIT_COUNT", 3),
		RateLimitWindow:  getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitPaths:   getEnvList("RATE_LIMIT_PATHS", []string{"/auth/token"}),
		RateLimitBackend: getEnv("RATE_LIMIT_BACKEND", "memory"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		TrustedProxies:   getEnvList("TRUSTED_PROXIES", nil),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "outlay"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "report_jobs"),

		JobMaxAttempts:    getEnvInt("JOB_MAX_ATTEMPTS", 5),
		JobBackoffBase:    getEnvDuration("JOB_BACKOFF_BASE", time.Second),
		JobBackoffMax:     getEnvDuration("JOB_BACKOFF_MAX", 10*time.Minute),
		JobBackoffJitter:  getEnvBool("JOB_BACKOFF_JITTER", true),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		JobPollInterval:   getEnvDuration("JOB_POLL_INTERVAL", 2*time.Second),
		JobLease:          getEnvDuration("JOB_LEASE", 5*time.Minute),
		JobRetention:      getEnvDuration("JOB_RETENTION", 7*24*time.Hour),

		ReportChannel:      getEnv("REPORT_CHANNEL", "log"),
		SMTPHost:           getEnv("SMTP_HOST", "smtp.gmail.com"),
		SMTPPort:           getEnvInt("SMTP_PORT", 587),
		SMTPUsername:       getEnv("SMTP_USERNAME", ""),
		SMTPPassword:       getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:           getEnv("SMTP_FROM", ""),
		DeliveryRatePerSec: getEnvFloat("DELIVERY_RATE_PER_SEC", 5),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:          getEnv("GOOGLE_SHEET_NAME", "Reports"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
	}
}

// Process selects the process-specific checks Validate applies on top of
// the shared database, AMQP and job settings.
type Process int

const (
	// ProcessAPI is the HTTP server: port, auth and rate limiting.
	ProcessAPI Process = iota
	// ProcessWorker is the report worker: delivery channel settings.
	ProcessWorker
)

// Validate validates the configuration for the given process and returns
// an error listing every problem found.
func (c *Config) Validate(p Process) error {
	errors := c.validateShared()
	switch p {
	case ProcessAPI:
		errors = append(errors, c.validateAPI()...)
	case ProcessWorker:
		errors = append(errors, c.validateWorker()...)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func (c *Config) validateShared() []string {
	var errors []string

	// Database
	switch c.DBDriver {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite driver")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required when using postgres driver")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid database driver '%s': must be one of %v", c.DBDriver, validDrivers))
	}

	// AMQP
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Jobs
	if c.JobMaxAttempts < 1 || c.JobMaxAttempts > 50 {
		errors = append(errors, fmt.Sprintf("invalid job max attempts %d: must be between 1 and 50", c.JobMaxAttempts))
	}
	if c.JobBackoffBase <= 0 {
		errors = append(errors, fmt.Sprintf("invalid job backoff base %v: must be positive", c.JobBackoffBase))
	}
	if c.JobBackoffMax < c.JobBackoffBase {
		errors = append(errors, fmt.Sprintf("invalid job backoff max %v: must not be below base %v", c.JobBackoffMax, c.JobBackoffBase))
	}
	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 256 {
		errors = append(errors, fmt.Sprintf("invalid worker concurrency %d: must be between 1 and 256", c.WorkerConcurrency))
	}
	if c.JobPollInterval < 100*time.Millisecond {
		errors = append(errors, fmt.Sprintf("invalid job poll interval %v: must be at least 100ms", c.JobPollInterval))
	}
	if c.JobLease < 10*time.Second {
		errors = append(errors, fmt.Sprintf("invalid job lease %v: must be at least 10 seconds", c.JobLease))
	}

	return errors
}

func (c *Config) validateAPI() []string {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Auth
	if len(c.JWTSecret) < 32 {
		errors = append(errors, "JWT secret must be at least 32 bytes")
	}
	if !slices.Contains(validAlgorithms, c.JWTAlgorithm) {
		errors = append(errors, fmt.Sprintf("invalid JWT algorithm '%s': must be one of %v", c.JWTAlgorithm, validAlgorithms))
	}
	if c.AccessTokenTTL < time.Minute || c.AccessTokenTTL > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid access token TTL %v: must be between 1 minute and 24 hours", c.AccessTokenTTL))
	}

	// Rate limiting
	if c.RateLimitCount < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit count %d: must be at least 1", c.RateLimitCount))
	}
	if c.RateLimitWindow < time.Second {
		errors = append(errors, fmt.Sprintf("invalid rate limit window %v: must be at least 1 second", c.RateLimitWindow))
	}
	if !slices.Contains(validBackends, c.RateLimitBackend) {
		errors = append(errors, fmt.Sprintf("invalid rate limit backend '%s': must be one of %v", c.RateLimitBackend, validBackends))
	}
	if c.RateLimitBackend == "redis" {
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errors = append(errors, fmt.Sprintf("invalid Redis URL '%s': must use redis:// or rediss://", c.RedisURL))
		}
	}
	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid trusted proxy CIDR '%s'", cidr))
		}
	}

	return errors
}

func (c *Config) validateWorker() []string {
	var errors []string

	// Delivery
	if !slices.Contains(validChannels, c.ReportChannel) {
		errors = append(errors, fmt.Sprintf("invalid report channel '%s': must be one of %v", c.ReportChannel, validChannels))
	}
	if c.ReportChannel == "smtp" {
		if c.SMTPHost == "" {
			errors = append(errors, "SMTP host is required when using smtp channel")
		}
		if c.SMTPPort < 1 || c.SMTPPort > 65535 {
			errors = append(errors, fmt.Sprintf("invalid SMTP port %d", c.SMTPPort))
		}
		if c.SMTPFrom == "" && c.SMTPUsername == "" {
			errors = append(errors, "either SMTP_FROM or SMTP_USERNAME must be provided for smtp channel")
		}
	}
	if c.ReportChannel == "sheets" {
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets channel")
		}
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE must be provided for sheets channel")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}
	if c.DeliveryRatePerSec <= 0 {
		errors = append(errors, fmt.Sprintf("invalid delivery rate %v: must be positive", c.DeliveryRatePerSec))
	}

	return errors
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
