package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPredictionURL = "http://127.0.0.1:5000/predict"

type Config struct {
	Host              string        `yaml:"host"`
	Port              string        `yaml:"port"`
	PredictionURL     string        `yaml:"prediction_url"`
	PredictionTimeout time.Duration `yaml:"prediction_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	SubmitWait        time.Duration `yaml:"submit_wait"`
	MaxUploadSize     int64         `yaml:"max_upload_size"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	OTLPEndpoint      string        `yaml:"otlp_endpoint"`
	ServiceName       string        `yaml:"service_name"`
	LogLevel          string        `yaml:"log_level"`
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              "8080",
		PredictionURL:     DefaultPredictionURL,
		PredictionTimeout: 30 * time.Second,
		RequestTimeout:    30 * time.Second,
		SubmitWait:        25 * time.Second,
		MaxUploadSize:     10 * 1024 * 1024, // 10MB
		SessionTTL:        30 * time.Minute,
		ServiceName:       "plantmeds",
		LogLevel:          "info",
	}
}

// LoadFromEnv builds the configuration from defaults, then the YAML file named
// by CONFIG_FILE (if any), then environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Host = getEnvOrDefault("HOST", cfg.Host)
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.PredictionURL = getEnvOrDefault("PREDICTION_URL", cfg.PredictionURL)
	cfg.PredictionTimeout = parseDurationOrDefault("PREDICTION_TIMEOUT", cfg.PredictionTimeout)
	cfg.RequestTimeout = parseDurationOrDefault("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.SubmitWait = parseDurationOrDefault("SUBMIT_WAIT", cfg.SubmitWait)
	cfg.MaxUploadSize = parseIntOrDefault("MAX_UPLOAD_SIZE", cfg.MaxUploadSize)
	cfg.SessionTTL = parseDurationOrDefault("SESSION_TTL", cfg.SessionTTL)
	cfg.OTLPEndpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.ServiceName = getEnvOrDefault("OTEL_SERVICE_NAME", cfg.ServiceName)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and the prediction endpoint
func (c *Config) Validate() error {
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	u, err := url.Parse(strings.TrimSpace(c.PredictionURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid PREDICTION_URL: %q", c.PredictionURL)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be > 0 (got %d)", c.MaxUploadSize)
	}
	if c.PredictionTimeout <= 0 || c.RequestTimeout <= 0 || c.SubmitWait <= 0 || c.SessionTTL <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got prediction=%s, request=%s, submit_wait=%s, session_ttl=%s)",
			c.PredictionTimeout, c.RequestTimeout, c.SubmitWait, c.SessionTTL)
	}
	return nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
