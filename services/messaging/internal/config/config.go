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

// ConfigPath is the default config file location relative to the working
// directory of the messaging binary.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	IdentityJWKSURL string `yaml:"identityJwksURL"`
	JWTIssuer       string `yaml:"jwtIssuer"`
	JWTAudience     string `yaml:"jwtAudience"`
	JWTLeeway       string `yaml:"jwtLeeway"`

	InternalJWTPublicKeyPath    string `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTKeyID            string `yaml:"internalJwtKeyId"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	MessageRateLimitPerMinute int `yaml:"messageRateLimitPerMinute"`

	ModerationQueueName  string `yaml:"moderationQueueName"`
	ModerationQueueGroup string `yaml:"moderationQueueGroup"`
	QueueConcurrency     int    `yaml:"queueConcurrency"`
	QueueMaxRetries      int    `yaml:"queueMaxRetries"`

	WSInsecureOrigin bool     `yaml:"wsInsecureOrigin"`
	TrustedProxies   []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("IDENTITY_JWKS_URL"); v != "" {
		cfg.IdentityJWKSURL = v
	}
	if v := os.Getenv("AUTOVISION_INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("AUTOVISION_INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
	}
	if v := os.Getenv("AUTOVISION_INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MESSAGING_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MESSAGING_MODERATION_QUEUE_NAME"); v != "" {
		cfg.ModerationQueueName = v
	}
	if v := os.Getenv("MESSAGING_MODERATION_QUEUE_GROUP"); v != "" {
		cfg.ModerationQueueGroup = v
	}
	if v := os.Getenv("MESSAGING_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("MESSAGING_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("MESSAGING_WS_INSECURE_ORIGIN"); v != "" {
		if insecure, err := strconv.ParseBool(v); err == nil {
			cfg.WSInsecureOrigin = insecure
		}
	}
	if cfg.ModerationQueueName == "" {
		cfg.ModerationQueueName = "moderation:events"
	}
	if cfg.ModerationQueueGroup == "" {
		cfg.ModerationQueueGroup = "messaging"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseJWTLeeway parses the configured leeway duration, defaulting to 30s.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse jwtLeeway: %w", err)
	}
	if d < 0 {
		return 0, errors.New("jwtLeeway must be >= 0")
	}
	return d, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.IdentityJWKSURL == "" {
		return errors.New("config: identityJwksURL is required (set in config.yaml or IDENTITY_JWKS_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.MessageRateLimitPerMinute < 0 {
		return errors.New("config: messageRateLimitPerMinute must be >= 0")
	}
	if cfg.QueueConcurrency < 0 {
		return errors.New("config: queueConcurrency must be >= 0")
	}
	if cfg.QueueMaxRetries < 0 {
		return errors.New("config: queueMaxRetries must be >= 0")
	}
	return nil
}
