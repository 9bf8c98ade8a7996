package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Permits       PermitsConfig
	Expiry        ExpiryConfig
	Notifications NotificationsConfig
	Cache         CacheConfig
	Attachments   AttachmentsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// PermitsConfig governs permit issuance defaults.
type PermitsConfig struct {
	SerialPrefix    string
	DefaultValidity time.Duration
	MaxValidity     time.Duration
	MaxExtension    time.Duration
}

// ExpiryConfig controls the background expiry sweep.
type ExpiryConfig struct {
	Enabled       bool
	SweepInterval time.Duration
	BatchSize     int
}

// NotificationsConfig tunes the fire-and-forget transition notifier.
type NotificationsConfig struct {
	Enabled    bool
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// CacheConfig governs read-side caching for permit queries.
type CacheConfig struct {
	Enabled   bool
	PermitTTL time.Duration
}

// AttachmentsConfig controls permit evidence uploads.
type AttachmentsConfig struct {
	Dir           string
	MaxSizeBytes  int64
	SigningSecret string
	URLTTL        time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Permits = PermitsConfig{
		SerialPrefix:    v.GetString("PERMIT_SERIAL_PREFIX"),
		DefaultValidity: parseDuration(v.GetString("PERMIT_DEFAULT_VALIDITY"), 8*time.Hour),
		MaxValidity:     parseDuration(v.GetString("PERMIT_MAX_VALIDITY"), 7*24*time.Hour),
		MaxExtension:    parseDuration(v.GetString("PERMIT_MAX_EXTENSION"), 48*time.Hour),
	}

	cfg.Expiry = ExpiryConfig{
		Enabled:       v.GetBool("ENABLE_EXPIRY_SWEEP"),
		SweepInterval: parseDuration(v.GetString("EXPIRY_SWEEP_INTERVAL"), 5*time.Minute),
		BatchSize:     v.GetInt("EXPIRY_SWEEP_BATCH_SIZE"),
	}

	cfg.Notifications = NotificationsConfig{
		Enabled:    v.GetBool("ENABLE_NOTIFICATIONS"),
		Workers:    v.GetInt("NOTIFICATION_WORKERS"),
		MaxRetries: v.GetInt("NOTIFICATION_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("NOTIFICATION_RETRY_DELAY"), 5*time.Second),
	}

	cfg.Cache = CacheConfig{
		Enabled:   v.GetBool("ENABLE_PERMIT_CACHE"),
		PermitTTL: parseDuration(v.GetString("PERMIT_CACHE_TTL"), 30*time.Second),
	}

	cfg.Attachments = AttachmentsConfig{
		Dir:           v.GetString("ATTACHMENT_DIR"),
		MaxSizeBytes:  v.GetInt64("ATTACHMENT_MAX_SIZE_BYTES"),
		SigningSecret: v.GetString("ATTACHMENT_SIGNING_SECRET"),
		URLTTL:        parseDuration(v.GetString("ATTACHMENT_URL_TTL"), 15*time.Minute),
	}
	if cfg.Attachments.SigningSecret == "" {
		cfg.Attachments.SigningSecret = cfg.JWT.Secret
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "eptw")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("PERMIT_SERIAL_PREFIX", "PTW")
	v.SetDefault("PERMIT_DEFAULT_VALIDITY", "8h")
	v.SetDefault("PERMIT_MAX_VALIDITY", "168h")
	v.SetDefault("PERMIT_MAX_EXTENSION", "48h")

	v.SetDefault("ENABLE_EXPIRY_SWEEP", true)
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "5m")
	v.SetDefault("EXPIRY_SWEEP_BATCH_SIZE", 100)

	v.SetDefault("ENABLE_NOTIFICATIONS", false)
	v.SetDefault("NOTIFICATION_WORKERS", 1)
	v.SetDefault("NOTIFICATION_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_RETRY_DELAY", "5s")

	v.SetDefault("ENABLE_PERMIT_CACHE", false)
	v.SetDefault("PERMIT_CACHE_TTL", "30s")

	v.SetDefault("ATTACHMENT_DIR", "./attachments")
	v.SetDefault("ATTACHMENT_MAX_SIZE_BYTES", 10<<20)
	v.SetDefault("ATTACHMENT_SIGNING_SECRET", "")
	v.SetDefault("ATTACHMENT_URL_TTL", "15m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
