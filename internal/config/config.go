/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: exact parsing of the allocation tuning ratios.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	WorkingStoreDirect = "direct"
	WorkingStoreRedis  = "redis"
)

var (
	defaultAverageMultiplier = decimal.NewFromInt(2)
	defaultCeilingRatio      = decimal.RequireFromString("0.9")
)

// Config holds all the configuration variables for the packet service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	AutoMigrate                 bool   `mapstructure:"AUTO_MIGRATE"`
	StoreDriver                 string `mapstructure:"STORE_DRIVER"`
	WorkingStore                string `mapstructure:"WORKING_STORE"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix              string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	EventExchange               string `mapstructure:"EVENT_EXCHANGE"`
	FundingEventQueue           string `mapstructure:"FUNDING_EVENT_QUEUE"`
	OutboxPath                  string `mapstructure:"OUTBOX_PATH"`
	JWKSURL                     string `mapstructure:"JWKS_URL"`
	JWTAudience                 string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                   string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	IdentityServiceURL          string `mapstructure:"IDENTITY_SERVICE_URL"`
	PacketMaxShares             int    `mapstructure:"PACKET_MAX_SHARES"`
	PacketDefaultTTLMinutes     int    `mapstructure:"PACKET_DEFAULT_TTL_MINUTES"`
	ClaimTimeoutMS              int    `mapstructure:"CLAIM_TIMEOUT_MS"`
	ExpirySchedule              string `mapstructure:"EXPIRY_SCHEDULE"`
	ExpiryBatchSize             int    `mapstructure:"EXPIRY_BATCH_SIZE"`
	ReconcileIntervalMS         int    `mapstructure:"RECONCILE_INTERVAL_MS"`
	ReconcileBatchSize          int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	ReconcileSettleAfterSeconds int    `mapstructure:"RECONCILE_SETTLE_AFTER_SECONDS"`

	// Parsed from RANDOM_AVERAGE_MULTIPLIER, RANDOM_CEILING_RATIO and PACKET_MAX_AMOUNT.
	RandomAverageMultiplier decimal.Decimal `mapstructure:"-"`
	RandomCeilingRatio      decimal.Decimal `mapstructure:"-"`
	// PacketMaxAmount is zero when no per-packet ceiling is configured.
	PacketMaxAmount decimal.Decimal `mapstructure:"-"`
}

func (c Config) PacketDefaultTTL() time.Duration {
	return time.Duration(c.PacketDefaultTTLMinutes) * time.Minute
}

func (c Config) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutMS) * time.Millisecond
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMS) * time.Millisecond
}

func (c Config) ReconcileSettleAfter() time.Duration {
	return time.Duration(c.ReconcileSettleAfterSeconds) * time.Second
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("AUTO_MIGRATE", true)
	viper.SetDefault("WORKING_STORE", WorkingStoreDirect)
	viper.SetDefault("REDIS_KEY_PREFIX", "hongbao")
	viper.SetDefault("EVENT_EXCHANGE", "packet_events")
	viper.SetDefault("FUNDING_EVENT_QUEUE", "packet_service.funding_events")
	viper.SetDefault("RANDOM_AVERAGE_MULTIPLIER", "2")
	viper.SetDefault("RANDOM_CEILING_RATIO", "0.9")
	viper.SetDefault("PACKET_MAX_SHARES", 100)
	viper.SetDefault("PACKET_DEFAULT_TTL_MINUTES", 1440)
	viper.SetDefault("CLAIM_TIMEOUT_MS", 3000)
	viper.SetDefault("EXPIRY_SCHEDULE", "@every 30s")
	viper.SetDefault("EXPIRY_BATCH_SIZE", 200)
	viper.SetDefault("RECONCILE_INTERVAL_MS", 2000)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)
	viper.SetDefault("RECONCILE_SETTLE_AFTER_SECONDS", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("WORKING_STORE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PACKET_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("FUNDING_EVENT_QUEUE")
	_ = viper.BindEnv("OUTBOX_PATH")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PACKET_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("IDENTITY_SERVICE_URL")
	_ = viper.BindEnv("RANDOM_AVERAGE_MULTIPLIER")
	_ = viper.BindEnv("RANDOM_CEILING_RATIO")
	_ = viper.BindEnv("PACKET_MAX_SHARES")
	_ = viper.BindEnv("PACKET_DEFAULT_TTL_MINUTES")
	_ = viper.BindEnv("PACKET_MAX_AMOUNT")
	_ = viper.BindEnv("CLAIM_TIMEOUT_MS")
	_ = viper.BindEnv("EXPIRY_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_INTERVAL_MS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_SETTLE_AFTER_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "hongbao"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	case "":
		if config.DatabaseURL == "" {
			config.StoreDriver = StoreDriverMemory
		} else {
			config.StoreDriver = StoreDriverPostgres
		}
	default:
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.WorkingStore = strings.ToLower(strings.TrimSpace(config.WorkingStore))
	if config.WorkingStore != WorkingStoreDirect && config.WorkingStore != WorkingStoreRedis {
		log.Printf("level=warn component=config msg=\"unknown WORKING_STORE; using direct\" value=%q", config.WorkingStore)
		config.WorkingStore = WorkingStoreDirect
	}

	config.RandomAverageMultiplier = parsePositiveDecimal("RANDOM_AVERAGE_MULTIPLIER", defaultAverageMultiplier)
	config.RandomCeilingRatio = parsePositiveDecimal("RANDOM_CEILING_RATIO", defaultCeilingRatio)
	if config.RandomCeilingRatio.GreaterThan(decimal.NewFromInt(1)) {
		log.Printf("level=warn component=config msg=\"RANDOM_CEILING_RATIO above 1; using default\" value=%s", config.RandomCeilingRatio)
		config.RandomCeilingRatio = defaultCeilingRatio
	}
	config.PacketMaxAmount = parsePositiveDecimal("PACKET_MAX_AMOUNT", decimal.Zero)

	if config.PacketMaxShares <= 0 {
		config.PacketMaxShares = 100
	}
	if config.PacketDefaultTTLMinutes <= 0 {
		config.PacketDefaultTTLMinutes = 1440
	}
	if config.ClaimTimeoutMS <= 0 {
		config.ClaimTimeoutMS = 3000
	}
	if strings.TrimSpace(config.ExpirySchedule) == "" {
		config.ExpirySchedule = "@every 30s"
	}
	if config.ExpiryBatchSize <= 0 {
		config.ExpiryBatchSize = 200
	}
	if config.ReconcileIntervalMS <= 0 {
		config.ReconcileIntervalMS = 2000
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 100
	}
	if config.ReconcileSettleAfterSeconds < 0 {
		config.ReconcileSettleAfterSeconds = 30
	}

	return
}

// parsePositiveDecimal reads key as a decimal and falls back when it is unset, malformed
// or not positive.
func parsePositiveDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q err=%v", key, raw, err)
		return fallback
	}
	if !value.IsPositive() {
		log.Printf("level=warn component=config msg=\"non-positive %s; using default\" value=%q", key, raw)
		return fallback
	}
	return value
}
