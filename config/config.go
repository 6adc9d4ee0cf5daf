/*
config.go - Service configuration

PURPOSE:
  Reads the server's settings from an optional .env file and the process
  environment. Apart from JWT_SECRET every setting has a default: SQLite on
  disk, the in-process wallet rail, the logging notifier and the in-process
  locker. Local runs set AUTH_DISABLED instead of a secret.

SEE ALSO:
  - cmd/server/main.go: selects adapters from these settings
*/
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/warp/benefit-pool/generic"
)

// Rail names accepted in RAIL.
const (
	RailWallets  = "wallets"
	RailAttested = "attested"
)

// Config holds all the configuration variables for the server.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabasePath        string `mapstructure:"DATABASE_PATH"`
	Rail                string `mapstructure:"RAIL"`
	CurrencyUnit        string `mapstructure:"CURRENCY_UNIT"`
	JWTSecret           string `mapstructure:"JWT_SECRET"`
	AuthDisabled        bool   `mapstructure:"AUTH_DISABLED"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	EventsExchange      string `mapstructure:"EVENTS_EXCHANGE"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisLockPrefix     string `mapstructure:"REDIS_LOCK_PREFIX"`
	AutoApproveSchedule string `mapstructure:"AUTO_APPROVE_SCHEDULE"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	AllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	AdminIDs            string `mapstructure:"ADMIN_IDS"`
}

// LoadConfig reads configuration from an optional .env file in path and from
// environment variables, which take precedence.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_PATH", "benefit-pool.db")
	viper.SetDefault("RAIL", RailWallets)
	viper.SetDefault("CURRENCY_UNIT", string(generic.UnitNative))
	viper.SetDefault("AUTH_DISABLED", false)
	viper.SetDefault("EVENTS_EXCHANGE", "benefitpool.events")
	viper.SetDefault("REDIS_LOCK_PREFIX", "benefitpool:lock")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	for _, key := range []string{
		"SERVER_PORT", "DATABASE_PATH", "RAIL", "CURRENCY_UNIT", "JWT_SECRET",
		"AUTH_DISABLED", "RABBITMQ_URL", "EVENTS_EXCHANGE", "REDIS_URL",
		"REDIS_LOCK_PREFIX", "AUTO_APPROVE_SCHEDULE", "LOG_LEVEL", "CORS_ALLOWED_ORIGINS",
		"ADMIN_IDS",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	config.Rail = strings.ToLower(strings.TrimSpace(config.Rail))
	config.CurrencyUnit = strings.ToLower(strings.TrimSpace(config.CurrencyUnit))
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.AutoApproveSchedule = strings.TrimSpace(config.AutoApproveSchedule)

	return config, config.Validate()
}

// Validate checks settings that have a closed set of values.
func (c Config) Validate() error {
	switch c.Rail {
	case RailWallets, RailAttested:
	default:
		return fmt.Errorf("RAIL must be %q or %q, got %q", RailWallets, RailAttested, c.Rail)
	}
	if !c.Unit().Valid() {
		return fmt.Errorf("CURRENCY_UNIT must be %q or %q, got %q", generic.UnitNative, generic.UnitToken, c.CurrencyUnit)
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED is set")
	}
	return nil
}

// Unit returns the configured currency unit.
func (c Config) Unit() generic.Unit {
	return generic.Unit(c.CurrencyUnit)
}

// Origins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

// Admins splits ADMIN_IDS on commas. Only these callers may use the wallet
// admin routes.
func (c Config) Admins() []string {
	return splitList(c.AdminIDs)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
