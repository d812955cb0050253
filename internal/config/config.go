package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	ExpirySchedule            string        `mapstructure:"EXPIRY_SCHEDULE"`
	ReservationHold           time.Duration `mapstructure:"RESERVATION_HOLD"`
	ReservationGrace          time.Duration `mapstructure:"RESERVATION_GRACE"`
	HighOccupancyThreshold    float64       `mapstructure:"HIGH_OCCUPANCY_THRESHOLD"`
	CapacityShortageThreshold float64       `mapstructure:"CAPACITY_SHORTAGE_THRESHOLD"`
	CleaningEstimate          time.Duration `mapstructure:"CLEANING_ESTIMATE"`
	SnapshotCacheTTL          time.Duration `mapstructure:"SNAPSHOT_CACHE_TTL"`

	CollabTimeout time.Duration `mapstructure:"COLLAB_TIMEOUT"`
	CollabRetries int           `mapstructure:"COLLAB_RETRIES"`
	CollabToken   string        `mapstructure:"COLLAB_TOKEN"`
	BillingURL    string        `mapstructure:"BILLING_URL"`
	NotifyURL     string        `mapstructure:"NOTIFY_URL"`
	EquipmentURL  string        `mapstructure:"EQUIPMENT_URL"`
	StaffURL      string        `mapstructure:"STAFF_URL"`
	ClearanceURL  string        `mapstructure:"CLEARANCE_URL"`

	NotifyMaxAttempts   int           `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	NotifyRetryInterval time.Duration `mapstructure:"NOTIFY_RETRY_INTERVAL"`

	MQTTBrokerURL   string `mapstructure:"MQTT_BROKER_URL"`
	MQTTClientID    string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername    string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword    string `mapstructure:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `mapstructure:"MQTT_TOPIC_PREFIX"`
}

var defaults = map[string]interface{}{
	"PORT":                        "8000",
	"ENV":                         "development",
	"STORE":                       StoreMemory,
	"DB_MAX_CONNS":                20,
	"DB_MIN_CONNS":                2,
	"CORS_ORIGINS":                "http://localhost:3000",
	"RATE_LIMIT_RPS":              100,
	"RATE_LIMIT_BURST":            200,
	"REQUEST_TIMEOUT":             "30s",
	"EXPIRY_SCHEDULE":             "@every 45s",
	"RESERVATION_HOLD":            "4h",
	"RESERVATION_GRACE":           "30m",
	"HIGH_OCCUPANCY_THRESHOLD":    0.85,
	"CAPACITY_SHORTAGE_THRESHOLD": 0.95,
	"CLEANING_ESTIMATE":           "45m",
	"SNAPSHOT_CACHE_TTL":          "15s",
	"COLLAB_TIMEOUT":              "5s",
	"COLLAB_RETRIES":              2,
	"NOTIFY_MAX_ATTEMPTS":         5,
	"NOTIFY_RETRY_INTERVAL":       "30s",
	"MQTT_CLIENT_ID":              "bedflow",
	"MQTT_TOPIC_PREFIX":           "bedflow",
}

var envKeys = []string{
	"DATABASE_URL", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"COLLAB_TOKEN", "BILLING_URL", "NOTIFY_URL", "EQUIPMENT_URL", "STAFF_URL", "CLEARANCE_URL",
	"MQTT_BROKER_URL", "MQTT_USERNAME", "MQTT_PASSWORD",
}

// Load reads .env (if present) and the environment. It does not validate;
// call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	var origins []string
	for _, o := range cfg.CORSOrigins {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	cfg.CORSOrigins = origins
	cfg.Store = strings.ToLower(cfg.Store)
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) UsesPostgres() bool {
	return c.Store == StorePostgres
}

// Validate checks that the settings can run together.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=postgres")
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}

	if c.HighOccupancyThreshold <= 0 || c.HighOccupancyThreshold > 1 {
		return fmt.Errorf("HIGH_OCCUPANCY_THRESHOLD must be in (0,1], got %v", c.HighOccupancyThreshold)
	}
	if c.CapacityShortageThreshold <= 0 || c.CapacityShortageThreshold > 1 {
		return fmt.Errorf("CAPACITY_SHORTAGE_THRESHOLD must be in (0,1], got %v", c.CapacityShortageThreshold)
	}
	if c.CapacityShortageThreshold < c.HighOccupancyThreshold {
		return fmt.Errorf("CAPACITY_SHORTAGE_THRESHOLD (%v) must not be below HIGH_OCCUPANCY_THRESHOLD (%v)",
			c.CapacityShortageThreshold, c.HighOccupancyThreshold)
	}

	if c.ReservationHold <= 0 {
		return fmt.Errorf("RESERVATION_HOLD must be positive")
	}
	if c.ReservationGrace <= 0 {
		return fmt.Errorf("RESERVATION_GRACE must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (ENV=%q); "+
			"refusing to start without authentication", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ISSUER is set without AUTH_SIGNING_KEY")
	}
	return nil
}
