package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings for locks and webhook deduplication.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig holds Kafka broker settings.
type KafkaConfig struct {
	Brokers     []string
	GroupPrefix string
}

// StripeConfig holds Stripe-specific configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// UseMock swaps the real Stripe gateway for the in-memory one.
	UseMock bool
}

// CallsUnderLease is the largest number of sequential gateway calls a single subscription
// operation makes while holding its lease (swap: retrieve, save and invoice).
const CallsUnderLease = 3

// GatewayConfig bounds every remote billing call.
type GatewayConfig struct {
	CallTimeout time.Duration
	MaxRetries  uint64
	BaseBackoff time.Duration
}

// Budget is the worst-case wall time of calls sequential gateway calls: every attempt runs
// to its timeout and every retry waits its full exponential backoff.
func (g GatewayConfig) Budget(calls int) time.Duration {
	attempts := time.Duration(g.MaxRetries+1) * g.CallTimeout
	var backoff time.Duration
	for i := uint64(0); i < g.MaxRetries; i++ {
		backoff += g.BaseBackoff << i
	}
	return time.Duration(calls) * (attempts + backoff)
}

// ServiceConfig holds all configuration for the subscription service.
type ServiceConfig struct {
	Port            string
	AppEnv          string
	DBConfig        DatabaseConfig
	RedisConfig     RedisConfig
	KafkaConfig     KafkaConfig
	StripeConfig    StripeConfig
	GatewayConfig   GatewayConfig
	LockTTL         time.Duration
	WebhookEventTTL time.Duration
	SweepInterval   time.Duration
}

// Load reads configuration from environment variables (and an optional config.yaml)
// and returns a ServiceConfig.
func Load() (*ServiceConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds a ServiceConfig from an already populated viper instance.
func FromViper(v *viper.Viper) (*ServiceConfig, error) {
	cfg := &ServiceConfig{
		Port:   servicePort(v.GetString("SERVICE_PORT")),
		AppEnv: v.GetString("APP_ENV"),
		DBConfig: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		RedisConfig: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		KafkaConfig: KafkaConfig{
			Brokers:     splitList(v.GetString("KAFKA_BROKERS")),
			GroupPrefix: v.GetString("KAFKA_GROUP_PREFIX"),
		},
		StripeConfig: loadStripeConfig(v),
		GatewayConfig: GatewayConfig{
			CallTimeout: v.GetDuration("GATEWAY_CALL_TIMEOUT"),
			MaxRetries:  v.GetUint64("GATEWAY_MAX_RETRIES"),
			BaseBackoff: v.GetDuration("GATEWAY_BASE_BACKOFF"),
		},
		LockTTL:         v.GetDuration("LOCK_TTL"),
		WebhookEventTTL: v.GetDuration("WEBHOOK_EVENT_TTL"),
		SweepInterval:   v.GetDuration("SWEEP_INTERVAL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DatabaseURL renders the connection URL used by the migration runner.
func (c DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// DSN renders the key/value connection string used by gorm.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func (c *ServiceConfig) validate() error {
	if !c.StripeConfig.UseMock && c.StripeConfig.SecretKey == "" {
		return errors.New("STRIPE_SECRET_KEY is required unless STRIPE_MOCK=true")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.WebhookEventTTL <= 0 {
		return fmt.Errorf("WEBHOOK_EVENT_TTL must be positive, got %s", c.WebhookEventTTL)
	}
	budget := c.GatewayConfig.Budget(CallsUnderLease)
	if c.LockTTL <= budget {
		return fmt.Errorf("LOCK_TTL (%s) must exceed the gateway budget (%s)", c.LockTTL, budget)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SERVICE_PORT", "8085")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "kilat_subscription")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_PREFIX", "kilat-")
	v.SetDefault("STRIPE_MOCK", true)
	v.SetDefault("GATEWAY_CALL_TIMEOUT", 10*time.Second)
	v.SetDefault("GATEWAY_MAX_RETRIES", 2)
	v.SetDefault("GATEWAY_BASE_BACKOFF", 200*time.Millisecond)
	v.SetDefault("LOCK_TTL", 2*time.Minute)
	v.SetDefault("WEBHOOK_EVENT_TTL", 72*time.Hour)
	v.SetDefault("SWEEP_INTERVAL", 15*time.Minute)
}

// loadStripeConfig extracts Stripe configuration from Viper.
func loadStripeConfig(v *viper.Viper) StripeConfig {
	return StripeConfig{
		SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
		WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
		UseMock:       v.GetBool("STRIPE_MOCK"),
	}
}

func servicePort(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
