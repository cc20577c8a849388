package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DBConfig        `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Payment   PaymentConfig   `yaml:"payment"`
	Routing   RoutingConfig   `yaml:"routing"`
	Auth      AuthConfig      `yaml:"auth"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DBConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type EventsConfig struct {
	Bus          string        `yaml:"bus"` // amqp | kafka | none
	AMQPURL      string        `yaml:"amqp_url"`
	Exchange     string        `yaml:"exchange"`
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	RelayBatch   int           `yaml:"relay_batch"`
	RelayEvery   time.Duration `yaml:"relay_every"`
}

// PricingConfig holds the base price table keyed by booking type.
type PricingConfig struct {
	BasePrices        map[string]float64 `yaml:"base_prices"`
	PerKmRate         float64            `yaml:"per_km_rate"`
	DownpaymentRatio  float64            `yaml:"downpayment_ratio"`
	DownpaymentWindow time.Duration      `yaml:"downpayment_window"`
	FinalLeadTime     time.Duration      `yaml:"final_lead_time"`
}

type DispatchConfig struct {
	RadiusKm       float64       `yaml:"radius_km"`
	CandidateLimit int           `yaml:"candidate_limit"`
	BroadcastLimit int           `yaml:"broadcast_limit"`
	AvgSpeedKmh    float64       `yaml:"avg_speed_kmh"`
	ClaimRetries   int           `yaml:"claim_retries"`
	HeartbeatTTL   time.Duration `yaml:"heartbeat_ttl"`
}

type SchedulerConfig struct {
	SweepEvery      time.Duration `yaml:"sweep_every"`
	ReminderEvery   time.Duration `yaml:"reminder_every"`
	EmergencyEvery  time.Duration `yaml:"emergency_every"`
	PaymentTimeout  time.Duration `yaml:"payment_timeout"`
	ReminderWindow  time.Duration `yaml:"reminder_window"`
	NearestWindow   time.Duration `yaml:"nearest_window"`
	BroadcastWindow time.Duration `yaml:"broadcast_window"`
	RetryEvery      time.Duration `yaml:"retry_every"`
	BatchSize       int           `yaml:"batch_size"`
}

type PaymentConfig struct {
	GatewayURL   string        `yaml:"gateway_url"`
	MerchantCode string        `yaml:"merchant_code"`
	APIKey       string        `yaml:"api_key"`
	CallbackURL  string        `yaml:"callback_url"`
	ReturnURL    string        `yaml:"return_url"`
	Timeout      time.Duration `yaml:"timeout"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	PrefixDown   string        `yaml:"prefix_downpayment"`
	PrefixFinal  string        `yaml:"prefix_final"`
	PrefixFull   string        `yaml:"prefix_full"`
}

type RoutingConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	Mode     string        `yaml:"mode"` // jwt | off
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type ArchiveConfig struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080", ReadHeaderTimeout: 5 * time.Second},
		Database: DBConfig{MaxConns: 20, MinConns: 2, MaxConnLifetime: time.Hour},
		Redis:    RedisConfig{},
		Events:   EventsConfig{Bus: "none", Exchange: "booking_topic", RelayBatch: 100, RelayEvery: 2 * time.Second},
		Pricing: PricingConfig{
			BasePrices: map[string]float64{
				"standard":  50,
				"emergency": 100,
				"scheduled": 75,
			},
			PerKmRate:         2.50,
			DownpaymentRatio:  0.30,
			DownpaymentWindow: 24 * time.Hour,
			FinalLeadTime:     24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			RadiusKm:       15,
			CandidateLimit: 10,
			BroadcastLimit: 50,
			AvgSpeedKmh:    40,
			ClaimRetries:   3,
			HeartbeatTTL:   10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			SweepEvery:      time.Minute,
			ReminderEvery:   time.Hour,
			EmergencyEvery:  5 * time.Second,
			PaymentTimeout:  24 * time.Hour,
			ReminderWindow:  6 * time.Hour,
			NearestWindow:   30 * time.Second,
			BroadcastWindow: 60 * time.Second,
			RetryEvery:      5 * time.Second,
			BatchSize:       200,
		},
		Payment: PaymentConfig{
			Timeout:     10 * time.Second,
			DefaultTTL:  24 * time.Hour,
			PrefixDown:  "DP",
			PrefixFinal: "FP",
			PrefixFull:  "PAY",
		},
		Routing: RoutingConfig{Timeout: 3 * time.Second},
		Auth:    AuthConfig{Mode: "jwt", Secret: "dev_secret", TokenTTL: 720 * time.Hour},
		Log:     LogConfig{Level: "INFO"},
	}
}

// Load reads .env (if present), then the YAML file at path (if present),
// then applies environment overrides on top.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path == "" {
		path = getEnv("CONFIG_FILE", "config.yaml")
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for name, every := range map[string]time.Duration{
		"events.relay_every":        c.Events.RelayEvery,
		"scheduler.sweep_every":     c.Scheduler.SweepEvery,
		"scheduler.reminder_every":  c.Scheduler.ReminderEvery,
		"scheduler.emergency_every": c.Scheduler.EmergencyEvery,
	} {
		if every <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, every)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)

	cfg.Events.Bus = getEnv("EVENT_BUS", cfg.Events.Bus)
	cfg.Events.AMQPURL = getEnv("AMQP_URL", cfg.Events.AMQPURL)
	cfg.Events.Exchange = getEnv("AMQP_EXCHANGE", cfg.Events.Exchange)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Events.KafkaBrokers = strings.Split(v, ",")
	}

	cfg.Pricing.PerKmRate = getEnvFloat("PRICE_PER_KM", cfg.Pricing.PerKmRate)
	cfg.Dispatch.RadiusKm = getEnvFloat("DISPATCH_RADIUS_KM", cfg.Dispatch.RadiusKm)
	cfg.Dispatch.CandidateLimit = getEnvInt("DISPATCH_CANDIDATES", cfg.Dispatch.CandidateLimit)
	cfg.Dispatch.HeartbeatTTL = getEnvDuration("HEARTBEAT_TTL", cfg.Dispatch.HeartbeatTTL)

	cfg.Scheduler.SweepEvery = getEnvDuration("SWEEP_EVERY", cfg.Scheduler.SweepEvery)
	cfg.Scheduler.ReminderEvery = getEnvDuration("REMINDER_EVERY", cfg.Scheduler.ReminderEvery)
	cfg.Scheduler.EmergencyEvery = getEnvDuration("EMERGENCY_EVERY", cfg.Scheduler.EmergencyEvery)

	cfg.Payment.GatewayURL = getEnv("PAYMENT_GATEWAY_URL", cfg.Payment.GatewayURL)
	cfg.Payment.MerchantCode = getEnv("PAYMENT_MERCHANT_CODE", cfg.Payment.MerchantCode)
	cfg.Payment.APIKey = getEnv("PAYMENT_API_KEY", cfg.Payment.APIKey)
	cfg.Payment.CallbackURL = getEnv("PAYMENT_CALLBACK_URL", cfg.Payment.CallbackURL)
	cfg.Payment.ReturnURL = getEnv("PAYMENT_RETURN_URL", cfg.Payment.ReturnURL)
	cfg.Payment.Timeout = getEnvDuration("PAYMENT_TIMEOUT", cfg.Payment.Timeout)

	cfg.Routing.URL = getEnv("ROUTING_URL", cfg.Routing.URL)
	cfg.Routing.APIKey = getEnv("ROUTING_API_KEY", cfg.Routing.APIKey)

	cfg.Auth.Mode = getEnv("AUTH_MODE", cfg.Auth.Mode)
	cfg.Auth.Secret = getEnv("JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.TokenTTL = getEnvDuration("AUTH_TTL", cfg.Auth.TokenTTL)

	cfg.Archive.Region = getEnv("AWS_REGION", cfg.Archive.Region)
	cfg.Archive.Bucket = getEnv("CALLBACK_ARCHIVE_BUCKET", cfg.Archive.Bucket)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	if v := getEnv("LOG_PRETTY", ""); v != "" {
		cfg.Log.Pretty = strings.EqualFold(v, "true")
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return f
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return def
}
