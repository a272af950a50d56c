// Package config loads dealflow settings: built-in defaults, then an optional
// YAML file, then DEALFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/localmarket/dealflow/fsm"
	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
)

// Environment variables read by Load.
const (
	EnvLogLevel     = "DEALFLOW_LOG_LEVEL"
	EnvReplyDelay   = "DEALFLOW_REPLY_DELAY"
	EnvTickInterval = "DEALFLOW_TICK_INTERVAL"
	EnvStoreDriver  = "DEALFLOW_STORE_DRIVER"
	EnvRedisURL     = "DEALFLOW_REDIS_URL"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// ResumePolicy decides where a reopened tracker starts.
type ResumePolicy string

const (
	// ResumeLast continues from the last observed status.
	ResumeLast ResumePolicy = "resume"
	// ResumeReset starts again at Preparing.
	ResumeReset ResumePolicy = "reset"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Payment     PaymentConfig     `yaml:"payment"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Store       StoreConfig       `yaml:"store"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// NegotiationConfig tunes the simulated vendor.
type NegotiationConfig struct {
	ReplyDelay      time.Duration `yaml:"reply_delay"`
	OfferTTL        time.Duration `yaml:"offer_ttl"`
	FloorRatio      float64       `yaml:"floor_ratio"`
	OpeningDiscount float64       `yaml:"opening_discount"`
}

// PaymentConfig lists payment methods and processing behaviour.
type PaymentConfig struct {
	Methods           []market.PaymentMethod `yaml:"methods"`
	ProcessingDelay   time.Duration          `yaml:"processing_delay"`
	ProcessingTimeout time.Duration          `yaml:"processing_timeout"`
	Retry             fsm.RetryPolicy        `yaml:"retry"`
}

// DeliveryConfig lists delivery options and transporters.
type DeliveryConfig struct {
	Options      []market.DeliveryOption `yaml:"options"`
	Transporters []market.Transporter    `yaml:"transporters"`
}

// TrackingConfig tunes the delivery simulation.
type TrackingConfig struct {
	Interval       time.Duration `yaml:"interval"`
	ETAStep        int           `yaml:"eta_step"`
	DistanceStep   int           `yaml:"distance_step"`
	PickupETA      int           `yaml:"pickup_eta"`
	PickupDistance int           `yaml:"pickup_distance"`
	Resume         ResumePolicy  `yaml:"resume"`
}

// StoreConfig selects where committed records go.
type StoreConfig struct {
	Driver    string        `yaml:"driver"`
	RedisURL  string        `yaml:"redis_url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// Catalog assembles the checkout catalog.
func (c Config) Catalog() market.Catalog {
	return market.Catalog{
		PaymentMethods:  c.Payment.Methods,
		DeliveryOptions: c.Delivery.Options,
		Transporters:    c.Delivery.Transporters,
	}
}

// Default returns a complete, usable configuration with the mock catalog.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Negotiation: NegotiationConfig{
			ReplyDelay:      1500 * time.Millisecond,
			OfferTTL:        10 * time.Minute,
			FloorRatio:      0.90,
			OpeningDiscount: 0.05,
		},
		Payment: PaymentConfig{
			Methods: []market.PaymentMethod{
				{ID: "card", Name: "Debit / credit card", Fee: money.MustParse("2.50"), RequiresProcessing: true},
				{ID: "mobile_money", Name: "Mobile money", Fee: money.MustParse("1.00"), RequiresProcessing: true},
				{ID: "bank_transfer", Name: "Bank transfer", Fee: money.MustParse("0.50"), RequiresProcessing: true},
				{ID: "cod", Name: "Cash on delivery", Fee: 0, RequiresProcessing: false},
			},
			ProcessingDelay:   2 * time.Second,
			ProcessingTimeout: 10 * time.Second,
			Retry: fsm.RetryPolicy{
				MaxAttempts:        3,
				InitialInterval:    200 * time.Millisecond,
				BackoffCoefficient: 2,
				MaxInterval:        time.Second,
			},
		},
		Delivery: DeliveryConfig{
			Options: []market.DeliveryOption{
				{ID: "home", Name: "Home delivery", Kind: market.DeliveryHome, Price: money.MustParse("5.00")},
				{ID: "express", Name: "Express delivery", Kind: market.DeliveryExpress, Price: money.MustParse("8.00")},
				{ID: "pickup", Name: "Self pickup", Kind: market.DeliveryPickup, Price: 0},
			},
			Transporters: []market.Transporter{
				{ID: "moto_kofi", Name: "Kofi A.", Vehicle: "motorbike", Fee: money.MustParse("4.50"), ETAMinutes: 25, DistanceKm: 3.8, Rating: 4.8},
				{ID: "van_ama", Name: "Ama's Vans", Vehicle: "van", Fee: money.MustParse("7.00"), ETAMinutes: 40, DistanceKm: 6.5, Rating: 4.6},
				{ID: "bike_yaw", Name: "Yaw B.", Vehicle: "bicycle", Fee: money.MustParse("2.00"), ETAMinutes: 55, DistanceKm: 2.1, Rating: 4.3},
			},
		},
		Tracking: TrackingConfig{
			Interval:       3 * time.Second,
			ETAStep:        5,
			DistanceStep:   800,
			PickupETA:      20,
			PickupDistance: 0,
			Resume:         ResumeLast,
		},
		Store: StoreConfig{
			Driver:    DriverMemory,
			RedisURL:  "redis://localhost:6379/0",
			KeyPrefix: "dealflow",
			TTL:       30 * 24 * time.Hour,
		},
	}
}

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvMap injects explicit environment values. They take precedence over
// the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// Load reads path (if non-empty) over Default, applies environment
// overrides and validates the result.
func Load(path string, opts ...Option) (Config, error) {
	options := loaderOptions{useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if v, ok := options.envMap[key]; ok {
				return v, true
			}
		}
		if options.useSystemEnv {
			return os.LookupEnv(key)
		}
		return "", false
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	cfg.Log.Level = stringWithDefault(lookup, EnvLogLevel, cfg.Log.Level)
	cfg.Store.Driver = stringWithDefault(lookup, EnvStoreDriver, cfg.Store.Driver)
	cfg.Store.RedisURL = stringWithDefault(lookup, EnvRedisURL, cfg.Store.RedisURL)

	var err error
	if cfg.Negotiation.ReplyDelay, err = durationWithDefault(lookup, EnvReplyDelay, cfg.Negotiation.ReplyDelay); err != nil {
		return err
	}
	if cfg.Tracking.Interval, err = durationWithDefault(lookup, EnvTickInterval, cfg.Tracking.Interval); err != nil {
		return err
	}
	return nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

// ErrInvalid is matched by every *ValidationError.
var ErrInvalid = errors.New("config: invalid")

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// Fields returns a copy of the invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Validate checks that the configuration can drive a flow.
func (c Config) Validate() error {
	var bad []string

	if c.Negotiation.ReplyDelay <= 0 {
		bad = append(bad, "Negotiation.ReplyDelay")
	}
	if c.Negotiation.OfferTTL <= 0 {
		bad = append(bad, "Negotiation.OfferTTL")
	}
	if c.Negotiation.FloorRatio <= 0 || c.Negotiation.FloorRatio > 1 {
		bad = append(bad, "Negotiation.FloorRatio")
	}
	if c.Negotiation.OpeningDiscount < 0 || c.Negotiation.OpeningDiscount >= 1 {
		bad = append(bad, "Negotiation.OpeningDiscount")
	}

	if len(c.Payment.Methods) == 0 {
		bad = append(bad, "Payment.Methods")
	}
	seen := map[string]bool{}
	for i, m := range c.Payment.Methods {
		if m.ID == "" || seen[m.ID] || m.Fee < 0 {
			bad = append(bad, fmt.Sprintf("Payment.Methods[%d]", i))
		}
		seen[m.ID] = true
	}
	if c.Payment.ProcessingDelay <= 0 {
		bad = append(bad, "Payment.ProcessingDelay")
	}
	if c.Payment.Retry.MaxAttempts < 0 {
		bad = append(bad, "Payment.Retry.MaxAttempts")
	}

	if len(c.Delivery.Options) == 0 {
		bad = append(bad, "Delivery.Options")
	}
	seen = map[string]bool{}
	needsTransporter := false
	for i, o := range c.Delivery.Options {
		switch o.Kind {
		case market.DeliveryHome, market.DeliveryExpress, market.DeliveryPickup:
		default:
			bad = append(bad, fmt.Sprintf("Delivery.Options[%d].Kind", i))
		}
		if o.ID == "" || seen[o.ID] || o.Price < 0 {
			bad = append(bad, fmt.Sprintf("Delivery.Options[%d]", i))
		}
		seen[o.ID] = true
		needsTransporter = needsTransporter || o.Kind.RequiresTransporter()
	}
	if needsTransporter && len(c.Delivery.Transporters) == 0 {
		bad = append(bad, "Delivery.Transporters")
	}
	seen = map[string]bool{}
	for i, t := range c.Delivery.Transporters {
		if t.ID == "" || seen[t.ID] || t.Fee < 0 || t.ETAMinutes < 0 || t.DistanceKm < 0 {
			bad = append(bad, fmt.Sprintf("Delivery.Transporters[%d]", i))
		}
		seen[t.ID] = true
	}

	if c.Tracking.Interval <= 0 {
		bad = append(bad, "Tracking.Interval")
	}
	if c.Tracking.ETAStep <= 0 {
		bad = append(bad, "Tracking.ETAStep")
	}
	if c.Tracking.DistanceStep <= 0 {
		bad = append(bad, "Tracking.DistanceStep")
	}
	if c.Tracking.Resume != ResumeLast && c.Tracking.Resume != ResumeReset {
		bad = append(bad, "Tracking.Resume")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.Store.RedisURL) == "" {
			bad = append(bad, "Store.RedisURL")
		}
	default:
		bad = append(bad, "Store.Driver")
	}
	if c.Store.TTL < 0 {
		bad = append(bad, "Store.TTL")
	}

	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}
