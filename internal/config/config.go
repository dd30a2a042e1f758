// Package config provides configuration loading for the provider daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Chain identifiers the daemon knows how to talk to.
var knownChains = []string{"anvil", "optimism", "optimism-sepolia", "base", "base-sepolia"}

// devRegistryAddress is the registry's address on a fresh anvil chain: the
// first contract deployed by the default account at nonce zero.
const devRegistryAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// Config holds all configuration for the daemon.
type Config struct {
	Database  DatabaseConfig `mapstructure:"database"`
	Chain     ChainConfig    `mapstructure:"chain"`
	Server    ServerConfig   `mapstructure:"server"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Intervals IntervalConfig `mapstructure:"intervals"`
	LogLevel  string         `mapstructure:"log_level" validate:"oneof=error warning info debug"`
	NodeEnv   string         `mapstructure:"node_env" validate:"oneof=dev production"`

	// Providers is keyed by the alphanumeric env tag
	// (PROVIDER_PRIVATE_KEY_<tag> and friends).
	Providers map[string]ProviderConfig `mapstructure:"-"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ChainConfig holds blockchain and indexer endpoints.
type ChainConfig struct {
	RPCHost         string `mapstructure:"rpc_host" validate:"required"`
	IndexerEndpoint string `mapstructure:"indexer_endpoint" validate:"required"`
	Name            string `mapstructure:"name"`
	RegistryAddress string `mapstructure:"registry_address" validate:"omitempty,eth_addr"`
}

// ServerConfig holds the health/metrics HTTP surface configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0"`
	RateLimit       int           `mapstructure:"rate_limit" validate:"gt=0"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// RedisConfig holds the signed-messaging bus configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IntervalConfig holds the daemon's loop cadences.
type IntervalConfig struct {
	AgreementCheck        time.Duration `mapstructure:"agreement_check"`
	AgreementBalanceCheck time.Duration `mapstructure:"agreement_balance_check"`
	BlockProcessRange     uint64        `mapstructure:"block_process_range" validate:"gt=0"`
}

// ProviderConfig is the per-provider scope, one per env tag.
type ProviderConfig struct {
	Tag                string
	ProviderPrivateKey string `validate:"required,priv_key"`
	BillingPrivateKey  string `validate:"required,priv_key"`
	OperatorPrivateKey string `validate:"required,priv_key"`
	OperatorPipePort   int    `validate:"gt=0"`
	ProtocolAddress    string `validate:"omitempty,eth_addr"`
	IsGateway          bool
}

var tagPattern = regexp.MustCompile(`^PROVIDER_PRIVATE_KEY_([A-Za-z0-9]+)$`)

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("chain.rpc_host", "RPC_HOST")
	v.BindEnv("chain.indexer_endpoint", "INDEXER_ENDPOINT")
	v.BindEnv("chain.name", "CHAIN")
	v.BindEnv("chain.registry_address", "REGISTRY_ADDRESS")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.rate_limit", "RATE_LIMIT")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("node_env", "NODE_ENV")
	v.BindEnv("intervals.block_process_range", "BLOCK_PROCESS_RANGE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Durations accept a day suffix the stock parser does not, so they are
	// read outside viper.
	var err error
	if cfg.Intervals.AgreementCheck, err = durationEnv("AGREEMENT_CHECK_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Intervals.AgreementBalanceCheck, err = durationEnv("AGREEMENT_BALANCE_CHECK_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Server.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW", time.Second); err != nil {
		return nil, err
	}

	cfg.Providers, err = loadProviders()
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured: set PROVIDER_PRIVATE_KEY_<tag>")
	}

	if !contains(knownChains, cfg.Chain.Name) {
		return nil, fmt.Errorf("unknown chain %q", cfg.Chain.Name)
	}
	// Only the dev chain has a deterministic registry deployment; live
	// chains must name theirs explicitly.
	if cfg.Chain.RegistryAddress == "" && cfg.Chain.Name == "anvil" {
		cfg.Chain.RegistryAddress = devRegistryAddress
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "debug")
	v.SetDefault("node_env", "dev")
	v.SetDefault("chain.name", "anvil")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("intervals.block_process_range", 1000)
}

// loadProviders scans the environment for per-provider tags.
func loadProviders() (map[string]ProviderConfig, error) {
	providers := make(map[string]ProviderConfig)
	var tags []string
	for _, entry := range os.Environ() {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if m := tagPattern.FindStringSubmatch(key); m != nil {
			tags = append(tags, m[1])
		}
	}
	sort.Strings(tags)

	for _, tag := range tags {
		port, err := intEnv("OPERATOR_PIPE_PORT_" + tag)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", tag, err)
		}
		providers[tag] = ProviderConfig{
			Tag:                tag,
			ProviderPrivateKey: os.Getenv("PROVIDER_PRIVATE_KEY_" + tag),
			BillingPrivateKey:  os.Getenv("BILLING_PRIVATE_KEY_" + tag),
			OperatorPrivateKey: os.Getenv("OPERATOR_PRIVATE_KEY_" + tag),
			OperatorPipePort:   port,
			ProtocolAddress:    os.Getenv("PROTOCOL_ADDRESS_" + tag),
			IsGateway:          strings.EqualFold(os.Getenv("GATEWAY_"+tag), "true"),
		}
	}
	return providers, nil
}

func validate(cfg *Config) error {
	v := validator.New()
	v.RegisterValidation("eth_addr", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return len(s) == 42 && strings.HasPrefix(s, "0x") && isHex(s[2:])
	})
	v.RegisterValidation("priv_key", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return len(s) == 66 && strings.HasPrefix(s, "0x") && isHex(s[2:])
	})

	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for tag, p := range cfg.Providers {
		if err := v.Struct(p); err != nil {
			return fmt.Errorf("invalid provider %s configuration: %w", tag, err)
		}
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

var durationPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseDuration parses "<number>[s|m|h|d]".
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q, expected <number>[s|m|h|d]", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
