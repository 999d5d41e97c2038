// Package config loads the control plane's runtime settings. Secrets never
// live in the YAML file: the signer key, webhook secret, and admin key come
// from the environment so config files stay safe to commit.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables carrying secrets.
const (
	EnvSignerKey     = "LOANBRIDGE_SIGNER_KEY"
	EnvWebhookSecret = "LOANBRIDGE_WEBHOOK_SECRET"
	EnvAdminKey      = "LOANBRIDGE_ADMIN_KEY"
	EnvMpesaKey      = "LOANBRIDGE_MPESA_CONSUMER_KEY"
	EnvMpesaSecret   = "LOANBRIDGE_MPESA_CONSUMER_SECRET"
)

// Config captures the runtime settings for the control plane daemon.
type Config struct {
	PublicListen string         `yaml:"public_listen"`
	AdminListen  string         `yaml:"admin_listen"`
	Database     DatabaseConfig `yaml:"database"`
	Chain        ChainConfig    `yaml:"chain"`
	Webhook      WebhookConfig  `yaml:"webhook"`
	Breaker      BreakerConfig  `yaml:"breaker"`
	Mpesa        MpesaConfig    `yaml:"mpesa"`

	// Populated from the environment, never from the file.
	SignerKeyHex string `yaml:"-"`
	AdminKey     string `yaml:"-"`
}

// DatabaseConfig points at the Postgres instance.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ChainConfig describes the settlement layer connection.
type ChainConfig struct {
	RPCURL                string `yaml:"rpc_url"`
	RegistryAddress       string `yaml:"registry_address"`
	ChainID               uint64 `yaml:"chain_id"`
	ConfirmationsRequired int    `yaml:"confirmations_required"`
}

// WebhookConfig tunes the provider ingress gates.
type WebhookConfig struct {
	Secret          string        `yaml:"-"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	RatePerMinute   int           `yaml:"rate_per_minute"`
}

// BreakerConfig carries the evaluator thresholds in basis points.
type BreakerConfig struct {
	DelinquencySpikeBps int64 `yaml:"delinquency_spike_bps"`
	DefaultSpikeBps     int64 `yaml:"default_spike_bps"`
}

// MpesaConfig describes the outbound payment provider. An empty base URL
// disables payouts; the deployment then only ingests provider notifications.
type MpesaConfig struct {
	BaseURL   string `yaml:"base_url"`
	ShortCode string `yaml:"short_code"`

	ConsumerKey    string `yaml:"-"`
	ConsumerSecret string `yaml:"-"`
}

// Enabled reports whether outbound payouts are configured.
func (c MpesaConfig) Enabled() bool { return c.BaseURL != "" }

// Load reads the YAML configuration from disk, overlays secrets from the
// environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		PublicListen: ":8080",
		AdminListen:  ":8081",
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.SignerKeyHex = os.Getenv(EnvSignerKey)
	cfg.Webhook.Secret = os.Getenv(EnvWebhookSecret)
	cfg.AdminKey = os.Getenv(EnvAdminKey)
	cfg.Mpesa.ConsumerKey = os.Getenv(EnvMpesaKey)
	cfg.Mpesa.ConsumerSecret = os.Getenv(EnvMpesaSecret)

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.PublicListen = strings.TrimSpace(cfg.PublicListen)
	if cfg.PublicListen == "" {
		cfg.PublicListen = ":8080"
	}
	cfg.AdminListen = strings.TrimSpace(cfg.AdminListen)
	if cfg.AdminListen == "" {
		cfg.AdminListen = ":8081"
	}
	cfg.Database.DSN = strings.TrimSpace(cfg.Database.DSN)
	cfg.Chain.RPCURL = strings.TrimSpace(cfg.Chain.RPCURL)
	cfg.Chain.RegistryAddress = strings.TrimSpace(cfg.Chain.RegistryAddress)
	if cfg.Chain.ConfirmationsRequired <= 0 {
		cfg.Chain.ConfirmationsRequired = 3
	}
	cfg.SignerKeyHex = strings.TrimSpace(strings.TrimPrefix(cfg.SignerKeyHex, "0x"))
	cfg.AdminKey = strings.TrimSpace(cfg.AdminKey)
	cfg.Webhook.Secret = strings.TrimSpace(cfg.Webhook.Secret)
	cfg.Mpesa.BaseURL = strings.TrimSpace(cfg.Mpesa.BaseURL)
	cfg.Mpesa.ShortCode = strings.TrimSpace(cfg.Mpesa.ShortCode)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database: dsn required")
	}
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain: rpc_url required")
	}
	if cfg.Chain.RegistryAddress == "" {
		return fmt.Errorf("chain: registry_address required")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain: chain_id required")
	}
	if cfg.SignerKeyHex == "" {
		return fmt.Errorf("chain: %s must be set", EnvSignerKey)
	}
	if cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook: %s must be set", EnvWebhookSecret)
	}
	if cfg.AdminKey == "" {
		return fmt.Errorf("admin: %s must be set", EnvAdminKey)
	}
	if cfg.Mpesa.Enabled() {
		if cfg.Mpesa.ShortCode == "" {
			return fmt.Errorf("mpesa: short_code required when base_url is set")
		}
		if cfg.Mpesa.ConsumerKey == "" || cfg.Mpesa.ConsumerSecret == "" {
			return fmt.Errorf("mpesa: %s and %s must be set when base_url is set", EnvMpesaKey, EnvMpesaSecret)
		}
	}
	return nil
}
