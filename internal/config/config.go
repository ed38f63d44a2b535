package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sheikh-saqib/fablab-ledger/internal/money"
)

// EnvProduction disables the allocation sanity check unless it is set explicitly.
const EnvProduction = "production"

// Config represents the application configuration
type Config struct {
	Env       string          `yaml:"env"`
	Service   string          `yaml:"service"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// HTTPConfig contains the operational endpoint settings
type HTTPConfig struct {
	Addr                   string `yaml:"addr"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Driver                 string `yaml:"driver"` // "memory" or "postgres"
	DatabaseURL            string `yaml:"database_url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// KafkaConfig contains event publishing settings. No brokers means events
// are dropped.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"` // sends every event to this topic when set
}

// LedgerConfig is the yaml form of LedgerSettings.
type LedgerConfig struct {
	DefaultAccount    string `yaml:"default_account"`
	DefaultJournal    string `yaml:"default_journal"`
	DonationAccount   string `yaml:"donation_account"`
	SplitRounding     string `yaml:"split_rounding"`
	VerifyAllocations *bool  `yaml:"verify_allocations"`
}

// BootstrapConfig lists accounts created at startup when missing
type BootstrapConfig struct {
	Accounts   []AccountConfig  `yaml:"accounts"`
	Currencies []CurrencyConfig `yaml:"currencies"`
}

// AccountConfig describes one bootstrap account
type AccountConfig struct {
	Number  string `yaml:"number"`
	Name    string `yaml:"name"`
	Default bool   `yaml:"default"`
}

// CurrencyConfig describes one bootstrap currency
type CurrencyConfig struct {
	Abbreviation   string `yaml:"abbreviation"`
	Name           string `yaml:"name"`
	FractionalName string `yaml:"fractional_name"`
	Default        bool   `yaml:"default"`
}

// LedgerSettings is what a settlement run reads from configuration.
type LedgerSettings struct {
	DefaultAccount        string         // contra account of positions that name none
	DefaultJournal        string         // journal of payments that name none
	DonationContraAccount string         // contra account of donations
	SplitRounding         money.Rounding // rounding of the current-period share of a split
	VerifyAllocations     bool           // check booking sums before committing
}

// Settings lets a fixed LedgerSettings value act as a settings provider.
func (s LedgerSettings) Settings() LedgerSettings {
	return s
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Env:     "development",
		Service: "fablab-ledger",
		HTTP:    HTTPConfig{Addr: ":8080", ShutdownTimeoutSeconds: 10},
		Log:     LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Driver:                 "memory",
			MaxOpenConns:           10,
			MaxIdleConns:           5,
			ConnMaxLifetimeMinutes: 30,
		},
		Ledger: LedgerConfig{
			DefaultAccount:  "8200",
			DefaultJournal:  "1000",
			DonationAccount: "3601",
			SplitRounding:   string(money.RoundHalfUp),
		},
		Bootstrap: BootstrapConfig{
			Accounts:   []AccountConfig{{Number: "1000", Name: "Cash", Default: true}},
			Currencies: []CurrencyConfig{{Abbreviation: "EUR", Name: "Euro", FractionalName: "Cent", Default: true}},
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults. An
// empty path skips the file. Environment variables override both.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() {
	c.Env = GetEnv("LEDGER_ENV", c.Env)

	c.Log.Level = GetEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnv("LOG_FORMAT", c.Log.Format)

	c.HTTP.Addr = GetEnv("HTTP_ADDR", c.HTTP.Addr)

	c.Store.Driver = GetEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.DatabaseURL = GetEnv("DATABASE_URL", c.Store.DatabaseURL)

	if brokers := GetEnvList("KAFKA_BROKERS"); len(brokers) > 0 {
		c.Kafka.Brokers = brokers
	}
	c.Kafka.Topic = GetEnv("KAFKA_TOPIC", c.Kafka.Topic)

	c.Ledger.DefaultAccount = GetEnv("LEDGER_DEFAULT_ACCOUNT", c.Ledger.DefaultAccount)
	c.Ledger.DefaultJournal = GetEnv("LEDGER_DEFAULT_JOURNAL", c.Ledger.DefaultJournal)
	c.Ledger.DonationAccount = GetEnv("LEDGER_DONATION_ACCOUNT", c.Ledger.DonationAccount)
	c.Ledger.SplitRounding = GetEnv("LEDGER_SPLIT_ROUNDING", c.Ledger.SplitRounding)
	if val := os.Getenv("LEDGER_VERIFY_ALLOCATIONS"); val != "" {
		verify := GetEnvBool("LEDGER_VERIFY_ALLOCATIONS", true)
		c.Ledger.VerifyAllocations = &verify
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Env == "" {
		return errors.New("env is required")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.Log.Format)
	}

	if c.HTTP.Addr == "" {
		return errors.New("http addr is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return errors.New("database url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.Ledger.DefaultJournal == "" {
		return errors.New("ledger default journal is required")
	}
	if c.Ledger.DefaultAccount == "" {
		return errors.New("ledger default account is required")
	}
	if c.Ledger.DonationAccount == "" {
		return errors.New("ledger donation account is required")
	}
	if _, err := money.ParseRounding(c.Ledger.SplitRounding); err != nil {
		return err
	}

	defaults := 0
	for _, acc := range c.Bootstrap.Accounts {
		if acc.Number == "" {
			return errors.New("bootstrap account number is required")
		}
		if acc.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("at most one bootstrap account can be the default")
	}

	defaults = 0
	for _, cur := range c.Bootstrap.Currencies {
		if cur.Abbreviation == "" {
			return errors.New("bootstrap currency abbreviation is required")
		}
		if cur.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("at most one bootstrap currency can be the default")
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, EnvProduction)
}

// Settings resolves the ledger settings. VerifyAllocations defaults to on
// everywhere but production.
func (c *Config) Settings() LedgerSettings {
	rounding, err := money.ParseRounding(c.Ledger.SplitRounding)
	if err != nil {
		rounding = money.RoundHalfUp
	}
	verify := !c.IsProduction()
	if c.Ledger.VerifyAllocations != nil {
		verify = *c.Ledger.VerifyAllocations
	}
	return LedgerSettings{
		DefaultAccount:        c.Ledger.DefaultAccount,
		DefaultJournal:        c.Ledger.DefaultJournal,
		DonationContraAccount: c.Ledger.DonationAccount,
		SplitRounding:         rounding,
		VerifyAllocations:     verify,
	}
}
