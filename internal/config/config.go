// Package config provides configuration management for the strangle engine.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"
)

// Strategy parameter defaults applied when the corresponding field is unset.
const (
	// defaultMatchTolerance is used when strategy.match_tolerance is unset
	defaultMatchTolerance = 0.10
	// defaultSimilarityTolerance is used when strategy.similarity_tolerance is unset
	defaultSimilarityTolerance = 0.05
	// defaultStopLossRatio is used when strategy.stop_loss_ratio is unset
	defaultStopLossRatio = 0.20
	// defaultLots is used when strategy.lots is unset
	defaultLots = 1
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Underlying  UnderlyingConfig  `yaml:"underlying"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. The access token comes from the
// daily login flow, which is outside this program; both values usually arrive
// via environment expansion.
type BrokerConfig struct {
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	APIEndpoint string `yaml:"api_endpoint"` // override for tests/proxies
}

// UnderlyingConfig selects the option chain to trade.
type UnderlyingConfig struct {
	// Name matches the instrument dump's name column, e.g. "NIFTY".
	Name string `yaml:"name"`
	// QuoteSymbol is the index symbol used for the spot LTP, e.g. "NIFTY 50".
	QuoteSymbol string `yaml:"quote_symbol"`
	// Exchange is the spot quote's exchange, e.g. "NSE".
	Exchange string `yaml:"exchange"`
}

// StrategyConfig defines matching and order parameters.
type StrategyConfig struct {
	// MatchTolerance is the relative band around the target premium (0.10 = 10%).
	MatchTolerance float64 `yaml:"match_tolerance"`
	// SimilarityTolerance is the premium-similarity band for the fallback report.
	SimilarityTolerance float64 `yaml:"similarity_tolerance"`
	// StopLossRatio sets each leg's SL-M trigger as a fraction of its matched premium.
	StopLossRatio float64 `yaml:"stop_loss_ratio"`
	// Lots is the number of lots sold per leg.
	Lots int `yaml:"lots"`
}

// DashboardConfig defines the status server settings.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// applying defaults for unset strategy parameters.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Environment.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.Environment.LogLevel); err != nil {
			return fmt.Errorf("environment.log_level invalid: %w", err)
		}
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccessToken == "" {
		return fmt.Errorf("broker.access_token is required")
	}

	if c.Underlying.Name == "" {
		return fmt.Errorf("underlying.name is required")
	}
	if c.Underlying.QuoteSymbol == "" {
		return fmt.Errorf("underlying.quote_symbol is required")
	}
	if c.Underlying.Exchange == "" {
		c.Underlying.Exchange = "NSE"
	}

	c.normalizeStrategy()
	if c.Strategy.MatchTolerance <= 0 || c.Strategy.MatchTolerance >= 1 {
		return fmt.Errorf("strategy.match_tolerance must be in (0,1)")
	}
	if c.Strategy.SimilarityTolerance <= 0 || c.Strategy.SimilarityTolerance >= 1 {
		return fmt.Errorf("strategy.similarity_tolerance must be in (0,1)")
	}
	if c.Strategy.StopLossRatio <= 0 || c.Strategy.StopLossRatio >= 1 {
		return fmt.Errorf("strategy.stop_loss_ratio must be in (0,1)")
	}
	if c.Strategy.Lots <= 0 {
		return fmt.Errorf("strategy.lots must be > 0")
	}

	if c.Dashboard.Enabled {
		if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
			return fmt.Errorf("dashboard.port must be in (0,65535]")
		}
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetLogLevel returns the configured logrus level, defaulting to info.
func (c *Config) GetLogLevel() logrus.Level {
	if c.Environment.LogLevel == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(c.Environment.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// normalizeStrategy sets default values for unset strategy parameters.
func (c *Config) normalizeStrategy() {
	if c.Strategy.MatchTolerance == 0 {
		c.Strategy.MatchTolerance = defaultMatchTolerance
	}
	if c.Strategy.SimilarityTolerance == 0 {
		c.Strategy.SimilarityTolerance = defaultSimilarityTolerance
	}
	if c.Strategy.StopLossRatio == 0 {
		c.Strategy.StopLossRatio = defaultStopLossRatio
	}
	if c.Strategy.Lots == 0 {
		c.Strategy.Lots = defaultLots
	}
}
