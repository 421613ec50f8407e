package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress        string  `toml:"ListenAddress"`
	DataDir              string  `toml:"DataDir"`
	LogPath              string  `toml:"LogPath"`
	LogLevel             string  `toml:"LogLevel"`
	MCRToleranceBps      uint64  `toml:"MCRToleranceBps"`
	SweepIntervalSeconds uint32  `toml:"SweepIntervalSeconds"`
	SweepBatchSize       int     `toml:"SweepBatchSize"`
	MaxRequestsPerEpoch  uint32  `toml:"MaxRequestsPerEpoch"`
	MaxMintPerEpoch      uint64  `toml:"MaxMintPerEpoch"`
	EpochSeconds         uint32  `toml:"EpochSeconds"`
	RateLimitPerSecond   float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst       int     `toml:"RateLimitBurst"`
	GovernanceToken      string  `toml:"GovernanceToken"`
	ReserveBalance       string  `toml:"ReserveBalance"`
}

// Load reads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./nusd-data"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 60
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 200
	}
	if c.EpochSeconds == 0 {
		c.EpochSeconds = 3600
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 20
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 40
	}
	if strings.TrimSpace(c.ReserveBalance) == "" {
		c.ReserveBalance = "0"
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.MCRToleranceBps > 10_000 {
		return fmt.Errorf("config: MCRToleranceBps %d exceeds 10000", c.MCRToleranceBps)
	}
	if _, err := c.ReserveAmount(); err != nil {
		return err
	}
	return nil
}

// ReserveAmount parses the configured stability reserve balance.
func (c *Config) ReserveAmount() (*big.Int, error) {
	trimmed := strings.TrimSpace(c.ReserveBalance)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid ReserveBalance %q", c.ReserveBalance)
	}
	return amount, nil
}

// DatabasePath returns the bbolt file location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
