// Package config loads and validates the daemon's TOML configuration, the
// way the teacher's internal/bitcoin.Config is constructed and validated in
// bitcoin.NewClient, generalized to the full set of options this engine
// needs (pelletier/go-toml/v2 decode instead of struct literal wiring).
package config

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

type PoolIdentification struct {
	DatasetURL string `toml:"dataset_url"`
	Network    string `toml:"network"`
}

type Prometheus struct {
	Enable  bool   `toml:"enable"`
	Address string `toml:"address"`
}

// Config mirrors the recognized TOML options from SPEC_FULL.md section 6.
type Config struct {
	RPCHost             string `toml:"rpc_host"`
	RPCPort             uint16 `toml:"rpc_port"`
	RPCCookieFile       string `toml:"rpc_cookie_file"`
	RPCUser             string `toml:"rpc_user"`
	RPCPassword         string `toml:"rpc_password"`
	DatabaseURL         string `toml:"database_url"`
	LogLevel            string `toml:"log_level"`
	RetagTransactions   bool   `toml:"retag_transactions"`
	Prometheus          Prometheus `toml:"prometheus"`
	SanctionedAddressesURL string `toml:"sanctioned_addresses_url"`
	PoolIdentification  PoolIdentification `toml:"pool_identification"`
}

const defaultConfigFile = "daemon-config.toml"

// ConfigFilePath returns the path named by CONFIG_FILE, or the default.
func ConfigFilePath() string {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		return v
	}
	return defaultConfigFile
}

// Load reads and validates the configuration at path. A missing/invalid
// config file or missing credentials is fatal (SPEC_FULL.md section 7:
// ConfigLoad is the one error kind that is fatal at startup).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RPCHost == "" {
		return fmt.Errorf("rpc_host is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}

	hasCookie := c.RPCCookieFile != ""
	hasCreds := c.RPCUser != "" || c.RPCPassword != ""
	switch {
	case hasCookie && hasCreds:
		return fmt.Errorf("rpc_cookie_file and rpc_user/rpc_password are mutually exclusive")
	case !hasCookie && !hasCreds:
		return fmt.Errorf("either rpc_cookie_file or rpc_user/rpc_password must be set")
	case hasCookie:
		if _, err := os.Stat(c.RPCCookieFile); err != nil {
			return fmt.Errorf("rpc_cookie_file %s: %w", c.RPCCookieFile, err)
		}
	}

	if c.PoolIdentification.Network == "" {
		c.PoolIdentification.Network = "bitcoin"
	}
	if c.Prometheus.Address == "" {
		c.Prometheus.Address = "127.0.0.1:9091"
	}
	return nil
}

// Credentials resolves the RPC user/password pair, reading the cookie file
// if configured (first colon-separated line is "user:password").
func (c *Config) Credentials() (user, pass string, err error) {
	if c.RPCCookieFile == "" {
		return c.RPCUser, c.RPCPassword, nil
	}

	raw, err := os.ReadFile(c.RPCCookieFile)
	if err != nil {
		return "", "", fmt.Errorf("config: read cookie file: %w", err)
	}
	line := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
	if len(line) != 2 {
		return "", "", fmt.Errorf("config: malformed cookie file %s", c.RPCCookieFile)
	}
	return line[0], line[1], nil
}
