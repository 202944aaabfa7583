// CRC: crc-ConfigLoader.md
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/libp2p/go-libp2p-kad-dht/amino"
)

const ConfigFileName = "p2p-share.toml"

// LoadFromDir loads configuration from a filesystem directory
// Returns default config if file doesn't exist
// CRC: crc-ConfigLoader.md
func LoadFromDir(baseDir string) (*Config, error) {
	return LoadFile(filepath.Join(baseDir, ConfigFileName))
}

// LoadFile loads configuration from a TOML file, layered over the defaults
func LoadFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges command-line flags into configuration
// Flags take precedence over config file values
// CRC: crc-ConfigLoader.md
func (c *Config) Merge(port int, verbosity int, noMDNS bool) {
	if port != 0 {
		c.Server.Port = port
	}

	if verbosity > 0 {
		c.Behavior.Verbosity = verbosity
	}

	if noMDNS {
		c.P2P.MDNS = false
	}
}

// Validate checks if configuration values are valid
// CRC: crc-ConfigLoader.md
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Server.Port)
	}

	if c.Server.PortRange < 1 {
		return fmt.Errorf("invalid port range: %d (must be >= 1)", c.Server.PortRange)
	}

	if c.Server.Timeouts.Read.Duration < 0 {
		return fmt.Errorf("invalid read timeout: %v (must be positive)", c.Server.Timeouts.Read)
	}
	if c.Server.Timeouts.Write.Duration < 0 {
		return fmt.Errorf("invalid write timeout: %v (must be positive)", c.Server.Timeouts.Write)
	}

	switch c.P2P.DHTMode {
	case "auto", "server", "client":
	default:
		return fmt.Errorf("invalid dht mode: %q (must be auto, server or client)", c.P2P.DHTMode)
	}

	if c.P2P.ConnLowWater < 0 || c.P2P.ConnHighWater < c.P2P.ConnLowWater {
		return fmt.Errorf("invalid connection watermarks: low %d, high %d", c.P2P.ConnLowWater, c.P2P.ConnHighWater)
	}

	// Records must be refreshed before they lapse
	if c.Directory.ProvideTTL.Duration <= 0 {
		return fmt.Errorf("invalid provide TTL: %v (must be positive)", c.Directory.ProvideTTL)
	}
	if c.Directory.ReannounceInterval.Duration <= 0 || c.Directory.ReannounceInterval.Duration >= c.Directory.ProvideTTL.Duration {
		return fmt.Errorf("invalid reannounce interval: %v (must be positive and shorter than provide TTL %v)",
			c.Directory.ReannounceInterval, c.Directory.ProvideTTL)
	}
	// DHT servers drop provider records after their own fixed validity
	if c.Directory.ReannounceInterval.Duration >= amino.DefaultProvideValidity {
		return fmt.Errorf("invalid reannounce interval: %v (must be shorter than the DHT provider validity %v)",
			c.Directory.ReannounceInterval, amino.DefaultProvideValidity)
	}

	if c.Transfer.AttemptTimeout.Duration < 0 || c.Transfer.IdleTimeout.Duration < 0 {
		return fmt.Errorf("invalid transfer timeouts: attempt %v, idle %v (must be >= 0)", c.Transfer.AttemptTimeout, c.Transfer.IdleTimeout)
	}
	if c.Transfer.MaxProviders < 0 {
		return fmt.Errorf("invalid max providers: %d (must be >= 0)", c.Transfer.MaxProviders)
	}
	if c.Transfer.MaxFileSize <= 0 {
		return fmt.Errorf("invalid max file size: %d (must be positive)", c.Transfer.MaxFileSize)
	}

	return nil
}
