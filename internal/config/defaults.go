// CRC: crc-ConfigLoader.md
package config

import "time"

// DefaultConfig returns the default configuration
// CRC: crc-ConfigLoader.md
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      10000,
			PortRange: 100,
			Timeouts: TimeoutConfig{
				Read:       Duration{15 * time.Second},
				Write:      Duration{15 * time.Second},
				Idle:       Duration{60 * time.Second},
				ReadHeader: Duration{5 * time.Second},
			},
			MaxHeaderBytes: 1048576, // 1 MB
			Metrics:        true,
		},
		Behavior: BehaviorConfig{
			Verbosity: 0,
		},
		P2P: P2PConfig{
			DHTMode:         "auto",
			BootstrapPublic: false,
			MDNS:            true,
			MDNSServiceName: "p2p-share",
			ConnLowWater:    100,
			ConnHighWater:   400,
			EventBuffer:     256,
		},
		Directory: DirectoryConfig{
			ProvideTTL:         Duration{24 * time.Hour},
			ReannounceInterval: Duration{12 * time.Hour},
			LookupTimeout:      Duration{30 * time.Second},
			AnnounceTimeout:    Duration{60 * time.Second},
		},
		Transfer: TransferConfig{
			FetchTimeout:   Duration{time.Hour},
			AttemptTimeout: Duration{60 * time.Second},
			IdleTimeout:    Duration{30 * time.Second},
			MaxProviders:   0,
			MaxFileSize:    1 << 30, // 1 GiB
		},
	}
}
