// CRC: crc-ConfigLoader.md
package config

import "time"

// Config holds all node configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Behavior  BehaviorConfig  `toml:"behavior"`
	P2P       P2PConfig       `toml:"p2p"`
	Directory DirectoryConfig `toml:"directory"`
	Transfer  TransferConfig  `toml:"transfer"`
}

// ServerConfig holds the websocket command server settings
type ServerConfig struct {
	Port           int           `toml:"port"`
	PortRange      int           `toml:"portRange"`
	Timeouts       TimeoutConfig `toml:"timeouts"`
	MaxHeaderBytes int           `toml:"maxHeaderBytes"`
	Metrics        bool          `toml:"metrics"`
}

// TimeoutConfig holds timeout settings
type TimeoutConfig struct {
	Read       Duration `toml:"read"`
	Write      Duration `toml:"write"`
	Idle       Duration `toml:"idle"`
	ReadHeader Duration `toml:"readHeader"`
}

// BehaviorConfig holds application behavior settings
type BehaviorConfig struct {
	Verbosity int `toml:"verbosity"`
}

// P2PConfig holds libp2p host, DHT and pubsub settings
type P2PConfig struct {
	DHTMode         string `toml:"dhtMode"`         // "auto", "server" or "client"
	ProtocolPrefix  string `toml:"protocolPrefix"`  // DHT protocol prefix, empty for the public network
	BootstrapPublic bool   `toml:"bootstrapPublic"` // dial the public IPFS bootstrap peers
	MDNS            bool   `toml:"mdns"`
	MDNSServiceName string `toml:"mdnsServiceName"`
	ConnLowWater    int    `toml:"connLowWater"`
	ConnHighWater   int    `toml:"connHighWater"`
	EventBuffer     int    `toml:"eventBuffer"`
}

// DirectoryConfig holds content directory soft-state timings
type DirectoryConfig struct {
	// ProvideTTL is how long this node treats its own provider records as
	// live. It is local bookkeeping: DHT servers keep records for their
	// own fixed validity, so ReannounceInterval must stay under both.
	ProvideTTL         Duration `toml:"provideTTL"`
	ReannounceInterval Duration `toml:"reannounceInterval"`
	LookupTimeout      Duration `toml:"lookupTimeout"`
	AnnounceTimeout    Duration `toml:"announceTimeout"`
}

// TransferConfig holds file transfer limits
type TransferConfig struct {
	FetchTimeout   Duration `toml:"fetchTimeout"`
	AttemptTimeout Duration `toml:"attemptTimeout"` // connect and header only
	IdleTimeout    Duration `toml:"idleTimeout"`    // longest stall while bytes flow
	MaxProviders   int      `toml:"maxProviders"`   // 0 means no budget
	MaxFileSize    int64    `toml:"maxFileSize"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
