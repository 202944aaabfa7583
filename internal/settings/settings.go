// Package settings persists the node's durable state: identity, listen
// preferences, known peers and the local user's profile.
// CRC: crc-SettingsStore.md
package settings

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the settings file inside the settings directory.
const FileName = "setting.toml"

// Setting is the node's durable configuration.
type Setting struct {
	IdentityKey    string   `toml:"identityKey" json:"-"`
	ListenAddrs    []string `toml:"listenAddrs" json:"listenAddrs"`
	BootstrapPeers []string `toml:"bootstrapPeers" json:"bootstrapPeers"`
	UserName       string   `toml:"userName" json:"userName"`
	ReceiveDir     string   `toml:"receiveDir" json:"receiveDir"`
}

// Default returns the setting used when nothing was saved yet.
func Default() Setting {
	return Setting{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		UserName:    "anonymous",
		ReceiveDir:  "downloads",
	}
}

// Store loads and saves settings, defaulting to a file under dir.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. An empty dir means the
// per-user config directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate config directory: %w", err)
		}
		dir = filepath.Join(base, "p2p-share")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding the default settings file.
func (s *Store) Dir() string {
	return s.dir
}

// DefaultPath is where Load and Save go without an override.
func (s *Store) DefaultPath() string {
	return filepath.Join(s.dir, FileName)
}

func (s *Store) resolve(path string) string {
	if path == "" {
		return s.DefaultPath()
	}
	return path
}

// Load reads the setting at path (or the default path). A missing file
// yields Default with no error; an existing file is returned exactly as saved.
func (s *Store) Load(path string) (Setting, error) {
	path = s.resolve(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	var setting Setting
	if _, err := toml.DecodeFile(path, &setting); err != nil {
		return Setting{}, fmt.Errorf("failed to parse setting file %s: %w", path, err)
	}
	return setting, nil
}

// Save writes setting to path (or the default path) atomically.
func (s *Store) Save(path string, setting Setting) error {
	path = s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create setting directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(setting); err != nil {
		return fmt.Errorf("failed to encode setting: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write setting file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace setting file: %w", err)
	}
	return nil
}
