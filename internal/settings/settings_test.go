package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTripDefaultPath(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	saved := Setting{
		IdentityKey:    "CAESQ...",
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/4001"},
		BootstrapPeers: []string{"/ip4/10.0.0.2/tcp/4001/p2p/12D3KooWabc"},
		UserName:       "alice",
		ReceiveDir:     "/tmp/recv",
	}
	require.NoError(t, store.Save("", saved))

	loaded, err := store.Load("")
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	loaded, err := store.Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)
}

func TestExplicitPath(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	other := filepath.Join(t.TempDir(), "nested", "custom.toml")

	require.NoError(t, store.Save(other, Setting{UserName: "bob"}))
	_, err = os.Stat(store.DefaultPath())
	assert.True(t, os.IsNotExist(err))

	loaded, err := store.Load(other)
	require.NoError(t, err)
	assert.Equal(t, "bob", loaded.UserName)
}

func TestLoadCorrupt(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.DefaultPath(), []byte("userName = "), 0600))

	_, err = store.Load("")
	assert.Error(t, err)
}

func TestRoundTripSparseSetting(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	saved := Setting{UserName: "carol"}
	require.NoError(t, store.Save("", saved))

	loaded, err := store.Load("")
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}
