package directory_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/directory/directorytest"
	"github.com/zot/p2p-share/internal/errkind"
	"github.com/zot/p2p-share/internal/identity"
)

type fakePeers struct {
	mu    sync.Mutex
	peers []peer.ID
}

func (f *fakePeers) ConnectedPeers() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peer.ID(nil), f.peers...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID()
}

func writeFile(t *testing.T, name string, data []byte) directory.FileDescriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	fd, err := directory.Describe(path, "")
	require.NoError(t, err)
	return fd
}

type fixture struct {
	self   peer.ID
	router *directorytest.Router
	peers  *fakePeers
	clock  *clock
	dir    *directory.Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		self:   newPeerID(t),
		router: directorytest.New(time.Hour),
		peers:  &fakePeers{},
		clock:  &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.router.SetClock(f.clock.Now)
	f.dir = directory.New(f.self, f.router.ForPeer(f.self), f.peers, directory.Options{
		ProvideTTL:         time.Hour,
		ReannounceInterval: 30 * time.Minute,
		LookupTimeout:      5 * time.Second,
		AnnounceTimeout:    5 * time.Second,
		Now:                f.clock.Now,
	}, nil, zaptest.NewLogger(t).Sugar())
	return f
}

func collect(t *testing.T, ch <-chan peer.AddrInfo) []peer.ID {
	t.Helper()
	var ids []peer.ID
	timeout := time.After(5 * time.Second)
	for {
		select {
		case info, ok := <-ch:
			if !ok {
				return ids
			}
			ids = append(ids, info.ID)
		case <-timeout:
			t.Fatal("provider lookup did not finish")
		}
	}
}

func TestDescribe(t *testing.T) {
	data := []byte("hello, world\n")
	fd := writeFile(t, "hello.txt", data)

	assert.Equal(t, "hello.txt", fd.Name)
	assert.Equal(t, int64(len(data)), fd.Size)
	assert.Equal(t, "text/plain; charset=utf-8", fd.MediaType)
	assert.Equal(t, directory.KeyForBytes(data).String(), fd.Key)
	assert.True(t, filepath.IsAbs(fd.Path))

	key, err := directory.ParseKey(fd.Key)
	require.NoError(t, err)
	require.NoError(t, directory.Verify(key, data))
	assert.True(t, errors.Is(directory.Verify(key, []byte("tampered")), errkind.Validation))
}

func TestDescribeErrors(t *testing.T) {
	_, err := directory.Describe(filepath.Join(t.TempDir(), "missing"), "")
	assert.True(t, errors.Is(err, errkind.NotFound))

	_, err = directory.Describe(t.TempDir(), "")
	assert.True(t, errors.Is(err, errkind.Validation))
}

func TestAnnounceListWithdraw(t *testing.T) {
	f := newFixture(t)
	a := writeFile(t, "a.txt", []byte("aaaa"))
	b := writeFile(t, "b.txt", []byte("bbbb"))

	rec, err := f.dir.Announce(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, f.self, rec.Provider)
	assert.Equal(t, f.clock.Now().Add(time.Hour), rec.Expires)
	_, err = f.dir.Announce(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, []directory.FileDescriptor{a, b}, f.dir.List())

	require.NoError(t, f.dir.Withdraw(a.Key))
	assert.Equal(t, []directory.FileDescriptor{b}, f.dir.List())
	_, ok := f.dir.Lookup(a.Key)
	assert.False(t, ok)

	err = f.dir.Withdraw(a.Key)
	assert.True(t, errors.Is(err, errkind.NotFound))
}

func TestAnnounceRejectsBadKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.dir.Announce(context.Background(), directory.FileDescriptor{Key: "abc123"})
	assert.True(t, errors.Is(err, errkind.Validation))
}

func TestAnnounceFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	fd := writeFile(t, "a.txt", []byte("aaaa"))
	key, err := directory.ParseKey(fd.Key)
	require.NoError(t, err)

	f.router.SetProvideError(errors.New("no peers in routing table"))
	rec, err := f.dir.Announce(context.Background(), fd)
	require.NoError(t, err)
	assert.True(t, rec.Expires.IsZero())
	assert.Empty(t, f.router.Providers(key))
	assert.Len(t, f.dir.List(), 1)

	f.router.SetProvideError(nil)
	f.dir.Reannounce(context.Background())
	assert.Len(t, f.router.Providers(key), 1)
	assert.False(t, f.dir.Records()[0].Expires.IsZero())
}

func TestPublishPendingOnlyRetriesUnpublished(t *testing.T) {
	f := newFixture(t)
	published := writeFile(t, "a.txt", []byte("aaaa"))
	offline := writeFile(t, "b.txt", []byte("bbbb"))
	offlineKey, err := directory.ParseKey(offline.Key)
	require.NoError(t, err)

	_, err = f.dir.Announce(context.Background(), published)
	require.NoError(t, err)
	f.router.SetProvideError(errors.New("no peers in routing table"))
	_, err = f.dir.Announce(context.Background(), offline)
	require.NoError(t, err)
	assert.Empty(t, f.router.Providers(offlineKey))

	f.router.SetProvideError(nil)
	assert.Equal(t, 1, f.dir.PublishPending(context.Background()))
	assert.Len(t, f.router.Providers(offlineKey), 1)
	assert.Zero(t, f.dir.PublishPending(context.Background()))

	// lapsed records count as pending again
	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 2, f.dir.PublishPending(context.Background()))
}

func TestReannounceKeepsRecordAlive(t *testing.T) {
	f := newFixture(t)
	fd := writeFile(t, "a.txt", []byte("aaaa"))
	key, err := directory.ParseKey(fd.Key)
	require.NoError(t, err)
	_, err = f.dir.Announce(context.Background(), fd)
	require.NoError(t, err)

	f.clock.Advance(50 * time.Minute)
	f.dir.Reannounce(context.Background())
	f.clock.Advance(50 * time.Minute)
	assert.Len(t, f.router.Providers(key), 1, "re-announced record should outlive the first TTL")

	require.NoError(t, f.dir.Withdraw(fd.Key))
	f.dir.Reannounce(context.Background())
	f.clock.Advance(2 * time.Hour)
	assert.Empty(t, f.router.Providers(key), "withdrawn record should lapse")
}

func TestFindProvidersOrder(t *testing.T) {
	f := newFixture(t)
	fd := writeFile(t, "a.txt", []byte("aaaa"))
	key, err := directory.ParseKey(fd.Key)
	require.NoError(t, err)

	other1, other2 := newPeerID(t), newPeerID(t)
	f.router.Put(key, peer.AddrInfo{ID: other1})
	f.router.Put(key, peer.AddrInfo{ID: other2})
	_, err = f.dir.Announce(context.Background(), fd)
	require.NoError(t, err)

	ch, err := f.dir.FindProviders(context.Background(), fd.Key)
	require.NoError(t, err)
	assert.Equal(t, []peer.ID{f.self, other1, other2}, collect(t, ch))
}

func TestFindProvidersUnregisteredKeyIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.peers.peers = []peer.ID{newPeerID(t)}

	ch, err := f.dir.FindProviders(context.Background(), directory.KeyForBytes([]byte("nobody")).String())
	require.NoError(t, err)
	assert.Empty(t, collect(t, ch))
}

func TestFindProvidersUnreachable(t *testing.T) {
	f := newFixture(t)
	_, err := f.dir.FindProviders(context.Background(), directory.KeyForBytes([]byte("x")).String())
	assert.True(t, errors.Is(err, errkind.Transport))

	_, err = f.dir.FindProviders(context.Background(), "not-a-key")
	assert.True(t, errors.Is(err, errkind.Validation))
}

func TestFindProvidersStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	fd := writeFile(t, "a.txt", []byte("aaaa"))
	key, err := directory.ParseKey(fd.Key)
	require.NoError(t, err)
	f.router.Put(key, peer.AddrInfo{ID: newPeerID(t)})
	f.peers.peers = []peer.ID{newPeerID(t)}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.dir.FindProviders(ctx, fd.Key)
	require.NoError(t, err)
	cancel()
	collect(t, ch)
}

func TestGCDropsChangedFiles(t *testing.T) {
	f := newFixture(t)
	kept := writeFile(t, "kept.txt", []byte("kept"))
	gone := writeFile(t, "gone.txt", []byte("gone"))
	grown := writeFile(t, "grown.txt", []byte("grown"))
	for _, fd := range []directory.FileDescriptor{kept, gone, grown} {
		_, err := f.dir.Announce(context.Background(), fd)
		require.NoError(t, err)
	}

	require.NoError(t, os.Remove(gone.Path))
	require.NoError(t, os.WriteFile(grown.Path, []byte("grown bigger"), 0o644))

	dropped := f.dir.GC()
	assert.ElementsMatch(t, []string{gone.Key, grown.Key}, dropped)
	assert.Equal(t, []directory.FileDescriptor{kept}, f.dir.List())
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dir.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegisterDefersPublishing(t *testing.T) {
	f := newFixture(t)
	fd := writeFile(t, "a.txt", []byte("aaaa"))
	key, err := directory.ParseKey(fd.Key)
	require.NoError(t, err)

	_, err = f.dir.Register(fd)
	require.NoError(t, err)
	assert.Equal(t, []directory.FileDescriptor{fd}, f.dir.List())
	assert.Empty(t, f.router.Providers(key))

	f.dir.Reannounce(context.Background())
	assert.Len(t, f.router.Providers(key), 1)
}
