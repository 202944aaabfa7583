package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/routing"
	"go.uber.org/zap/zaptest"

	"github.com/zot/p2p-share/internal/config"
	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/directory/directorytest"
	"github.com/zot/p2p-share/internal/errkind"
	"github.com/zot/p2p-share/internal/event"
	"github.com/zot/p2p-share/internal/identity"
	"github.com/zot/p2p-share/internal/registry"
	"github.com/zot/p2p-share/internal/settings"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.P2P.MDNS = false
	cfg.Transfer.FetchTimeout = config.Duration{Duration: 20 * time.Second}
	cfg.Transfer.AttemptTimeout = config.Duration{Duration: 5 * time.Second}
	return cfg
}

func newTestNode(t *testing.T, router *directorytest.Router, dir string, setting settings.Setting) *Node {
	t.Helper()
	store, err := settings.NewStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}
	n, err := New(context.Background(), Options{
		Config:   testConfig(),
		Settings: store,
		Setting:  setting,
		Log:      zaptest.NewLogger(t).Sugar(),
		Router:   func(h host.Host) routing.ContentRouting { return router.For(h) },
	})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	if _, _, err := n.StartListen(context.Background(), "/ip4/127.0.0.1/tcp/0"); err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return n
}

func connect(t *testing.T, a, b *Node) {
	t.Helper()
	addrs := b.Addrs()
	if len(addrs) == 0 {
		t.Fatal("node has no addresses")
	}
	if _, err := a.Dial(context.Background(), addrs[0].String()); err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}

func TestProvideAndGetFile(t *testing.T) {
	router := directorytest.New(time.Hour)
	a := newTestNode(t, router, t.TempDir(), settings.Default())
	b := newTestNode(t, router, t.TempDir(), settings.Default())
	connect(t, b, a)

	data := []byte("shared over the directory")
	path := writeFile(t, t.TempDir(), "notes.txt", data)

	fd, err := a.StartProvide(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("StartProvide failed: %v", err)
	}
	if fd.Size != int64(len(data)) || fd.Name != "notes.txt" {
		t.Errorf("unexpected descriptor: %+v", fd)
	}
	if list := a.ListProvide(); len(list) != 1 || list[0].Key != fd.Key {
		t.Fatalf("ListProvide = %+v", list)
	}

	got, err := b.GetFile(context.Background(), directory.FileDescriptor{Key: fd.Key})
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if filepath.Dir(got.Path) != filepath.Join(b.settings.Dir(), "downloads") {
		t.Errorf("file written to %s", got.Path)
	}
	content, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatalf("failed to read fetched file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("content = %q, want %q", content, data)
	}

	if err := a.StopProvide(fd.Key); err != nil {
		t.Fatalf("StopProvide failed: %v", err)
	}
	if len(a.ListProvide()) != 0 {
		t.Error("file still listed after StopProvide")
	}
	_, err = b.GetFile(context.Background(), directory.FileDescriptor{Key: fd.Key})
	if !errors.Is(err, errkind.NotFound) {
		t.Errorf("GetFile after withdraw = %v, want not found", err)
	}
}

func TestStartProvideChecksKey(t *testing.T) {
	router := directorytest.New(time.Hour)
	a := newTestNode(t, router, t.TempDir(), settings.Default())
	path := writeFile(t, t.TempDir(), "a.bin", []byte("content"))

	other := directory.KeyForBytes([]byte("other content")).String()
	_, err := a.StartProvide(context.Background(), path, &directory.FileDescriptor{Key: other})
	if !errors.Is(err, errkind.Validation) {
		t.Errorf("StartProvide with wrong key = %v, want validation error", err)
	}

	fd, err := a.StartProvide(context.Background(), path, &directory.FileDescriptor{Name: "renamed.bin", MediaType: "application/x-test"})
	if err != nil {
		t.Fatalf("StartProvide failed: %v", err)
	}
	if fd.Name != "renamed.bin" || fd.MediaType != "application/x-test" {
		t.Errorf("hint ignored: %+v", fd)
	}

	_, err = a.StartProvide(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	if !errors.Is(err, errkind.NotFound) {
		t.Errorf("StartProvide on missing file = %v, want not found", err)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	router := directorytest.New(time.Hour)
	dir := t.TempDir()
	a := newTestNode(t, router, dir, settings.Default())
	id := a.PeerID()

	path := writeFile(t, t.TempDir(), "keep.txt", []byte("persisted"))
	fd, err := a.StartProvide(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("StartProvide failed: %v", err)
	}
	info, err := a.NewGroup(context.Background(), registry.GroupInfo{Name: "book club"})
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	setting := a.Setting()
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b := newTestNode(t, router, dir, setting)
	if b.PeerID() != id {
		t.Errorf("identity changed across restart: %s != %s", b.PeerID(), id)
	}
	if list := b.ListProvide(); len(list) != 1 || list[0].Key != fd.Key {
		t.Errorf("ListProvide after restart = %+v", list)
	}
	res, err := b.Query(registry.GroupQuery{Action: registry.GetGroups})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if got, ok := res.Groups[info.ID]; !ok || got.Name != "book club" {
		t.Errorf("group not restored: %+v", res.Groups)
	}
}

func TestRestoreDropsVanishedFiles(t *testing.T) {
	router := directorytest.New(time.Hour)
	dir := t.TempDir()
	a := newTestNode(t, router, dir, settings.Default())
	path := writeFile(t, t.TempDir(), "gone.txt", []byte("soon deleted"))
	if _, err := a.StartProvide(context.Background(), path, nil); err != nil {
		t.Fatalf("StartProvide failed: %v", err)
	}
	setting := a.Setting()
	a.Close()

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}
	b := newTestNode(t, router, dir, setting)
	if list := b.ListProvide(); len(list) != 0 {
		t.Errorf("vanished file still provided: %+v", list)
	}
}

func TestSaveSettingKeepsIdentity(t *testing.T) {
	router := directorytest.New(time.Hour)
	a := newTestNode(t, router, t.TempDir(), settings.Default())

	s := settings.Default()
	s.UserName = "alice"
	if err := a.SaveSetting("", s); err != nil {
		t.Fatalf("SaveSetting failed: %v", err)
	}
	loaded, err := a.LoadSetting("")
	if err != nil {
		t.Fatalf("LoadSetting failed: %v", err)
	}
	if loaded.UserName != "alice" {
		t.Errorf("UserName = %q", loaded.UserName)
	}
	if loaded.IdentityKey == "" || loaded.IdentityKey != a.Setting().IdentityKey {
		t.Error("identity key not preserved")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	router := directorytest.New(time.Hour)
	a := newTestNode(t, router, t.TempDir(), settings.Setting{ReceiveDir: "downloads"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestOfflineProvidePublishedOnConnect(t *testing.T) {
	router := directorytest.New(time.Hour)
	a := newTestNode(t, router, t.TempDir(), settings.Default())

	router.SetProvideError(errors.New("no peers in routing table"))
	path := writeFile(t, t.TempDir(), "offline.txt", []byte("provided alone"))
	fd, err := a.StartProvide(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("StartProvide failed: %v", err)
	}
	key, err := directory.ParseKey(fd.Key)
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if got := router.Providers(key); len(got) != 0 {
		t.Fatalf("published while offline: %v", got)
	}
	router.SetProvideError(nil)

	other, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan event.Event, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.loop(ctx, events)
	}()
	events <- event.PeerConnected{Peer: other.ID()}

	deadline := time.Now().Add(10 * time.Second)
	for len(router.Providers(key)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending record never published after a peer connected")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := router.Providers(key); got[0].ID != a.PeerID() {
		t.Errorf("provider = %s, want %s", got[0].ID, a.PeerID())
	}
	cancel()
	<-done
}

func TestUnsubscribeIsRemembered(t *testing.T) {
	router := directorytest.New(time.Hour)
	dir := t.TempDir()
	a := newTestNode(t, router, dir, settings.Default())
	ctx := context.Background()

	info, err := a.NewGroup(ctx, registry.GroupInfo{Name: "leaving"})
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	if err := a.Subscribe(ctx, info.ID); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := a.Unsubscribe(info.ID); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := a.registry.Groups.Status(info.ID); got != registry.Created {
		t.Errorf("status after unsubscribe = %v, want created", got)
	}
	recs, err := a.store.Groups()
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Subscribed {
		t.Errorf("stored groups = %+v, want one unsubscribed record", recs)
	}

	err = a.Unsubscribe("00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, errkind.NotFound) {
		t.Errorf("Unsubscribe(unknown) = %v, want NotFound", err)
	}
}
