// CRC: crc-ContentDirectory.md
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"go.uber.org/zap"

	"github.com/zot/p2p-share/internal/errkind"
	"github.com/zot/p2p-share/internal/logging"
	"github.com/zot/p2p-share/internal/metrics"
)

// ProviderRecord is this node's soft-state claim to serve Key.
type ProviderRecord struct {
	Key      string    `json:"key"`
	Provider peer.ID   `json:"provider"`
	Expires  time.Time `json:"expires"`
}

// Peers reports current connectivity. The transport manager implements it.
type Peers interface {
	ConnectedPeers() []peer.ID
}

// Options tune announcement and lookup.
type Options struct {
	// ProvideTTL sets the Expires of local provider records.
	ProvideTTL         time.Duration
	ReannounceInterval time.Duration
	LookupTimeout      time.Duration
	AnnounceTimeout    time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type entry struct {
	file   FileDescriptor
	key    cid.Cid
	record ProviderRecord
}

// Directory publishes and discovers content providers over a content router.
// CRC: crc-ContentDirectory.md
type Directory struct {
	self    peer.ID
	router  routing.ContentRouting
	peers   Peers
	opts    Options
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a directory publishing self as provider through router.
func New(self peer.ID, router routing.ContentRouting, peers Peers, opts Options, m *metrics.Metrics, log *zap.SugaredLogger) *Directory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Directory{
		self:    self,
		router:  router,
		peers:   peers,
		opts:    opts,
		log:     logging.OrNop(log).Named("directory"),
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// Register adds fd to the set of served files without publishing it. The
// next re-announcement publishes it.
func (d *Directory) Register(fd FileDescriptor) (ProviderRecord, error) {
	key, err := ParseKey(fd.Key)
	if err != nil {
		return ProviderRecord{}, err
	}
	fd.Key = key.String()

	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[fd.Key]
	if !ok {
		e = &entry{key: key, record: ProviderRecord{Key: fd.Key, Provider: d.self}}
		d.entries[fd.Key] = e
	}
	e.file = fd
	return e.record, nil
}

// Announce registers fd and publishes this node as its provider. The file
// stays registered even if publishing fails; the next re-announcement retries.
// CRC: crc-ContentDirectory.md
// Sequence: seq-start-provide.md
func (d *Directory) Announce(ctx context.Context, fd FileDescriptor) (ProviderRecord, error) {
	rec, err := d.Register(fd)
	if err != nil {
		return ProviderRecord{}, err
	}
	key, _ := ParseKey(rec.Key)

	if err := d.provide(ctx, key); err != nil {
		d.log.Warnw("announce failed, will retry", "key", rec.Key, "name", fd.Name, "error", err)
	} else {
		d.refresh(rec.Key)
	}
	d.log.Infow("providing", "key", rec.Key, "name", fd.Name, "size", fd.Size)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.entries[rec.Key]; ok {
		return e.record, nil
	}
	return rec, nil
}

func (d *Directory) provide(ctx context.Context, key cid.Cid) error {
	if d.opts.AnnounceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.AnnounceTimeout)
		defer cancel()
	}
	err := d.router.Provide(ctx, key, true)
	d.metrics.Announcement(err)
	if err != nil {
		return fmt.Errorf("failed to provide %s: %w", key, err)
	}
	return nil
}

// refresh extends a record's expiry after a successful provide.
func (d *Directory) refresh(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok {
		e.record.Expires = d.opts.Now().Add(d.opts.ProvideTTL)
	}
}

// Withdraw stops announcing key. Records already in the network lapse at
// their TTL.
// CRC: crc-ContentDirectory.md
// Sequence: seq-stop-provide.md
func (d *Directory) Withdraw(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[key]; !ok {
		return errkind.Errorf(errkind.NotFound, "withdraw", "not providing %s", key)
	}
	delete(d.entries, key)
	d.log.Infow("withdrawn", "key", key)
	return nil
}

// Lookup returns the registered descriptor for key.
func (d *Directory) Lookup(key string) (FileDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok {
		return FileDescriptor{}, false
	}
	return e.file, true
}

// List returns every registered descriptor ordered by name, then key.
func (d *Directory) List() []FileDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]FileDescriptor, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.file)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Records returns the provider records of registered files.
func (d *Directory) Records() []ProviderRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ProviderRecord, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// FindProviders streams providers of key: this node first when it holds the
// file, then the router's results in its own order, without duplicates.
// An empty result is not an error. The lookup fails up front only when
// nothing could answer it: no connected peers and no local record.
// The channel closes when the lookup ends or ctx is cancelled.
// CRC: crc-ContentDirectory.md
// Sequence: seq-get-file.md
func (d *Directory) FindProviders(ctx context.Context, key string) (<-chan peer.AddrInfo, error) {
	c, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	key = c.String()

	_, local := d.Lookup(key)
	if !local && len(d.peers.ConnectedPeers()) == 0 {
		return nil, errkind.Errorf(errkind.Transport, "find_providers", "directory unreachable: no connected peers")
	}

	cancel := func() {}
	if d.opts.LookupTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.opts.LookupTimeout)
	}
	out := make(chan peer.AddrInfo)
	go func() {
		defer cancel()
		d.findProviders(ctx, c, local, out)
	}()
	return out, nil
}

func (d *Directory) findProviders(ctx context.Context, key cid.Cid, local bool, out chan<- peer.AddrInfo) {
	defer close(out)

	send := func(info peer.AddrInfo) bool {
		select {
		case out <- info:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if local && !send(peer.AddrInfo{ID: d.self}) {
		return
	}

	seen := map[peer.ID]struct{}{d.self: {}}
	for info := range d.router.FindProvidersAsync(ctx, key, 0) {
		if _, dup := seen[info.ID]; dup {
			continue
		}
		seen[info.ID] = struct{}{}
		if !send(info) {
			return
		}
	}
	d.log.Debugw("lookup finished", "key", key, "providers", len(seen)-1, "local", local)
}

// Run re-announces registered files and collects stale entries until ctx
// ends. Failures are logged and retried on the next tick.
// CRC: crc-ContentDirectory.md
// Sequence: seq-reannounce.md
func (d *Directory) Run(ctx context.Context) error {
	interval := d.opts.ReannounceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.GC()
			d.Reannounce(ctx)
		}
	}
}

// Reannounce provides every registered key once.
func (d *Directory) Reannounce(ctx context.Context) {
	d.mu.RLock()
	keys := make([]cid.Cid, 0, len(d.entries))
	for _, e := range d.entries {
		keys = append(keys, e.key)
	}
	d.mu.RUnlock()
	d.reannounce(ctx, keys)
}

// PublishPending provides the keys whose record was never published or has
// lapsed, such as files provided while no peer was connected. It returns
// how many keys it tried.
func (d *Directory) PublishPending(ctx context.Context) int {
	now := d.opts.Now()
	d.mu.RLock()
	var keys []cid.Cid
	for _, e := range d.entries {
		if !e.record.Expires.After(now) {
			keys = append(keys, e.key)
		}
	}
	d.mu.RUnlock()
	if len(keys) > 0 {
		d.reannounce(ctx, keys)
	}
	return len(keys)
}

func (d *Directory) reannounce(ctx context.Context, keys []cid.Cid) {
	failed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if err := d.provide(ctx, key); err != nil {
			failed++
			d.log.Warnw("re-announce failed", "key", key, "error", err)
			continue
		}
		d.refresh(key.String())
	}
	d.log.Debugw("re-announced", "keys", len(keys), "failed", failed)
}

// GC drops entries whose backing file is gone or no longer matches its
// declared size. It returns the keys it dropped.
func (d *Directory) GC() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dropped []string
	for key, e := range d.entries {
		if e.file.Path == "" {
			continue
		}
		info, err := os.Stat(e.file.Path)
		if err == nil && info.Size() == e.file.Size {
			continue
		}
		delete(d.entries, key)
		dropped = append(dropped, key)
		d.log.Warnw("dropping stale file", "key", key, "path", e.file.Path, "error", err)
	}
	sort.Strings(dropped)
	return dropped
}
