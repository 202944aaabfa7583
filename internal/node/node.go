// Package node assembles the host, content directory, file transfer and
// group messaging into one peer and exposes the command surface.
// CRC: crc-Node.md
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	discoveryrouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zot/p2p-share/internal/config"
	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/errkind"
	"github.com/zot/p2p-share/internal/event"
	"github.com/zot/p2p-share/internal/group"
	"github.com/zot/p2p-share/internal/identity"
	"github.com/zot/p2p-share/internal/logging"
	"github.com/zot/p2p-share/internal/metrics"
	"github.com/zot/p2p-share/internal/registry"
	"github.com/zot/p2p-share/internal/settings"
	"github.com/zot/p2p-share/internal/store"
	"github.com/zot/p2p-share/internal/transfer"
	"github.com/zot/p2p-share/internal/transport"
)

const (
	// TransferPrefix is the protocol prefix for node-to-node streams.
	TransferPrefix = "/p2p-share"

	// announceDelay lets gossipsub exchange subscriptions with a new peer
	// before groups are announced to it.
	announceDelay = 2 * time.Second

	// groupAnnounceInterval is how often local groups are re-announced.
	groupAnnounceInterval = 5 * time.Minute

	// publicBootstrapTarget is how many public bootstrap peers are enough.
	publicBootstrapTarget = 3
)

// Options configure a Node.
type Options struct {
	Config   *config.Config
	Settings *settings.Store
	Setting  settings.Setting
	// DataDir holds the provide store; empty means the settings directory.
	DataDir string
	Bus     *event.Bus
	Metrics *metrics.Metrics
	Log     *zap.SugaredLogger
	// Router replaces the Kademlia DHT as content router. Pubsub then runs
	// without routing discovery.
	Router func(h host.Host) routing.ContentRouting
}

// Node is one running peer.
type Node struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      *config.Config
	settings *settings.Store
	identity *identity.Identity
	log      *zap.SugaredLogger

	host      host.Host
	dht       *dht.IpfsDHT
	pubsub    *pubsub.PubSub
	mdns      mdns.Service
	store     *store.Store
	bus       *event.Bus
	metrics   *metrics.Metrics
	transport *transport.Manager
	directory *directory.Directory
	transfer  *transfer.Service
	groups    *group.Messaging
	registry  *registry.Manager

	mu      sync.RWMutex
	setting settings.Setting

	closeOnce sync.Once
	closeErr  error
}

// New builds a node. Nothing listens and nothing is announced until Run.
func New(ctx context.Context, opts Options) (_ *Node, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := logging.OrNop(opts.Log)
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus()
	}

	id, generated, err := identity.LoadOrGenerate(opts.Setting.IdentityKey)
	if err != nil {
		return nil, err
	}
	setting := opts.Setting
	if generated {
		if setting.IdentityKey, err = id.Encode(); err != nil {
			return nil, err
		}
		log.Infow("generated new identity", "peer", id.ID())
	}

	ctx, cancel := context.WithCancel(ctx)
	nd := &Node{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		settings: opts.Settings,
		identity: id,
		log:      log.Named("node"),
		bus:      bus,
		metrics:  opts.Metrics,
		registry: registry.NewManager(),
		setting:  setting,
	}
	defer func() {
		if err != nil {
			nd.Close()
		}
	}()

	var router routing.ContentRouting
	nd.host, nd.dht, router, err = newHost(ctx, id, cfg.P2P, opts.Router)
	if err != nil {
		return nil, err
	}
	nd.transport = transport.New(nd.host, bus, log)

	if nd.dht != nil {
		routingDiscovery := discoveryrouting.NewRoutingDiscovery(nd.dht)
		nd.pubsub, err = pubsub.NewGossipSub(ctx, nd.host, pubsub.WithDiscovery(routingDiscovery))
	} else {
		nd.pubsub, err = pubsub.NewGossipSub(ctx, nd.host)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	dataDir := opts.DataDir
	if dataDir == "" && opts.Settings != nil {
		dataDir = opts.Settings.Dir()
	}
	if nd.store, err = store.Open(filepath.Join(dataDir, store.FileName)); err != nil {
		return nil, err
	}

	nd.directory = directory.New(id.ID(), router, nd.transport, directory.Options{
		ProvideTTL:         cfg.Directory.ProvideTTL.Duration,
		ReannounceInterval: cfg.Directory.ReannounceInterval.Duration,
		LookupTimeout:      cfg.Directory.LookupTimeout.Duration,
		AnnounceTimeout:    cfg.Directory.AnnounceTimeout.Duration,
	}, nd.metrics, log)
	nd.transfer = transfer.New(nd.host, nd.directory, TransferPrefix, transfer.Options{
		Timeout:        cfg.Transfer.FetchTimeout.Duration,
		AttemptTimeout: cfg.Transfer.AttemptTimeout.Duration,
		IdleTimeout:    cfg.Transfer.IdleTimeout.Duration,
		MaxProviders:   cfg.Transfer.MaxProviders,
		MaxFileSize:    cfg.Transfer.MaxFileSize,
	}, nd.metrics, log)
	nd.groups, err = group.New(ctx, nd.pubsub, id.ID(), nd.registry, bus, group.Options{
		UserName:         setting.UserName,
		AnnounceInterval: groupAnnounceInterval,
	}, nd.metrics, log)
	if err != nil {
		return nil, err
	}

	if err := nd.restore(); err != nil {
		return nil, err
	}
	return nd, nil
}

// restore reloads provided files and groups from the store. Files are
// published by the first re-announcement in Run.
func (n *Node) restore() error {
	files, err := n.store.Files()
	if err != nil {
		return err
	}
	for _, fd := range files {
		if _, err := n.directory.Register(fd); err != nil {
			n.log.Warnw("skipping stored file", "key", fd.Key, "error", err)
		}
	}
	for _, key := range n.directory.GC() {
		if err := n.store.DeleteFile(key); err != nil {
			return err
		}
	}

	groups, err := n.store.Groups()
	if err != nil {
		return err
	}
	for _, rec := range groups {
		n.groups.Restore(rec.Info)
	}
	n.log.Infow("restored state", "files", len(files), "groups", len(groups))
	return nil
}

// Run listens, bootstraps and drives the node's background work until ctx
// ends or Close is called. Errors from individual operations never stop it.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	events, unsubscribe := n.bus.Subscribe(n.eventBuffer())
	defer unsubscribe()

	n.mu.RLock()
	setting := n.setting
	n.mu.RUnlock()

	for _, addr := range setting.ListenAddrs {
		if _, _, err := n.transport.StartListening(ctx, addr); err != nil {
			n.log.Warnw("could not listen", "addr", addr, "error", err)
			n.bus.Publish(event.BackendError{Err: err})
		}
	}
	if err := n.startMDNS(); err != nil {
		n.log.Warnw("mdns unavailable", "error", err)
		n.bus.Publish(event.BackendError{Err: err})
	}

	g.Go(func() error {
		n.bootstrap(ctx, setting.BootstrapPeers)
		n.directory.Reannounce(ctx)
		n.resubscribe(ctx)
		return nil
	})
	g.Go(func() error { return n.directory.Run(ctx) })
	g.Go(func() error { return n.groups.Run(ctx) })
	g.Go(func() error { return n.loop(ctx, events) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-n.ctx.Done():
		}
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loop routes network events to the components that react to them.
func (n *Node) loop(ctx context.Context, events <-chan event.Event) error {
	timer := time.NewTimer(announceDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e := e.(type) {
			case event.PeerConnected:
				n.registry.Users.Touch(e.Peer, time.Now())
				timer.Reset(announceDelay)
			case event.BackendError:
				n.log.Debugw("backend error", "error", e.Err)
			}
		case <-timer.C:
			// files provided while offline reach the network once a peer shows up
			if pending := n.directory.PublishPending(ctx); pending > 0 {
				n.log.Infow("published pending provider records", "keys", pending)
			}
			n.groups.AnnounceGroups(ctx)
		}
	}
}

func (n *Node) eventBuffer() int {
	if n.cfg.P2P.EventBuffer > 0 {
		return n.cfg.P2P.EventBuffer
	}
	return 64
}

func (n *Node) startMDNS() error {
	if !n.cfg.P2P.MDNS {
		return nil
	}
	notifee := &discoveryNotifee{ctx: n.ctx, h: n.host, log: n.log.Named("mdns")}
	service := mdns.NewMdnsService(n.host, n.cfg.P2P.MDNSServiceName, notifee)
	if err := service.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS: %w", err)
	}
	n.mu.Lock()
	n.mdns = service
	n.mu.Unlock()
	return nil
}

// bootstrap protects and dials the configured peers, optionally the public
// bootstrap peers, and starts the DHT's refresh.
func (n *Node) bootstrap(ctx context.Context, peers []string) {
	infos := n.transport.AddPeers(peers)
	if n.cfg.P2P.BootstrapPublic && n.dht != nil {
		connected := 0
		for _, info := range dht.GetDefaultBootstrapPeerAddrInfos() {
			if err := n.transport.Connect(ctx, info); err == nil {
				connected++
			}
			// Stop after connecting to a few bootstrap nodes (sufficient for DHT)
			if connected >= publicBootstrapTarget {
				break
			}
		}
	}

	var wg sync.WaitGroup
	for _, info := range infos {
		if len(info.Addrs) == 0 {
			continue
		}
		wg.Add(1)
		go func(info peer.AddrInfo) {
			defer wg.Done()
			if err := n.transport.Connect(ctx, info); err != nil {
				n.log.Infow("bootstrap peer unreachable", "peer", info.ID, "error", err)
			}
		}(info)
	}
	wg.Wait()

	if n.dht != nil {
		if err := n.dht.Bootstrap(ctx); err != nil {
			// DHT keeps trying on its own
			n.log.Warnw("DHT bootstrap warning", "error", err)
		}
	}
}

// resubscribe rejoins groups that were subscribed before a restart.
func (n *Node) resubscribe(ctx context.Context) {
	groups, err := n.store.Groups()
	if err != nil {
		n.log.Warnw("failed to read stored groups", "error", err)
		return
	}
	for _, rec := range groups {
		if !rec.Subscribed {
			continue
		}
		if err := n.groups.Subscribe(ctx, rec.Info.ID); err != nil {
			n.log.Warnw("failed to resubscribe", "group", rec.Info.ID, "error", err)
		}
	}
}

// Close stops background work and releases the host and store. Calling it
// again returns the first result.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { n.closeErr = n.close() })
	return n.closeErr
}

func (n *Node) close() error {
	n.cancel()
	var errs error
	if n.groups != nil {
		errs = multierr.Append(errs, n.groups.Close())
	}
	if n.transfer != nil {
		n.transfer.Close()
	}
	if n.transport != nil {
		n.transport.Close()
	}
	n.mu.Lock()
	if n.mdns != nil {
		errs = multierr.Append(errs, n.mdns.Close())
		n.mdns = nil
	}
	n.mu.Unlock()
	if n.dht != nil {
		errs = multierr.Append(errs, n.dht.Close())
	}
	if n.host != nil {
		errs = multierr.Append(errs, n.host.Close())
	}
	if n.store != nil {
		errs = multierr.Append(errs, n.store.Close())
	}
	return errs
}

// Bus returns the node's event bus.
func (n *Node) Bus() *event.Bus {
	return n.bus
}

// Metrics returns the node's metrics, which may be nil.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Setting returns the setting the node is running with.
func (n *Node) Setting() settings.Setting {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.setting
}

// StartListen opens a listener; "" uses the default address.
func (n *Node) StartListen(ctx context.Context, addr string) (transport.ListenerID, []ma.Multiaddr, error) {
	return n.transport.StartListening(ctx, addr)
}

// StopListen closes every listener.
func (n *Node) StopListen() error {
	return n.transport.StopListening()
}

// Listeners returns the open listeners.
func (n *Node) Listeners() map[transport.ListenerID][]ma.Multiaddr {
	return n.transport.Listeners()
}

// PeerID returns the local peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Addrs returns the local addresses with the peer ID appended, ready to dial.
func (n *Node) Addrs() []ma.Multiaddr {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// Dial connects to a /p2p/ address.
func (n *Node) Dial(ctx context.Context, addr string) (peer.ID, error) {
	return n.transport.Dial(ctx, addr)
}

// ConnectedPeers returns the connected peers.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.transport.ConnectedPeers()
}

// StartProvide hashes the file at path and announces it. A supplied
// descriptor may name the file and set its media type; if it carries a key,
// the key must match the file's content.
func (n *Node) StartProvide(ctx context.Context, path string, hint *directory.FileDescriptor) (directory.FileDescriptor, error) {
	name := ""
	if hint != nil {
		name = hint.Name
	}
	fd, err := directory.Describe(path, name)
	if err != nil {
		return directory.FileDescriptor{}, err
	}
	if hint != nil {
		if hint.Key != "" && hint.Key != fd.Key {
			return directory.FileDescriptor{}, errkind.Errorf(errkind.Validation, "start_provide", "file content does not match key %s", hint.Key)
		}
		if hint.MediaType != "" {
			fd.MediaType = hint.MediaType
		}
	}
	if err := n.store.PutFile(fd); err != nil {
		return directory.FileDescriptor{}, err
	}
	if _, err := n.directory.Announce(ctx, fd); err != nil {
		return directory.FileDescriptor{}, err
	}
	return fd, nil
}

// StopProvide withdraws a file.
func (n *Node) StopProvide(key string) error {
	if err := n.directory.Withdraw(key); err != nil {
		return err
	}
	return n.store.DeleteFile(key)
}

// ListProvide returns the files being provided.
func (n *Node) ListProvide() []directory.FileDescriptor {
	return n.directory.List()
}

// GetFile fetches a file into the receive directory and returns its
// descriptor with the local path set.
func (n *Node) GetFile(ctx context.Context, want directory.FileDescriptor) (directory.FileDescriptor, error) {
	return n.transfer.FetchToDir(ctx, want, n.receiveDir())
}

// Fetch fetches a file into memory.
func (n *Node) Fetch(ctx context.Context, want directory.FileDescriptor) (directory.FileDescriptor, []byte, error) {
	return n.transfer.Fetch(ctx, want)
}

func (n *Node) receiveDir() string {
	n.mu.RLock()
	dir := n.setting.ReceiveDir
	n.mu.RUnlock()
	if dir == "" {
		dir = settings.Default().ReceiveDir
	}
	if !filepath.IsAbs(dir) && n.settings != nil {
		dir = filepath.Join(n.settings.Dir(), dir)
	}
	return dir
}

// NewGroup creates a group and remembers it across restarts.
func (n *Node) NewGroup(ctx context.Context, info registry.GroupInfo) (registry.GroupInfo, error) {
	info, err := n.groups.CreateGroup(ctx, info)
	if err != nil {
		return registry.GroupInfo{}, err
	}
	if err := n.store.PutGroup(store.GroupRecord{Info: info}); err != nil {
		n.log.Warnw("failed to store group", "group", info.ID, "error", err)
	}
	return info, nil
}

// Subscribe joins a known group.
func (n *Node) Subscribe(ctx context.Context, groupID string) error {
	if err := n.groups.Subscribe(ctx, groupID); err != nil {
		return err
	}
	info, _ := n.registry.Groups.Info(groupID)
	if err := n.store.PutGroup(store.GroupRecord{Info: info, Subscribed: true}); err != nil {
		n.log.Warnw("failed to store group", "group", groupID, "error", err)
	}
	return nil
}

// Unsubscribe leaves a group's topic. The group is still remembered but is
// no longer rejoined on restart.
func (n *Node) Unsubscribe(groupID string) error {
	if err := n.groups.Unsubscribe(groupID); err != nil {
		return err
	}
	info, _ := n.registry.Groups.Info(groupID)
	if err := n.store.PutGroup(store.GroupRecord{Info: info}); err != nil {
		n.log.Warnw("failed to store group", "group", groupID, "error", err)
	}
	return nil
}

// PublishMessage broadcasts a message to a group.
func (n *Node) PublishMessage(ctx context.Context, groupID, payload string) (registry.GroupMessage, error) {
	return n.groups.Publish(ctx, groupID, payload)
}

// Query answers a registry read. It never touches the network.
func (n *Node) Query(q registry.Query) (registry.Result, error) {
	return n.registry.Resolve(q)
}

// LoadSetting reads a setting file; "" means the default location.
func (n *Node) LoadSetting(path string) (settings.Setting, error) {
	if n.settings == nil {
		return n.Setting(), nil
	}
	return n.settings.Load(path)
}

// SaveSetting writes s; "" means the default location. The node's identity
// is kept when s does not carry one. Saving to the default location also
// updates the running node's receive directory.
func (n *Node) SaveSetting(path string, s settings.Setting) error {
	if n.settings == nil {
		return errkind.Errorf(errkind.Validation, "save_setting", "no settings store")
	}
	if s.IdentityKey == "" {
		key, err := n.identity.Encode()
		if err != nil {
			return err
		}
		s.IdentityKey = key
	}
	if err := n.settings.Save(path, s); err != nil {
		return err
	}
	if path == "" || path == n.settings.DefaultPath() {
		n.mu.Lock()
		n.setting = s
		n.mu.Unlock()
	}
	return nil
}
