// CRC: crc-TransportManager.md
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/zot/p2p-share/internal/errkind"
	"github.com/zot/p2p-share/internal/event"
	"github.com/zot/p2p-share/internal/logging"
)

const (
	// DefaultListenAddr is used when StartListening gets an empty address.
	DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"

	// protectTag marks peers the connection manager must keep.
	protectTag = "p2p-share-known"
)

// ListenerID identifies a listener opened by StartListening. IDs are local
// to this process and never reused.
type ListenerID uint64

// listenCloser is implemented by the swarm; the host interface does not expose it.
type listenCloser interface {
	ListenClose(addrs ...ma.Multiaddr)
}

// Manager owns listeners and outbound dials for a host.
// CRC: crc-TransportManager.md
type Manager struct {
	host host.Host
	bus  *event.Bus
	log  *zap.SugaredLogger

	mu        sync.Mutex
	nextID    ListenerID
	listeners map[ListenerID][]ma.Multiaddr
	notifiee  *network.NotifyBundle
}

// New wraps h and starts reporting connectivity changes on bus.
func New(h host.Host, bus *event.Bus, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		host:      h,
		bus:       bus,
		log:       logging.OrNop(log).Named("transport"),
		listeners: make(map[ListenerID][]ma.Multiaddr),
	}
	m.notifiee = &network.NotifyBundle{
		ConnectedF:    m.connected,
		DisconnectedF: m.disconnected,
	}
	h.Network().Notify(m.notifiee)
	return m
}

// Close stops event reporting. The host itself is owned by the caller.
func (m *Manager) Close() {
	m.host.Network().StopNotify(m.notifiee)
}

// Self returns the local peer ID.
func (m *Manager) Self() peer.ID {
	return m.host.ID()
}

func (m *Manager) connected(n network.Network, c network.Conn) {
	// only the first connection to a peer counts
	if len(n.ConnsToPeer(c.RemotePeer())) != 1 {
		return
	}
	m.log.Debugw("peer connected", "peer", c.RemotePeer(), "addr", c.RemoteMultiaddr())
	m.bus.Publish(event.PeerConnected{Peer: c.RemotePeer()})
}

func (m *Manager) disconnected(n network.Network, c network.Conn) {
	if n.Connectedness(c.RemotePeer()) == network.Connected {
		return
	}
	m.log.Debugw("peer disconnected", "peer", c.RemotePeer())
	m.bus.Publish(event.PeerDisconnected{Peer: c.RemotePeer()})
}

// StartListening opens a listener on addr, or DefaultListenAddr when addr is
// empty, and returns its ID with the addresses it resolved to.
// CRC: crc-TransportManager.md
// Sequence: seq-start-listen.md
func (m *Manager) StartListening(ctx context.Context, addr string) (ListenerID, []ma.Multiaddr, error) {
	if addr == "" {
		addr = DefaultListenAddr
	}
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return 0, nil, errkind.New(errkind.Validation, "start_listen", fmt.Errorf("invalid address %q: %w", addr, err))
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, errkind.New(errkind.Timeout, "start_listen", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	before := make(map[string]struct{})
	for _, a := range m.host.Network().ListenAddresses() {
		before[a.String()] = struct{}{}
	}
	if err := m.host.Network().Listen(maddr); err != nil {
		m.log.Warnw("listen failed", "addr", maddr, "error", err)
		return 0, nil, errkind.New(errkind.Transport, "start_listen", fmt.Errorf("failed to listen on %s: %w", maddr, err))
	}

	var accepted []ma.Multiaddr
	for _, a := range m.host.Network().ListenAddresses() {
		if _, ok := before[a.String()]; !ok {
			accepted = append(accepted, a)
		}
	}
	if len(accepted) == 0 {
		// already bound by an earlier listener; the swarm reuses it
		accepted = []ma.Multiaddr{maddr}
	}

	m.nextID++
	id := m.nextID
	m.listeners[id] = accepted
	m.log.Infow("listening", "listener", id, "addrs", accepted)
	m.bus.Publish(event.Listen{ListenerID: uint64(id), Addrs: accepted})
	return id, accepted, nil
}

// StopListening closes every listener. Established connections stay up.
// CRC: crc-TransportManager.md
func (m *Manager) StopListening() error {
	closer, ok := m.host.Network().(listenCloser)
	if !ok {
		return errkind.New(errkind.Transport, "stop_listen", errors.New("network does not support closing listeners"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var addrs []ma.Multiaddr
	for _, a := range m.listeners {
		addrs = append(addrs, a...)
	}
	if len(addrs) > 0 {
		closer.ListenClose(addrs...)
	}
	for id, a := range m.listeners {
		m.log.Infow("listener closed", "listener", id, "addrs", a)
		m.bus.Publish(event.ListenerClosed{ListenerID: uint64(id), Addrs: a})
	}
	m.listeners = make(map[ListenerID][]ma.Multiaddr)
	return nil
}

// Listeners returns the open listeners and their addresses.
func (m *Manager) Listeners() map[ListenerID][]ma.Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ListenerID][]ma.Multiaddr, len(m.listeners))
	for id, addrs := range m.listeners {
		out[id] = append([]ma.Multiaddr(nil), addrs...)
	}
	return out
}

// Dial connects to the peer named by addr's /p2p/ component. Failures are
// reported to the caller and never retried.
// CRC: crc-TransportManager.md
// Sequence: seq-dial.md
func (m *Manager) Dial(ctx context.Context, addr string) (peer.ID, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", errkind.New(errkind.Validation, "dial", fmt.Errorf("invalid address %q: %w", addr, err))
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", errkind.New(errkind.Validation, "dial", fmt.Errorf("address %q has no peer ID: %w", addr, err))
	}
	if info.ID == m.host.ID() {
		return "", errkind.Errorf(errkind.Validation, "dial", "refusing to dial self")
	}
	if err := m.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

// Connect ensures a connection to info, classifying any failure.
func (m *Manager) Connect(ctx context.Context, info peer.AddrInfo) error {
	if err := m.host.Connect(ctx, info); err != nil {
		m.log.Debugw("dial failed", "peer", info.ID, "error", err)
		if ctx.Err() != nil {
			return errkind.New(errkind.Timeout, "dial", fmt.Errorf("failed to connect to %s: %w", info.ID, err))
		}
		return errkind.New(errkind.Transport, "dial", fmt.Errorf("failed to connect to %s: %w", info.ID, err))
	}
	return nil
}

// ConnectedPeers returns the peers with at least one open connection, sorted.
func (m *Manager) ConnectedPeers() []peer.ID {
	peers := m.host.Network().Peers()
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// AddPeers protects known peers from connection pruning. Each entry is a
// peer ID or a multiaddr with a /p2p/ component; addresses are remembered
// permanently. Unparseable entries are skipped.
// CRC: crc-TransportManager.md
// Sequence: seq-add-peers.md
func (m *Manager) AddPeers(entries []string) []peer.AddrInfo {
	var infos []peer.AddrInfo
	for _, entry := range entries {
		info, err := parsePeer(entry)
		if err != nil {
			m.log.Debugw("skipping peer", "entry", entry, "error", err)
			continue
		}
		if len(info.Addrs) > 0 {
			m.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
		}
		m.host.ConnManager().Protect(info.ID, protectTag)
		infos = append(infos, info)
	}
	return infos
}

// RemovePeers drops protection added by AddPeers.
// Sequence: seq-remove-peers.md
func (m *Manager) RemovePeers(entries []string) {
	for _, entry := range entries {
		info, err := parsePeer(entry)
		if err != nil {
			m.log.Debugw("skipping peer", "entry", entry, "error", err)
			continue
		}
		m.host.ConnManager().Unprotect(info.ID, protectTag)
	}
}

// IsProtected reports whether p was added with AddPeers.
func (m *Manager) IsProtected(p peer.ID) bool {
	return m.host.ConnManager().IsProtected(p, protectTag)
}

func parsePeer(entry string) (peer.AddrInfo, error) {
	if id, err := peer.Decode(entry); err == nil {
		return peer.AddrInfo{ID: id}, nil
	}
	maddr, err := ma.NewMultiaddr(entry)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return *info, nil
}
