package node

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	connmgrimpl "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/zot/p2p-share/internal/config"
	"github.com/zot/p2p-share/internal/identity"
)

// allowPrivateGater is a ConnectionGater that allows all connections,
// including those on private/local addresses
type allowPrivateGater struct{}

// Ensure allowPrivateGater implements connmgr.ConnectionGater
var _ connmgr.ConnectionGater = (*allowPrivateGater)(nil)

func (g *allowPrivateGater) InterceptPeerDial(p peer.ID) (allow bool) {
	return true
}

func (g *allowPrivateGater) InterceptAddrDial(p peer.ID, m multiaddr.Multiaddr) (allow bool) {
	return true
}

func (g *allowPrivateGater) InterceptAccept(n network.ConnMultiaddrs) (allow bool) {
	return true
}

func (g *allowPrivateGater) InterceptSecured(dir network.Direction, p peer.ID, n network.ConnMultiaddrs) (allow bool) {
	return true
}

func (g *allowPrivateGater) InterceptUpgraded(c network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

func dhtMode(mode string) dht.ModeOpt {
	switch mode {
	case "server":
		return dht.ModeServer
	case "client":
		return dht.ModeClient
	default:
		return dht.ModeAutoServer
	}
}

// newHost creates the libp2p host without listeners; listening is driven by
// the transport manager. When router is nil a Kademlia DHT is created and
// returned as the content router.
func newHost(ctx context.Context, id *identity.Identity, cfg config.P2PConfig, router func(host.Host) routing.ContentRouting) (host.Host, *dht.IpfsDHT, routing.ContentRouting, error) {
	cm, err := connmgrimpl.NewConnManager(cfg.ConnLowWater, cfg.ConnHighWater)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(id.PrivKey()),
		libp2p.NoListenAddrs,
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(&allowPrivateGater{}), // Allow private/local addresses
	}

	var kdht *dht.IpfsDHT
	if router == nil {
		dhtOpts := []dht.Option{dht.Mode(dhtMode(cfg.DHTMode))}
		if cfg.ProtocolPrefix != "" {
			dhtOpts = append(dhtOpts, dht.ProtocolPrefix(protocol.ID(cfg.ProtocolPrefix)))
		}
		opts = append(opts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kdht, err = dht.New(ctx, h, dhtOpts...)
			return kdht, err
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create host: %w", err)
	}
	if router != nil {
		return h, nil, router(h), nil
	}
	return h, kdht, kdht, nil
}

// discoveryNotifee gets notified when we find a new peer via mDNS discovery
type discoveryNotifee struct {
	ctx context.Context
	h   host.Host
	log *zap.SugaredLogger
}

// HandlePeerFound connects to peers discovered via mDNS
func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	// Best effort; discovery repeats
	if err := n.h.Connect(n.ctx, pi); err != nil {
		n.log.Debugw("mdns connect failed", "peer", pi.ID, "error", err)
		return
	}
	n.log.Infow("connected to mdns peer", "peer", pi.ID)
}
