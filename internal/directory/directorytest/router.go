// Package directorytest provides an in-memory content router shared by
// several nodes in one process.
package directorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	ma "github.com/multiformats/go-multiaddr"
)

// Router is a provider table with expiring records.
type Router struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]map[peer.ID]record
	err     error
}

type record struct {
	info    peer.AddrInfo
	expires time.Time
	order   int
}

// New creates a router whose records live for ttl.
func New(ttl time.Duration) *Router {
	return &Router{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]map[peer.ID]record),
	}
}

// SetClock replaces the router's clock.
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetProvideError makes every Provide call fail with err until reset with nil.
func (r *Router) SetProvideError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Put inserts a record directly, as if info had announced key.
func (r *Router) Put(key cid.Cid, info peer.AddrInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(key, info)
}

func (r *Router) put(key cid.Cid, info peer.AddrInfo) {
	recs, ok := r.records[key.KeyString()]
	if !ok {
		recs = make(map[peer.ID]record)
		r.records[key.KeyString()] = recs
	}
	order := len(recs)
	if cur, ok := recs[info.ID]; ok {
		order = cur.order
	}
	recs[info.ID] = record{info: info, expires: r.now().Add(r.ttl), order: order}
}

// Providers returns the live providers of key in announcement order.
func (r *Router) Providers(key cid.Cid) []peer.AddrInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var live []record
	for _, rec := range r.records[key.KeyString()] {
		if now.Before(rec.expires) {
			live = append(live, rec)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].order < live[j].order })
	out := make([]peer.AddrInfo, len(live))
	for i, rec := range live {
		out[i] = rec.info
	}
	return out
}

// For returns the view of the router used by host h.
func (r *Router) For(h host.Host) routing.ContentRouting {
	return &view{router: r, id: h.ID(), addrs: h.Addrs}
}

// ForPeer returns a view that announces id without addresses.
func (r *Router) ForPeer(id peer.ID) routing.ContentRouting {
	return &view{router: r, id: id, addrs: func() []ma.Multiaddr { return nil }}
}

type view struct {
	router *Router
	id     peer.ID
	addrs  func() []ma.Multiaddr
}

func (v *view) Provide(ctx context.Context, key cid.Cid, announce bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.router.mu.Lock()
	defer v.router.mu.Unlock()
	if v.router.err != nil {
		return v.router.err
	}
	if announce {
		v.router.put(key, peer.AddrInfo{ID: v.id, Addrs: v.addrs()})
	}
	return nil
}

func (v *view) FindProvidersAsync(ctx context.Context, key cid.Cid, count int) <-chan peer.AddrInfo {
	providers := v.router.Providers(key)
	if count > 0 && len(providers) > count {
		providers = providers[:count]
	}
	out := make(chan peer.AddrInfo)
	go func() {
		defer close(out)
		for _, info := range providers {
			select {
			case out <- info:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
