// Package event carries node notifications to whoever renders them.
// CRC: crc-EventBus.md
package event

import (
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/zot/p2p-share/internal/registry"
)

// Event is one of the notification types below.
type Event interface {
	// Name is the method name used when the event is sent to a client.
	Name() string
	event()
}

// Listen reports the current address list of a listener.
type Listen struct {
	ListenerID uint64
	Addrs      []ma.Multiaddr
}

// ListenerClosed reports that a listener has no addresses left.
type ListenerClosed struct {
	ListenerID uint64
	Addrs      []ma.Multiaddr
}

// PeerConnected reports a new connection to a peer.
type PeerConnected struct {
	Peer peer.ID
}

// PeerDisconnected reports that the last connection to a peer closed.
type PeerDisconnected struct {
	Peer peer.ID
}

// Message reports a newly applied group message.
type Message struct {
	GroupID string
	Message registry.GroupMessage
}

// Subscribed reports that a peer announced membership of a group.
type Subscribed struct {
	GroupID string
	Peer    peer.ID
}

// Unsubscribed reports that this node stopped receiving a group.
type Unsubscribed struct {
	GroupID string
	Peer    peer.ID
}

// GroupUpdate reports a new or changed group.
type GroupUpdate struct {
	GroupID string
	Info    registry.GroupInfo
}

// UserUpdate reports new metadata for a user.
type UserUpdate struct {
	Peer peer.ID
	User registry.UserInfo
}

// BackendError reports a background failure that no caller is waiting on.
type BackendError struct {
	Err error
}

func (Listen) Name() string           { return "listen" }
func (ListenerClosed) Name() string   { return "listenerClosed" }
func (PeerConnected) Name() string    { return "peerConnected" }
func (PeerDisconnected) Name() string { return "peerDisconnected" }
func (Message) Name() string          { return "message" }
func (Subscribed) Name() string       { return "subscribed" }
func (Unsubscribed) Name() string     { return "unsubscribed" }
func (GroupUpdate) Name() string      { return "groupUpdate" }
func (UserUpdate) Name() string       { return "userUpdate" }
func (BackendError) Name() string     { return "error" }

func (Listen) event()           {}
func (ListenerClosed) event()   {}
func (PeerConnected) event()    {}
func (PeerDisconnected) event() {}
func (Message) event()          {}
func (Subscribed) event()       {}
func (Unsubscribed) event()     {}
func (GroupUpdate) event()      {}
func (UserUpdate) event()       {}
func (BackendError) event()     {}

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber that falls behind loses events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size.
// The returned cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
