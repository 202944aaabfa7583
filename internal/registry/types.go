// CRC: crc-GroupRegistry.md
package registry

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// GroupInfo describes a group. It is immutable once created.
type GroupInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy peer.ID   `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// GroupMessage is one delivered message. Sequence is monotonic per sender.
type GroupMessage struct {
	Sender    peer.ID   `json:"sender"`
	GroupID   string    `json:"groupId"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// Key identifies a message for deduplication.
func (m GroupMessage) Key() MessageKey {
	return MessageKey{Sender: m.Sender, Sequence: m.Sequence}
}

// MessageKey is the (sender, sequence) pair duplicates are detected by.
type MessageKey struct {
	Sender   peer.ID
	Sequence uint64
}

// GroupState is a snapshot of a group's members and messages.
type GroupState struct {
	Members  []peer.ID      `json:"members"`
	Messages []GroupMessage `json:"messages"`
}

// UserInfo is cached metadata about a peer.
type UserInfo struct {
	PeerID   peer.ID   `json:"peerId"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"lastSeen"`
}

// Status is how far this node has got with a group.
type Status int

const (
	// Unknown groups have no entry at all.
	Unknown Status = iota
	// Known groups were learned from another peer's announcement.
	Known
	// Created groups were created locally.
	Created
	// Subscribed groups have an active topic subscription.
	Subscribed
	// Receiving groups have delivered at least one message since subscribing.
	Receiving
)

func (s Status) String() string {
	switch s {
	case Known:
		return "known"
	case Created:
		return "created"
	case Subscribed:
		return "subscribed"
	case Receiving:
		return "receiving"
	default:
		return "unknown"
	}
}
