// CRC: crc-GroupRegistry.md
package registry

import (
	"bytes"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/zot/p2p-share/internal/errkind"
)

type groupEntry struct {
	info     GroupInfo
	status   Status
	members  map[peer.ID]struct{}
	messages []GroupMessage
	seen     map[MessageKey]struct{}
}

func newGroupEntry(info GroupInfo, status Status) *groupEntry {
	return &groupEntry{
		info:    info,
		status:  status,
		members: make(map[peer.ID]struct{}),
		seen:    make(map[MessageKey]struct{}),
	}
}

// Groups is the local view of known groups. It is only mutated by
// messaging deliveries and local group creation.
type Groups struct {
	mu     sync.RWMutex
	groups map[string]*groupEntry
}

// NewGroups creates an empty group registry.
func NewGroups() *Groups {
	return &Groups{groups: make(map[string]*groupEntry)}
}

// Add registers a group. An existing entry keeps its info; its status is
// raised to status if that is further along. Reports whether the group was new.
func (g *Groups) Add(info GroupInfo, status Status) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.groups[info.ID]; ok {
		if status > e.status {
			e.status = status
		}
		return false
	}
	g.groups[info.ID] = newGroupEntry(info, status)
	return true
}

// Has reports whether the group is known.
func (g *Groups) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[id]
	return ok
}

// Info returns a group's info.
func (g *Groups) Info(id string) (GroupInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.groups[id]
	if !ok {
		return GroupInfo{}, false
	}
	return e.info, true
}

// Status returns a group's status, Unknown if absent.
func (g *Groups) Status(id string) Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.groups[id]; ok {
		return e.status
	}
	return Unknown
}

// MarkSubscribed moves a group to Subscribed unless it is already receiving.
func (g *Groups) MarkSubscribed(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.groups[id]
	if !ok {
		return errkind.Errorf(errkind.NotFound, "subscribe", "group %s", id)
	}
	if e.status < Subscribed {
		e.status = Subscribed
	}
	return nil
}

// GetGroups returns every known group.
func (g *Groups) GetGroups() map[string]GroupInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]GroupInfo, len(g.groups))
	for id, e := range g.groups {
		out[id] = e.info
	}
	return out
}

// GetGroupState returns a copy of a group's members and messages.
func (g *Groups) GetGroupState(id string) (GroupState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.groups[id]
	if !ok {
		return GroupState{}, errkind.Errorf(errkind.NotFound, "get_group_state", "group %s", id)
	}
	return e.snapshot(), nil
}

func (e *groupEntry) snapshot() GroupState {
	members := make([]peer.ID, 0, len(e.members))
	for p := range e.members {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	messages := make([]GroupMessage, len(e.messages))
	copy(messages, e.messages)
	return GroupState{Members: members, Messages: messages}
}

// AddMember records a membership announcement. Reports whether the member was new.
func (g *Groups) AddMember(id string, p peer.ID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.groups[id]
	if !ok {
		return false, errkind.Errorf(errkind.NotFound, "add_member", "group %s", id)
	}
	return e.addMember(p), nil
}

func (e *groupEntry) addMember(p peer.ID) bool {
	if _, ok := e.members[p]; ok {
		return false
	}
	e.members[p] = struct{}{}
	return true
}

// ApplyMessage appends a delivered message. Messages for unknown groups
// return a NotFound error; a repeated (sender, sequence) is ignored and
// reported as not applied.
func (g *Groups) ApplyMessage(msg GroupMessage) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.groups[msg.GroupID]
	if !ok {
		return false, errkind.Errorf(errkind.NotFound, "apply_message", "group %s", msg.GroupID)
	}
	applied := e.apply(msg)
	if applied && e.status == Subscribed {
		e.status = Receiving
	}
	return applied, nil
}

func (e *groupEntry) apply(msg GroupMessage) bool {
	key := msg.Key()
	if _, dup := e.seen[key]; dup {
		return false
	}
	e.seen[key] = struct{}{}

	i := sort.Search(len(e.messages), func(i int) bool {
		return messageLess(msg, e.messages[i])
	})
	e.messages = append(e.messages, GroupMessage{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = msg
	return true
}

// messageLess orders by timestamp, then sender, then sequence so replicas
// that merged the same messages in different orders agree.
func messageLess(a, b GroupMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Sender != b.Sender {
		return bytes.Compare([]byte(a.Sender), []byte(b.Sender)) < 0
	}
	return a.Sequence < b.Sequence
}

// MergeState folds a snapshot sent by from into the group. Only from's own
// membership and from's own messages are taken; anything it relays for
// other peers is ignored. It returns the messages and members that were
// not already present.
func (g *Groups) MergeState(id string, from peer.ID, state GroupState) ([]GroupMessage, []peer.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.groups[id]
	if !ok {
		return nil, nil, errkind.Errorf(errkind.NotFound, "merge_state", "group %s", id)
	}

	var members []peer.ID
	for _, p := range state.Members {
		if p == from && e.addMember(p) {
			members = append(members, p)
		}
	}
	var messages []GroupMessage
	for _, m := range state.Messages {
		if m.GroupID != id || m.Sender != from {
			continue
		}
		if e.apply(m) {
			messages = append(messages, m)
		}
	}
	if len(messages) > 0 && e.status == Subscribed {
		e.status = Receiving
	}
	return messages, members, nil
}

// StateOf returns p's share of a group: p itself if it is a member, and
// the messages p sent.
func (g *Groups) StateOf(id string, p peer.ID) (GroupState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.groups[id]
	if !ok {
		return GroupState{}, errkind.Errorf(errkind.NotFound, "get_group_state", "group %s", id)
	}
	state := GroupState{Members: []peer.ID{}, Messages: []GroupMessage{}}
	if _, ok := e.members[p]; ok {
		state.Members = append(state.Members, p)
	}
	for _, m := range e.messages {
		if m.Sender == p {
			state.Messages = append(state.Messages, m)
		}
	}
	return state, nil
}

// LastSequence returns the highest sequence held from sender in a group,
// zero if none.
func (g *Groups) LastSequence(id string, sender peer.ID) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.groups[id]
	if !ok {
		return 0
	}
	var last uint64
	for key := range e.seen {
		if key.Sender == sender && key.Sequence > last {
			last = key.Sequence
		}
	}
	return last
}

// Unsubscribe moves a subscribed or receiving group back to status.
// Membership and history are kept.
func (g *Groups) Unsubscribe(id string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.groups[id]
	if !ok {
		return errkind.Errorf(errkind.NotFound, "unsubscribe", "group %s", id)
	}
	if e.status >= Subscribed {
		e.status = status
	}
	return nil
}
