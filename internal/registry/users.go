package registry

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Users caches metadata observed from peers. There is no authoritative
// owner; the newest observation wins.
type Users struct {
	mu    sync.RWMutex
	users map[peer.ID]UserInfo
}

// NewUsers creates an empty user cache.
func NewUsers() *Users {
	return &Users{users: make(map[peer.ID]UserInfo)}
}

// Upsert stores info unless a newer observation is already cached.
// Reports whether the cache changed.
func (u *Users) Upsert(info UserInfo) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	cur, ok := u.users[info.PeerID]
	if ok && cur.LastSeen.After(info.LastSeen) {
		return false
	}
	if ok && cur == info {
		return false
	}
	u.users[info.PeerID] = info
	return true
}

// Touch bumps LastSeen for a known user.
func (u *Users) Touch(p peer.ID, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if cur, ok := u.users[p]; ok && at.After(cur.LastSeen) {
		cur.LastSeen = at
		u.users[p] = cur
	}
}

// Has reports whether p is cached.
func (u *Users) Has(p peer.ID) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.users[p]
	return ok
}

// Get returns the cached info for p.
func (u *Users) Get(p peer.ID) (UserInfo, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	info, ok := u.users[p]
	return info, ok
}

// GetUsers returns every cached user.
func (u *Users) GetUsers() map[peer.ID]UserInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[peer.ID]UserInfo, len(u.users))
	for p, info := range u.users {
		out[p] = info
	}
	return out
}
