package registry

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Manager bundles the group and user registries behind one read surface.
type Manager struct {
	Groups *Groups
	Users  *Users
}

// NewManager creates empty registries.
func NewManager() *Manager {
	return &Manager{Groups: NewGroups(), Users: NewUsers()}
}

// Query is a read against one of the registries. The set of queries is
// closed: GroupQuery and UserQuery.
type Query interface {
	query()
}

// GroupAction selects a group registry read.
type GroupAction int

const (
	GetGroups GroupAction = iota
	GetGroupState
)

// GroupQuery reads the group registry. GroupID is used by GetGroupState.
type GroupQuery struct {
	Action  GroupAction
	GroupID string
}

// UserAction selects a user registry read.
type UserAction int

const (
	GetUsers UserAction = iota
)

// UserQuery reads the user registry.
type UserQuery struct {
	Action UserAction
}

func (GroupQuery) query() {}
func (UserQuery) query()  {}

// Result holds the answer to a Query; only the field for the query's action is set.
type Result struct {
	Groups map[string]GroupInfo
	State  *GroupState
	Users  map[peer.ID]UserInfo
}

// Resolve answers q. It never blocks on the network.
func (m *Manager) Resolve(q Query) (Result, error) {
	switch q := q.(type) {
	case GroupQuery:
		switch q.Action {
		case GetGroups:
			return Result{Groups: m.Groups.GetGroups()}, nil
		case GetGroupState:
			state, err := m.Groups.GetGroupState(q.GroupID)
			if err != nil {
				return Result{}, err
			}
			return Result{State: &state}, nil
		}
		return Result{}, fmt.Errorf("unknown group action: %d", q.Action)
	case UserQuery:
		switch q.Action {
		case GetUsers:
			return Result{Users: m.Users.GetUsers()}, nil
		}
		return Result{}, fmt.Errorf("unknown user action: %d", q.Action)
	}
	return Result{}, fmt.Errorf("unknown query: %T", q)
}
