// CRC: crc-GroupMessaging.md
package group

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/zot/p2p-share/internal/errkind"
	"github.com/zot/p2p-share/internal/registry"
)

const (
	// TopicPrefix prefixes a group ID to form its topic name.
	TopicPrefix = "p2p-share/group/"
	// AnnounceTopic carries group announcements for every group.
	AnnounceTopic = "p2p-share/groups"
)

// Envelope kinds.
const (
	KindMessage = "message"
	KindJoin    = "join"
	KindState   = "state"
	KindGroup   = "group"
)

// envelope is the payload of every pubsub message the node sends.
type envelope struct {
	Kind    string                 `json:"kind"`
	Sender  peer.ID                `json:"sender"`
	GroupID string                 `json:"groupId"`
	Name    string                 `json:"name,omitempty"`
	Message *registry.GroupMessage `json:"message,omitempty"`
	State   *registry.GroupState   `json:"state,omitempty"`
	Group   *registry.GroupInfo    `json:"group,omitempty"`
	// Joiner and LastSequence answer a join: the highest sequence the
	// replying member holds from the joiner, so a restarted node does not
	// reuse sequences.
	Joiner       peer.ID `json:"joiner,omitempty"`
	LastSequence uint64  `json:"lastSequence,omitempty"`
}

// TopicName returns the topic a group's traffic is carried on.
func TopicName(groupID string) string {
	return TopicPrefix + groupID
}

// groupOfTopic is the inverse of TopicName. It returns "" for the
// announcement topic.
func groupOfTopic(topic string) string {
	return strings.TrimPrefix(topic, TopicPrefix)
}

// decode parses and checks an envelope received on topic from origin.
func decode(data []byte, topic string, origin peer.ID) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errkind.New(errkind.Validation, "decode", fmt.Errorf("malformed envelope: %w", err))
	}
	if env.Sender != origin {
		return &env, errkind.Errorf(errkind.Validation, "decode", "sender %s does not match origin %s", env.Sender, origin)
	}

	if topic == AnnounceTopic {
		if env.Kind != KindGroup || env.Group == nil || env.Group.ID == "" || env.Group.Name == "" {
			return &env, errkind.Errorf(errkind.Validation, "decode", "bad group announcement")
		}
		return &env, nil
	}

	if env.GroupID != groupOfTopic(topic) {
		return &env, errkind.Errorf(errkind.Validation, "decode", "group %s sent on topic %s", env.GroupID, topic)
	}
	switch env.Kind {
	case KindMessage:
		m := env.Message
		if m == nil || m.Sender != origin || m.GroupID != env.GroupID || m.Sequence == 0 {
			return &env, errkind.Errorf(errkind.Validation, "decode", "bad message")
		}
	case KindJoin:
	case KindState:
		if env.State == nil {
			return &env, errkind.Errorf(errkind.Validation, "decode", "state envelope without state")
		}
		for _, p := range env.State.Members {
			if p != origin {
				return &env, errkind.Errorf(errkind.Validation, "decode", "state names member %s", p)
			}
		}
		for _, m := range env.State.Messages {
			if m.GroupID != env.GroupID || m.Sequence == 0 {
				return &env, errkind.Errorf(errkind.Validation, "decode", "state carries a message for another group")
			}
			if m.Sender != origin {
				return &env, errkind.Errorf(errkind.Validation, "decode", "state carries a message from %s", m.Sender)
			}
		}
	default:
		return &env, errkind.Errorf(errkind.Validation, "decode", "unknown kind %q", env.Kind)
	}
	return &env, nil
}
