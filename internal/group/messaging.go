// CRC: crc-GroupMessaging.md
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zot/p2p-share/internal/errkind"
	"github.com/zot/p2p-share/internal/event"
	"github.com/zot/p2p-share/internal/logging"
	"github.com/zot/p2p-share/internal/metrics"
	"github.com/zot/p2p-share/internal/registry"
)

const (
	// MaxMessageSize bounds one encoded group message so that every
	// message fits in a state page.
	MaxMessageSize = pubsub.DefaultMaxMessageSize / 2
	// maxStatePage bounds the encoded messages in one state envelope,
	// leaving headroom under gossipsub's message size limit.
	maxStatePage = pubsub.DefaultMaxMessageSize * 3 / 4
	// sequence hints above this are ignored so a bad peer cannot wrap
	// the local counter
	maxSequenceHint = 1 << 62
)

// Options configure a Messaging instance.
type Options struct {
	// UserName is announced to other peers with joins and group announcements.
	UserName string
	// AnnounceInterval is how often locally created and subscribed groups
	// are re-announced. Zero disables the periodic announcement.
	AnnounceInterval time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// topicHandle is a joined topic and, once subscribed, its subscription.
type topicHandle struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// Messaging maps groups onto gossipsub topics and feeds deliveries into
// the registry.
// CRC: crc-GroupMessaging.md
type Messaging struct {
	ctx     context.Context
	ps      *pubsub.PubSub
	self    peer.ID
	reg     *registry.Manager
	bus     *event.Bus
	opts    Options
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	seq atomic.Uint64

	mu     sync.Mutex
	topics map[string]*topicHandle
}

// New joins the group announcement topic and starts delivering from it.
// ctx bounds every subscription reader.
func New(ctx context.Context, ps *pubsub.PubSub, self peer.ID, reg *registry.Manager, bus *event.Bus, opts Options, m *metrics.Metrics, log *zap.SugaredLogger) (*Messaging, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Messaging{
		ctx:     ctx,
		ps:      ps,
		self:    self,
		reg:     reg,
		bus:     bus,
		opts:    opts,
		log:     logging.OrNop(log).Named("group"),
		metrics: m,
		topics:  make(map[string]*topicHandle),
	}
	reg.Users.Upsert(registry.UserInfo{PeerID: self, Name: opts.UserName, LastSeen: opts.Now()})

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.subscribeLocked(AnnounceTopic); err != nil {
		return nil, err
	}
	return g, nil
}

// Close cancels every subscription and leaves every topic.
func (g *Messaging) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs error
	for name, h := range g.topics {
		errs = multierr.Append(errs, g.leaveLocked(name, h))
	}
	return errs
}

// leaveLocked cancels the topic's subscription and closes it.
// Caller must hold g.mu.
func (g *Messaging) leaveLocked(name string, h *topicHandle) error {
	if h.sub != nil {
		h.cancel()
		h.sub.Cancel()
		h.sub = nil
	}
	delete(g.topics, name)
	if err := g.ps.UnregisterTopicValidator(name); err != nil {
		g.log.Debugw("failed to unregister validator", "topic", name, "error", err)
	}
	if err := h.topic.Close(); err != nil {
		return fmt.Errorf("failed to close topic %s: %w", name, err)
	}
	return nil
}

// joinLocked returns the topic handle, joining the topic if needed.
// Caller must hold g.mu.
func (g *Messaging) joinLocked(name string) (*topicHandle, error) {
	if h, ok := g.topics[name]; ok {
		return h, nil
	}
	if err := g.ps.RegisterTopicValidator(name, g.validate); err != nil {
		return nil, fmt.Errorf("failed to register validator for %s: %w", name, err)
	}
	t, err := g.ps.Join(name)
	if err != nil {
		_ = g.ps.UnregisterTopicValidator(name)
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}
	h := &topicHandle{topic: t}
	g.topics[name] = h
	return h, nil
}

// subscribeLocked subscribes to the topic and starts its reader. It reports
// whether a new subscription was made. Caller must hold g.mu.
func (g *Messaging) subscribeLocked(name string) (bool, error) {
	h, err := g.joinLocked(name)
	if err != nil {
		return false, err
	}
	if h.sub != nil {
		return false, nil
	}
	sub, err := h.topic.Subscribe()
	if err != nil {
		return false, fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	ctx, cancel := context.WithCancel(g.ctx)
	h.sub, h.cancel = sub, cancel
	go g.readFromTopic(ctx, name, sub)
	return true, nil
}

// validate drops envelopes that do not decode or whose declared sender is
// not the message origin. Accepted envelopes ride along in ValidatorData.
func (g *Messaging) validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	env, err := decode(msg.Data, msg.GetTopic(), msg.GetFrom())
	if err != nil {
		kind := "unknown"
		if env != nil && env.Kind != "" {
			kind = env.Kind
		}
		g.metrics.Delivery(kind, "invalid")
		g.log.Infow("dropping invalid envelope", "topic", msg.GetTopic(), "from", msg.GetFrom(), "error", err)
		return pubsub.ValidationReject
	}
	msg.ValidatorData = env
	return pubsub.ValidationAccept
}

func (g *Messaging) readFromTopic(ctx context.Context, name string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				g.log.Warnw("error reading from topic", "topic", name, "error", err)
				g.bus.Publish(event.BackendError{Err: fmt.Errorf("topic %s: %w", name, err)})
			}
			return
		}
		env, ok := msg.ValidatorData.(*envelope)
		if !ok {
			// validator was bypassed; decode again
			if env, err = decode(msg.Data, name, msg.GetFrom()); err != nil {
				g.log.Infow("dropping invalid envelope", "topic", name, "error", err)
				continue
			}
		}
		g.deliver(ctx, env)
	}
}

// deliver applies one accepted envelope.
// Sequence: seq-group-delivery.md
func (g *Messaging) deliver(ctx context.Context, env *envelope) {
	g.observeUser(env)
	switch env.Kind {
	case KindGroup:
		g.deliverGroup(env)
	case KindMessage:
		g.deliverMessage(env)
	case KindJoin:
		g.deliverJoin(ctx, env)
	case KindState:
		g.deliverState(env)
	}
}

func (g *Messaging) observeUser(env *envelope) {
	now := g.opts.Now()
	if env.Name == "" {
		g.reg.Users.Touch(env.Sender, now)
		return
	}
	info := registry.UserInfo{PeerID: env.Sender, Name: env.Name, LastSeen: now}
	if g.reg.Users.Upsert(info) {
		g.bus.Publish(event.UserUpdate{Peer: env.Sender, User: info})
	}
}

func (g *Messaging) deliverGroup(env *envelope) {
	info := *env.Group
	if g.reg.Groups.Add(info, registry.Known) {
		g.log.Infow("learned group", "group", info.ID, "name", info.Name, "from", env.Sender)
		g.metrics.Delivery(KindGroup, "applied")
		g.bus.Publish(event.GroupUpdate{GroupID: info.ID, Info: info})
		return
	}
	g.metrics.Delivery(KindGroup, "duplicate")
}

func (g *Messaging) deliverMessage(env *envelope) {
	msg := *env.Message
	if msg.Sender == g.self {
		g.observeSequence(msg.Sequence)
	}
	applied, err := g.reg.Groups.ApplyMessage(msg)
	if err != nil {
		g.metrics.Delivery(KindMessage, "dropped")
		g.log.Debugw("dropping message for unknown group", "group", msg.GroupID, "sender", msg.Sender)
		return
	}
	if !applied {
		g.metrics.Delivery(KindMessage, "duplicate")
		return
	}
	g.metrics.Delivery(KindMessage, "applied")
	g.bus.Publish(event.Message{GroupID: msg.GroupID, Message: msg})
}

func (g *Messaging) deliverJoin(ctx context.Context, env *envelope) {
	added, err := g.reg.Groups.AddMember(env.GroupID, env.Sender)
	if err != nil {
		g.metrics.Delivery(KindJoin, "dropped")
		return
	}
	if !added {
		g.metrics.Delivery(KindJoin, "duplicate")
	} else {
		g.metrics.Delivery(KindJoin, "applied")
		g.bus.Publish(event.Subscribed{GroupID: env.GroupID, Peer: env.Sender})
	}
	if env.Sender == g.self || g.reg.Groups.Status(env.GroupID) < registry.Subscribed {
		return
	}
	g.sendState(ctx, env.GroupID, env.Sender)
}

// sendState brings a newcomer up to date with this node's own share of a
// group: its membership and the messages it sent.
func (g *Messaging) sendState(ctx context.Context, groupID string, joiner peer.ID) {
	state, err := g.reg.Groups.StateOf(groupID, g.self)
	if err != nil {
		return
	}
	pages, err := pageState(state, maxStatePage)
	if err != nil {
		g.log.Warnw("failed to page group state", "group", groupID, "error", err)
		return
	}
	last := g.reg.Groups.LastSequence(groupID, joiner)
	for i := range pages {
		env := envelope{Kind: KindState, GroupID: groupID, State: &pages[i], Joiner: joiner, LastSequence: last}
		if err := g.send(ctx, TopicName(groupID), env); err != nil {
			g.log.Warnw("failed to send group state", "group", groupID, "page", i, "pages", len(pages), "error", err)
			return
		}
	}
}

// pageState splits state so the encoded messages of each piece stay under
// limit. Members ride on the first page. A message larger than limit gets
// a page of its own.
func pageState(state registry.GroupState, limit int) ([]registry.GroupState, error) {
	// sizes count the enclosing brackets and one separator per message
	pages := []registry.GroupState{{Members: state.Members, Messages: []registry.GroupMessage{}}}
	size := 2
	for _, m := range state.Messages {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}
		cur := &pages[len(pages)-1]
		if len(cur.Messages) > 0 && size+len(data)+1 > limit {
			pages = append(pages, registry.GroupState{Members: []peer.ID{}, Messages: []registry.GroupMessage{}})
			cur = &pages[len(pages)-1]
			size = 2
		}
		cur.Messages = append(cur.Messages, m)
		size += len(data) + 1
	}
	return pages, nil
}

func (g *Messaging) deliverState(env *envelope) {
	if env.Joiner == g.self && env.LastSequence < maxSequenceHint {
		g.observeSequence(env.LastSequence)
	}
	messages, members, err := g.reg.Groups.MergeState(env.GroupID, env.Sender, *env.State)
	if err != nil {
		g.metrics.Delivery(KindState, "dropped")
		return
	}
	if len(messages) == 0 && len(members) == 0 {
		g.metrics.Delivery(KindState, "duplicate")
		return
	}
	g.metrics.Delivery(KindState, "applied")
	for _, p := range members {
		g.bus.Publish(event.Subscribed{GroupID: env.GroupID, Peer: p})
	}
	for _, m := range messages {
		g.bus.Publish(event.Message{GroupID: env.GroupID, Message: m})
	}
}

// observeSequence keeps the local counter ahead of sequences this node
// used before a restart.
func (g *Messaging) observeSequence(seq uint64) {
	for {
		cur := g.seq.Load()
		if seq <= cur || g.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// send publishes env on topic, joining it first if needed.
func (g *Messaging) send(ctx context.Context, topic string, env envelope) error {
	env.Sender = g.self
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	g.mu.Lock()
	h, err := g.joinLocked(topic)
	g.mu.Unlock()
	if err != nil {
		return errkind.New(errkind.Transport, "publish", err)
	}
	if err := h.topic.Publish(ctx, data); err != nil {
		return errkind.New(errkind.Transport, "publish", fmt.Errorf("failed to publish: %w", err))
	}
	return nil
}

// CreateGroup registers a new group and announces it. An empty ID is
// replaced by a fresh UUID; CreatedBy is always this node.
// CRC: crc-GroupMessaging.md
// Sequence: seq-new-group.md
func (g *Messaging) CreateGroup(ctx context.Context, info registry.GroupInfo) (registry.GroupInfo, error) {
	if info.Name == "" {
		return registry.GroupInfo{}, errkind.Errorf(errkind.Validation, "new_group", "group name is required")
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	} else if _, err := uuid.Parse(info.ID); err != nil {
		return registry.GroupInfo{}, errkind.New(errkind.Validation, "new_group", fmt.Errorf("invalid group ID %q: %w", info.ID, err))
	}
	info.CreatedBy = g.self
	if info.CreatedAt.IsZero() {
		info.CreatedAt = g.opts.Now().UTC()
	}

	if !g.reg.Groups.Add(info, registry.Created) {
		return registry.GroupInfo{}, errkind.Errorf(errkind.Validation, "new_group", "group %s already exists", info.ID)
	}
	g.log.Infow("created group", "group", info.ID, "name", info.Name)
	g.bus.Publish(event.GroupUpdate{GroupID: info.ID, Info: info})

	if err := g.announce(ctx, info); err != nil {
		// peers learn about it on the next announcement
		g.log.Infow("failed to announce group", "group", info.ID, "error", err)
	}
	return info, nil
}

// Restore re-registers a group remembered from an earlier run.
func (g *Messaging) Restore(info registry.GroupInfo) {
	status := registry.Known
	if info.CreatedBy == g.self {
		status = registry.Created
	}
	if g.reg.Groups.Add(info, status) {
		g.bus.Publish(event.GroupUpdate{GroupID: info.ID, Info: info})
	}
}

func (g *Messaging) announce(ctx context.Context, info registry.GroupInfo) error {
	return g.send(ctx, AnnounceTopic, envelope{Kind: KindGroup, GroupID: info.ID, Name: g.opts.UserName, Group: &info})
}

// AnnounceGroups re-announces every group this node created or subscribed to.
func (g *Messaging) AnnounceGroups(ctx context.Context) {
	groups := g.reg.Groups.GetGroups()
	ids := make([]string, 0, len(groups))
	for id := range groups {
		if g.reg.Groups.Status(id) >= registry.Created {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := g.announce(ctx, groups[id]); err != nil {
			g.log.Debugw("failed to announce group", "group", id, "error", err)
		}
	}
}

// Subscribe starts receiving a known group's traffic and announces this
// node as a member. Subscribing again is a no-op.
// CRC: crc-GroupMessaging.md
// Sequence: seq-subscribe.md
func (g *Messaging) Subscribe(ctx context.Context, groupID string) error {
	if !g.reg.Groups.Has(groupID) {
		return errkind.Errorf(errkind.NotFound, "subscribe", "group %s", groupID)
	}

	g.mu.Lock()
	fresh, err := g.subscribeLocked(TopicName(groupID))
	g.mu.Unlock()
	if err != nil {
		return errkind.New(errkind.Transport, "subscribe", err)
	}
	if err := g.reg.Groups.MarkSubscribed(groupID); err != nil {
		return err
	}
	if added, _ := g.reg.Groups.AddMember(groupID, g.self); added {
		g.bus.Publish(event.Subscribed{GroupID: groupID, Peer: g.self})
	}
	if !fresh {
		return nil
	}
	g.log.Infow("subscribed", "group", groupID)

	if err := g.send(ctx, TopicName(groupID), envelope{Kind: KindJoin, GroupID: groupID, Name: g.opts.UserName}); err != nil {
		g.log.Infow("failed to announce membership", "group", groupID, "error", err)
	}
	return nil
}

// Publish broadcasts payload to a known group. The node need not be
// subscribed. Once the broadcast succeeds the message is applied locally;
// whichever of that and the gossip echo comes second is a duplicate.
// A failed broadcast leaves the group untouched.
// CRC: crc-GroupMessaging.md
// Sequence: seq-publish.md
func (g *Messaging) Publish(ctx context.Context, groupID, payload string) (registry.GroupMessage, error) {
	if !g.reg.Groups.Has(groupID) {
		return registry.GroupMessage{}, errkind.Errorf(errkind.NotFound, "publish_message", "group %s", groupID)
	}
	msg := registry.GroupMessage{
		Sender:    g.self,
		GroupID:   groupID,
		Payload:   payload,
		Timestamp: g.opts.Now().UTC(),
		Sequence:  g.seq.Add(1),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return registry.GroupMessage{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return registry.GroupMessage{}, errkind.Errorf(errkind.Validation, "publish_message", "message is %d bytes, limit is %d", len(data), MaxMessageSize)
	}
	if err := g.send(ctx, TopicName(groupID), envelope{Kind: KindMessage, GroupID: groupID, Message: &msg}); err != nil {
		return registry.GroupMessage{}, err
	}
	if applied, err := g.reg.Groups.ApplyMessage(msg); err == nil && applied {
		g.bus.Publish(event.Message{GroupID: groupID, Message: msg})
	}
	return msg, nil
}

// Unsubscribe stops receiving a group's traffic and leaves its topic. The
// group stays known with its members and history, and its status drops
// back to Created or Known. Unsubscribing when not subscribed is a no-op.
func (g *Messaging) Unsubscribe(groupID string) error {
	info, ok := g.reg.Groups.Info(groupID)
	if !ok {
		return errkind.Errorf(errkind.NotFound, "unsubscribe", "group %s", groupID)
	}

	name := TopicName(groupID)
	g.mu.Lock()
	h, joined := g.topics[name]
	subscribed := joined && h.sub != nil
	var err error
	if subscribed {
		err = g.leaveLocked(name, h)
	}
	g.mu.Unlock()
	if err != nil {
		return errkind.New(errkind.Transport, "unsubscribe", err)
	}

	status := registry.Known
	if info.CreatedBy == g.self {
		status = registry.Created
	}
	if err := g.reg.Groups.Unsubscribe(groupID, status); err != nil {
		return err
	}
	if subscribed {
		g.log.Infow("unsubscribed", "group", groupID)
		g.bus.Publish(event.Unsubscribed{GroupID: groupID, Peer: g.self})
	}
	return nil
}

// Peers lists peers gossipsub knows to be on a group's topic.
func (g *Messaging) Peers(groupID string) []peer.ID {
	peers := g.ps.ListPeers(TopicName(groupID))
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Run re-announces local groups on a ticker until ctx ends.
func (g *Messaging) Run(ctx context.Context) error {
	if g.opts.AnnounceInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(g.opts.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.AnnounceGroups(ctx)
		}
	}
}
