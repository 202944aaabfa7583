// CRC: crc-WebSocketHandler.md
package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/errkind"
	"github.com/zot/p2p-share/internal/event"
	"github.com/zot/p2p-share/internal/registry"
	"github.com/zot/p2p-share/internal/settings"
	"github.com/zot/p2p-share/internal/transport"
)

// Node is the set of operations the handler dispatches to (Dependency Inversion)
type Node interface {
	StartListen(ctx context.Context, addr string) (transport.ListenerID, []ma.Multiaddr, error)
	StopListen() error
	Listeners() map[transport.ListenerID][]ma.Multiaddr
	PeerID() peer.ID
	Dial(ctx context.Context, addr string) (peer.ID, error)
	ConnectedPeers() []peer.ID
	// File operations
	StartProvide(ctx context.Context, path string, hint *directory.FileDescriptor) (directory.FileDescriptor, error)
	StopProvide(key string) error
	ListProvide() []directory.FileDescriptor
	GetFile(ctx context.Context, want directory.FileDescriptor) (directory.FileDescriptor, error)
	Fetch(ctx context.Context, want directory.FileDescriptor) (directory.FileDescriptor, []byte, error)
	// Group operations
	NewGroup(ctx context.Context, info registry.GroupInfo) (registry.GroupInfo, error)
	Subscribe(ctx context.Context, groupID string) error
	Unsubscribe(groupID string) error
	PublishMessage(ctx context.Context, groupID, payload string) (registry.GroupMessage, error)
	Query(q registry.Query) (registry.Result, error)
	// Settings
	LoadSetting(path string) (settings.Setting, error)
	SaveSetting(path string, s settings.Setting) error
}

// Handler routes and processes protocol messages
// CRC: crc-WebSocketHandler.md
type Handler struct {
	node      Node
	nextReqID int
	mu        sync.Mutex
}

// NewHandler creates a new protocol handler
func NewHandler(node Node) *Handler {
	return &Handler{node: node}
}

// HandleClientMessage processes messages from the client. Operation failures
// become error responses; the returned error is reserved for the caller's
// transport.
// CRC: crc-WebSocketHandler.md
func (h *Handler) HandleClientMessage(ctx context.Context, msg *Message) (*Message, error) {
	switch msg.Method {
	case "start_listen":
		return h.handleStartListen(ctx, msg)
	case "stop_listen":
		return h.handleStopListen(msg)
	case "get_listeners":
		return h.handleGetListeners(msg)
	case "get_local_peer_id":
		return h.stringResponse(msg.RequestID, h.node.PeerID().String())
	case "dial":
		return h.handleDial(ctx, msg)
	case "connected_peers":
		return h.handleConnectedPeers(msg)
	case "start_provide":
		return h.handleStartProvide(ctx, msg)
	case "stop_provide":
		return h.handleStopProvide(msg)
	case "list_provide":
		return h.result(msg.RequestID, FilesResponse{Files: h.node.ListProvide()})
	case "get_file":
		return h.handleGetFile(ctx, msg)
	case "new_group":
		return h.handleNewGroup(ctx, msg)
	case "subscribe":
		return h.handleSubscribe(ctx, msg)
	case "unsubscribe":
		return h.handleUnsubscribe(msg)
	case "publish_message":
		return h.handlePublish(ctx, msg)
	case "get_groups":
		return h.handleQuery(msg, registry.GroupQuery{Action: registry.GetGroups})
	case "get_group_state":
		var req GroupRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil || req.GroupID == "" {
			return h.errorResponse(msg.RequestID, 400, "invalid params")
		}
		return h.handleQuery(msg, registry.GroupQuery{Action: registry.GetGroupState, GroupID: req.GroupID})
	case "get_users":
		return h.handleQuery(msg, registry.UserQuery{Action: registry.GetUsers})
	case "load_setting":
		return h.handleLoadSetting(msg)
	case "save_setting":
		return h.handleSaveSetting(msg)
	default:
		return h.errorResponse(msg.RequestID, 400, fmt.Sprintf("unknown method: %s", msg.Method))
	}
}

// Client request handlers

func (h *Handler) handleStartListen(ctx context.Context, msg *Message) (*Message, error) {
	var req StartListenRequest
	if msg.Params != nil {
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return h.errorResponse(msg.RequestID, 400, "invalid params")
		}
	}

	id, addrs, err := h.node.StartListen(ctx, req.Addr)
	if err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.result(msg.RequestID, StartListenResponse{ListenerID: uint64(id), Addrs: addrStrings(addrs)})
}

func (h *Handler) handleStopListen(msg *Message) (*Message, error) {
	if err := h.node.StopListen(); err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleGetListeners(msg *Message) (*Message, error) {
	listeners := h.node.Listeners()
	resp := ListenersResponse{Listeners: make(map[uint64][]string, len(listeners))}
	for id, addrs := range listeners {
		resp.Listeners[uint64(id)] = addrStrings(addrs)
	}
	return h.result(msg.RequestID, resp)
}

func (h *Handler) handleDial(ctx context.Context, msg *Message) (*Message, error) {
	var req DialRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil || req.Addr == "" {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	if _, err := h.node.Dial(ctx, req.Addr); err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleConnectedPeers(msg *Message) (*Message, error) {
	peers := h.node.ConnectedPeers()
	resp := PeersResponse{Peers: make([]string, len(peers))}
	for i, p := range peers {
		resp.Peers[i] = p.String()
	}
	return h.result(msg.RequestID, resp)
}

func (h *Handler) handleStartProvide(ctx context.Context, msg *Message) (*Message, error) {
	var req StartProvideRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil || req.Path == "" {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	fd, err := h.node.StartProvide(ctx, req.Path, req.File)
	if err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.result(msg.RequestID, FileResponse{File: fd, Path: fd.Path})
}

func (h *Handler) handleStopProvide(msg *Message) (*Message, error) {
	var req StopProvideRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil || req.File.Key == "" {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	if err := h.node.StopProvide(req.File.Key); err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleGetFile(ctx context.Context, msg *Message) (*Message, error) {
	var req GetFileRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil || req.File.Key == "" {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	if req.Inline {
		fd, content, err := h.node.Fetch(ctx, req.File)
		if err != nil {
			return h.failure(msg.RequestID, err)
		}
		return h.result(msg.RequestID, GetFileResponse{File: fd, Content: base64.StdEncoding.EncodeToString(content)})
	}

	fd, err := h.node.GetFile(ctx, req.File)
	if err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.result(msg.RequestID, GetFileResponse{File: fd, Path: fd.Path})
}

func (h *Handler) handleNewGroup(ctx context.Context, msg *Message) (*Message, error) {
	var req NewGroupRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	info, err := h.node.NewGroup(ctx, req.Group)
	if err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.result(msg.RequestID, GroupResponse{GroupID: info.ID, Group: info})
}

func (h *Handler) handleSubscribe(ctx context.Context, msg *Message) (*Message, error) {
	var req GroupRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil || req.GroupID == "" {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	if err := h.node.Subscribe(ctx, req.GroupID); err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleUnsubscribe(msg *Message) (*Message, error) {
	var req GroupRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil || req.GroupID == "" {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	if err := h.node.Unsubscribe(req.GroupID); err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handlePublish(ctx context.Context, msg *Message) (*Message, error) {
	var req PublishRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil || req.GroupID == "" {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	gm, err := h.node.PublishMessage(ctx, req.GroupID, req.Message)
	if err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.result(msg.RequestID, PublishResponse{Message: gm})
}

// handleQuery answers registry reads through one typed query instead of a
// method per registry.
func (h *Handler) handleQuery(msg *Message, q registry.Query) (*Message, error) {
	res, err := h.node.Query(q)
	if err != nil {
		return h.failure(msg.RequestID, err)
	}

	switch q := q.(type) {
	case registry.GroupQuery:
		if q.Action == registry.GetGroupState {
			return h.result(msg.RequestID, GroupStateResponse{GroupID: q.GroupID, State: *res.State})
		}
		return h.result(msg.RequestID, GroupsResponse{Groups: res.Groups})
	default:
		users := make(map[string]registry.UserInfo, len(res.Users))
		for id, info := range res.Users {
			users[id.String()] = info
		}
		return h.result(msg.RequestID, UsersResponse{Users: users})
	}
}

func (h *Handler) handleLoadSetting(msg *Message) (*Message, error) {
	var req SettingRequest
	if msg.Params != nil {
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return h.errorResponse(msg.RequestID, 400, "invalid params")
		}
	}

	s, err := h.node.LoadSetting(req.Path)
	if err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.result(msg.RequestID, SettingResponse{Setting: s})
}

func (h *Handler) handleSaveSetting(msg *Message) (*Message, error) {
	var req SettingRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil || req.Setting == nil {
		return h.errorResponse(msg.RequestID, 400, "invalid params")
	}

	if err := h.node.SaveSetting(req.Path, *req.Setting); err != nil {
		return h.failure(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

// Server message senders

func (h *Handler) NextRequestID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextReqID
	h.nextReqID++
	return id
}

// CreateEventMessage converts a node event into a server request. Events with
// no client representation return nil.
func (h *Handler) CreateEventMessage(e event.Event) *Message {
	var params any
	switch e := e.(type) {
	case event.Listen:
		params = ListenEvent{ListenerID: e.ListenerID, Addrs: addrStrings(e.Addrs)}
	case event.ListenerClosed:
		params = ListenEvent{ListenerID: e.ListenerID, Addrs: addrStrings(e.Addrs)}
	case event.PeerConnected:
		params = PeerEvent{PeerID: e.Peer.String()}
	case event.PeerDisconnected:
		params = PeerEvent{PeerID: e.Peer.String()}
	case event.Message:
		params = MessageEvent{GroupID: e.GroupID, Message: e.Message}
	case event.Subscribed:
		params = SubscribedEvent{GroupID: e.GroupID, PeerID: e.Peer.String()}
	case event.Unsubscribed:
		params = SubscribedEvent{GroupID: e.GroupID, PeerID: e.Peer.String()}
	case event.GroupUpdate:
		params = GroupUpdateEvent{GroupID: e.GroupID, Group: e.Info}
	case event.UserUpdate:
		params = UserUpdateEvent{User: e.User}
	case event.BackendError:
		params = ErrorEvent{Kind: kindName(e.Err), Message: e.Err.Error()}
	default:
		return nil
	}
	data, _ := json.Marshal(params)
	return &Message{
		RequestID: h.NextRequestID(),
		Method:    e.Name(),
		Params:    data,
	}
}

// Response helpers

// StatusCode maps an operation error to its response code.
func StatusCode(err error) int {
	switch errkind.KindOf(err) {
	case errkind.NotFound:
		return 404
	case errkind.Timeout:
		return 408
	case errkind.Validation:
		return 422
	case errkind.Transport:
		return 502
	default:
		return 500
	}
}

func kindName(err error) string {
	if k := errkind.KindOf(err); k != 0 {
		return k.String()
	}
	return ""
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	sort.Strings(out)
	return out
}

func (h *Handler) result(requestID int, resp any) (*Message, error) {
	result, err := json.Marshal(resp)
	if err != nil {
		return h.errorResponse(requestID, 500, fmt.Sprintf("failed to encode result: %v", err))
	}
	return &Message{
		RequestID:  requestID,
		IsResponse: true,
		Result:     result,
	}, nil
}

func (h *Handler) emptyResponse(requestID int) (*Message, error) {
	return &Message{
		RequestID:  requestID,
		IsResponse: true,
		Result:     json.RawMessage("null"),
	}, nil
}

func (h *Handler) stringResponse(requestID int, value string) (*Message, error) {
	return h.result(requestID, StringResponse{Value: value})
}

func (h *Handler) failure(requestID int, err error) (*Message, error) {
	return &Message{
		RequestID:  requestID,
		IsResponse: true,
		Error: &ErrorResponse{
			Code:    StatusCode(err),
			Kind:    kindName(err),
			Message: err.Error(),
		},
	}, nil
}

func (h *Handler) errorResponse(requestID, code int, message string) (*Message, error) {
	return &Message{
		RequestID:  requestID,
		IsResponse: true,
		Error: &ErrorResponse{
			Code:    code,
			Message: message,
		},
	}, nil
}
