package protocol

import (
	"encoding/json"

	"github.com/zot/p2p-share/internal/directory"
	"github.com/zot/p2p-share/internal/registry"
	"github.com/zot/p2p-share/internal/settings"
)

// Message envelope for all WebSocket communications
type Message struct {
	RequestID  int             `json:"requestid"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorResponse  `json:"error,omitempty"`
	IsResponse bool            `json:"isresponse"`
}

// ErrorResponse provides standardized error structure
type ErrorResponse struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Shared response structs

// StringResponse is used for operations that return a single string (peer id, group id)
type StringResponse struct {
	Value string `json:"value"`
}

// Client Request Messages

// StartListenRequest opens a listener; an empty address uses the default
type StartListenRequest struct {
	Addr string `json:"addr,omitempty"`
}

// StartListenResponse returns the listener id and the addresses it bound
type StartListenResponse struct {
	ListenerID uint64   `json:"listenerId"`
	Addrs      []string `json:"addrs"`
}

// ListenersResponse maps listener ids to their addresses
type ListenersResponse struct {
	Listeners map[uint64][]string `json:"listeners"`
}

// DialRequest connects to a peer address ending in /p2p/<id>
type DialRequest struct {
	Addr string `json:"addr"`
}

// PeersResponse returns a list of peer IDs
type PeersResponse struct {
	Peers []string `json:"peers"`
}

// StartProvideRequest announces a local file. File optionally names it,
// sets its media type or pins the expected key.
type StartProvideRequest struct {
	Path string                    `json:"path"`
	File *directory.FileDescriptor `json:"file,omitempty"`
}

// FileResponse returns one file descriptor
type FileResponse struct {
	File directory.FileDescriptor `json:"file"`
	Path string                   `json:"path,omitempty"`
}

// StopProvideRequest withdraws a file
type StopProvideRequest struct {
	File directory.FileDescriptor `json:"file"`
}

// FilesResponse lists provided files
type FilesResponse struct {
	Files []directory.FileDescriptor `json:"files"`
}

// GetFileRequest fetches a file from whichever peer provides it. With Inline
// the content is returned base64 encoded instead of written to the receive
// directory.
type GetFileRequest struct {
	File   directory.FileDescriptor `json:"file"`
	Inline bool                     `json:"inline,omitempty"`
}

// GetFileResponse reports where a fetched file was written, or its content
type GetFileResponse struct {
	File    directory.FileDescriptor `json:"file"`
	Path    string                   `json:"path,omitempty"`
	Content string                   `json:"content,omitempty"` // base64 encoded
}

// NewGroupRequest creates a group; an empty ID is generated
type NewGroupRequest struct {
	Group registry.GroupInfo `json:"group"`
}

// GroupResponse returns a created group
type GroupResponse struct {
	GroupID string             `json:"groupId"`
	Group   registry.GroupInfo `json:"group"`
}

// GroupRequest names a group
type GroupRequest struct {
	GroupID string `json:"groupId"`
}

// PublishRequest publishes a message to a group
type PublishRequest struct {
	GroupID string `json:"groupId"`
	Message string `json:"message"`
}

// PublishResponse returns the message as applied locally
type PublishResponse struct {
	Message registry.GroupMessage `json:"message"`
}

// GroupsResponse lists known groups
type GroupsResponse struct {
	Groups map[string]registry.GroupInfo `json:"groups"`
}

// GroupStateResponse returns a group's members and messages
type GroupStateResponse struct {
	GroupID string              `json:"groupId"`
	State   registry.GroupState `json:"state"`
}

// UsersResponse lists known users keyed by peer ID
type UsersResponse struct {
	Users map[string]registry.UserInfo `json:"users"`
}

// SettingRequest names a settings file; empty means the default location
type SettingRequest struct {
	Path    string            `json:"path,omitempty"`
	Setting *settings.Setting `json:"setting,omitempty"`
}

// SettingResponse returns a loaded setting
type SettingResponse struct {
	Setting settings.Setting `json:"setting"`
}

// Server Request Messages (sent from server to client)

// ListenEvent reports a listener's current addresses
type ListenEvent struct {
	ListenerID uint64   `json:"listenerId"`
	Addrs      []string `json:"addrs"`
}

// PeerEvent reports a peer connecting or disconnecting
type PeerEvent struct {
	PeerID string `json:"peerid"`
}

// MessageEvent delivers a group message
type MessageEvent struct {
	GroupID string                `json:"groupId"`
	Message registry.GroupMessage `json:"message"`
}

// SubscribedEvent reports a peer joining a group, or this node leaving one
type SubscribedEvent struct {
	GroupID string `json:"groupId"`
	PeerID  string `json:"peerid"`
}

// GroupUpdateEvent reports a new or changed group
type GroupUpdateEvent struct {
	GroupID string             `json:"groupId"`
	Group   registry.GroupInfo `json:"group"`
}

// UserUpdateEvent reports new or changed user metadata
type UserUpdateEvent struct {
	User registry.UserInfo `json:"user"`
}

// ErrorEvent reports a background failure
type ErrorEvent struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}
