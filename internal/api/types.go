package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/lifetrack/internal/endpoint"
	"github.com/matheus3301/lifetrack/internal/store"
	intsync "github.com/matheus3301/lifetrack/internal/sync"
)

// StatusReply describes the daemon and its last sync cycle.
type StatusReply struct {
	Profile    string                     `json:"profile"`
	Viewer     string                     `json:"viewer"`
	State      string                     `json:"state"`
	StateSince time.Time                  `json:"stateSince"`
	UptimeMs   int64                      `json:"uptimeMs"`
	Endpoint   endpoint.Resolution        `json:"endpoint"`
	Outbox     map[store.OutboxStatus]int `json:"outbox"`
	LastCycle  *intsync.Summary           `json:"lastCycle,omitempty"`
	// Watchers is the number of open event streams; Dropped counts events
	// they lost to full buffers.
	Watchers int    `json:"watchers"`
	Dropped  uint64 `json:"eventsDropped"`
}

// SendRequest queues a message from the configured viewer. ClientMessageID
// is optional; passing one makes a repeated request a no-op. With Flush set
// a sync cycle runs before the reply.
type SendRequest struct {
	To              string            `json:"to"`
	ContentType     store.ContentType `json:"contentType,omitempty"`
	Content         string            `json:"content"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
	Flush           bool              `json:"flush,omitempty"`
}

type SendReply struct {
	Message store.Message    `json:"message"`
	Queued  bool             `json:"queued"`
	Cycle   *intsync.Summary `json:"cycle,omitempty"`
}

type MarkReadRequest struct {
	ID int64 `json:"id"`
}

type ConversationRequest struct {
	Friend string `json:"friend"`
	Since  int64  `json:"since,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListRequest struct {
	Limit int `json:"limit,omitempty"`
}

type MessagesReply struct {
	Messages []store.Message `json:"messages"`
}

type InboxReply struct {
	Entries []store.InboxEntry `json:"entries"`
}

type OutboxReply struct {
	Entries []store.OutboxEntry `json:"entries"`
}

type AddFriendRequest struct {
	FriendUserID string `json:"friendUserId"`
	DisplayName  string `json:"displayName,omitempty"`
}

type FriendsReply struct {
	Friends []store.Friend `json:"friends"`
}

// EndpointRequest changes the connectivity mode. It takes effect on the next
// cycle.
type EndpointRequest struct {
	Mode      string `json:"mode"`
	ServerURL string `json:"serverUrl,omitempty"`
}

type ViewerRequest struct {
	Viewer string `json:"viewer"`
}

// WatchRequest selects events by kind prefix; empty means all.
type WatchRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

// WatchedEvent is one bus event as streamed to a watcher.
type WatchedEvent struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
