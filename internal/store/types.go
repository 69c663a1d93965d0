package store

import "errors"

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("store: not found")

// ContentType tags a message payload. The store never looks inside content.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentCiphertext ContentType = "ciphertext"
)

// Valid reports whether c belongs to the known set.
func (c ContentType) Valid() bool {
	return c == ContentText || c == ContentCiphertext
}

// OutboxStatus is the delivery state of a locally composed message.
type OutboxStatus string

const (
	OutboxQueued   OutboxStatus = "queued"
	OutboxRetrying OutboxStatus = "retrying"
	OutboxSent     OutboxStatus = "sent"
	OutboxFailed   OutboxStatus = "failed"
)

// Terminal reports whether no further delivery attempt will be made.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxSent || s == OutboxFailed
}

// Message is one row of a pairwise conversation. Timestamps are Unix
// milliseconds; ReadAt == 0 means unread.
type Message struct {
	ID              int64       `json:"id"`
	ClientMessageID string      `json:"clientMessageId"`
	ServerMessageID string      `json:"serverMessageId,omitempty"`
	FromUserID      string      `json:"fromUserId"`
	ToUserID        string      `json:"toUserId"`
	ContentType     ContentType `json:"contentType"`
	Content         string      `json:"content"`
	CreatedAt       int64       `json:"createdAt"`
	ReadAt          int64       `json:"readAt,omitempty"`
}

// OutboxEntry is the retry bookkeeping attached to an outgoing message.
type OutboxEntry struct {
	Message     Message      `json:"message"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	NextRetryAt int64        `json:"nextRetryAt"`
	LastError   string       `json:"lastError,omitempty"`
}

// RemoteMessage is a normalized record received from the remote side.
type RemoteMessage struct {
	ServerMessageID string
	ClientMessageID string
	FromUserID      string
	ToUserID        string
	ContentType     ContentType
	Content         string
	CreatedAt       int64
	ReadAt          int64
	// Pulled marks a record taken from a conversation listing. Only such
	// rows advance the pull watermark.
	Pulled bool
}

// InboxEntry is the newest message exchanged with one friend.
type InboxEntry struct {
	FriendUserID string  `json:"friendUserId"`
	Last         Message `json:"last"`
	Unread       int     `json:"unread"`
}

// Friend is a counterpart the viewer pulls messages from.
type Friend struct {
	ViewerUserID string `json:"viewerUserId"`
	FriendUserID string `json:"friendUserId"`
	DisplayName  string `json:"displayName,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}
