package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/lifetrack/internal/store"
	"go.uber.org/zap"
)

// Reject reasons reported by ParseRecord.
const (
	RejectMalformed       = "malformed record"
	RejectMissingID       = "missing id"
	RejectMissingClientID = "missing clientMessageId"
	RejectMissingFrom     = "missing fromUserId"
	RejectMissingTo       = "missing toUserId"
	RejectMissingContent  = "missing content"
	RejectBadCreatedAt    = "invalid createdAt"
	RejectForeign         = "record outside conversation"
	RejectEchoMismatch    = "clientMessageId does not match sent message"
)

// ParseResult is either an accepted record (Reason empty) or a rejection.
type ParseResult struct {
	Record store.RemoteMessage
	Reason string
}

// OK reports whether the record was accepted.
func (p ParseResult) OK() bool { return p.Reason == "" }

func reject(reason string) ParseResult { return ParseResult{Reason: reason} }

// Field aliases accepted on the wire, canonical name first.
var (
	keysID          = []string{"id", "serverMessageId", "server_message_id"}
	keysClientID    = []string{"clientMessageId", "client_message_id"}
	keysFrom        = []string{"fromUserId", "from_user_id", "senderId", "sender_id"}
	keysTo          = []string{"toUserId", "to_user_id", "recipientId", "recipient_id"}
	keysContentType = []string{"contentType", "content_type"}
	keysContent     = []string{"content"}
	keysCreatedAt   = []string{"createdAt", "created_at"}
	keysReadAt      = []string{"readAt", "read_at"}
)

type rawRecord map[string]json.RawMessage

// lookup returns the first alias present with a non-null value.
func (r rawRecord) lookup(keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			continue
		}
		v = bytes.TrimSpace(v)
		if len(v) == 0 || bytes.Equal(v, []byte("null")) {
			continue
		}
		return v, true
	}
	return nil, false
}

// str reads a string field; numbers are accepted and kept in their literal
// form so numeric server ids survive.
func (r rawRecord) str(keys []string) string {
	v, ok := r.lookup(keys)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// millis reads a timestamp given as RFC 3339 text or epoch milliseconds.
// present=false means the field is absent or null.
func (r rawRecord) millis(keys []string) (ms int64, present bool, err error) {
	v, ok := r.lookup(keys)
	if !ok {
		return 0, false, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		ms, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, true, err
			}
			ms = int64(f)
		}
		return ms, true, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, true, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli(), true, nil
	}
	ms, err = strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return ms, true, nil
}

// ParseRecord normalizes one remote message record. Records missing a
// required field are rejected; unknown content types become text. A missing
// createdAt is filled with receivedAt.
func ParseRecord(raw json.RawMessage, receivedAt time.Time) ParseResult {
	return parseRecord(raw, nil, receivedAt)
}

// parseRecord fills fields absent from raw with the values of fallback when
// it is given. This lets a terse send response still settle the local row.
func parseRecord(raw json.RawMessage, fallback *store.Message, receivedAt time.Time) ParseResult {
	var rec rawRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
		return reject(RejectMalformed)
	}

	out := store.RemoteMessage{
		ServerMessageID: rec.str(keysID),
		ClientMessageID: rec.str(keysClientID),
		FromUserID:      rec.str(keysFrom),
		ToUserID:        rec.str(keysTo),
		ContentType:     store.ContentType(rec.str(keysContentType)),
	}
	content, hasContent := contentText(rec)
	out.Content = content

	if fallback != nil {
		if out.ClientMessageID != "" && out.ClientMessageID != fallback.ClientMessageID {
			return reject(RejectEchoMismatch)
		}
		if out.ClientMessageID == "" {
			out.ClientMessageID = fallback.ClientMessageID
		}
		if out.FromUserID == "" {
			out.FromUserID = fallback.FromUserID
		}
		if out.ToUserID == "" {
			out.ToUserID = fallback.ToUserID
		}
		if !hasContent || out.Content == "" {
			out.Content = fallback.Content
			hasContent = true
		}
		if out.ContentType == "" {
			out.ContentType = fallback.ContentType
		}
	}

	switch {
	case out.ServerMessageID == "":
		return reject(RejectMissingID)
	case out.ClientMessageID == "":
		return reject(RejectMissingClientID)
	case out.FromUserID == "":
		return reject(RejectMissingFrom)
	case out.ToUserID == "":
		return reject(RejectMissingTo)
	case !hasContent || out.Content == "":
		return reject(RejectMissingContent)
	}

	if !out.ContentType.Valid() {
		out.ContentType = store.ContentText
	}

	created, ok, err := rec.millis(keysCreatedAt)
	if err != nil {
		return reject(RejectBadCreatedAt)
	}
	if !ok {
		created = receivedAt.UnixMilli()
	}
	out.CreatedAt = created

	// A garbled readAt is treated as unread; it must not cost the message.
	if readAt, ok, err := rec.millis(keysReadAt); err == nil && ok {
		out.ReadAt = readAt
	}
	return ParseResult{Record: out}
}

// contentText returns the record content. Strings are taken as is; any other
// JSON value is kept as its compact JSON text.
func contentText(rec rawRecord) (string, bool) {
	v, ok := rec.lookup(keysContent)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return "", false
	}
	return buf.String(), true
}

// ApplyResult describes what happened to one remote record.
type ApplyResult struct {
	Merged   bool
	Inserted bool
	Reason   string
	Record   store.RemoteMessage
}

// Reconciler merges remote records into the store.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger, now: time.Now}
}

// Apply parses raw and merges it when accepted. The error is only set for
// store failures; rejected records come back with Merged=false.
func (r *Reconciler) Apply(raw json.RawMessage) (ApplyResult, error) {
	return r.merge(ParseRecord(raw, r.now()), true)
}

// ApplyConversation is Apply restricted to records exchanged between viewer
// and friend.
func (r *Reconciler) ApplyConversation(raw json.RawMessage, viewer, friend string) (ApplyResult, error) {
	res := ParseRecord(raw, r.now())
	if res.OK() && !inPair(res.Record, viewer, friend) {
		res = reject(RejectForeign)
	}
	return r.merge(res, true)
}

// ApplyEcho merges the record a relay returned for a message this client
// sent. Fields the relay omitted are taken from sent. The echo does not
// advance the pull watermark.
func (r *Reconciler) ApplyEcho(raw json.RawMessage, sent store.Message) (bool, error) {
	res, err := r.merge(parseRecord(raw, &sent, r.now()), false)
	return res.Merged, err
}

func (r *Reconciler) merge(p ParseResult, pulled bool) (ApplyResult, error) {
	if !p.OK() {
		r.logger.Debug("remote record dropped", zap.String("reason", p.Reason))
		return ApplyResult{Reason: p.Reason}, nil
	}
	rec := p.Record
	rec.Pulled = pulled
	inserted, err := r.db.MergeFromRemote(&rec)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("merge %s: %w", rec.ClientMessageID, err)
	}
	return ApplyResult{Merged: true, Inserted: inserted, Record: rec}, nil
}

func inPair(m store.RemoteMessage, a, b string) bool {
	return (m.FromUserID == a && m.ToUserID == b) || (m.FromUserID == b && m.ToUserID == a)
}
