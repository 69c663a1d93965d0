package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/lifetrack/internal/bus"
	"github.com/matheus3301/lifetrack/internal/store"
	"go.uber.org/zap"
)

// ErrInvalidMessage is returned when a composed message lacks a participant
// or content.
var ErrInvalidMessage = errors.New("outbox: invalid message")

// Queue is the local write path for outgoing messages. It never touches the
// network.
type Queue struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a queue over db.
func NewQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, bus: b, logger: logger, now: time.Now}
}

// Compose stores a new outgoing message under a freshly generated
// clientMessageId.
func (q *Queue) Compose(from, to string, contentType store.ContentType, content string) (*store.Message, error) {
	m := &store.Message{
		ClientMessageID: uuid.NewString(),
		FromUserID:      from,
		ToUserID:        to,
		ContentType:     contentType,
		Content:         content,
	}
	if _, err := q.Enqueue(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Enqueue stores m under its own ClientMessageID. Enqueuing the same key
// again is a no-op and reports queued=false; m is then refreshed from the
// stored row.
func (q *Queue) Enqueue(m *store.Message) (queued bool, err error) {
	if m.ClientMessageID == "" || m.FromUserID == "" || m.ToUserID == "" || m.Content == "" {
		return false, ErrInvalidMessage
	}
	if m.ContentType == "" {
		m.ContentType = store.ContentText
	}
	if !m.ContentType.Valid() {
		return false, fmt.Errorf("%w: content type %q", ErrInvalidMessage, m.ContentType)
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = q.now().UnixMilli()
	}

	inserted, err := q.db.InsertOutgoing(m)
	if err != nil {
		return false, fmt.Errorf("queue message: %w", err)
	}
	if !inserted {
		stored, err := q.db.GetByClientID(m.ClientMessageID)
		if err != nil {
			return false, err
		}
		*m = *stored
		q.logger.Debug("message already queued", zap.String("client_message_id", m.ClientMessageID))
		return false, nil
	}

	q.bus.Publish(bus.NewEvent(bus.KindMessageQueued, map[string]string{
		"client_message_id": m.ClientMessageID,
		"to_user_id":        m.ToUserID,
	}))
	return true, nil
}
