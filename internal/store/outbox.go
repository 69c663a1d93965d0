package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = messageColumns + `, o.status, o.attempts, o.next_retry_at, o.last_error`

func scanOutbox(s scanner, e *OutboxEntry) error {
	var serverID sql.NullString
	var readAt sql.NullInt64
	var contentType, status string
	m := &e.Message
	if err := s.Scan(&m.ID, &m.ClientMessageID, &serverID, &m.FromUserID, &m.ToUserID,
		&contentType, &m.Content, &m.CreatedAt, &readAt,
		&status, &e.Attempts, &e.NextRetryAt, &e.LastError); err != nil {
		return err
	}
	m.ServerMessageID = serverID.String
	m.ReadAt = readAt.Int64
	m.ContentType = ContentType(contentType)
	e.Status = OutboxStatus(status)
	return nil
}

func collectOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := scanOutbox(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DueOutbox returns viewer's entries that are queued or retrying and whose
// next_retry_at has passed, oldest message first.
func (db *DB) DueOutbox(viewer string, now int64, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+outboxColumns+`
		FROM outbox o
		JOIN messages m ON m.client_message_id = o.client_message_id
		WHERE m.from_user_id = ? AND o.status IN ('queued', 'retrying') AND o.next_retry_at <= ?
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?`, viewer, now, limit)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// ListOutbox returns viewer's outbox entries in every state, newest first.
func (db *DB) ListOutbox(viewer string, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+outboxColumns+`
		FROM outbox o
		JOIN messages m ON m.client_message_id = o.client_message_id
		WHERE m.from_user_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, viewer, limit)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// GetOutbox returns the entry for one idempotency key, or ErrNotFound.
func (db *DB) GetOutbox(clientMessageID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := scanOutbox(db.QueryRow(`
		SELECT `+outboxColumns+`
		FROM outbox o
		JOIN messages m ON m.client_message_id = o.client_message_id
		WHERE o.client_message_id = ?`, clientMessageID), &e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// The Mark* updates only touch entries that are still pending, so a terminal
// status is never overwritten.

// MarkOutboxSent records a successful delivery attempt.
func (db *DB) MarkOutboxSent(clientMessageID string, attempts int) error {
	return db.updatePending(`status = 'sent', attempts = ?, last_error = ''`,
		clientMessageID, attempts)
}

// MarkOutboxRetrying records a transient failure and the next eligible time.
func (db *DB) MarkOutboxRetrying(clientMessageID string, attempts int, nextRetryAt int64, lastErr string) error {
	return db.updatePending(`status = 'retrying', attempts = ?, next_retry_at = ?, last_error = ?`,
		clientMessageID, attempts, nextRetryAt, lastErr)
}

// MarkOutboxFailed records a terminal failure.
func (db *DB) MarkOutboxFailed(clientMessageID string, attempts int, lastErr string) error {
	return db.updatePending(`status = 'failed', attempts = ?, last_error = ?`,
		clientMessageID, attempts, lastErr)
}

func (db *DB) updatePending(set, clientMessageID string, args ...any) error {
	args = append(args, time.Now().UnixMilli(), clientMessageID)
	_, err := db.Exec(`UPDATE outbox SET `+set+`, updated_at = ?
		WHERE client_message_id = ? AND status IN ('queued', 'retrying')`, args...)
	if err != nil {
		return fmt.Errorf("update outbox %q: %w", clientMessageID, err)
	}
	return nil
}

// OutboxStatusCounts returns the number of viewer's outbox entries per status.
// Every status is present in the map, zero or not.
func (db *DB) OutboxStatusCounts(viewer string) (map[OutboxStatus]int, error) {
	counts := map[OutboxStatus]int{
		OutboxQueued:   0,
		OutboxRetrying: 0,
		OutboxSent:     0,
		OutboxFailed:   0,
	}
	rows, err := db.Query(`
		SELECT o.status, COUNT(*)
		FROM outbox o
		JOIN messages m ON m.client_message_id = o.client_message_id
		WHERE m.from_user_id = ?
		GROUP BY o.status`, viewer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[OutboxStatus(status)] = n
	}
	return counts, rows.Err()
}
