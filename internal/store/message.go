package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `m.id, m.client_message_id, m.server_message_id, m.from_user_id, m.to_user_id,
	m.content_type, m.content, m.created_at, m.read_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner, m *Message) error {
	var serverID sql.NullString
	var readAt sql.NullInt64
	var contentType string
	if err := s.Scan(&m.ID, &m.ClientMessageID, &serverID, &m.FromUserID, &m.ToUserID,
		&contentType, &m.Content, &m.CreatedAt, &readAt); err != nil {
		return err
	}
	m.ServerMessageID = serverID.String
	m.ReadAt = readAt.Int64
	m.ContentType = ContentType(contentType)
	return nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// InsertOutgoing stores a freshly composed message together with its outbox
// entry. It is idempotent by ClientMessageID: a second call with the same key
// leaves the existing row alone and reports inserted=false. m.ID is filled in
// either way.
func (db *DB) InsertOutgoing(m *Message) (inserted bool, err error) {
	if m.ContentType == "" {
		m.ContentType = ContentText
	}
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO messages (client_message_id, from_user_id, to_user_id, content_type, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_message_id) DO NOTHING`,
		m.ClientMessageID, m.FromUserID, m.ToUserID, string(m.ContentType), m.Content, m.CreatedAt, now)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if n > 0 {
		if _, err := tx.Exec(`
			INSERT INTO outbox (client_message_id, status, attempts, next_retry_at, created_at, updated_at)
			VALUES (?, 'queued', 0, ?, ?, ?)
			ON CONFLICT(client_message_id) DO NOTHING`,
			m.ClientMessageID, m.CreatedAt, now, now); err != nil {
			return false, fmt.Errorf("insert outbox: %w", err)
		}
	}

	if err := tx.QueryRow(`SELECT id FROM messages WHERE client_message_id = ?`, m.ClientMessageID).Scan(&m.ID); err != nil {
		return false, fmt.Errorf("lookup message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

// GetMessage returns a message by local id, or ErrNotFound.
func (db *DB) GetMessage(id int64) (*Message, error) {
	var m Message
	err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id), &m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetByClientID returns a message by its idempotency key, or ErrNotFound.
func (db *DB) GetByClientID(clientMessageID string) (*Message, error) {
	var m Message
	err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages m WHERE m.client_message_id = ?`, clientMessageID), &m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Conversation returns the messages exchanged between viewer and friend in
// chronological order. since > 0 restricts the result to rows created after
// that watermark.
func (db *DB) Conversation(viewer, friend string, since int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE ((m.from_user_id = ? AND m.to_user_id = ?) OR (m.from_user_id = ? AND m.to_user_id = ?))
			AND m.created_at > ?
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?`, viewer, friend, friend, viewer, since, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// Inbox returns the newest message per counterpart, newest conversation first,
// with the number of unread messages addressed to viewer.
func (db *DB) Inbox(viewer string, limit int) ([]InboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		WITH ranked AS (
			SELECT id,
				CASE WHEN from_user_id = ? THEN to_user_id ELSE from_user_id END AS friend,
				ROW_NUMBER() OVER (
					PARTITION BY CASE WHEN from_user_id = ? THEN to_user_id ELSE from_user_id END
					ORDER BY created_at DESC, id DESC
				) AS rn
			FROM messages
			WHERE from_user_id = ? OR to_user_id = ?
		)
		SELECT r.friend, `+messageColumns+`,
			(SELECT COUNT(*) FROM messages u
				WHERE u.from_user_id = r.friend AND u.to_user_id = ? AND u.read_at IS NULL) AS unread
		FROM ranked r
		JOIN messages m ON m.id = r.id
		WHERE r.rn = 1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, viewer, viewer, viewer, viewer, viewer, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []InboxEntry
	for rows.Next() {
		var e InboxEntry
		var serverID sql.NullString
		var readAt sql.NullInt64
		var contentType string
		m := &e.Last
		if err := rows.Scan(&e.FriendUserID, &m.ID, &m.ClientMessageID, &serverID, &m.FromUserID, &m.ToUserID,
			&contentType, &m.Content, &m.CreatedAt, &readAt, &e.Unread); err != nil {
			return nil, err
		}
		m.ServerMessageID = serverID.String
		m.ReadAt = readAt.Int64
		m.ContentType = ContentType(contentType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestCreatedAt returns the pull watermark for a conversation: the newest
// created_at among rows that arrived through a conversation listing. ok=false
// means no such row exists and the full history should be requested.
// Unconfirmed drafts and rows only confirmed by a send response are skipped:
// their timestamps can be newer than remote messages not yet pulled.
func (db *DB) LatestCreatedAt(viewer, friend string) (ts int64, ok bool, err error) {
	var latest sql.NullInt64
	err = db.QueryRow(`
		SELECT MAX(created_at) FROM messages
		WHERE ((from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?))
			AND pulled = 1`,
		viewer, friend, friend, viewer).Scan(&latest)
	if err != nil {
		return 0, false, err
	}
	return latest.Int64, latest.Valid, nil
}

// MergeFromRemote upserts a remote record keyed by ClientMessageID.
//
// An existing row keeps its content and participants; server_message_id and
// created_at take the remote values, and read_at is only filled when it was
// still NULL locally. If the row is an outgoing message whose outbox entry is
// still pending, the entry is settled as sent because the remote side already
// holds it.
func (db *DB) MergeFromRemote(r *RemoteMessage) (inserted bool, err error) {
	if r.ContentType == "" {
		r.ContentType = ContentText
	}
	now := time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE client_message_id = ?`, r.ClientMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup message: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (client_message_id, server_message_id, from_user_id, to_user_id, content_type, content, created_at, read_at, pulled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_message_id) DO UPDATE SET
			server_message_id = COALESCE(excluded.server_message_id, messages.server_message_id),
			created_at = CASE WHEN excluded.created_at > 0 THEN excluded.created_at ELSE messages.created_at END,
			read_at = COALESCE(messages.read_at, excluded.read_at),
			pulled = MAX(messages.pulled, excluded.pulled),
			updated_at = excluded.updated_at`,
		r.ClientMessageID, nullString(r.ServerMessageID), r.FromUserID, r.ToUserID, string(r.ContentType),
		r.Content, r.CreatedAt, nullMillis(r.ReadAt), r.Pulled, now); err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}

	if r.ServerMessageID != "" {
		if _, err := tx.Exec(`
			UPDATE outbox SET status = 'sent', updated_at = ?
			WHERE client_message_id = ? AND status IN ('queued', 'retrying')`,
			now, r.ClientMessageID); err != nil {
			return false, fmt.Errorf("settle outbox: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return exists == 0, nil
}

// MarkRead sets read_at on a message addressed to viewer that is still unread.
// It reports whether the row changed; calling it again is a no-op.
func (db *DB) MarkRead(id int64, viewer string, at int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET read_at = ?, updated_at = ?
		WHERE id = ? AND to_user_id = ? AND read_at IS NULL`,
		at, time.Now().UnixMilli(), id, viewer)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
