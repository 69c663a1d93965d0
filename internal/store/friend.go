package store

import "time"

// AddFriend records friend as a counterpart of viewer. Re-adding updates the
// display name only when a new one is given.
func (db *DB) AddFriend(f *Friend) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO friends (viewer_user_id, friend_user_id, display_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(viewer_user_id, friend_user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE friends.display_name END`,
		f.ViewerUserID, f.FriendUserID, f.DisplayName, f.CreatedAt)
	return err
}

// ListFriends returns viewer's friends in the order they were added.
func (db *DB) ListFriends(viewer string, limit int) ([]Friend, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT viewer_user_id, friend_user_id, display_name, created_at
		FROM friends
		WHERE viewer_user_id = ?
		ORDER BY created_at ASC, friend_user_id ASC
		LIMIT ?`, viewer, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var friends []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.ViewerUserID, &f.FriendUserID, &f.DisplayName, &f.CreatedAt); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// FriendIDs returns the counterpart ids to pull from, capped at limit.
func (db *DB) FriendIDs(viewer string, limit int) ([]string, error) {
	friends, err := db.ListFriends(viewer, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, f.FriendUserID)
	}
	return ids, nil
}
