package archive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/peerchat/peerchat/chat"
)

// Store writes accepted room messages to the database. A message id that is
// already stored for the room is an appended-to message, so the text is
// replaced rather than duplicated.
type Store struct {
	db *SQLiteDB
}

func NewStore(db *SQLiteDB) *Store {
	return &Store{db: db}
}

func (s *Store) SaveMessage(ctx context.Context, roomName string, msg chat.Message) error {
	query := `
	INSERT INTO messages (room_name, message_id, owner, text, sent_at)
	VALUES (@room_name, @message_id, @owner, @text, @sent_at)
	ON CONFLICT (room_name, message_id)
	DO UPDATE SET text = excluded.text, sent_at = excluded.sent_at
	`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("room_name", roomName),
		sql.Named("message_id", msg.ID),
		sql.Named("owner", msg.Owner),
		sql.Named("text", msg.Text),
		sql.Named("sent_at", msg.Time.UTC()))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

// RoomMessages returns a page of a room's archived messages, newest first.
func (s *Store) RoomMessages(ctx context.Context, roomName string, offset, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `
	SELECT message_id, owner, text, sent_at
	FROM messages
	WHERE room_name = @room_name
	ORDER BY message_id DESC
	LIMIT @limit OFFSET @offset
	`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("room_name", roomName),
		sql.Named("limit", limit),
		sql.Named("offset", offset))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var msg chat.Message
		if err := rows.Scan(&msg.ID, &msg.Owner, &msg.Text, &msg.Time); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return messages, nil
}

// Rooms lists every room name with at least one archived message.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT room_name FROM messages ORDER BY room_name`)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return names, nil
}
