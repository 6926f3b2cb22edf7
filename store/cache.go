// Package store is the local message cache. It warm-starts a conversation
// view before the REST snapshot lands and is written behind as socket
// events are reconciled. The cache is a buffer, never an authority: the
// snapshot replaces its contents wholesale, and every cache failure is
// non-fatal to the conversation.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/putto11262002/chatsync/models"
)

// Cache stores per-room message history. Messages are kept as their wire
// JSON, keyed by (room, id); the cache never interprets payloads beyond
// the sort column.
type Cache struct {
	db *sql.DB
}

func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Load returns a room's cached messages ascending by creation time.
func (c *Cache) Load(ctx context.Context, roomID string) ([]models.Message, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE room_id = @room_id ORDER BY created_at ASC, id ASC`,
		sql.Named("room_id", roomID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			// A corrupt row is skipped, not fatal: the snapshot will
			// rewrite the cache shortly anyway.
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return msgs, nil
}

// Put upserts one message.
func (c *Cache) Put(ctx context.Context, roomID string, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, id, created_at, payload)
		VALUES (@room_id, @id, @created_at, @payload)
		ON CONFLICT (room_id, id) DO UPDATE SET payload = @payload`,
		sql.Named("room_id", roomID), sql.Named("id", msg.ID),
		sql.Named("created_at", msg.CreatedAt), sql.Named("payload", payload))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

// Delete removes one message.
func (c *Cache) Delete(ctx context.Context, roomID string, id int64) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM messages WHERE room_id = @room_id AND id = @id`,
		sql.Named("room_id", roomID), sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

// Replace swaps a room's cached history for msgs in one transaction.
// Called after each successful snapshot load.
func (c *Cache) Replace(ctx context.Context, roomID string, msgs []models.Message) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE room_id = @room_id`, sql.Named("room_id", roomID))
	if err != nil {
		return fmt.Errorf("ExecContext(delete): %w", err)
	}

	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (room_id, id, created_at, payload)
			VALUES (@room_id, @id, @created_at, @payload)`,
			sql.Named("room_id", roomID), sql.Named("id", msg.ID),
			sql.Named("created_at", msg.CreatedAt), sql.Named("payload", payload))
		if err != nil {
			return fmt.Errorf("ExecContext(insert): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}
