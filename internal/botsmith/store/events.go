package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// maxEventsPerBot bounds the per-bot event trail; the oldest rows are pruned
// whenever new lines are appended.
const maxEventsPerBot = 200

// BotEvent is one line of a bot's operation trail.
type BotEvent struct {
	ID        int64
	BotID     string
	Timestamp time.Time
	Line      string
}

// AppendBotEvents appends lines to the bot's event trail and prunes it to
// the bound, all in one transaction.
func (s *Store) AppendBotEvents(ctx context.Context, botID string, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append events: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventsTx(ctx, tx, botID, time.Now(), lines); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append events: %w", err)
	}
	return nil
}

// appendEventsTx inserts event lines inside an existing transaction and
// prunes rows beyond maxEventsPerBot.
func appendEventsTx(ctx context.Context, tx *sql.Tx, botID string, ts time.Time, lines []string) error {
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO bot_events (bot_id, ts, line) VALUES (?, ?, ?)",
			botID, ts, line,
		); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		DELETE FROM bot_events
		WHERE bot_id = ? AND id NOT IN (
			SELECT id FROM bot_events WHERE bot_id = ? ORDER BY id DESC LIMIT ?
		)
	`, botID, botID, maxEventsPerBot)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// GetBotEvents returns the bot's event trail in append order, oldest first.
func (s *Store) GetBotEvents(ctx context.Context, botID string, limit int) ([]*BotEvent, error) {
	if limit <= 0 || limit > maxEventsPerBot {
		limit = maxEventsPerBot
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, ts, line FROM (
			SELECT id, bot_id, ts, line FROM bot_events
			WHERE bot_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*BotEvent
	for rows.Next() {
		e := &BotEvent{}
		if err := rows.Scan(&e.ID, &e.BotID, &e.Timestamp, &e.Line); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
