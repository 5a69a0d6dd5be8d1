package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Bot is the persisted runtime record of one tenant-owned workload.
type Bot struct {
	ID               string
	OwnerID          string
	Credential       string
	SourceRef        string
	RuntimeStatus    string
	ContainerRef     sql.NullString
	IngressURL       sql.NullString
	LastTransitionAt sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const botColumns = `id, owner_id, credential, source_ref, runtime_status,
       container_ref, ingress_url, last_transition_at, created_at, updated_at`

func scanBot(row interface{ Scan(...any) error }) (*Bot, error) {
	b := &Bot{}
	err := row.Scan(
		&b.ID, &b.OwnerID, &b.Credential, &b.SourceRef, &b.RuntimeStatus,
		&b.ContainerRef, &b.IngressURL, &b.LastTransitionAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBot inserts a new bot record in status "stopped".
func (s *Store) CreateBot(ctx context.Context, bot *Bot) error {
	now := time.Now()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	if bot.RuntimeStatus == "" {
		bot.RuntimeStatus = StatusStopped
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (id, owner_id, credential, source_ref, runtime_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, bot.ID, bot.OwnerID, bot.Credential, bot.SourceRef, bot.RuntimeStatus, bot.CreatedAt, bot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	return nil
}

// GetBot retrieves a bot by ID.
func (s *Store) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", err)
	}
	return bot, nil
}

// ListBots returns all bots, newest first.
func (s *Store) ListBots(ctx context.Context) ([]*Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bots: %w", err)
	}
	return bots, nil
}

// DeleteBot removes a bot and, via cascading foreign keys, its executions
// and event trail.
func (s *Store) DeleteBot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM bots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return nil
}

// BotCount returns the number of registered bots.
func (s *Store) BotCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bots").Scan(&count); err != nil {
		return 0, fmt.Errorf("count bots: %w", err)
	}
	return count, nil
}

// TransitionBot atomically moves a bot to newStatus, updating the container
// handle and appending logLines to the bot's bounded event trail in the same
// transaction. The transition is durable before TransitionBot returns.
//
// The container-ref invariant is enforced here: moving to "running" requires
// a handle with a non-empty containerRef; any other status clears both the
// ref and the ingress URL.
func (s *Store) TransitionBot(ctx context.Context, botID, newStatus, containerRef, ingressURL string, logLines []string) (*Bot, error) {
	switch newStatus {
	case StatusStopped, StatusStarting, StatusRunning, StatusError:
	default:
		return nil, fmt.Errorf("invalid runtime status %q", newStatus)
	}

	var refVal, urlVal sql.NullString
	if newStatus == StatusRunning {
		if containerRef == "" {
			return nil, fmt.Errorf("transition to running requires a container ref")
		}
		refVal = sql.NullString{String: containerRef, Valid: true}
		if ingressURL != "" {
			urlVal = sql.NullString{String: ingressURL, Valid: true}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE bots
		SET runtime_status = ?, container_ref = ?, ingress_url = ?,
		    last_transition_at = ?, updated_at = ?
		WHERE id = ?
	`, newStatus, refVal, urlVal, now, now, botID)
	if err != nil {
		return nil, fmt.Errorf("transition bot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("bot %s: %w", botID, ErrNotFound)
	}

	if err := appendEventsTx(ctx, tx, botID, now, logLines); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?`, botID)
	bot, err := scanBot(row)
	if err != nil {
		return nil, fmt.Errorf("reload bot after transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return bot, nil
}
