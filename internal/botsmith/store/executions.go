package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Execution is one attempt to run a bot.
type Execution struct {
	ID        string
	BotID     string
	OwnerID   string
	Status    string
	StartedAt time.Time
	StoppedAt sql.NullTime
	ExitCode  sql.NullInt64
}

const executionColumns = `id, bot_id, owner_id, status, started_at, stopped_at, exit_code`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	e := &Execution{}
	err := row.Scan(&e.ID, &e.BotID, &e.OwnerID, &e.Status, &e.StartedAt, &e.StoppedAt, &e.ExitCode)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateExecution records the beginning of a start attempt (status "starting").
func (s *Store) CreateExecution(ctx context.Context, botID, ownerID string) (*Execution, error) {
	e := &Execution{
		ID:        uuid.NewString(),
		BotID:     botID,
		OwnerID:   ownerID,
		Status:    StatusStarting,
		StartedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, bot_id, owner_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.BotID, e.OwnerID, e.Status, e.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return e, nil
}

// GetRunningExecution returns the bot's running execution, or nil when none
// exists. The schema guarantees there is at most one.
func (s *Store) GetRunningExecution(ctx context.Context, botID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE bot_id = ? AND status = ?
	`, botID, StatusRunning)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get running execution: %w", err)
	}
	return e, nil
}

// CloseExecution ends a start attempt. A finalStatus of "running" marks the
// attempt successful and leaves stopped_at unset; "stopped" and "error" are
// terminal and record the stop time and optional exit code.
func (s *Store) CloseExecution(ctx context.Context, id, finalStatus string, exitCode *int64) error {
	switch finalStatus {
	case StatusRunning, StatusStopped, StatusError:
	default:
		return fmt.Errorf("invalid execution status %q", finalStatus)
	}

	var stoppedAt sql.NullTime
	if finalStatus != StatusRunning {
		stoppedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: *exitCode, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, stopped_at = ?, exit_code = ?
		WHERE id = ?
	`, finalStatus, stoppedAt, code, id)
	if err != nil {
		return fmt.Errorf("close execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListExecutions returns a bot's execution history, newest first.
func (s *Store) ListExecutions(ctx context.Context, botID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE bot_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}
