package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heartbeat-ingest/internal/models"
)

var heartbeatColumns = []string{
	"user_id", "time", "entity", "type", "ip_address",
	"project", "branch", "language", "category", "is_write",
	"editor", "operating_system", "machine", "user_agent",
	"lines", "project_root_count", "dependencies",
	"line_additions", "line_deletions", "lineno", "cursorpos",
	"source_type",
}

const heartbeatColumnList = `user_id, time, entity, type, ip_address,
	project, branch, language, category, is_write,
	editor, operating_system, machine, user_agent,
	lines, project_root_count, dependencies,
	line_additions, line_deletions, lineno, cursorpos,
	source_type`

// HeartbeatRepository handles heartbeat persistence
type HeartbeatRepository struct {
	db *PostgresDB
}

// NewHeartbeatRepository creates a new heartbeat repository
func NewHeartbeatRepository(db *PostgresDB) *HeartbeatRepository {
	return &HeartbeatRepository{db: db}
}

// InsertIgnoreDuplicates writes heartbeats, skipping any whose (user_id, time)
// already exists, and returns the number of rows actually inserted.
// Rows are copied into a transaction-scoped staging table first.
func (r *HeartbeatRepository) InsertIgnoreDuplicates(ctx context.Context, heartbeats []models.Heartbeat) (int64, error) {
	if len(heartbeats) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(heartbeats))
	for i := range heartbeats {
		rows = append(rows, heartbeatRow(&heartbeats[i]))
	}

	var inserted int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			CREATE TEMP TABLE stg_heartbeats
			(LIKE heartbeats INCLUDING DEFAULTS)
			ON COMMIT DROP
		`)
		if err != nil {
			return fmt.Errorf("failed to create heartbeat staging table: %w", err)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"stg_heartbeats"}, heartbeatColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("failed to copy heartbeats: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO heartbeats (`+heartbeatColumnList+`)
			SELECT `+heartbeatColumnList+`
			FROM stg_heartbeats
			ON CONFLICT (user_id, time) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to insert heartbeats: %w", err)
		}

		inserted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// CountForUser returns the number of heartbeats stored for userID
func (r *HeartbeatRepository) CountForUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM heartbeats WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count heartbeats: %w", err)
	}
	return count, nil
}

// DeleteForUser removes heartbeats for userID within [start, end)
func (r *HeartbeatRepository) DeleteForUser(ctx context.Context, userID int64, start, end time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM heartbeats WHERE user_id = $1 AND time >= $2 AND time < $3`,
		userID, start, end,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

func heartbeatRow(hb *models.Heartbeat) []any {
	return []any{
		hb.UserID,
		hb.Time.UTC(),
		hb.Entity,
		hb.Type,
		hb.IPAddress,
		hb.Project,
		hb.Branch,
		hb.Language,
		hb.Category,
		hb.IsWrite,
		hb.Editor,
		hb.OperatingSystem,
		hb.Machine,
		hb.UserAgent,
		hb.Lines,
		hb.ProjectRootCount,
		hb.Dependencies,
		hb.LineAdditions,
		hb.LineDeletions,
		hb.LineNo,
		hb.CursorPos,
		int16(hb.SourceType),
	}
}
