package storage

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestNewPostgresDB(t *testing.T) {
	db := setupTestDB(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestPostgresDB_WithTxRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := testContext(t)
	userID := testUserID()

	sentinel := errors.New("abort")
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO import_jobs (user_id, status) VALUES ($1, 'running')`, userID); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx() error = %v, want %v", err, sentinel)
	}

	var count int
	if err := db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM import_jobs WHERE user_id = $1`, userID).Scan(&count); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != 0 {
		t.Errorf("rolled back insert is visible: count = %d", count)
	}
}
