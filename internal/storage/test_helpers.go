package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/heartbeat-ingest/internal/config"
)

const testMigrationsPath = "../../migrations/postgres"

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	return &config.PostgresConfig{
		Host:           get("TEST_POSTGRES_HOST", "localhost"),
		Port:           get("TEST_POSTGRES_PORT", "5432"),
		Database:       get("TEST_POSTGRES_DB", "heartbeats_test"),
		User:           get("TEST_POSTGRES_USER", "heartbeats"),
		Password:       get("TEST_POSTGRES_PASSWORD", "heartbeats_dev_password"),
		MaxConnections: 5,
	}
}

// setupTestDB connects to the test database and applies migrations,
// skipping the test when Postgres is not available.
func setupTestDB(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), testMigrationsPath); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	return db
}

// testUserID returns an ID unlikely to collide with other test runs
func testUserID() int64 {
	return time.Now().UnixNano()%1_000_000_000 + 1_000_000_000
}
