package storage

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/types"
)

func sampleHeartbeat(userID int64, at time.Time) models.Heartbeat {
	project := "heartbeat-ingest"
	return models.Heartbeat{
		UserID:       userID,
		Time:         at,
		Entity:       "/src/main.go",
		Type:         "file",
		IPAddress:    netip.MustParsePrefix("127.0.0.1/32"),
		Project:      &project,
		Dependencies: []string{"zap", "pgx"},
		SourceType:   types.SourceTypeImport,
	}
}

func TestHeartbeatRepository_InsertIgnoreDuplicates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewHeartbeatRepository(db)
	ctx := testContext(t)
	userID := testUserID()

	base := time.Date(2024, time.February, 3, 10, 0, 0, 0, time.UTC)
	t.Cleanup(func() {
		_, _ = repo.DeleteForUser(ctx, userID, base.Add(-time.Hour), base.Add(time.Hour))
	})

	batch := []models.Heartbeat{
		sampleHeartbeat(userID, base),
		sampleHeartbeat(userID, base.Add(30*time.Second)),
		sampleHeartbeat(userID, base.Add(60*time.Second)),
	}

	inserted, err := repo.InsertIgnoreDuplicates(ctx, batch)
	require.NoError(t, err)
	assert.EqualValues(t, 3, inserted)

	batch = append(batch, sampleHeartbeat(userID, base.Add(90*time.Second)))
	inserted, err = repo.InsertIgnoreDuplicates(ctx, batch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inserted, "only the new heartbeat is written")

	count, err := repo.CountForUser(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
}

func TestHeartbeatRepository_EmptyBatch(t *testing.T) {
	repo := NewHeartbeatRepository(nil)

	inserted, err := repo.InsertIgnoreDuplicates(testContext(t), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}
