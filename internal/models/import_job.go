package models

import (
	"time"

	"github.com/heartbeat-ingest/internal/types"
)

// ImportJob tracks one user-initiated heartbeat import
type ImportJob struct {
	ID             int64              `json:"id" db:"id"`
	UserID         int64              `json:"userId" db:"user_id"`
	Status         types.ImportStatus `json:"status" db:"status"`
	ImportedCount  *int64             `json:"importedCount,omitempty" db:"imported_count"`
	ProcessedCount *int64             `json:"processedCount,omitempty" db:"processed_count"`
	RequestCount   *int32             `json:"requestCount,omitempty" db:"request_count"`
	StartDate      *string            `json:"startDate,omitempty" db:"start_date"`
	TimeTaken      *float64           `json:"timeTaken,omitempty" db:"time_taken"`
	ErrorMessage   *string            `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt      time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time          `json:"updatedAt" db:"updated_at"`
}

// ImportStats are the counters recorded when an import completes
type ImportStats struct {
	Imported  int64
	Processed int64
	Requests  int32
	// StartDate is the earliest window start, RFC3339 with milliseconds
	StartDate string
	// TimeTaken is the wall-clock duration of the import in seconds
	TimeTaken float64
}
