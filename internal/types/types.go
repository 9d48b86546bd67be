// Package types provides common type definitions for the heartbeat ingest system.
package types

import "fmt"

// ImportStatus represents the lifecycle state of an import job
type ImportStatus string

const (
	// ImportStatusRunning represents a job whose import is in flight
	ImportStatusRunning ImportStatus = "running"
	// ImportStatusCompleted represents a job that finished successfully
	ImportStatusCompleted ImportStatus = "completed"
	// ImportStatusFailed represents a job that ended with an error
	ImportStatusFailed ImportStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s ImportStatus) IsTerminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed
}

// PeriodType identifies a leaderboard window
type PeriodType string

const (
	// PeriodDaily covers the current UTC day
	PeriodDaily PeriodType = "daily"
	// PeriodWeekly covers the current ISO week starting Monday
	PeriodWeekly PeriodType = "weekly"
	// PeriodAllTime covers everything since the Unix epoch
	PeriodAllTime PeriodType = "all_time"
)

// AllPeriods lists every leaderboard period in refresh order
var AllPeriods = []PeriodType{PeriodDaily, PeriodWeekly, PeriodAllTime}

// ParsePeriodType parses the canonical name of a leaderboard period
func ParsePeriodType(s string) (PeriodType, error) {
	switch PeriodType(s) {
	case PeriodDaily, PeriodWeekly, PeriodAllTime:
		return PeriodType(s), nil
	default:
		return "", fmt.Errorf("unknown period type %q", s)
	}
}

// SourceType records how a heartbeat entered the system
type SourceType int16

const (
	SourceTypeTestEntry      SourceType = 2
	SourceTypeActivityImport SourceType = 3
	SourceTypeImport         SourceType = 4
)

// ParseSourceType maps an upstream source label onto a SourceType.
// Unknown or missing labels, including direct_entry, count as activity
// API imports.
func ParseSourceType(label string) SourceType {
	switch label {
	case "test_entry":
		return SourceTypeTestEntry
	case "wakapi_import":
		return SourceTypeImport
	default:
		return SourceTypeActivityImport
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
