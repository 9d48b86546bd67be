// Package models provides data models for the heartbeat ingest system.
package models

import (
	"net/netip"
	"time"

	"github.com/heartbeat-ingest/internal/types"
)

// Heartbeat is one persisted activity record, unique on (UserID, Time)
type Heartbeat struct {
	UserID           int64            `json:"userId" db:"user_id"`
	Time             time.Time        `json:"time" db:"time"`
	Entity           string           `json:"entity" db:"entity"`
	Type             string           `json:"type" db:"type"`
	IPAddress        netip.Prefix     `json:"ipAddress" db:"ip_address"`
	Project          *string          `json:"project,omitempty" db:"project"`
	Branch           *string          `json:"branch,omitempty" db:"branch"`
	Language         *string          `json:"language,omitempty" db:"language"`
	Category         *string          `json:"category,omitempty" db:"category"`
	IsWrite          *bool            `json:"isWrite,omitempty" db:"is_write"`
	Editor           *string          `json:"editor,omitempty" db:"editor"`
	OperatingSystem  *string          `json:"operatingSystem,omitempty" db:"operating_system"`
	Machine          *string          `json:"machine,omitempty" db:"machine"`
	UserAgent        string           `json:"userAgent" db:"user_agent"`
	Lines            *int32           `json:"lines,omitempty" db:"lines"`
	ProjectRootCount *int32           `json:"projectRootCount,omitempty" db:"project_root_count"`
	Dependencies     []string         `json:"dependencies,omitempty" db:"dependencies"`
	LineAdditions    *int32           `json:"lineAdditions,omitempty" db:"line_additions"`
	LineDeletions    *int32           `json:"lineDeletions,omitempty" db:"line_deletions"`
	LineNo           *int32           `json:"lineno,omitempty" db:"lineno"`
	CursorPos        *int32           `json:"cursorpos,omitempty" db:"cursorpos"`
	SourceType       types.SourceType `json:"sourceType" db:"source_type"`
}

// HeartbeatKey is the natural key of a heartbeat
type HeartbeatKey struct {
	UserID int64
	Time   time.Time
}

// Key returns the natural key of h
func (h *Heartbeat) Key() HeartbeatKey {
	return HeartbeatKey{UserID: h.UserID, Time: h.Time.UTC()}
}
