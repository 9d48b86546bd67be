package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/types"
)

// Column limits of the heartbeats table, counted in characters
const (
	maxEntityLength     = 512
	maxTypeLength       = 50
	maxProjectLength    = 100
	maxBranchLength     = 100
	maxLanguageLength   = 50
	maxCategoryLength   = 50
	maxEditorLength     = 50
	maxOSLength         = 100
	maxMachineLength    = 100
	maxUserAgentLength  = 255
	maxDependencies     = 50
	maxDependencyLength = 254
)

var defaultIPAddress = netip.MustParsePrefix("127.0.0.1/32")

// maxTimestamp is 9999-12-31T23:59:59Z
const maxTimestamp = 253402300799


// RawHeartbeat is a heartbeat as returned by the activity API
type RawHeartbeat struct {
	Entity           string   `json:"entity"`
	Type             string   `json:"type"`
	Time             float64  `json:"time"`
	Project          *string  `json:"project"`
	Branch           *string  `json:"branch"`
	Language         *string  `json:"language"`
	Category         *string  `json:"category"`
	Dependencies     []string `json:"dependencies"`
	Editor           *string  `json:"editor"`
	OperatingSystem  *string  `json:"operating_system"`
	Machine          *string  `json:"machine"`
	UserAgent        *string  `json:"user_agent"`
	Lines            *int32   `json:"lines"`
	LineAdditions    *int32   `json:"line_additions"`
	LineDeletions    *int32   `json:"line_deletions"`
	LineNo           *int32   `json:"lineno"`
	CursorPos        *int32   `json:"cursorpos"`
	ProjectRootCount *int32   `json:"project_root_count"`
	IsWrite          *bool    `json:"is_write"`
	SourceType       *string  `json:"source_type"`
	IPAddress        *string  `json:"ip_address"`
}

// UnmarshalJSON enforces the required fields and accepts the time as a
// number, a numeric string or an RFC3339 string.
func (h *RawHeartbeat) UnmarshalJSON(data []byte) error {
	type plain RawHeartbeat
	aux := struct {
		*plain
		Entity *string         `json:"entity"`
		Type   *string         `json:"type"`
		Time   json.RawMessage `json:"time"`
	}{plain: (*plain)(h)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Entity == nil {
		return fmt.Errorf("missing field `entity`")
	}
	if aux.Type == nil {
		return fmt.Errorf("missing field `type`")
	}
	if len(aux.Time) == 0 || bytes.Equal(aux.Time, []byte("null")) {
		return fmt.Errorf("missing field `time`")
	}

	ts, err := parseTimestamp(aux.Time)
	if err != nil {
		return err
	}

	h.Entity = *aux.Entity
	h.Type = *aux.Type
	h.Time = ts
	return nil
}

func parseTimestamp(raw json.RawMessage) (float64, error) {
	ts, err := decodeTimestamp(raw)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 || ts > maxTimestamp {
		return 0, fmt.Errorf("timestamp out of range: %s", raw)
	}
	return ts, nil
}

func decodeTimestamp(raw json.RawMessage) (float64, error) {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid timestamp: expected a number or string, got %s", raw)
	}

	if parsed, err := strconv.ParseFloat(s, 64); err == nil {
		return parsed, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return float64(t.UnixMilli()) / 1000, nil
	}
	return 0, fmt.Errorf("invalid timestamp: %s", s)
}

// ToHeartbeat maps h onto the stored heartbeat shape for userID
func (h *RawHeartbeat) ToHeartbeat(userID int64) models.Heartbeat {
	hb := models.Heartbeat{
		UserID:           userID,
		Time:             timeFromSeconds(h.Time),
		Entity:           truncate(h.Entity, maxEntityLength),
		Type:             truncate(h.Type, maxTypeLength),
		IPAddress:        parseIPAddress(h.IPAddress),
		Project:          truncatePtr(h.Project, maxProjectLength),
		Branch:           truncatePtr(h.Branch, maxBranchLength),
		Language:         truncatePtr(h.Language, maxLanguageLength),
		Category:         truncatePtr(h.Category, maxCategoryLength),
		IsWrite:          h.IsWrite,
		Editor:           truncatePtr(lowerPtr(h.Editor), maxEditorLength),
		OperatingSystem:  truncatePtr(lowerPtr(h.OperatingSystem), maxOSLength),
		Machine:          truncatePtr(h.Machine, maxMachineLength),
		Lines:            h.Lines,
		ProjectRootCount: h.ProjectRootCount,
		LineAdditions:    h.LineAdditions,
		LineDeletions:    h.LineDeletions,
		LineNo:           h.LineNo,
		CursorPos:        h.CursorPos,
	}

	if h.UserAgent != nil {
		hb.UserAgent = truncate(*h.UserAgent, maxUserAgentLength)
	}

	label := ""
	if h.SourceType != nil {
		label = *h.SourceType
	}
	hb.SourceType = types.ParseSourceType(label)

	if h.Dependencies != nil {
		n := min(len(h.Dependencies), maxDependencies)
		hb.Dependencies = make([]string, n)
		for i := range n {
			hb.Dependencies[i] = truncate(h.Dependencies[i], maxDependencyLength)
		}
	}

	return hb
}

// timeFromSeconds converts fractional Unix seconds to a UTC instant
// rounded to the millisecond.
func timeFromSeconds(secs float64) time.Time {
	return time.UnixMilli(int64(math.Round(secs * 1000))).UTC()
}

func parseIPAddress(s *string) netip.Prefix {
	if s == nil {
		return defaultIPAddress
	}
	if prefix, err := netip.ParsePrefix(*s); err == nil {
		return prefix
	}
	if addr, err := netip.ParseAddr(*s); err == nil {
		return netip.PrefixFrom(addr, addr.BitLen())
	}
	return defaultIPAddress
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

func truncatePtr(s *string, limit int) *string {
	if s == nil {
		return nil
	}
	v := truncate(*s, limit)
	return &v
}

func lowerPtr(s *string) *string {
	if s == nil {
		return nil
	}
	b := []byte(*s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	v := string(b)
	return &v
}
