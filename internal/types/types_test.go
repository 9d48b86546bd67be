package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriodType(t *testing.T) {
	for _, p := range AllPeriods {
		got, err := ParsePeriodType(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePeriodType("monthly")
	assert.Error(t, err)
	_, err = ParsePeriodType("")
	assert.Error(t, err)
}

func TestParseSourceType(t *testing.T) {
	assert.Equal(t, SourceTypeActivityImport, ParseSourceType("direct_entry"))
	assert.Equal(t, SourceTypeImport, ParseSourceType("wakapi_import"))
	assert.Equal(t, SourceTypeTestEntry, ParseSourceType("test_entry"))
	assert.Equal(t, SourceTypeActivityImport, ParseSourceType(""))
	assert.Equal(t, SourceTypeActivityImport, ParseSourceType("plugin"))
}

func TestImportStatus_IsTerminal(t *testing.T) {
	assert.False(t, ImportStatusRunning.IsTerminal())
	assert.True(t, ImportStatusCompleted.IsTerminal())
	assert.True(t, ImportStatusFailed.IsTerminal())
}
