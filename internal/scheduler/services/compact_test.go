package services

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-kestrel/internal/scheduler/models"
)

func TestCompactResultUnderLimit(t *testing.T) {
	result := models.Result{
		"success": true,
		"message": "done",
		"output":  strings.Repeat("x", 100),
	}

	compacted := CompactResult(result, 60000)
	assert.Equal(t, result, compacted, "results under the limit pass through untouched")
}

func TestCompactResultOverLimit(t *testing.T) {
	result := models.Result{
		"success":   false,
		"exit_code": 1,
		"message":   "command exited with code 1",
		"command":   "backup.sh --full",
		"stderr":    strings.Repeat("e", 1000),
		"output":    strings.Repeat("x", 70000),
	}

	compacted := CompactResult(result, 60000)

	serialized, err := json.Marshal(compacted)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(serialized), 60000)

	assert.Equal(t, true, compacted["truncated"])
	assert.Equal(t, false, compacted["success"])
	assert.Equal(t, 1, compacted["exit_code"])
	assert.Equal(t, "backup.sh --full", compacted["command"])
	assert.NotContains(t, compacted, "output", "bulk fields are dropped")

	summary, ok := compacted["error_summary"].(string)
	require.True(t, ok)
	assert.Len(t, summary, 500, "error summary is capped at 500 characters")
}

func TestCompactResultPrefersExplicitSummary(t *testing.T) {
	result := models.Result{
		"error_summary": "disk full",
		"stderr":        strings.Repeat("noise", 20000),
	}

	compacted := CompactResult(result, 100)
	assert.Equal(t, "disk full", compacted["error_summary"])
}

func TestCompactResultNil(t *testing.T) {
	assert.Nil(t, CompactResult(nil, 60000))
}
