package services

import (
	"encoding/json"

	"go-kestrel/internal/scheduler/models"
)

const (
	// errorSummaryLimit bounds the stderr excerpt kept in compacted results
	errorSummaryLimit = 500
)

// compactKeys are the result fields preserved verbatim during compaction
var compactKeys = []string{"success", "exit_code", "message", "command"}

// CompactResult bounds a result document to maxChars of serialized JSON.
// Oversized results are replaced by a summary envelope that keeps the
// outcome fields, a truncated error excerpt, and a truncation marker.
func CompactResult(result models.Result, maxChars int) models.Result {
	if result == nil || maxChars <= 0 {
		return result
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		// Unserializable results are replaced outright
		return models.Result{
			"truncated": true,
			"message":   "result could not be serialized",
		}
	}
	if len(serialized) <= maxChars {
		return result
	}

	compacted := models.Result{
		"truncated":     true,
		"original_size": len(serialized),
	}
	for _, key := range compactKeys {
		if v, ok := result[key]; ok {
			compacted[key] = v
		}
	}
	if summary := errorSummary(result); summary != "" {
		compacted["error_summary"] = summary
	}
	return compacted
}

// errorSummary pulls the first stderr-like field out of a result and
// truncates it to errorSummaryLimit characters.
func errorSummary(result models.Result) string {
	for _, key := range []string{"error_summary", "stderr", "error", "error_message"} {
		v, ok := result[key].(string)
		if !ok || v == "" {
			continue
		}
		if len(v) > errorSummaryLimit {
			return v[:errorSummaryLimit]
		}
		return v
	}
	return ""
}
