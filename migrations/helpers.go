package migrations

import (
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// Mongo reports a pre-existing index through several different error
// shapes depending on server version and whether the spec conflicts.
var indexExistsMarkers = []string{
	"already exists",
	"IndexKeySpecsConflict",
	"IndexOptionsConflict",
	"equivalent index already exists",
}

// isIndexExistsError lets index creation stay idempotent across reruns
func isIndexExistsError(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsDuplicateKeyError(err) {
		return true
	}
	msg := err.Error()
	for _, marker := range indexExistsMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
