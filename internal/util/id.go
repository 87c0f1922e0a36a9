package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 32-char hex id, optionally namespaced by prefix.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewBatchKey returns an upload-group identifier. Assigned once at document
// creation; siblings of a paginated upload share it.
func NewBatchKey() string {
	return NewID("bat")
}
