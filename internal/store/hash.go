package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrEmptyLog is returned when importing a log with no data.
var ErrEmptyLog = errors.New("log is empty")

// ContentHash computes the content address of a log file. Line endings
// are normalized first so a log saved on Windows and one fetched directly
// from the logger are recognized as the same file.
func ContentHash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyLog
	}
	normalized := strings.ReplaceAll(string(data), "\r\n", "\n")
	hash := sha256.Sum256([]byte(normalized))
	return "sha256:" + hex.EncodeToString(hash[:]), nil
}

// ShortHash returns a shortened version of the hash for display purposes.
func ShortHash(fullHash string) string {
	// Remove "sha256:" prefix and take first 12 chars
	if len(fullHash) > 19 {
		return fullHash[7:19] // Skip "sha256:" prefix
	}
	return fullHash
}

// hashToFilename converts a full hash to a safe filename.
func hashToFilename(hash string) string {
	return strings.TrimPrefix(hash, "sha256:")
}
