// Package pathkey canonicalizes filesystem paths into lock keys.
//
// Worker fleets mix platforms: the same share arrives as
// `Y:\Data\Shot01`, `y:/data/shot01/`, or `//san/y/data/shot01`
// depending on the mount. Lock arbitration must treat spellings that
// differ only by case, separator style, or trailing separators as the
// same resource, so every lock operation keys on Normalize output.
package pathkey

import (
	"fmt"
	"strings"

	"github.com/drovergrid/drover/pkg/errdefs"
)

// FolderLockPrefix namespaces folder-scope locks away from plain file
// locks so the two can never collide on the same row.
const FolderLockPrefix = "folder_lock:"

// MaxKeyLength bounds a normalized path accepted as a lock key.
const MaxKeyLength = 1024

// Normalize canonicalizes a path for use as a lock key:
// surrounding whitespace is trimmed, trailing slashes and backslashes
// are stripped, backslashes become forward slashes, and the result is
// lowercased. Empty or whitespace-only input is rejected.
//
// Normalize is idempotent: Normalize(Normalize(p)) == Normalize(p).
func Normalize(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty or whitespace: %w", errdefs.ErrInvalidArgument)
	}

	trimmed = strings.TrimRight(trimmed, "/\\")
	trimmed = strings.ReplaceAll(trimmed, "\\", "/")
	return strings.ToLower(trimmed), nil
}

// FolderLockKey derives the lock key for folder-scope locks:
// "folder_lock:" + Normalize(path).
func FolderLockKey(path string) (string, error) {
	normalized, err := Normalize(path)
	if err != nil {
		return "", err
	}
	return FolderLockPrefix + normalized, nil
}
