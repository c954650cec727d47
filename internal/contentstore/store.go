// Package contentstore holds uploaded prescription documents and their
// metadata in a content-addressed store. Adding the same bytes twice yields
// the same identifier.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get for an unknown identifier
var ErrNotFound = errors.New("content not found")

// Store adds content and returns its content identifier
type Store interface {
	Add(ctx context.Context, data []byte) (string, error)
}

// Getter is implemented by stores that can read content back
type Getter interface {
	Get(ctx context.Context, cid string) ([]byte, error)
}

// Digest returns the sha256 content identifier of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
