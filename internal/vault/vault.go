// Package vault keeps sensitive queue payloads unreadable at rest.
//
// A Strategy turns an item into its storable form before it is persisted
// (Protect) and recovers the plaintext payload at sync time (Resolve).
// Items whose metadata is not flagged sensitive pass through untouched.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// ErrMissingUser is returned by the cipher strategy when an item has no
// owning user to derive a key from
var ErrMissingUser = errors.New("sensitive item has no user id")

// Strategy is the per-runtime sensitive payload policy
type Strategy interface {
	// Protect returns the item as it must be stored
	Protect(ctx context.Context, item models.QueueItem) (models.QueueItem, error)
	// Resolve returns the plaintext payload of a stored item
	Resolve(ctx context.Context, item models.QueueItem) (json.RawMessage, error)
	// Erase removes any out-of-band copy of the payload kept for id
	Erase(ctx context.Context, id string) error
	Name() string
}

// EncryptionError reports that a payload could not be made safe for storage
type EncryptionError struct {
	ItemID string
	Err    error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("failed to protect payload of %s: %v", e.ItemID, e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// Passthrough stores every payload as supplied
type Passthrough struct{}

func (Passthrough) Protect(_ context.Context, item models.QueueItem) (models.QueueItem, error) {
	return item, nil
}

func (Passthrough) Resolve(_ context.Context, item models.QueueItem) (json.RawMessage, error) {
	return item.Data, nil
}

func (Passthrough) Erase(context.Context, string) error { return nil }

func (Passthrough) Name() string { return "none" }
