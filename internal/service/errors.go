package service

import (
	"errors"
	"fmt"

	"github.com/Guizzs26/go-offline-sync/internal/vault"
)

// ErrNotFrozen is returned by operator actions on items still being retried
var ErrNotFrozen = errors.New("item is not in failed or conflict state")

// ValidationError rejects an enqueue before anything is persisted
type ValidationError struct {
	ItemID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ItemID == "" {
		return "invalid queue item: " + e.Reason
	}
	return fmt.Sprintf("invalid queue item %s: %s", e.ItemID, e.Reason)
}

// EncryptionError is raised by the vault when a sensitive payload cannot be
// protected
type EncryptionError = vault.EncryptionError
