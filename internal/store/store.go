// Package store persists queue items and the audit log across restarts.
//
// Two physically different backends sit behind Store: a keyed SQLite object
// store, and a flat collection that keeps the whole queue serialized under a
// single key of a KV (file, Redis or memory). Callers depend on Store only.
package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// ErrNotFound is returned by Get when no item has the requested id
var ErrNotFound = errors.New("queue item not found")

// Store is the storage capability contract shared by every backend.
// Every mutation is a single atomic operation against the backend.
type Store interface {
	// Put inserts or replaces the item keyed by item.ID
	Put(ctx context.Context, item models.QueueItem) error
	// Get returns the freshest persisted copy of one item
	Get(ctx context.Context, id string) (models.QueueItem, error)
	// GetAll returns every item, in no particular order
	GetAll(ctx context.Context) ([]models.QueueItem, error)
	// Remove deletes the item; removing a missing id is not an error
	Remove(ctx context.Context, id string) error
	AppendLog(ctx context.Context, entry models.LogEntry) error
	// GetAllLogs returns log entries oldest first
	GetAllLogs(ctx context.Context) ([]models.LogEntry, error)
	Close() error
}

// PayloadEraser deletes any out-of-band payload kept for an item id
type PayloadEraser interface {
	Erase(ctx context.Context, id string) error
}

// WithPayloadEraser wraps s so that Remove also erases the out-of-band
// payload of the removed item.
func WithPayloadEraser(s Store, eraser PayloadEraser, logger *slog.Logger) Store {
	if eraser == nil {
		return s
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &erasingStore{Store: s, eraser: eraser, logger: logger}
}

type erasingStore struct {
	Store
	eraser PayloadEraser
	logger *slog.Logger
}

func (e *erasingStore) Remove(ctx context.Context, id string) error {
	if err := e.Store.Remove(ctx, id); err != nil {
		return err
	}
	if err := e.eraser.Erase(ctx, id); err != nil {
		// The row is already gone; an orphaned secret is logged, not fatal
		e.logger.Error("Failed to erase out-of-band payload", "item_id", id, "error", err)
	}
	return nil
}
