package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// KV is a single-key read-modify-write capability. Update must apply fn
// atomically with respect to other Update calls on the same key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Update passes the current value (nil when absent) to fn and stores
	// the result. If fn returns errSkipWrite nothing is written.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Close() error
}

// errSkipWrite lets an update callback abort without touching the value
var errSkipWrite = errors.New("skip write")

// FlatStore keeps the whole queue as one serialized document under one key
// and the audit log as another
type FlatStore struct {
	kv       KV
	itemsKey string
	logKey   string
	logger   *slog.Logger
}

// NewFlatStore builds a flat collection store over kv; prefix namespaces the keys
func NewFlatStore(kv KV, prefix string, logger *slog.Logger) *FlatStore {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "offline"
	}
	return &FlatStore{
		kv:       kv,
		itemsKey: prefix + ".queue",
		logKey:   prefix + ".log",
		logger:   logger,
	}
}

func decodeItems(raw []byte) (map[string]models.QueueItem, error) {
	items := make(map[string]models.QueueItem)
	if len(raw) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("corrupt queue collection: %w", err)
	}
	return items, nil
}

func (f *FlatStore) Put(ctx context.Context, item models.QueueItem) error {
	err := f.kv.Update(ctx, f.itemsKey, func(current []byte) ([]byte, error) {
		items, err := decodeItems(current)
		if err != nil {
			return nil, err
		}
		items[item.ID] = item.Clone()
		return json.Marshal(items)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert queue item %s: %w", item.ID, err)
	}
	return nil
}

func (f *FlatStore) Get(ctx context.Context, id string) (models.QueueItem, error) {
	raw, err := f.kv.Get(ctx, f.itemsKey)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("failed to read queue collection: %w", err)
	}
	items, err := decodeItems(raw)
	if err != nil {
		return models.QueueItem{}, err
	}
	item, ok := items[id]
	if !ok {
		return models.QueueItem{}, ErrNotFound
	}
	return item, nil
}

func (f *FlatStore) GetAll(ctx context.Context) ([]models.QueueItem, error) {
	raw, err := f.kv.Get(ctx, f.itemsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue collection: %w", err)
	}
	items, err := decodeItems(raw)
	if err != nil {
		return nil, err
	}
	out := make([]models.QueueItem, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	return out, nil
}

func (f *FlatStore) Remove(ctx context.Context, id string) error {
	err := f.kv.Update(ctx, f.itemsKey, func(current []byte) ([]byte, error) {
		items, err := decodeItems(current)
		if err != nil {
			return nil, err
		}
		if _, ok := items[id]; !ok {
			return nil, errSkipWrite
		}
		delete(items, id)
		return json.Marshal(items)
	})
	if err != nil {
		return fmt.Errorf("failed to remove queue item %s: %w", id, err)
	}
	return nil
}

func (f *FlatStore) AppendLog(ctx context.Context, entry models.LogEntry) error {
	err := f.kv.Update(ctx, f.logKey, func(current []byte) ([]byte, error) {
		var entries []models.LogEntry
		if len(current) > 0 {
			if err := json.Unmarshal(current, &entries); err != nil {
				return nil, fmt.Errorf("corrupt log collection: %w", err)
			}
		}
		return json.Marshal(append(entries, entry))
	})
	if err != nil {
		return fmt.Errorf("failed to append log entry for %s: %w", entry.ItemID, err)
	}
	return nil
}

func (f *FlatStore) GetAllLogs(ctx context.Context) ([]models.LogEntry, error) {
	raw, err := f.kv.Get(ctx, f.logKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read log collection: %w", err)
	}
	var entries []models.LogEntry
	if len(raw) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("corrupt log collection: %w", err)
	}
	return entries, nil
}

func (f *FlatStore) Close() error {
	return f.kv.Close()
}
