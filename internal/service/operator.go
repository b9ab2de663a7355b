package service

import (
	"context"
	"fmt"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

// Requeue returns a failed or conflicting item to the queue with a fresh
// attempt budget. The stored payload is kept as is.
func (s *SyncService) Requeue(ctx context.Context, id string) (models.QueueItem, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("failed to load item %s: %w", id, err)
	}
	if !item.Metadata.SyncStatus.Frozen() {
		return item, ErrNotFrozen
	}

	prev := item.Metadata.SyncStatus
	item.Metadata.SyncStatus = models.StatusQueued
	item.Metadata.Attempts = 0
	item.Metadata.NextTryAt = nil
	item.Metadata.LastErrorCode = ""
	item.Metadata.LastErrorMessage = ""
	item.Metadata.LastErrorAt = nil

	if err := s.store.Put(ctx, item); err != nil {
		return item, fmt.Errorf("failed to requeue item %s: %w", id, err)
	}
	s.appendLog(ctx, models.LogRequeue, item, nil, string(prev), "")
	s.logger.Info("Item requeued by operator", "item_id", id, "type", item.Type, "previous_status", prev)
	return item, nil
}

// Discard drops a failed or conflicting item for good
func (s *SyncService) Discard(ctx context.Context, id string) error {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load item %s: %w", id, err)
	}
	if !item.Metadata.SyncStatus.Frozen() {
		return ErrNotFrozen
	}

	if err := s.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to discard item %s: %w", id, err)
	}
	s.appendLog(ctx, models.LogDiscard, item, intPtr(item.Metadata.Attempts), item.Metadata.LastErrorCode, item.Metadata.LastErrorMessage)
	s.logger.Warn("Item discarded by operator", "item_id", id, "type", item.Type, "status", item.Metadata.SyncStatus)
	return nil
}

// List returns every stored item, frozen ones included, in the order a
// sync pass would consider them
func (s *SyncService) List(ctx context.Context) ([]models.QueueItem, error) {
	items, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	models.SortBySchedule(items)
	return items, nil
}

// Logs returns the audit trail in append order
func (s *SyncService) Logs(ctx context.Context) ([]models.LogEntry, error) {
	return s.store.GetAllLogs(ctx)
}

// Stats counts items per state and refreshes the backlog gauges
func (s *SyncService) Stats(ctx context.Context) (models.QueueStats, error) {
	items, err := s.store.GetAll(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	stats := models.CountItems(items)

	metrics.Backlog.WithLabelValues(string(models.StatusQueued)).Set(float64(stats.Queued))
	metrics.Backlog.WithLabelValues(string(models.StatusFailed)).Set(float64(stats.Failed))
	metrics.Backlog.WithLabelValues(string(models.StatusConflict)).Set(float64(stats.Conflict))
	return stats, nil
}
