package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/go-offline-sync/internal/events"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
	"github.com/Guizzs26/go-offline-sync/internal/store"
	"github.com/Guizzs26/go-offline-sync/internal/vault"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const DefaultMaxItemBytes = 256 * 1024

// Connectivity is the read side of the connectivity monitor
type Connectivity interface {
	IsOnline() bool
}

type Options struct {
	Policy       infra.RetryPolicy
	MaxItemBytes int
	Scheduler    Scheduler
	// Clock and NewID are replaced in tests
	Clock func() time.Time
	NewID func() string
}

// SyncService owns the lifecycle of every queued item: it is the only
// writer of syncStatus, attempts and nextTryAt.
type SyncService struct {
	store  store.Store
	vault  vault.Strategy
	remote remote.Collaborator
	net    Connectivity
	bus    *events.Bus
	logger *slog.Logger

	policy       infra.RetryPolicy
	maxItemBytes int
	scheduler    Scheduler
	now          func() time.Time
	newID        func() string

	hmu      sync.RWMutex
	handlers map[string]Handler

	passMu sync.Mutex
	rerun  atomic.Bool

	// life bounds passes the service starts on its own, like scheduled retries
	life     context.Context
	shutdown context.CancelFunc
}

func NewSyncService(st store.Store, v vault.Strategy, r remote.Collaborator, net Connectivity, bus *events.Bus, l *slog.Logger, opts Options) *SyncService {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = vault.Passthrough{}
	}
	if bus == nil {
		bus = events.NewBus(l)
	}
	if opts.Policy.Base <= 0 || opts.Policy.Cap < opts.Policy.Base || opts.Policy.MaxAttempts <= 0 {
		l.Warn("Invalid retry policy, using defaults", "base", opts.Policy.Base, "cap", opts.Policy.Cap, "max_attempts", opts.Policy.MaxAttempts)
		opts.Policy = infra.DefaultRetryPolicy()
	}
	if opts.MaxItemBytes <= 0 {
		opts.MaxItemBytes = DefaultMaxItemBytes
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewTimerScheduler()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	s := &SyncService{
		store:        st,
		vault:        v,
		remote:       r,
		net:          net,
		bus:          bus,
		logger:       l,
		policy:       opts.Policy,
		maxItemBytes: opts.MaxItemBytes,
		scheduler:    opts.Scheduler,
		now:          opts.Clock,
		newID:        opts.NewID,
		handlers:     make(map[string]Handler),
	}
	s.life, s.shutdown = context.WithCancel(context.Background())
	s.registerDefaults()
	return s
}

// Close cancels scheduled passes and waits for a running pass to return.
// The store must stay open until Close returns.
func (s *SyncService) Close() {
	s.shutdown()
	s.passMu.Lock()
	defer s.passMu.Unlock()
}

// EnqueueRequest is a business mutation captured while offline
type EnqueueRequest struct {
	ID        string
	Type      string
	Priority  models.Priority
	MaxSize   int
	Format    models.Format
	Data      json.RawMessage
	UserID    string
	Sensitive bool
}

// SaveFailure is the payload of offline-save-failed
type SaveFailure struct {
	ItemID string `json:"itemId"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Enqueue persists a mutation for later replay. Enqueueing an id that is
// already queued replaces the stored draft and restarts its lifecycle.
func (s *SyncService) Enqueue(ctx context.Context, req EnqueueRequest) (models.QueueItem, error) {
	item := s.buildItem(req)

	fail := func(status string, err error) (models.QueueItem, error) {
		metrics.EnqueueTotal.WithLabelValues(status, item.Type).Inc()
		s.logger.Warn("Failed to save item offline", "item_id", item.ID, "type", item.Type, "error", err)
		s.bus.Emit(events.SaveFailed, SaveFailure{ItemID: item.ID, Type: item.Type, Reason: err.Error()})
		return models.QueueItem{}, err
	}

	if err := s.validate(item); err != nil {
		return fail("invalid", err)
	}

	stored, err := s.vault.Protect(ctx, item)
	if err != nil {
		var encErr *EncryptionError
		if !errors.As(err, &encErr) {
			err = &EncryptionError{ItemID: item.ID, Err: err}
		}
		return fail("encryption_error", err)
	}

	_, getErr := s.store.Get(ctx, item.ID)
	existed := getErr == nil

	if err := s.store.Put(ctx, stored); err != nil {
		return fail("storage_error", fmt.Errorf("failed to persist item %s: %w", item.ID, err))
	}

	logType := models.LogEnqueue
	if existed {
		logType = models.LogUpdate
	}
	s.appendLog(ctx, logType, stored, nil, "", "")

	metrics.EnqueueTotal.WithLabelValues("saved", item.Type).Inc()
	s.logger.Info("Item saved offline",
		"item_id", item.ID,
		"type", item.Type,
		"priority", item.Priority,
		"update", existed,
	)
	s.bus.Emit(events.Saved, stored.Summary())
	return stored, nil
}

func (s *SyncService) buildItem(req EnqueueRequest) models.QueueItem {
	item := models.QueueItem{
		ID:       req.ID,
		Type:     req.Type,
		Priority: req.Priority,
		MaxSize:  req.MaxSize,
		Format:   req.Format,
		Data:     append(json.RawMessage(nil), req.Data...),
		Metadata: models.Metadata{
			UserID:     req.UserID,
			Timestamp:  s.now().UTC(),
			SyncStatus: models.StatusQueued,
			Sensitive:  req.Sensitive,
		},
	}
	if item.ID == "" {
		item.ID = s.newID()
	}
	if item.Priority == "" {
		item.Priority = models.PriorityMedium
	}
	if item.Format == "" {
		item.Format = models.FormatRecord
	}
	if item.MaxSize <= 0 {
		item.MaxSize = s.maxItemBytes
	}
	return item
}

func (s *SyncService) validate(item models.QueueItem) error {
	switch {
	case item.Type == "":
		return &ValidationError{ItemID: item.ID, Reason: "type is required"}
	case !item.Priority.Valid():
		return &ValidationError{ItemID: item.ID, Reason: fmt.Sprintf("unknown priority %q", item.Priority)}
	case item.Size() > item.MaxSize:
		return &ValidationError{ItemID: item.ID, Reason: fmt.Sprintf("payload is %d bytes, limit is %d", item.Size(), item.MaxSize)}
	case !json.Valid(item.Data):
		return &ValidationError{ItemID: item.ID, Reason: "payload is not valid JSON"}
	}
	return nil
}

// SyncReport summarizes what SyncAll did
type SyncReport struct {
	Passes    int  `json:"passes"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Conflicts int  `json:"conflicts"`
	Skipped   int  `json:"skipped"`
	Offline   bool `json:"offline"`
	// Coalesced is set when another pass was already running and will run
	// once more on behalf of this call
	Coalesced bool `json:"coalesced"`
}

func (r *SyncReport) add(o SyncReport) {
	r.Passes += o.Passes
	r.Attempted += o.Attempted
	r.Synced += o.Synced
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Conflicts += o.Conflicts
	r.Skipped += o.Skipped
	r.Offline = o.Offline
}

// SyncAll replays every eligible item, most urgent first. Only one pass
// runs at a time; a call made during a pass is folded into one extra pass
// run by the caller already holding the pass.
// The returned error is only set when the queue could not be listed.
func (s *SyncService) SyncAll(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	s.rerun.Store(true)
	for s.rerun.Load() {
		if !s.passMu.TryLock() {
			// The running pass sees the flag and goes once more
			if report.Passes == 0 {
				report.Coalesced = true
			}
			return report, nil
		}

		for s.rerun.Swap(false) {
			r, err := s.pass(ctx)
			report.add(r)
			if err != nil || ctx.Err() != nil {
				s.passMu.Unlock()
				return report, err
			}
		}
		s.passMu.Unlock()
	}
	return report, nil
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeConflict
	outcomeSkipped
)

func (s *SyncService) pass(ctx context.Context) (SyncReport, error) {
	report := SyncReport{Passes: 1}

	if !s.net.IsOnline() {
		report.Offline = true
		s.logger.Debug("Offline, skipping sync pass")
		return report, nil
	}

	start := time.Now()
	defer func() {
		metrics.PassDuration.Observe(time.Since(start).Seconds())
		if report.Attempted > 0 {
			s.logger.Info("Sync pass telemetry",
				"attempted", report.Attempted,
				"synced", report.Synced,
				"retried", report.Retried,
				"failed", report.Failed,
				"conflicts", report.Conflicts,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}()

	items, err := s.store.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list queue: %w", err)
	}

	pending := eligible(items, s.now())
	var nextRetry time.Duration

	for _, it := range pending {
		if ctx.Err() != nil {
			s.logger.Warn("Shutdown signal received, leaving remaining items queued", "remaining", len(pending)-report.Attempted-report.Skipped)
			break
		}

		// The listing may be stale: the item could have been synced,
		// discarded or rescheduled since
		fresh, err := s.store.Get(ctx, it.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("Failed to re-read item", "item_id", it.ID, "error", err)
			}
			report.Skipped++
			continue
		}
		if !fresh.Eligible(s.now()) {
			report.Skipped++
			continue
		}

		report.Attempted++
		result, delay := s.syncOne(ctx, fresh)
		switch result {
		case outcomeSynced:
			report.Synced++
		case outcomeRetry:
			report.Retried++
			if nextRetry == 0 || delay < nextRetry {
				nextRetry = delay
			}
		case outcomeFailed:
			report.Failed++
		case outcomeConflict:
			report.Conflicts++
		case outcomeSkipped:
			report.Skipped++
		}
	}

	if nextRetry > 0 {
		s.scheduler.Schedule(nextRetry, func() {
			if s.life.Err() != nil {
				return
			}
			if _, err := s.SyncAll(s.life); err != nil {
				s.logger.Error("Scheduled sync pass failed", "error", err)
			}
		})
	}

	if _, err := s.Stats(ctx); err != nil {
		s.logger.Debug("Failed to refresh backlog gauges", "error", err)
	}
	return report, nil
}

// eligible drops frozen and backing-off items and orders the rest by
// priority, then by enqueue time
func eligible(items []models.QueueItem, now time.Time) []models.QueueItem {
	out := make([]models.QueueItem, 0, len(items))
	for _, it := range items {
		if it.Eligible(now) {
			out = append(out, it)
		}
	}
	models.SortBySchedule(out)
	return out
}

func (s *SyncService) syncOne(ctx context.Context, item models.QueueItem) (outcome, time.Duration) {
	l := s.logger.With("item_id", item.ID, "type", item.Type)
	start := time.Now()

	data, err := s.vault.Resolve(ctx, item)
	if err != nil {
		err = remote.Wrap(remote.CodeUnavailable, err)
	} else {
		err = s.dispatch(ctx, item, data)
	}

	status := "success"
	if err != nil {
		status = remote.Classify(err).String()
	}
	metrics.DispatchDuration.WithLabelValues(item.Type, status).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return s.onSynced(ctx, l, item), 0
	case remote.IsConflict(err):
		return s.onConflict(ctx, l, item, err), 0
	case ctx.Err() != nil:
		// Interrupted by shutdown, not by the remote; try again next pass
		l.Warn("Sync interrupted, item stays queued", "error", err)
		return outcomeSkipped, 0
	default:
		return s.onTransient(ctx, l, item, err)
	}
}

func (s *SyncService) onSynced(ctx context.Context, l *slog.Logger, item models.QueueItem) outcome {
	current, err := s.store.Get(ctx, item.ID)
	switch {
	case err == nil && !current.Metadata.Timestamp.Equal(item.Metadata.Timestamp):
		l.Info("Draft was updated during sync, keeping the newer version queued")
	case err == nil:
		if err := s.store.Remove(ctx, item.ID); err != nil {
			// The remote dedupes on the item id, so a replay is harmless
			l.Error("Item synced but failed to remove it from the queue", "error", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		l.Error("Item synced but failed to re-read it", "error", err)
	}

	s.appendLog(ctx, models.LogSynced, item, intPtr(item.Metadata.Attempts), "", "")
	metrics.ItemsProcessed.WithLabelValues("synced", item.Type).Inc()
	l.Info("Item synced", "attempts", item.Metadata.Attempts)
	s.bus.Emit(events.Synced, item.Summary())
	return outcomeSynced
}

func (s *SyncService) onConflict(ctx context.Context, l *slog.Logger, item models.QueueItem, cause error) outcome {
	now := s.now().UTC()
	code, msg := string(remote.CodeOf(cause)), remote.Message(cause)

	frozen, ok := s.updateIfUnchanged(ctx, l, item, func(it *models.QueueItem) {
		it.Metadata.SyncStatus = models.StatusConflict
		it.Metadata.NextTryAt = nil
		it.Metadata.LastErrorCode = code
		it.Metadata.LastErrorMessage = msg
		it.Metadata.LastErrorAt = &now
	})
	if !ok {
		return outcomeSkipped
	}

	s.appendLog(ctx, models.LogConflict, frozen, intPtr(frozen.Metadata.Attempts), code, msg)
	metrics.ItemsProcessed.WithLabelValues("conflict", item.Type).Inc()
	l.Warn("Item conflicts with remote state, frozen until an operator acts", "code", code, "message", msg)
	s.bus.Emit(events.Conflict, frozen.Summary())
	return outcomeConflict
}

func (s *SyncService) onTransient(ctx context.Context, l *slog.Logger, item models.QueueItem, cause error) (outcome, time.Duration) {
	now := s.now().UTC()
	code, msg := string(remote.CodeOf(cause)), remote.Message(cause)
	attempts := item.Metadata.Attempts + 1
	exhausted := s.policy.Exhausted(attempts)
	delay := s.policy.Delay(attempts)

	updated, ok := s.updateIfUnchanged(ctx, l, item, func(it *models.QueueItem) {
		it.Metadata.Attempts = attempts
		it.Metadata.LastErrorCode = code
		it.Metadata.LastErrorMessage = msg
		it.Metadata.LastErrorAt = &now
		if exhausted {
			it.Metadata.SyncStatus = models.StatusFailed
			it.Metadata.NextTryAt = nil
			return
		}
		next := now.Add(delay)
		it.Metadata.NextTryAt = &next
	})
	if !ok {
		return outcomeSkipped, 0
	}

	if exhausted {
		s.appendLog(ctx, models.LogFailed, updated, intPtr(attempts), code, msg)
		metrics.ItemsProcessed.WithLabelValues("failed", item.Type).Inc()
		l.Error("Item failed permanently after max attempts", "attempts", attempts, "code", code, "error", cause)
		s.bus.Emit(events.Failed, updated.Summary())
		return outcomeFailed, 0
	}

	s.appendLog(ctx, models.LogRetry, updated, intPtr(attempts), code, msg)
	metrics.ItemsProcessed.WithLabelValues("retry", item.Type).Inc()
	l.Warn("Item sync failed, retry scheduled",
		"attempts", attempts,
		"code", code,
		"retry_in", delay.String(),
		"error", cause,
	)
	return outcomeRetry, delay
}

// updateIfUnchanged applies mutate to the stored copy of item unless the
// draft was replaced while its sync was in flight
func (s *SyncService) updateIfUnchanged(ctx context.Context, l *slog.Logger, item models.QueueItem, mutate func(*models.QueueItem)) (models.QueueItem, bool) {
	current, err := s.store.Get(ctx, item.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.Error("Failed to re-read item before update", "error", err)
		}
		return item, false
	}
	if !current.Metadata.Timestamp.Equal(item.Metadata.Timestamp) {
		l.Info("Draft was updated during sync, outcome discarded")
		return current, false
	}

	updated := current.Clone()
	mutate(&updated)
	if err := s.store.Put(ctx, updated); err != nil {
		l.Error("Failed to persist sync outcome", "error", err)
		return updated, false
	}
	return updated, true
}

func (s *SyncService) appendLog(ctx context.Context, typ models.LogType, item models.QueueItem, attempts *int, code, message string) {
	entry := models.LogEntry{
		ID:       s.newID(),
		Type:     typ,
		ItemID:   item.ID,
		ItemType: item.Type,
		Attempts: attempts,
		At:       s.now().UTC(),
		Code:     code,
		Message:  message,
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Error("Failed to append audit log", "item_id", item.ID, "log_type", typ, "error", err)
	}
}

func intPtr(v int) *int { return &v }
