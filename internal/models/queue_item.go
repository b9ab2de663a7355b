package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Priority orders queue items for scheduling only
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRanks = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the position of p in the strict scheduling order. Unknown
// priorities sort after low.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return len(priorityRanks)
}

// Valid reports whether p is one of the four known tiers
func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// Format declares how Data is interpreted when it is serialized
type Format string

const (
	FormatRecord Format = "record"
	FormatBinary Format = "binary"
	FormatText   Format = "text"
)

// SyncStatus is the lifecycle state of a persisted item. A synced item is
// removed, so "synced" only appears in the log and on the event bus.
type SyncStatus string

const (
	StatusQueued   SyncStatus = "queued"
	StatusFailed   SyncStatus = "failed"
	StatusConflict SyncStatus = "conflict"
)

// Frozen reports whether the status is excluded from automatic retry
func (s SyncStatus) Frozen() bool {
	return s == StatusFailed || s == StatusConflict
}

// Metadata carries the lifecycle bookkeeping of a QueueItem
type Metadata struct {
	UserID           string     `json:"userId"`
	Timestamp        time.Time  `json:"timestamp"`
	SyncStatus       SyncStatus `json:"syncStatus"`
	Attempts         int        `json:"attempts"`
	NextTryAt        *time.Time `json:"nextTryAt,omitempty"`
	Sensitive        bool       `json:"sensitive,omitempty"`
	LastErrorCode    string     `json:"lastErrorCode,omitempty"`
	LastErrorMessage string     `json:"lastErrorMessage,omitempty"`
	LastErrorAt      *time.Time `json:"lastErrorAt,omitempty"`
}

// QueueItem is a single deferred mutation awaiting replay against the remote system
type QueueItem struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Priority Priority        `json:"priority"`
	MaxSize  int             `json:"maxSize"`
	Format   Format          `json:"format"`
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// Size is the serialized payload length checked against MaxSize
func (q QueueItem) Size() int {
	return len(q.Data)
}

// Eligible reports whether the item may be attempted at now
func (q QueueItem) Eligible(now time.Time) bool {
	if q.Metadata.SyncStatus != StatusQueued {
		return false
	}
	return q.Metadata.NextTryAt == nil || !q.Metadata.NextTryAt.After(now)
}

// Clone returns a deep copy so callers can mutate without touching shared state
func (q QueueItem) Clone() QueueItem {
	c := q
	if q.Data != nil {
		c.Data = append(json.RawMessage(nil), q.Data...)
	}
	if q.Metadata.NextTryAt != nil {
		t := *q.Metadata.NextTryAt
		c.Metadata.NextTryAt = &t
	}
	if q.Metadata.LastErrorAt != nil {
		t := *q.Metadata.LastErrorAt
		c.Metadata.LastErrorAt = &t
	}
	return c
}

// ItemSummary is what leaves the process on the event bus. It never
// carries Data.
type ItemSummary struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Priority Priority `json:"priority"`
	Format   Format   `json:"format"`
	Size     int      `json:"size"`
	Metadata Metadata `json:"metadata"`
}

func (q QueueItem) Summary() ItemSummary {
	c := q.Clone()
	return ItemSummary{
		ID:       c.ID,
		Type:     c.Type,
		Priority: c.Priority,
		Format:   c.Format,
		Size:     c.Size(),
		Metadata: c.Metadata,
	}
}

// SortBySchedule orders items by priority rank, then by enqueue time
func SortBySchedule(items []QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Priority.Rank(), items[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].Metadata.Timestamp.Before(items[j].Metadata.Timestamp)
	})
}

// QueueStats summarizes the queue for viewers
type QueueStats struct {
	Queued   int `json:"queued"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	Conflict int `json:"conflict"`
	Total    int `json:"total"`
}

// CountItems builds QueueStats from a listing
func CountItems(items []QueueItem) QueueStats {
	var s QueueStats
	for _, it := range items {
		s.Total++
		switch it.Metadata.SyncStatus {
		case StatusQueued:
			s.Queued++
			if it.Metadata.Attempts > 0 {
				s.Retrying++
			}
		case StatusFailed:
			s.Failed++
		case StatusConflict:
			s.Conflict++
		}
	}
	return s
}
