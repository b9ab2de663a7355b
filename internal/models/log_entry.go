package models

import "time"

// LogType names the state transition recorded by a LogEntry
type LogType string

const (
	LogEnqueue  LogType = "enqueue"
	LogUpdate   LogType = "update"
	LogRetry    LogType = "retry"
	LogSynced   LogType = "synced"
	LogConflict LogType = "conflict"
	LogFailed   LogType = "failed"

	// Operator actions on frozen items
	LogRequeue LogType = "requeue"
	LogDiscard LogType = "discard"
)

// LogEntry is an append-only audit record, written once per transition
type LogEntry struct {
	ID       string    `json:"id"`
	Type     LogType   `json:"type"`
	ItemID   string    `json:"itemId"`
	ItemType string    `json:"itemType"`
	Attempts *int      `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message,omitempty"`
}
