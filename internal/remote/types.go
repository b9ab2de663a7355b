// Package remote holds the system of record the queue is replayed against.
//
// Every implementation reports failures as *Error so the orchestrator can
// tell conflicts, which need a human, from transient trouble, which is
// retried.
package remote

import (
	"context"
	"time"
)

// Collaborator is the typed surface of the remote system of record
type Collaborator interface {
	SubmitPayment(ctx context.Context, p Payment) error
	FetchProfile(ctx context.Context, userID string) (Profile, error)
	ApplyProfileUpdate(ctx context.Context, userID string, patch map[string]any) error
	SubmitCreditRequest(ctx context.Context, r CreditRequest) error
	Close(ctx context.Context) error
}

// Payment is a collected installment. RequestID is the queue item id and
// makes a replayed submission a no-op.
type Payment struct {
	RequestID     string  `json:"-" bson:"_id"`
	CustomerID    string  `json:"customerId" bson:"customerId"`
	CustomerName  string  `json:"customerName" bson:"customerName"`
	Amount        float64 `json:"amount" bson:"amount"`
	Notes         string  `json:"notes,omitempty" bson:"notes,omitempty"`
	CollectorID   string  `json:"collectorId" bson:"collectorId"`
	CollectorName string  `json:"collectorName" bson:"collectorName"`
}

// CreditRequest is an installment credit origination
type CreditRequest struct {
	RequestID         string         `json:"-" bson:"_id"`
	CustomerID        string         `json:"customerId" bson:"customerId"`
	CustomerName      string         `json:"customerName" bson:"customerName"`
	Amount            float64        `json:"amount" bson:"amount"`
	Installments      int            `json:"installments" bson:"installments"`
	InstallmentAmount float64        `json:"installmentAmount,omitempty" bson:"installmentAmount,omitempty"`
	CollectorID       string         `json:"collectorId" bson:"collectorId"`
	Details           map[string]any `json:"details,omitempty" bson:"details,omitempty"`
}

// Profile is the part of a customer record the orchestrator reads
type Profile struct {
	UserID    string    `bson:"_id"`
	UpdatedAt time.Time `bson:"updatedAt"`
}
