package service

import (
	"context"
	"encoding/json"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
)

// Item types replayed by the built-in handlers
const (
	TypePayment       = "payment"
	TypeProfileUpdate = "updateCustomerProfile"
	TypeCreditRequest = "creditRequest"
)

// Handler applies one item to the remote system. data is the resolved
// plaintext payload. Errors should be *remote.Error; anything else is
// retried as unknown.
type Handler func(ctx context.Context, item models.QueueItem, data json.RawMessage) error

// Register binds typ to h, replacing any previous handler
func (s *SyncService) Register(typ string, h Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[typ] = h
}

func (s *SyncService) registerDefaults() {
	s.Register(TypePayment, s.submitPayment)
	s.Register(TypeProfileUpdate, s.updateProfile)
	s.Register(TypeCreditRequest, s.submitCreditRequest)
}

func (s *SyncService) dispatch(ctx context.Context, item models.QueueItem, data json.RawMessage) error {
	s.hmu.RLock()
	h, ok := s.handlers[item.Type]
	s.hmu.RUnlock()

	if !ok {
		return remote.Errorf(remote.CodeUnimplemented, "no handler for item type %q", item.Type)
	}
	return h(ctx, item, data)
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &remote.Error{Code: remote.CodeInvalidArgument, Message: "payload cannot be decoded", Err: err}
	}
	return nil
}

func (s *SyncService) submitPayment(ctx context.Context, item models.QueueItem, data json.RawMessage) error {
	var p remote.Payment
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.Amount <= 0 {
		return remote.Errorf(remote.CodeInvalidArgument, "payment amount must be positive")
	}
	p.RequestID = item.ID
	if p.CollectorID == "" {
		p.CollectorID = item.Metadata.UserID
	}
	return s.remote.SubmitPayment(ctx, p)
}

func (s *SyncService) submitCreditRequest(ctx context.Context, item models.QueueItem, data json.RawMessage) error {
	var c remote.CreditRequest
	if err := decode(data, &c); err != nil {
		return err
	}
	c.RequestID = item.ID
	if c.CollectorID == "" {
		c.CollectorID = item.Metadata.UserID
	}
	return s.remote.SubmitCreditRequest(ctx, c)
}

// updateProfile is last-write-wins against the remote: an edit queued
// before the remote record last changed is a stale edit and is not applied.
func (s *SyncService) updateProfile(ctx context.Context, item models.QueueItem, data json.RawMessage) error {
	var patch map[string]any
	if err := decode(data, &patch); err != nil {
		return err
	}

	uid, _ := patch["uid"].(string)
	delete(patch, "uid")
	if uid == "" {
		uid = item.Metadata.UserID
	}
	if uid == "" {
		return remote.Errorf(remote.CodeInvalidArgument, "profile update has no uid")
	}
	if len(patch) == 0 {
		return remote.Errorf(remote.CodeInvalidArgument, "profile update has no fields")
	}

	profile, err := s.remote.FetchProfile(ctx, uid)
	if err != nil {
		return err
	}
	if profile.UpdatedAt.After(item.Metadata.Timestamp) {
		return remote.Errorf(remote.CodeFailedPrecondition,
			"stale edit: remote profile changed at %s, after this edit was queued at %s",
			profile.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			item.Metadata.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		)
	}
	return s.remote.ApplyProfileUpdate(ctx, uid, patch)
}
