package remote

import (
	"context"
	"sync"
)

// Dialer opens a Collaborator
type Dialer func(ctx context.Context) (Collaborator, error)

// Lazy connects on first use so the engine can start, and keep queueing,
// while the remote is unreachable. A failed dial is reported as unavailable
// and retried on the next call.
type Lazy struct {
	dial Dialer

	mu   sync.Mutex
	conn Collaborator
}

func NewLazy(dial Dialer) *Lazy {
	return &Lazy{dial: dial}
}

func (l *Lazy) get(ctx context.Context) (Collaborator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}
	c, err := l.dial(ctx)
	if err != nil {
		return nil, &Error{Code: CodeUnavailable, Message: "remote not reachable", Err: err}
	}
	l.conn = c
	return c, nil
}

func (l *Lazy) SubmitPayment(ctx context.Context, p Payment) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.SubmitPayment(ctx, p)
}

func (l *Lazy) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	c, err := l.get(ctx)
	if err != nil {
		return Profile{UserID: userID}, err
	}
	return c.FetchProfile(ctx, userID)
}

func (l *Lazy) ApplyProfileUpdate(ctx context.Context, userID string, patch map[string]any) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.ApplyProfileUpdate(ctx, userID, patch)
}

func (l *Lazy) SubmitCreditRequest(ctx context.Context, r CreditRequest) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.SubmitCreditRequest(ctx, r)
}

func (l *Lazy) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close(ctx)
	l.conn = nil
	return err
}
