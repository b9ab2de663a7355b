package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Guizzs26/go-offline-sync/internal/mapper"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_control (
	correlation_id TEXT PRIMARY KEY,
	processed_at   TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS payments (
	id             TEXT PRIMARY KEY,
	customer_id    TEXT NOT NULL,
	customer_name  TEXT NOT NULL,
	amount         NUMERIC(14,2) NOT NULL CHECK (amount > 0),
	notes          TEXT,
	collector_id   TEXT NOT NULL,
	collector_name TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS customer_profiles (
	id         TEXT PRIMARY KEY,
	name       TEXT,
	phone      TEXT,
	email      TEXT,
	address    TEXT,
	city       TEXT,
	birth_date DATE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS credit_requests (
	id                 TEXT PRIMARY KEY,
	customer_id        TEXT NOT NULL,
	customer_name      TEXT NOT NULL,
	amount             NUMERIC(14,2) NOT NULL CHECK (amount > 0),
	installments       INTEGER NOT NULL CHECK (installments > 0),
	installment_amount NUMERIC(14,2),
	collector_id       TEXT NOT NULL,
	details            JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// PostgresCollaborator applies queue items to the Postgres system of record.
// Inserts are idempotent through sync_control, keyed by the queue item id.
type PostgresCollaborator struct {
	pool    *pgxpool.Pool
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

func NewPostgresCollaborator(ctx context.Context, connString string, logger *slog.Logger) (*PostgresCollaborator, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to configure postgres pool: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres did not answer: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCollaborator{pool: p, builder: newBuilder(), logger: logger}, nil
}

func newBuilder() *mapper.SQLBuilder {
	return mapper.NewSQLBuilder().
		Allow("payments", map[string]string{
			"id":            "id",
			"customerId":    "customer_id",
			"customerName":  "customer_name",
			"amount":        "amount",
			"notes":         "notes",
			"collectorId":   "collector_id",
			"collectorName": "collector_name",
		}).
		Allow("customer_profiles", map[string]string{
			"name":      "name",
			"phone":     "phone",
			"email":     "email",
			"address":   "address",
			"city":      "city",
			"birthDate": "birth_date",
			"updatedAt": "updated_at",
		}).
		Allow("credit_requests", map[string]string{
			"id":                "id",
			"customerId":        "customer_id",
			"customerName":      "customer_name",
			"amount":            "amount",
			"installments":      "installments",
			"installmentAmount": "installment_amount",
			"collectorId":       "collector_id",
			"details":           "details",
		})
}

// EnsureSchema creates the tables the collaborator writes to
func (r *PostgresCollaborator) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *PostgresCollaborator) SubmitPayment(ctx context.Context, p Payment) error {
	row := map[string]any{
		"id":            p.RequestID,
		"customerId":    p.CustomerID,
		"customerName":  p.CustomerName,
		"amount":        p.Amount,
		"collectorId":   p.CollectorID,
		"collectorName": p.CollectorName,
	}
	if p.Notes != "" {
		row["notes"] = p.Notes
	}
	return r.insertOnce(ctx, p.RequestID, "payments", row)
}

func (r *PostgresCollaborator) SubmitCreditRequest(ctx context.Context, c CreditRequest) error {
	row := map[string]any{
		"id":           c.RequestID,
		"customerId":   c.CustomerID,
		"customerName": c.CustomerName,
		"amount":       c.Amount,
		"installments": c.Installments,
		"collectorId":  c.CollectorID,
	}
	if c.InstallmentAmount > 0 {
		row["installmentAmount"] = c.InstallmentAmount
	}
	if len(c.Details) > 0 {
		row["details"] = c.Details
	}
	return r.insertOnce(ctx, c.RequestID, "credit_requests", row)
}

func (r *PostgresCollaborator) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	profile := Profile{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT updated_at FROM customer_profiles WHERE id = $1`, userID,
	).Scan(&profile.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile, Errorf(CodeNotFound, "customer profile %s does not exist", userID)
	}
	if err != nil {
		return profile, classifyPg(err)
	}
	return profile, nil
}

func (r *PostgresCollaborator) ApplyProfileUpdate(ctx context.Context, userID string, patch map[string]any) error {
	data := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		data[k] = v
	}
	data["updatedAt"] = time.Now().UTC()

	query, args, err := r.builder.BuildUpdate("customer_profiles", "id", userID, data)
	if err != nil {
		return Wrap(CodeInvalidArgument, err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return classifyPg(err)
	}
	if tag.RowsAffected() == 0 {
		return Errorf(CodeNotFound, "customer profile %s does not exist", userID)
	}
	return nil
}

// insertOnce writes row and records correlationID in the same transaction.
// A correlation id seen before means the row was applied by an earlier
// attempt whose local cleanup never happened.
func (r *PostgresCollaborator) insertOnce(ctx context.Context, correlationID, table string, row map[string]any) error {
	query, args, err := r.builder.BuildInsert(table, row)
	if err != nil {
		return Wrap(CodeInvalidArgument, err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPg(err)
	}
	defer tx.Rollback(ctx)

	processed, err := r.isProcessed(ctx, tx, correlationID)
	if err != nil {
		return classifyPg(err)
	}
	if processed {
		r.logger.Info("Skipping already applied request", "correlation_id", correlationID, "table", table)
		return nil
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return r.resolveRace(ctx, correlationID, err)
	}
	if err := r.markAsProcessed(ctx, tx, correlationID); err != nil {
		return r.resolveRace(ctx, correlationID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPg(err)
	}
	return nil
}

// resolveRace treats a unique violation as success when a concurrent replay
// of the same request committed first
func (r *PostgresCollaborator) resolveRace(ctx context.Context, correlationID string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return classifyPg(err)
	}

	var exists bool
	qerr := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_control WHERE correlation_id = $1)`, correlationID,
	).Scan(&exists)
	if qerr == nil && exists {
		r.logger.Warn("Idempotency race detected: correlation_id already exists in DB", "correlation_id", correlationID)
		return nil
	}
	return classifyPg(err)
}

func (r *PostgresCollaborator) isProcessed(ctx context.Context, tx pgx.Tx, correlationID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_control WHERE correlation_id = $1)`, correlationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return exists, nil
}

func (r *PostgresCollaborator) markAsProcessed(ctx context.Context, tx pgx.Tx, correlationID string) error {
	_, err := tx.Exec(ctx, `INSERT INTO sync_control (correlation_id) VALUES ($1)`, correlationID)
	if err != nil {
		return fmt.Errorf("failed to mark request as processed: %w", err)
	}
	return nil
}

func (r *PostgresCollaborator) Close(context.Context) error {
	r.pool.Close()
	return nil
}

// classifyPg maps SQLSTATE classes onto remote codes
func classifyPg(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeDeadlineExceeded, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		var connErr *pgconn.ConnectError
		if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
			return Wrap(CodeUnavailable, err)
		}
		return Wrap(CodeUnknown, err)
	}

	code := pgErr.Code
	switch {
	case code == "42501":
		return &Error{Code: CodePermissionDenied, Message: pgErr.Message, Err: err}
	case code == "23505":
		return &Error{Code: CodeAlreadyExists, Message: pgErr.Message, Err: err}
	case code == "23514", code == "23502", code == "23503":
		return &Error{Code: CodeFailedPrecondition, Message: pgErr.Message, Err: err}
	case strings.HasPrefix(code, "22"):
		return &Error{Code: CodeInvalidArgument, Message: pgErr.Message, Err: err}
	case code == "40001", code == "40P01", code == "55P03":
		return &Error{Code: CodeAborted, Message: pgErr.Message, Err: err}
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P0"):
		return &Error{Code: CodeUnavailable, Message: pgErr.Message, Err: err}
	default:
		return &Error{Code: CodeInternal, Message: pgErr.Message, Err: err}
	}
}
