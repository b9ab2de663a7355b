package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	paymentsCollection  = "payments"
	customersCollection = "customers"
	creditsCollection   = "credit_requests"
)

// MongoCollaborator applies queue items to the remote document database.
// Documents created from queue items use the item id as _id, so a
// duplicate _id on insert means an earlier attempt already landed.
type MongoCollaborator struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

func NewMongoCollaborator(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoCollaborator, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetMaxConnIdleTime(5 * time.Minute).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb did not answer: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &MongoCollaborator{client: client, db: client.Database(database), logger: logger}, nil
}

func (m *MongoCollaborator) SubmitPayment(ctx context.Context, p Payment) error {
	doc := bson.M{
		"_id":           p.RequestID,
		"customerId":    p.CustomerID,
		"customerName":  p.CustomerName,
		"amount":        p.Amount,
		"collectorId":   p.CollectorID,
		"collectorName": p.CollectorName,
		"createdAt":     time.Now().UTC(),
	}
	if p.Notes != "" {
		doc["notes"] = p.Notes
	}
	return m.insertOnce(ctx, paymentsCollection, p.RequestID, doc)
}

func (m *MongoCollaborator) SubmitCreditRequest(ctx context.Context, c CreditRequest) error {
	doc := bson.M{
		"_id":          c.RequestID,
		"customerId":   c.CustomerID,
		"customerName": c.CustomerName,
		"amount":       c.Amount,
		"installments": c.Installments,
		"collectorId":  c.CollectorID,
		"status":       "pending",
		"createdAt":    time.Now().UTC(),
	}
	if c.InstallmentAmount > 0 {
		doc["installmentAmount"] = c.InstallmentAmount
	}
	if len(c.Details) > 0 {
		doc["details"] = c.Details
	}
	return m.insertOnce(ctx, creditsCollection, c.RequestID, doc)
}

func (m *MongoCollaborator) insertOnce(ctx context.Context, collection, id string, doc bson.M) error {
	_, err := m.db.Collection(collection).InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if isDuplicateID(err) {
		m.logger.Info("Skipping already applied request", "correlation_id", id, "collection", collection)
		return nil
	}
	return classifyMongo(err)
}

func (m *MongoCollaborator) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	opts := options.FindOne().SetProjection(bson.M{"updatedAt": 1})
	err := m.db.Collection(customersCollection).FindOne(ctx, bson.M{"_id": userID}, opts).Decode(&profile)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Profile{UserID: userID}, Errorf(CodeNotFound, "customer profile %s does not exist", userID)
	}
	if err != nil {
		return Profile{UserID: userID}, classifyMongo(err)
	}
	return profile, nil
}

func (m *MongoCollaborator) ApplyProfileUpdate(ctx context.Context, userID string, patch map[string]any) error {
	set := bson.M{}
	for k, v := range patch {
		if k == "_id" || strings.HasPrefix(k, "$") {
			return Errorf(CodeInvalidArgument, "field %q is not writable", k)
		}
		set[k] = v
	}
	set["updatedAt"] = time.Now().UTC()

	res, err := m.db.Collection(customersCollection).UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": set})
	if err != nil {
		return classifyMongo(err)
	}
	if res.MatchedCount == 0 {
		return Errorf(CodeNotFound, "customer profile %s does not exist", userID)
	}
	return nil
}

func (m *MongoCollaborator) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// isDuplicateID reports a duplicate key on the primary _id index as
// opposed to a secondary unique index
func isDuplicateID(err error) bool {
	if !mongo.IsDuplicateKeyError(err) {
		return false
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if strings.Contains(e.Message, "index: _id_") {
				return true
			}
		}
		return false
	}
	return strings.Contains(err.Error(), "index: _id_")
}

// Server error codes the mapping cares about
const (
	mongoUnauthorized              = 13
	mongoAuthenticationFailed      = 18
	mongoDocumentValidationFailure = 121
)

func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeDeadlineExceeded, err)
	}
	if mongo.IsNetworkError(err) {
		return Wrap(CodeUnavailable, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return Wrap(CodeAlreadyExists, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(mongoUnauthorized), se.HasErrorCode(mongoAuthenticationFailed):
			return Wrap(CodePermissionDenied, err)
		case se.HasErrorCode(mongoDocumentValidationFailure):
			return Wrap(CodeFailedPrecondition, err)
		}
		return Wrap(CodeInternal, err)
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return Wrap(CodeUnavailable, err)
	}
	return Wrap(CodeUnknown, err)
}
