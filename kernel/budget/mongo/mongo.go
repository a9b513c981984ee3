// Package mongo provides a MongoDB-backed budget.Store for durable,
// cross-process ledgers. It follows the same idempotent-upsert pattern
// used throughout the retrieved corpus for durable session/run state:
// writes use $setOnInsert so a retried Register or Reserve never
// double-creates a row. Reserve reads the parent, checks its remaining
// budget, and then upserts the child; it does not modify the parent row.
// ReportActual and CascadeSpend are read-then-set updates with no
// conditional guard, so concurrent writers to the same row are not
// serialized by this store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/leolilley/ryeos-kernel/kernel/budget"
)

// Store is a MongoDB implementation of budget.Store. It also satisfies
// goa.design/clue/health.Pinger so it can be registered with a service's
// health check endpoint.
type Store struct {
	collection *mongo.Collection
	client     *mongo.Client
	timeout    time.Duration
}

var (
	_ budget.Store  = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// Name identifies this store in health check output.
func (s *Store) Name() string { return "budget-mongo" }

// Ping satisfies health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

// Options configures a Store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	// Timeout bounds every operation; defaults to 5s when zero.
	Timeout time.Duration
}

// New constructs a Store and ensures the indices reservation lookups
// depend on (parent_thread_id, status).
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	coll := opts.Client.Database(opts.Database).Collection(opts.Collection)
	s := &Store{collection: coll, client: opts.Client, timeout: opts.Timeout}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("budget mongo store: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "parent_thread_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type entryDocument struct {
	ThreadID       string    `bson:"_id"`
	ParentThreadID string    `bson:"parent_thread_id,omitempty"`
	Reserved       float64   `bson:"reserved"`
	Actual         float64   `bson:"actual"`
	MaxSpend       float64   `bson:"max_spend"`
	Status         string    `bson:"status"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func (d entryDocument) toEntry() budget.Entry {
	return budget.Entry{
		ThreadID:       d.ThreadID,
		ParentThreadID: d.ParentThreadID,
		Reserved:       d.Reserved,
		Actual:         d.Actual,
		MaxSpend:       d.MaxSpend,
		Status:         budget.Status(d.Status),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (s *Store) Register(ctx context.Context, threadID string, maxSpend float64) (budget.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":        threadID,
			"reserved":   maxSpend,
			"actual":     0.0,
			"max_spend":  maxSpend,
			"status":     string(budget.StatusActive),
			"created_at": now,
			"updated_at": now,
		},
	}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := s.collection.UpdateOne(ctx, bson.M{"_id": threadID}, update, opts); err != nil {
		return budget.Entry{}, fmt.Errorf("budget mongo register %q: %w", threadID, err)
	}
	return s.Get(ctx, threadID)
}

func (s *Store) Reserve(ctx context.Context, childID string, amount float64, parentID string) (budget.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if existing, err := s.Get(ctx, childID); err == nil {
		return existing, nil
	}

	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return budget.Entry{}, err
	}
	if parent.Remaining() < amount {
		return budget.Entry{}, budget.ErrInsufficientBudget
	}

	now := time.Now()
	doc := entryDocument{
		ThreadID:       childID,
		ParentThreadID: parentID,
		Reserved:       amount,
		MaxSpend:       amount,
		Status:         string(budget.StatusActive),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	update := bson.M{"$setOnInsert": doc}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := s.collection.UpdateOne(ctx, bson.M{"_id": childID}, update, opts); err != nil {
		return budget.Entry{}, fmt.Errorf("budget mongo reserve %q: %w", childID, err)
	}
	return s.Get(ctx, childID)
}

func (s *Store) ReportActual(ctx context.Context, threadID string, amount float64) (float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	e, err := s.Get(ctx, threadID)
	if err != nil {
		return 0, err
	}
	raw := e.Actual + amount
	clamped := budget.Clamp(raw, e.Reserved)
	overspend := raw - clamped

	_, err = s.collection.UpdateOne(ctx, bson.M{"_id": threadID}, bson.M{
		"$set": bson.M{"actual": clamped, "updated_at": time.Now()},
	})
	if err != nil {
		return 0, fmt.Errorf("budget mongo report_actual %q: %w", threadID, err)
	}
	return overspend, nil
}

func (s *Store) CascadeSpend(ctx context.Context, _ string, parentID string, amount float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p, err := s.Get(ctx, parentID)
	if err != nil {
		return err
	}
	clamped := budget.Clamp(p.Actual+amount, p.Reserved)
	_, err = s.collection.UpdateOne(ctx, bson.M{"_id": parentID}, bson.M{
		"$set": bson.M{"actual": clamped, "updated_at": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("budget mongo cascade_spend %q: %w", parentID, err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, threadID string, _ string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": threadID}, bson.M{
		"$set": bson.M{"status": string(budget.StatusReleased), "updated_at": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("budget mongo release %q: %w", threadID, err)
	}
	if result.MatchedCount == 0 {
		return budget.ErrNotFound
	}
	return nil
}

func (s *Store) GetRemaining(ctx context.Context, threadID string) (float64, error) {
	e, err := s.Get(ctx, threadID)
	if err != nil {
		return 0, err
	}
	return e.Remaining(), nil
}

func (s *Store) Get(ctx context.Context, threadID string) (budget.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc entryDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return budget.Entry{}, budget.ErrNotFound
		}
		return budget.Entry{}, fmt.Errorf("budget mongo get %q: %w", threadID, err)
	}
	return doc.toEntry(), nil
}
