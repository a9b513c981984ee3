// Package mongo provides a MongoDB-backed registry.Store, indexed on
// parent_id and status for fast child-listing and active-thread queries.
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

	"github.com/leolilley/ryeos-kernel/kernel/registry"
)

// Store is a MongoDB implementation of registry.Store.
type Store struct {
	collection *mongo.Collection
	client     *mongo.Client
	timeout    time.Duration
}

var (
	_ registry.Store = (*Store)(nil)
	_ health.Pinger  = (*Store)(nil)
)

// Options configures a Store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New constructs a Store and ensures the secondary indices on parent_id
// and status used by child-listing and active-thread queries.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	coll := opts.Client.Database(opts.Database).Collection(opts.Collection)
	s := &Store{collection: coll, client: opts.Client, timeout: opts.Timeout}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("registry mongo store: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "parent_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) Name() string { return "registry-mongo" }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

type recordDocument struct {
	ThreadID    string     `bson:"_id"`
	DirectiveID string     `bson:"directive_id"`
	ParentID    string     `bson:"parent_id,omitempty"`
	Status      string     `bson:"status"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`

	PermissionContext []byte `bson:"permission_context,omitempty"`
	CostBudget        []byte `bson:"cost_budget,omitempty"`
	TotalUsage        []byte `bson:"total_usage,omitempty"`

	ResultText string `bson:"result_text,omitempty"`
	Outputs    []byte `bson:"outputs,omitempty"`
	ErrorText  string `bson:"error_text,omitempty"`

	PID int `bson:"pid,omitempty"`

	ContinuationThreadID string `bson:"continuation_thread_id,omitempty"`
	ChainRootID          string `bson:"chain_root_id,omitempty"`
	PreviousThreadID     string `bson:"previous_thread_id,omitempty"`
}

func toDocument(rec registry.Record) recordDocument {
	return recordDocument{
		ThreadID:             rec.ThreadID,
		DirectiveID:          rec.DirectiveID,
		ParentID:             rec.ParentID,
		Status:               string(rec.Status),
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
		CompletedAt:          rec.CompletedAt,
		PermissionContext:    rec.PermissionContext,
		CostBudget:           rec.CostBudget,
		TotalUsage:           rec.TotalUsage,
		ResultText:           rec.ResultText,
		Outputs:              rec.Outputs,
		ErrorText:            rec.ErrorText,
		PID:                  rec.PID,
		ContinuationThreadID: rec.ContinuationThreadID,
		ChainRootID:          rec.ChainRootID,
		PreviousThreadID:     rec.PreviousThreadID,
	}
}

func (d recordDocument) toRecord() registry.Record {
	return registry.Record{
		ThreadID:             d.ThreadID,
		DirectiveID:          d.DirectiveID,
		ParentID:             d.ParentID,
		Status:               registry.Status(d.Status),
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
		CompletedAt:          d.CompletedAt,
		PermissionContext:    d.PermissionContext,
		CostBudget:           d.CostBudget,
		TotalUsage:           d.TotalUsage,
		ResultText:           d.ResultText,
		Outputs:              d.Outputs,
		ErrorText:            d.ErrorText,
		PID:                  d.PID,
		ContinuationThreadID: d.ContinuationThreadID,
		ChainRootID:          d.ChainRootID,
		PreviousThreadID:     d.PreviousThreadID,
	}
}

func (s *Store) Register(ctx context.Context, rec registry.Record) (registry.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if rec.Status == "" {
		rec.Status = registry.StatusCreated
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	doc := toDocument(rec)

	update := bson.M{"$setOnInsert": doc}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := s.collection.UpdateOne(ctx, bson.M{"_id": rec.ThreadID}, update, opts); err != nil {
		return registry.Record{}, fmt.Errorf("registry mongo register %q: %w", rec.ThreadID, err)
	}
	return s.GetThread(ctx, rec.ThreadID)
}

func (s *Store) UpdateStatus(ctx context.Context, threadID string, status registry.Status) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{"status": string(status), "updated_at": time.Now()}
	if status.Terminal() {
		set["completed_at"] = time.Now()
	}
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": threadID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("registry mongo update_status %q: %w", threadID, err)
	}
	if result.MatchedCount == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Store) SetResult(ctx context.Context, threadID string, resultText string, outputs []byte, errText string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": threadID}, bson.M{"$set": bson.M{
		"result_text": resultText, "outputs": outputs, "error_text": errText, "updated_at": time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("registry mongo set_result %q: %w", threadID, err)
	}
	if result.MatchedCount == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Store) SetContinuation(ctx context.Context, fromThreadID, toThreadID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": fromThreadID}, bson.M{"$set": bson.M{
		"continuation_thread_id": toThreadID, "updated_at": time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("registry mongo set_continuation %q: %w", fromThreadID, err)
	}
	if result.MatchedCount == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Store) SetChainInfo(ctx context.Context, threadID, chainRootID, previousThreadID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": threadID}, bson.M{"$set": bson.M{
		"chain_root_id": chainRootID, "previous_thread_id": previousThreadID, "updated_at": time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("registry mongo set_chain_info %q: %w", threadID, err)
	}
	if result.MatchedCount == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (registry.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc recordDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return registry.Record{}, registry.ErrNotFound
		}
		return registry.Record{}, fmt.Errorf("registry mongo get_thread %q: %w", threadID, err)
	}
	return doc.toRecord(), nil
}

func (s *Store) ListActive(ctx context.Context) ([]registry.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	nonTerminal := []string{
		string(registry.StatusCreated), string(registry.StatusRunning),
	}
	cursor, err := s.collection.Find(ctx, bson.M{"status": bson.M{"$in": nonTerminal}})
	if err != nil {
		return nil, fmt.Errorf("registry mongo list_active: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	return decodeAll(ctx, cursor)
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]registry.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.collection.Find(ctx, bson.M{"parent_id": parentID})
	if err != nil {
		return nil, fmt.Errorf("registry mongo list_children %q: %w", parentID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	return decodeAll(ctx, cursor)
}

func decodeAll(ctx context.Context, cursor *mongo.Cursor) ([]registry.Record, error) {
	var docs []recordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("registry mongo decode: %w", err)
	}
	out := make([]registry.Record, len(docs))
	for i, d := range docs {
		out[i] = d.toRecord()
	}
	return out, nil
}
