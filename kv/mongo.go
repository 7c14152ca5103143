package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Mongo is a Driver backed by two MongoDB collections: one holding key/value
// documents, one holding alarm schedules. Grounded on
// features/runlog/mongo/clients/mongo/client.go's shape (an Options struct
// taking a *mongo.Client plus database/collection names, a constructor that
// ensures indexes up front), generalized from an append-only event log to a
// mutable keyed store so it can exercise ListRange/Batch, which the runlog
// client never needed.
type Mongo struct {
	docs   *mongo.Collection
	alarms *mongo.Collection
}

// MongoOptions configures a Mongo driver instance.
type MongoOptions struct {
	// Client is the shared MongoDB connection. Required.
	Client *mongo.Client
	// Database is the database name. Required.
	Database string
	// Collection is the key/value document collection name. Defaults to
	// "actorcore_kv".
	Collection string
	// AlarmCollection is the alarm schedule collection name. Defaults to
	// "actorcore_alarms".
	AlarmCollection string
}

type kvDocument struct {
	ID    bson.ObjectID `bson:"_id,omitempty"`
	Key   []byte        `bson:"k"`
	Value []byte        `bson:"v"`
}

type alarmDocument struct {
	ID       string `bson:"_id"`
	WakeAtMs int64  `bson:"wake_at_ms"`
}

const (
	defaultKVCollection    = "actorcore_kv"
	defaultAlarmCollection = "actorcore_alarms"
)

// NewMongo constructs a Driver over an existing MongoDB connection, creating
// the unique index on the key field if it does not already exist.
func NewMongo(ctx context.Context, opts MongoOptions) (*Mongo, error) {
	if opts.Client == nil {
		return nil, errors.New("kv: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("kv: mongo database name is required")
	}
	kvColl := opts.Collection
	if kvColl == "" {
		kvColl = defaultKVCollection
	}
	alarmColl := opts.AlarmCollection
	if alarmColl == "" {
		alarmColl = defaultAlarmCollection
	}

	db := opts.Client.Database(opts.Database)
	docs := db.Collection(kvColl)
	_, err := docs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "k", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("kv: mongo ensure index: %w", err)
	}

	return &Mongo{docs: docs, alarms: db.Collection(alarmColl)}, nil
}

func (m *Mongo) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var doc kvDocument
	err := m.docs.FindOne(ctx, bson.D{{Key: "k", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: mongo get: %w", err)
	}
	return doc.Value, true, nil
}

func (m *Mongo) Set(ctx context.Context, key, value []byte) error {
	_, err := m.docs.UpdateOne(ctx,
		bson.D{{Key: "k", Value: key}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "k", Value: key}, {Key: "v", Value: value}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("kv: mongo set: %w", err)
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, key []byte) error {
	_, err := m.docs.DeleteOne(ctx, bson.D{{Key: "k", Value: key}})
	if err != nil {
		return fmt.Errorf("kv: mongo delete: %w", err)
	}
	return nil
}

func (m *Mongo) DeletePrefix(ctx context.Context, prefix []byte) error {
	entries, err := m.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.Delete(ctx, e.Key); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mongo) List(ctx context.Context, prefix []byte) ([]Entry, error) {
	cur, err := m.docs.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "k", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("kv: mongo list: %w", err)
	}
	defer cur.Close(ctx)

	var out []Entry
	for cur.Next(ctx) {
		var doc kvDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("kv: mongo list decode: %w", err)
		}
		if bytes.HasPrefix(doc.Key, prefix) {
			out = append(out, Entry{Key: doc.Key, Value: doc.Value})
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("kv: mongo list cursor: %w", err)
	}
	sortEntries(out)
	return out, nil
}

func (m *Mongo) ListRange(ctx context.Context, start, end []byte, opts ListRangeOptions) ([]Entry, error) {
	filter := bson.D{{Key: "k", Value: bson.D{{Key: "$gte", Value: start}}}}
	if end != nil {
		filter = append(filter, bson.E{Key: "k", Value: bson.D{{Key: "$lt", Value: end}}})
	}
	sortOrder := 1
	if opts.Reverse {
		sortOrder = -1
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "k", Value: sortOrder}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	cur, err := m.docs.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("kv: mongo list range: %w", err)
	}
	defer cur.Close(ctx)

	var out []Entry
	for cur.Next(ctx) {
		var doc kvDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("kv: mongo list range decode: %w", err)
		}
		out = append(out, Entry{Key: doc.Key, Value: doc.Value})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("kv: mongo list range cursor: %w", err)
	}
	// $gte/$lt plus a sort already return the right order; a second local
	// sort keeps the contract robust if a caller swaps in a collection
	// without the k-index built yet.
	if !opts.Reverse {
		sortEntries(out)
	} else {
		sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) > 0 })
	}
	return out, nil
}

func (m *Mongo) Batch(ctx context.Context, writes []Write) error {
	models := make([]mongo.WriteModel, 0, len(writes))
	for _, w := range writes {
		filter := bson.D{{Key: "k", Value: w.Key}}
		if w.Value == nil {
			models = append(models, mongo.NewDeleteOneModel().SetFilter(filter))
			continue
		}
		update := bson.D{{Key: "$set", Value: bson.D{{Key: "k", Value: w.Key}, {Key: "v", Value: w.Value}}}}
		models = append(models, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}
	if len(models) == 0 {
		return nil
	}
	_, err := m.docs.BulkWrite(ctx, models)
	if err != nil {
		return fmt.Errorf("kv: mongo batch: %w", err)
	}
	return nil
}

func (m *Mongo) SetAlarm(ctx context.Context, id string, wakeAtMs int64) error {
	_, err := m.alarms.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		alarmDocument{ID: id, WakeAtMs: wakeAtMs},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("kv: mongo set alarm: %w", err)
	}
	return nil
}

func (m *Mongo) ClearAlarm(ctx context.Context, id string) error {
	_, err := m.alarms.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("kv: mongo clear alarm: %w", err)
	}
	return nil
}

func (m *Mongo) NextAlarm(ctx context.Context) (int64, bool, error) {
	var doc alarmDocument
	err := m.alarms.FindOne(ctx, bson.D{}, options.FindOne().SetSort(bson.D{{Key: "wake_at_ms", Value: 1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("kv: mongo next alarm: %w", err)
	}
	return doc.WakeAtMs, true, nil
}
