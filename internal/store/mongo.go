package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore 每个集合对应一个 mongo collection，id 写入 _id
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore 连接 mongo
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	if database == "" {
		database = "poloniex"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	log.Info().Str("database", database).Msg("Mongo connection established")
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// FindLatest sortKey 降序取第一条
func (s *MongoStore) FindLatest(ctx context.Context, collection, sortKey string) (Record, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: sortKey, Value: -1}})
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{sortKey: bson.M{"$exists": true}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find latest %s: %w", collection, err)
	}
	return fromBSON(doc), true, nil
}

// Upsert ReplaceOne + upsert
func (s *MongoStore) Upsert(ctx context.Context, collection, id string, rec Record) error {
	doc := bson.M{}
	for k, v := range sanitize(rec) {
		doc[k] = v
	}
	doc["_id"] = id
	_, err := s.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

// QueryRange $gte/$lte 范围查询
func (s *MongoStore) QueryRange(ctx context.Context, collection string, f Filter, sortKey string) ([]Record, error) {
	filter := bson.M{}
	for k, v := range f.Match {
		filter[k] = sanitizeValue(v)
	}
	if f.Field != "" {
		cond := bson.M{"$gte": f.From}
		if f.To != 0 {
			cond["$lte"] = f.To
		}
		filter[f.Field] = cond
	}
	opts := options.Find()
	if sortKey != "" {
		opts.SetSort(bson.D{{Key: sortKey, Value: 1}})
	}

	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collection, err)
	}
	out := make([]Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromBSON(d))
	}
	return out, nil
}

// Close 断开连接
func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func fromBSON(doc bson.M) Record {
	rec := make(Record, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		rec[k] = v
	}
	return rec
}
