package db

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"event_spider/internal/config"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
}

func NewMongoDB(config config.DBConfig) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.Connection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	d := &MongoDB{
		client:   client,
		database: client.Database(config.Database),
	}

	if err := d.createIndexes(config); err != nil {
		return nil, fmt.Errorf("can't create indices: %w", err)
	}

	return d, nil
}

func (d *MongoDB) createIndexes(config config.DBConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cols := config.Collections
	for _, name := range []string{cols.WorkUnits, cols.Investigations, cols.PageAnalyses, cols.Submissions} {
		indexModel := mongo.IndexModel{
			Keys: bson.D{{Key: "status", Value: 1}},
		}
		if _, err := d.database.Collection(name).Indexes().CreateOne(ctx, indexModel); err != nil {
			slog.Warn("failed to create status index", "collection", name, "error", err)
		}
	}

	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "submission_id", Value: 1}, {Key: "model", Value: 1}},
	}
	if _, err := d.database.Collection(cols.PageAnalyses).Indexes().CreateOne(ctx, indexModel); err != nil {
		slog.Warn("failed to create page analysis index", "error", err)
	}

	return nil
}

func (d *MongoDB) Get(ctx context.Context, collection, key string, out interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := d.database.Collection(collection).FindOne(ctx, bson.M{"_id": key}).Decode(out)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find %s/%s: %w", collection, key, err)
	}
	return true, nil
}

func (d *MongoDB) InsertIfAbsent(ctx context.Context, collection, key string, doc interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var insertDoc bson.M
	data, err := bson.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	if err := bson.Unmarshal(data, &insertDoc); err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	delete(insertDoc, "_id")

	opts := options.Update().SetUpsert(true)
	filter := bson.M{"_id": key}
	update := bson.M{"$setOnInsert": insertDoc}

	res, err := d.database.Collection(collection).UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert %s/%s: %w", collection, key, err)
	}
	return res.UpsertedCount > 0, nil
}

func (d *MongoDB) Put(ctx context.Context, collection, key string, doc interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := d.database.Collection(collection).ReplaceOne(ctx, bson.M{"_id": key}, doc, opts)
	if err != nil {
		return fmt.Errorf("replace %s/%s: %w", collection, key, err)
	}
	return nil
}

func (d *MongoDB) Scan(ctx context.Context, collection, prefix string) ([]bson.Raw, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	filter := bson.M{}
	if prefix != "" {
		filter["_id"] = bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := d.database.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.Raw
	for cursor.Next(ctx) {
		docs = append(docs, append(bson.Raw(nil), cursor.Current...))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (d *MongoDB) StatusCounts(ctx context.Context, collection string) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := d.database.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(results))
	for _, r := range results {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
