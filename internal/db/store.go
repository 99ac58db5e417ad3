package db

import (
	"context"
	"fmt"

	"event_spider/internal/config"

	"go.mongodb.org/mongo-driver/bson"
)

// Store is a keyed document store. Every document carries its key in "_id"
// and is encoded with bson in both backends.
type Store interface {
	// Get decodes the document into out and reports whether it existed.
	Get(ctx context.Context, collection, key string, out interface{}) (bool, error)
	// InsertIfAbsent writes doc only when key is free and reports whether it did.
	InsertIfAbsent(ctx context.Context, collection, key string, doc interface{}) (bool, error)
	// Put creates or replaces the document.
	Put(ctx context.Context, collection, key string, doc interface{}) error
	// Scan returns every document whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, collection, prefix string) ([]bson.Raw, error)
	// StatusCounts groups a collection by its "status" field.
	StatusCounts(ctx context.Context, collection string) (map[string]int, error)
	Close() error
}

// Open picks the backend named in the config.
func Open(cfg config.DBConfig) (Store, error) {
	switch cfg.Driver {
	case "mongo":
		return NewMongoDB(cfg)
	case "badger":
		return NewBadgerDB(cfg)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}

type statusOnly struct {
	Status string `bson:"status"`
}
