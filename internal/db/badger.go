package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"event_spider/internal/config"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
)

// maxConflictRetries bounds optimistic transaction retries on write conflicts.
const maxConflictRetries = 5

// BadgerDB is the embedded backend. Keys are "<collection>/<key>".
type BadgerDB struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func NewBadgerDB(cfg config.DBConfig) (*BadgerDB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("db path is required for a persistent badger database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: slog.Default().With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerDB{db: db}, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*BadgerDB, error) {
	return NewBadgerDB(config.DBConfig{InMemory: true})
}

func badgerKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

func (b *BadgerDB) Get(ctx context.Context, collection, key string, out interface{}) (bool, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(collection, key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return true, nil
}

func (b *BadgerDB) InsertIfAbsent(ctx context.Context, collection, key string, doc interface{}) (bool, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}

	k := badgerKey(collection, key)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		inserted := false
		err = b.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(k)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			inserted = true
			return txn.Set(k, raw)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("insert %s/%s: %w", collection, key, err)
		}
		return inserted, nil
	}
	return false, fmt.Errorf("insert %s/%s: %w", collection, key, err)
}

func (b *BadgerDB) Put(ctx context.Context, collection, key string, doc interface{}) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(collection, key), raw)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (b *BadgerDB) Scan(ctx context.Context, collection, prefix string) ([]bson.Raw, error) {
	var docs []bson.Raw
	p := badgerKey(collection, prefix)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			docs = append(docs, bson.Raw(raw))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	return docs, nil
}

func (b *BadgerDB) StatusCounts(ctx context.Context, collection string) (map[string]int, error) {
	docs, err := b.Scan(ctx, collection, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, raw := range docs {
		var s statusOnly
		if err := bson.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		counts[s.Status]++
	}
	return counts, nil
}

func (b *BadgerDB) Close() error {
	return b.db.Close()
}
