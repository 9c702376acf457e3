package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/config"
	"github.com/p-blackswan/domainsync/internal/store"
	"github.com/p-blackswan/domainsync/pkg/kvstore"
)

// Storage is the opened local store. SQL is set only for the sqlite driver,
// which also keeps dead letters.
type Storage struct {
	KV  kvstore.Store
	SQL *store.Store
}

// DeadLetters returns the dead-letter store, or nil when the driver has none.
func (s *Storage) DeadLetters() DeadLetterStore {
	if s.SQL == nil {
		return nil
	}
	return SQLiteDeadLetters{Store: s.SQL}
}

// Close closes the underlying store.
func (s *Storage) Close() error {
	return s.KV.Close()
}

// OpenStorage opens the store selected by cfg.StoreDriver.
func OpenStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Storage, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return &Storage{KV: kvstore.NewMemoryStore(kvstore.MemoryOptions{QuotaBytes: cfg.StoreQuotaBytes})}, nil

	case config.DriverSQLite:
		db, err := store.New(cfg.StorePath, logger)
		if err != nil {
			return nil, err
		}
		db.StartRetention(ctx, time.Hour)
		return &Storage{KV: db, SQL: db}, nil

	case config.DriverBadger:
		db, err := kvstore.OpenBadger(kvstore.BadgerConfig{
			Path:       cfg.StorePath,
			GCInterval: 10 * time.Minute,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return &Storage{KV: db}, nil

	case config.DriverRedis:
		rs := kvstore.NewRedisStore(kvstore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
		return &Storage{KV: rs}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
