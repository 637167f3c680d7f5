// Package store selects the durable blob backend that holds session state.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/suPer8Hu/studychat/internal/config"
	"github.com/suPer8Hu/studychat/internal/db"
	"github.com/suPer8Hu/studychat/internal/store/blob"
	"github.com/suPer8Hu/studychat/internal/store/redisstore"
	"github.com/suPer8Hu/studychat/internal/store/sqlstore"
)

const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Open builds the blob store named by cfg.StorageBackend. The returned close
// function releases its connections and is never nil.
func Open(ctx context.Context, cfg config.Config) (blob.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.StorageBackend {
	case "", BackendFile:
		s, err := blob.NewFile(cfg.StorageDir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil

	case BackendMemory:
		return blob.NewMemory(), noop, nil

	case BackendRedis:
		s := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := s.Ping(pctx); err != nil {
			_ = s.Close()
			return nil, noop, errors.Wrapf(err, "redis %s", cfg.RedisAddr)
		}
		return s, s.Close, nil

	case BackendSQL:
		gdb, err := db.Open(cfg.DBDSN)
		if err != nil {
			return nil, noop, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, noop, errors.Wrap(err, "database handle")
		}
		s, err := sqlstore.New(gdb)
		if err != nil {
			_ = sqlDB.Close()
			return nil, noop, err
		}
		return s, sqlDB.Close, nil

	default:
		return nil, noop, errors.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
