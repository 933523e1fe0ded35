package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/leadpulse/am"
	"github.com/teranos/leadpulse/errors"
)

// OpenStore builds the Store selected by cfg.Backend. The returned close
// function releases backend connections; it never closes db.
func OpenStore(ctx context.Context, cfg am.LockConfig, db *sql.DB) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case am.LockBackendFile, "":
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case am.LockBackendSQLite:
		if db == nil {
			return nil, nil, errors.New("sqlite lock backend requires an open database")
		}
		return NewSQLStore(db), noop, nil

	case am.LockBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: 5 * time.Second,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, errors.WithHintf(
				errors.Wrapf(err, "failed to connect to redis at %s", cfg.RedisAddr),
				"check lock.redis_addr or switch lock.backend to %q", am.LockBackendFile,
			)
		}
		return NewRedisStore(client, ""), client.Close, nil

	default:
		return nil, nil, errors.NewInvalidRequestError("unknown lock backend %q", cfg.Backend)
	}
}
