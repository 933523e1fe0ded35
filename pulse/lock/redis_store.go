package lock

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/leadpulse/errors"
)

// DefaultRedisKeyPrefix namespaces marker keys.
const DefaultRedisKeyPrefix = "leadpulse:lock:"

// RedisStore keeps one JSON marker per scope under a string key.
// Create uses SET NX; Replace and Delete are optimistic transactions under
// WATCH, so a concurrent change aborts them instead of clobbering.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using client. An empty prefix selects
// DefaultRedisKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(scope string) string {
	return s.prefix + scope
}

func (s *RedisStore) Create(ctx context.Context, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to encode marker")
	}
	ok, err := s.client.SetNX(ctx, s.key(m.Scope), data, 0).Result()
	if err != nil {
		return errors.Wrapf(err, "redis SETNX %s", s.key(m.Scope))
	}
	if !ok {
		return ErrMarkerExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, scope string) (Marker, error) {
	return s.get(ctx, s.client, scope)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, scope string) (Marker, error) {
	data, err := c.Get(ctx, s.key(scope)).Bytes()
	if err == redis.Nil {
		return Marker{}, errors.NewNotFoundError("lock marker %s", s.key(scope))
	}
	if err != nil {
		return Marker{}, errors.Wrapf(err, "redis GET %s", s.key(scope))
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, errors.Wrapf(err, "corrupt lock marker %s", s.key(scope))
	}
	return m, nil
}

func (s *RedisStore) Replace(ctx context.Context, old, next Marker) error {
	data, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "failed to encode marker")
	}
	key := s.key(old.Scope)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, old.Scope)
		if err != nil {
			return err
		}
		if cur.Token != old.Token {
			return ErrTokenMismatch
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		return ErrTokenMismatch
	}
	return err
}

func (s *RedisStore) Delete(ctx context.Context, scope, token string) error {
	key := s.key(scope)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, scope)
		if errors.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Token != token {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		// marker changed under us, so it is no longer ours to remove
		return nil
	}
	return err
}
