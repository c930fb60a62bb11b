package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a Redis (or Redis-compatible) backend
// via go-redis. Multiple replicas pointed at the same Redis instance observe
// the same keys and channels, which is the property the session/transport
// plane depends on.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore dials addr (host:port) and returns a ready Store. It does not
// verify connectivity; callers that want a fail-fast startup should call Ping.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisStoreFromClient wraps an already-configured client, primarily for tests.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Ping verifies the connection is alive, for use at process bootstrap.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, []byte, error) {
	args := []interface{}{"SET", key, value}
	if opts.TTL > 0 {
		args = append(args, "PX", opts.TTL.Milliseconds())
	} else if opts.KeepTTL {
		args = append(args, "KEEPTTL")
	}
	if opts.OnlyIfAbsent {
		args = append(args, "NX")
	} else if opts.OnlyIfPresent {
		args = append(args, "XX")
	}
	if opts.ReturnPrevious {
		args = append(args, "GET")
	}

	res, err := s.rdb.Do(ctx, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// NX/XX veto, or GET with no previous value.
			if opts.ReturnPrevious && !opts.OnlyIfAbsent && !opts.OnlyIfPresent {
				return true, nil, nil
			}
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("store: set %q: %w", key, err)
	}

	var previous []byte
	if opts.ReturnPrevious {
		if b, ok := res.(string); ok {
			previous = []byte(b)
		}
	}
	return true, previous, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: delete %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get-and-delete %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("store: publish %q: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string, onMessage func([]byte), onError func(error)) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("store: subscribe %q: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			onMessage([]byte(msg.Payload))
		}
		// Channel only closes when ps.Close was called or the connection died.
		if !sub.closed() {
			onError(fmt.Errorf("store: subscription to %q lost", channel))
		}
	}()
	return sub, nil
}

func (s *RedisStore) SubscriberCount(ctx context.Context, channel string) (int, error) {
	res, err := s.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("store: subscriber count %q: %w", channel, err)
	}
	return int(res[channel]), nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	closedVal atomic.Bool
}

func (s *redisSubscription) closed() bool { return s.closedVal.Load() }

func (s *redisSubscription) Close() error {
	s.closedVal.Store(true)
	return s.ps.Close()
}

var _ Store = (*RedisStore)(nil)
