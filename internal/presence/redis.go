package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errMissingRedisClient = errors.New("presence: redis client is required")

// RedisCommands is the subset of *redis.Client the store needs.
type RedisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps presence rows as JSON values under
// <prefix>:presence:<kind>:<id>.
type RedisStore struct {
	client RedisCommands
	prefix string
	ttl    time.Duration
}

// NewRedisStore constructs a RedisStore. Rows written through it expire after ttl; zero keeps them.
func NewRedisStore(client RedisCommands, prefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) presenceKey(kind KeyKind, id string) string {
	return fmt.Sprintf("%s:presence:%s:%s", s.prefix, kind, id)
}

func (s *RedisStore) ReadPresence(ctx context.Context, kind KeyKind, id string) (Row, bool, error) {
	data, err := s.client.Get(ctx, s.presenceKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return Row{}, false, fmt.Errorf("decode presence row: %w", err)
	}
	return row, true, nil
}

func (s *RedisStore) WritePresence(ctx context.Context, kind KeyKind, id string, row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.presenceKey(kind, id), data, s.ttl).Err()
}
