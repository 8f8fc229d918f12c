// Package redis stores user baselines in Redis so that several service
// instances share one behavioural profile per user.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/storage"
)

const (
	defaultPrefix = "fraud:baseline:"
	scanBatch     = 500

	// optimistic transaction attempts before giving up on a hot key
	maxWatchAttempts = 8
)

var _ storage.BaselineStore = (*BaselineStore)(nil)

// BaselineStore is a storage.BaselineStore on a Redis client
type BaselineStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a BaselineStore
type Option func(*BaselineStore)

// WithPrefix overrides the key prefix
func WithPrefix(prefix string) Option {
	return func(b *BaselineStore) { b.prefix = prefix }
}

// WithTTL expires idle baselines. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(b *BaselineStore) { b.ttl = ttl }
}

// NewBaselineStore wraps a client
func NewBaselineStore(client redis.UniversalClient, opts ...Option) *BaselineStore {
	b := &BaselineStore{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BaselineStore) key(userID string) string {
	return b.prefix + userID
}

// Get loads the user's baseline, or an empty one
func (b *BaselineStore) Get(ctx context.Context, userID string) (*domain.UserBaseline, error) {
	data, err := b.client.Get(ctx, b.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewUserBaseline(userID), nil
	}
	if err != nil {
		return nil, translate("get baseline", err)
	}
	return decode(userID, data)
}

func decode(userID string, data []byte) (*domain.UserBaseline, error) {
	bl := domain.NewUserBaseline(userID)
	if err := json.Unmarshal(data, bl); err != nil {
		return nil, fmt.Errorf("decode baseline %s: %w", userID, err)
	}
	return bl, nil
}

// Update applies fn inside a WATCH/MULTI transaction on the user's key
func (b *BaselineStore) Update(ctx context.Context, userID string, fn func(*domain.UserBaseline) error) error {
	key := b.key(userID)

	txf := func(tx *redis.Tx) error {
		bl := domain.NewUserBaseline(userID)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if bl, err = decode(userID, data); err != nil {
				return err
			}
		}

		if err := fn(bl); err != nil {
			return err
		}
		out, err := json.Marshal(bl)
		if err != nil {
			return fmt.Errorf("encode baseline %s: %w", userID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, b.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := b.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return translate("update baseline", err)
		}
		return nil
	}
	return domain.Unavailable("update baseline", fmt.Errorf("key %s contended after %d attempts", key, maxWatchAttempts))
}

// Reset scans and deletes every baseline key
func (b *BaselineStore) Reset(ctx context.Context) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.prefix+"*", scanBatch).Result()
		if err != nil {
			return deleted, translate("scan baselines", err)
		}
		if len(keys) > 0 {
			n, err := b.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, translate("delete baselines", err)
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// Close closes the client
func (b *BaselineStore) Close() error {
	return b.client.Close()
}

// translate keeps caller-side cancellation and classifies network failures
func translate(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return domain.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
