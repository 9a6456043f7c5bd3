package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPendingStore keeps commitments in Redis with a TTL so abandoned
// requests expire on their own. Weekly claims are stored without a TTL.
type RedisPendingStore struct {
	client      *redis.Client
	prefix      string
	claimPrefix string
	ttl         time.Duration
}

// NewRedisPendingStore wraps an existing client. A zero ttl keeps keys
// until they are deleted.
func NewRedisPendingStore(client *redis.Client, ttl time.Duration) *RedisPendingStore {
	return &RedisPendingStore{client: client, prefix: "concord:pending:", claimPrefix: "concord:claim:", ttl: ttl}
}

func (s *RedisPendingStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisPendingStore) Put(ctx context.Context, p *Pending) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(p.PackRequestID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis pending put: %w", err)
	}
	return nil
}

func (s *RedisPendingStore) Get(ctx context.Context, id string) (*Pending, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis pending get: %w", err)
	}
	var p Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("redis pending decode: %w", err)
	}
	return &p, nil
}

func (s *RedisPendingStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis pending delete: %w", err)
	}
	return nil
}

func (s *RedisPendingStore) Claim(ctx context.Context, id string) (*Claim, error) {
	raw, err := s.client.Get(ctx, s.claimPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoClaim
	}
	if err != nil {
		return nil, fmt.Errorf("redis claim get: %w", err)
	}
	var c Claim
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("redis claim decode: %w", err)
	}
	return &c, nil
}

func (s *RedisPendingStore) PutClaimIfAbsent(ctx context.Context, c *Claim) (*Claim, bool, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, false, err
	}
	created, err := s.client.SetNX(ctx, s.claimPrefix+c.PackRequestID, raw, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis claim put: %w", err)
	}
	if !created {
		prev, err := s.Claim(ctx, c.PackRequestID)
		return prev, false, err
	}
	return c, true, nil
}

func (s *RedisPendingStore) ReleaseClaim(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.claimPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis claim delete: %w", err)
	}
	return nil
}
