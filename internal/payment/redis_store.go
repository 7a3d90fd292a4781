package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares the received set between verifier replicas. Insert
// is a single SETNX.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "trustmesh:payment:"}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(paymentID string) string { return s.prefix + paymentID }

func (s *RedisStore) Insert(ctx context.Context, r *Received) (bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("payment: marshal received: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(r.PaymentID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("payment: redis setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, paymentID string) (*Received, error) {
	data, err := s.client.Get(ctx, s.key(paymentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment: redis get: %w", err)
	}
	var r Received
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("payment: decode received: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) Has(ctx context.Context, paymentID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(paymentID)).Result()
	if err != nil {
		return false, fmt.Errorf("payment: redis exists: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) MarkSettled(ctx context.Context, paymentID, txID string, at time.Time) error {
	return s.update(ctx, paymentID, StatusSettled, func(r *Received) {
		r.TxID = txID
		r.SettledAt = &at
	})
}

func (s *RedisStore) MarkFailed(ctx context.Context, paymentID, reason string, at time.Time) error {
	return s.update(ctx, paymentID, StatusFailed, func(r *Received) {
		r.FailureReason = reason
		r.SettledAt = &at
	})
}

// update applies a status transition under WATCH so concurrent writers
// cannot both move the same payment out of verified.
func (s *RedisStore) update(ctx context.Context, paymentID string, to Status, apply func(*Received)) error {
	key := s.key(paymentID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}
		var r Received
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if err := Transition(r.Status, to); err != nil {
			return err
		}
		r.Status = to
		apply(&r)
		out, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}, key)
	if err == nil || errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("payment: redis update: %w", err)
}
