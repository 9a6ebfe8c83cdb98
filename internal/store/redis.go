package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "eval:result:"

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore builds the production ResultStore backed by Redis. Records
// expire after ttl; terminal writes refresh the clock so finished outcomes
// stay replayable for the full window.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) ResultStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "result_store").Logger(),
	}
}

func (s *redisStore) Get(ctx context.Context, requestID string) (Record, bool, error) {
	payload, err := s.client.Get(ctx, keyPrefix+requestID).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read result record: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode result record: %w", err)
	}
	return record, true, nil
}

func (s *redisStore) Reserve(ctx context.Context, requestID string, record Record) (Record, bool, error) {
	if record.Status == "" {
		record.Status = StatusPending
	}
	record.RequestID = requestID
	record = stamped(record)

	payload, err := json.Marshal(record)
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to encode result record: %w", err)
	}

	// A key can expire between a losing SetNX and the follow-up read, so
	// take one more swing before giving up.
	for i := 0; i < 2; i++ {
		stored, err := s.client.SetNX(ctx, keyPrefix+requestID, payload, s.ttl).Result()
		if err != nil {
			return Record{}, false, fmt.Errorf("failed to reserve result record: %w", err)
		}
		if stored {
			return record, true, nil
		}
		existing, found, err := s.Get(ctx, requestID)
		if err != nil {
			return Record{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}
	return Record{}, false, fmt.Errorf("failed to reserve result record for %s", requestID)
}

func (s *redisStore) Complete(ctx context.Context, requestID string, record Record) error {
	record.Status = StatusCompleted
	return s.write(ctx, requestID, record)
}

func (s *redisStore) Fail(ctx context.Context, requestID string, record Record) error {
	record.Status = StatusFailed
	return s.write(ctx, requestID, record)
}

func (s *redisStore) Delete(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, keyPrefix+requestID).Err(); err != nil {
		return fmt.Errorf("failed to delete result record: %w", err)
	}
	return nil
}

func (s *redisStore) write(ctx context.Context, requestID string, record Record) error {
	record.RequestID = requestID
	record = stamped(record)

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode result record: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+requestID, payload, s.ttl).Err(); err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to store terminal result")
		return fmt.Errorf("failed to store result record: %w", err)
	}
	return nil
}

func stamped(record Record) Record {
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	return record
}
