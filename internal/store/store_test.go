package store

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T, ttl time.Duration) (ResultStore, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, ttl, zerolog.Nop()), server
}

func eachStore(t *testing.T, run func(t *testing.T, s ResultStore)) {
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisTestStore(t, time.Hour)
		run(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryStore())
	})
}

func TestReserveStoresPendingRecordOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s ResultStore) {
		ctx := context.Background()

		first, stored, err := s.Reserve(ctx, "req-1", Record{JobID: "job-1", SubmissionID: "sub-1"})
		require.NoError(t, err)
		require.True(t, stored)
		require.Equal(t, StatusPending, first.Status)
		require.False(t, first.StoredAt.IsZero())

		second, stored, err := s.Reserve(ctx, "req-1", Record{JobID: "job-2"})
		require.NoError(t, err)
		require.False(t, stored)
		require.Equal(t, "job-1", second.JobID)
	})
}

func TestReserveAdmitsExactlyOneConcurrentWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, s ResultStore) {
		ctx := context.Background()
		const racers = 16

		var wg sync.WaitGroup
		wins := make(chan string, racers)
		failures := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				rec := Record{JobID: string(rune('a' + n))}
				_, stored, err := s.Reserve(ctx, "contended", rec)
				if err != nil {
					failures <- err
					return
				}
				if stored {
					wins <- rec.JobID
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		close(failures)
		for err := range failures {
			require.NoError(t, err)
		}

		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		require.Len(t, winners, 1)

		held, found, err := s.Get(ctx, "contended")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, winners[0], held.JobID)
	})
}

func TestCompleteReplaysStoredFeedback(t *testing.T) {
	eachStore(t, func(t *testing.T, s ResultStore) {
		ctx := context.Background()

		_, _, err := s.Reserve(ctx, "req-2", Record{JobID: "job-2", SubmissionID: "sub-2"})
		require.NoError(t, err)

		err = s.Complete(ctx, "req-2", Record{
			JobID:        "job-2",
			SubmissionID: "sub-2",
			Feedback: &FeedbackRecord{
				Score:        82,
				Feedback:     "Clear structure and a concrete closing example.",
				Strengths:    []string{"structure"},
				Improvements: []string{"quantify the impact"},
				Model:        "gpt-4o-mini",
			},
		})
		require.NoError(t, err)

		record, found, err := s.Get(ctx, "req-2")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, StatusCompleted, record.Status)
		require.True(t, record.Terminal())
		require.NotNil(t, record.Feedback)
		require.Equal(t, 82, record.Feedback.Score)
	})
}

func TestFailReplaysStoredError(t *testing.T) {
	eachStore(t, func(t *testing.T, s ResultStore) {
		ctx := context.Background()

		err := s.Fail(ctx, "req-3", Record{
			JobID:        "job-3",
			ErrorCode:    "LLM_SERVICE_ERROR",
			ErrorMessage: "provider unavailable after retries",
		})
		require.NoError(t, err)

		record, found, err := s.Get(ctx, "req-3")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, StatusFailed, record.Status)
		require.True(t, record.Terminal())
		require.Equal(t, "LLM_SERVICE_ERROR", record.ErrorCode)
	})
}

func TestGetUnknownRequest(t *testing.T) {
	eachStore(t, func(t *testing.T, s ResultStore) {
		_, found, err := s.Get(context.Background(), "never-seen")
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestDeleteReleasesReservation(t *testing.T) {
	eachStore(t, func(t *testing.T, s ResultStore) {
		ctx := context.Background()

		_, stored, err := s.Reserve(ctx, "req-4", Record{JobID: "job-4"})
		require.NoError(t, err)
		require.True(t, stored)

		require.NoError(t, s.Delete(ctx, "req-4"))

		_, found, err := s.Get(ctx, "req-4")
		require.NoError(t, err)
		require.False(t, found)

		_, stored, err = s.Reserve(ctx, "req-4", Record{JobID: "job-5"})
		require.NoError(t, err)
		require.True(t, stored)
	})
}

func TestRedisRecordsExpire(t *testing.T) {
	s, server := newRedisTestStore(t, time.Minute)
	ctx := context.Background()

	_, stored, err := s.Reserve(ctx, "req-ttl", Record{JobID: "job-ttl"})
	require.NoError(t, err)
	require.True(t, stored)

	server.FastForward(2 * time.Minute)

	_, found, err := s.Get(ctx, "req-ttl")
	require.NoError(t, err)
	require.False(t, found)

	_, stored, err = s.Reserve(ctx, "req-ttl", Record{JobID: "job-ttl-2"})
	require.NoError(t, err)
	require.True(t, stored)
}
