package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// Integration tests run only against a real database:
//
//	TEST_DATABASE_URL=postgres://... go test ./internal/queue/
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := repository.InitSchema(ctx, pool); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE jobs`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func TestPostgresEnqueueDedupAndReset(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	q := NewPostgresQueue(pool, "pipeline", nil, WithDefaultMaxAttempts(1))

	id1, err := q.Enqueue(ctx, "pipeline.stage", map[string]any{"n": 1}, EnqueueOptions{JobID: "pg-job-1"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := q.Enqueue(ctx, "pipeline.stage", map[string]any{"n": 2}, EnqueueOptions{JobID: "pg-job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("dedup ids differ: %q vs %q", id1, id2)
	}
	stats, _ := q.Stats(ctx)
	if stats.Total() != 1 {
		t.Fatalf("expected single row after dedup, got %+v", stats)
	}

	// Drive the row terminal, then re-enqueue under the same id.
	j, err := q.ClaimNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("claim: %v %v", j, err)
	}
	if err := q.FailWithRetry(ctx, j.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "pipeline.stage", nil, EnqueueOptions{JobID: "pg-job-1"}); err != nil {
		t.Fatal(err)
	}
	j, err = q.Get(ctx, "pg-job-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != constants.JobStatusPending || j.Attempts != 0 {
		t.Fatalf("terminal row not reset: %+v", j)
	}
}

func TestPostgresClaimMutualExclusion(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	q := NewPostgresQueue(pool, "pipeline", nil)

	const jobs = 10
	for i := 0; i < jobs; i++ {
		if _, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: fmt.Sprintf("pg-claim-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.ClaimNext(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestPostgresRetryBackoffWindow(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	q := NewPostgresQueue(pool, "pipeline", nil, WithDefaultMaxAttempts(3))

	if _, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: "pg-retry-1"}); err != nil {
		t.Fatal(err)
	}
	j, err := q.ClaimNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("claim: %v %v", j, err)
	}
	if err := q.FailWithRetry(ctx, j.ID, "transient"); err != nil {
		t.Fatal(err)
	}

	j, err = q.Get(ctx, "pg-retry-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != constants.JobStatusRetrying {
		t.Fatalf("status %s, want retrying", j.Status)
	}
	delay := time.Until(j.ScheduledAt)
	if delay < 15*time.Second || delay > 25*time.Second {
		t.Fatalf("first retry backoff %v, want ~20s", delay)
	}

	// Still inside the backoff window, so not claimable.
	if early, _ := q.ClaimNext(ctx); early != nil {
		t.Fatalf("claimed during backoff: %s", early.ID)
	}
}

func TestPostgresClaimThrottle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	q := NewPostgresQueue(pool, "pipeline", nil, WithClaimsPerMinute(1))

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, "t", nil, EnqueueOptions{JobID: fmt.Sprintf("pg-throttle-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	j, err := q.ClaimNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("first claim: %v %v", j, err)
	}
	// The ceiling counts starts in the trailing minute, so the second claim
	// declines even though a pending job exists.
	j, err = q.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Fatalf("throttle did not decline: claimed %s", j.ID)
	}
}
