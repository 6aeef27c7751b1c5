package jobstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type factory struct {
	name   string
	create func(t *testing.T) Store
}

func factories(t *testing.T) []factory {
	t.Helper()
	return []factory{
		{name: "InMemory", create: func(_ *testing.T) Store { return NewInMemoryStore(0, 0) }},
		{
			name: "Redis",
			create: func(t *testing.T) Store {
				t.Helper()
				mr, err := miniredis.Run()
				if err != nil {
					t.Fatalf("start miniredis: %v", err)
				}
				t.Cleanup(mr.Close)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedisStore(client, 0)
			},
		},
	}
}

func TestEnqueueFetchDequeue(t *testing.T) {
	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.create(t)
			ctx := context.Background()

			payload, _ := json.Marshal(map[string]any{"userId": 42})
			id, err := s.Enqueue(ctx, payload, DefaultEnqueueOptions())
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			fetched, err := s.Fetch(ctx, id)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if fetched.State != StateWaiting {
				t.Fatalf("got state %v, want waiting", fetched.State)
			}

			dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			job, err := s.Dequeue(dctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if job.ID != id {
				t.Fatalf("got job id %q, want %q", job.ID, id)
			}
			if job.State != StateActive {
				t.Fatalf("got state %v, want active", job.State)
			}
			if job.AttemptCount != 1 {
				t.Fatalf("got attemptCount %d, want 1", job.AttemptCount)
			}
		})
	}
}

func TestUpdatePayloadAndProgress(t *testing.T) {
	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.create(t)
			ctx := context.Background()

			id, err := s.Enqueue(ctx, []byte(`{"currentStepIndex":0}`), DefaultEnqueueOptions())
			if err != nil {
				t.Fatal(err)
			}

			if err := s.UpdatePayload(ctx, id, []byte(`{"currentStepIndex":2}`)); err != nil {
				t.Fatalf("UpdatePayload: %v", err)
			}
			if err := s.UpdateProgress(ctx, id, 40); err != nil {
				t.Fatalf("UpdateProgress: %v", err)
			}

			job, err := s.Fetch(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if string(job.Payload) != `{"currentStepIndex":2}` {
				t.Fatalf("got payload %s, want updated payload", job.Payload)
			}
			if job.Progress != 40 {
				t.Fatalf("got progress %d, want 40", job.Progress)
			}
		})
	}
}

func TestFailIsIdempotent(t *testing.T) {
	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.create(t)
			ctx := context.Background()

			id, err := s.Enqueue(ctx, []byte(`{}`), DefaultEnqueueOptions())
			if err != nil {
				t.Fatal(err)
			}

			if err := s.Fail(ctx, id, "boom"); err != nil {
				t.Fatalf("first Fail: %v", err)
			}
			if err := s.Fail(ctx, id, "boom again"); err != nil {
				t.Fatalf("second Fail should be a no-op, got error: %v", err)
			}

			job, err := s.Fetch(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if job.FailedReason != "boom" {
				t.Fatalf("got failedReason %q, want first reason preserved", job.FailedReason)
			}
		})
	}
}

func TestCompleteSetsProgressAndState(t *testing.T) {
	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.create(t)
			ctx := context.Background()

			id, err := s.Enqueue(ctx, []byte(`{}`), DefaultEnqueueOptions())
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Complete(ctx, id); err != nil {
				t.Fatalf("Complete: %v", err)
			}

			job, err := s.Fetch(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if job.State != StateCompleted || job.Progress != 100 {
				t.Fatalf("got state=%v progress=%d, want completed/100", job.State, job.Progress)
			}
		})
	}
}

func TestFetchMissingReturnsErrNotFound(t *testing.T) {
	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			s := f.create(t)
			_, err := s.Fetch(context.Background(), "missing")
			if err != ErrNotFound {
				t.Fatalf("got %v, want ErrNotFound", err)
			}
		})
	}
}

// shortTimeoutFactories mirrors factories but with a visibility timeout
// short enough to exercise reaping within a test's lifetime.
func shortTimeoutFactories(t *testing.T, vt time.Duration) []factory {
	t.Helper()
	return []factory{
		{name: "InMemory", create: func(_ *testing.T) Store { return NewInMemoryStore(0, vt) }},
		{
			name: "Redis",
			create: func(t *testing.T) Store {
				t.Helper()
				mr, err := miniredis.Run()
				if err != nil {
					t.Fatalf("start miniredis: %v", err)
				}
				t.Cleanup(mr.Close)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedisStore(client, vt)
			},
		},
	}
}

// TestDequeueRedeliversAfterVisibilityTimeout is the crash-redelivery
// guarantee of §4.3: a job whose worker never calls Complete or Fail
// before the visibility timeout elapses is handed to the next Dequeue
// caller rather than lost.
func TestDequeueRedeliversAfterVisibilityTimeout(t *testing.T) {
	for _, f := range shortTimeoutFactories(t, 50*time.Millisecond) {
		t.Run(f.name, func(t *testing.T) {
			s := f.create(t)
			ctx := context.Background()

			id, err := s.Enqueue(ctx, []byte(`{}`), DefaultEnqueueOptions())
			if err != nil {
				t.Fatal(err)
			}

			first, err := s.Dequeue(ctx)
			if err != nil {
				t.Fatalf("first Dequeue: %v", err)
			}
			if first.ID != id {
				t.Fatalf("got job id %q, want %q", first.ID, id)
			}

			// Simulate the worker crashing: neither Complete nor Fail is
			// called. Wait past the visibility timeout and expect
			// redelivery on the next Dequeue.
			time.Sleep(150 * time.Millisecond)

			dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			second, err := s.Dequeue(dctx)
			if err != nil {
				t.Fatalf("second Dequeue after timeout: %v", err)
			}
			if second.ID != id {
				t.Fatalf("got redelivered job id %q, want %q", second.ID, id)
			}
			if second.AttemptCount != 2 {
				t.Fatalf("got attemptCount %d on redelivery, want 2", second.AttemptCount)
			}
		})
	}
}

// TestCompleteReleasesLeaseBeforeTimeout confirms a completed job is not
// redelivered even after its original visibility timeout would have
// expired.
func TestCompleteReleasesLeaseBeforeTimeout(t *testing.T) {
	for _, f := range shortTimeoutFactories(t, 50*time.Millisecond) {
		t.Run(f.name, func(t *testing.T) {
			s := f.create(t)
			ctx := context.Background()

			id, err := s.Enqueue(ctx, []byte(`{}`), DefaultEnqueueOptions())
			if err != nil {
				t.Fatal(err)
			}
			job, err := s.Dequeue(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Complete(ctx, job.ID); err != nil {
				t.Fatalf("Complete: %v", err)
			}

			time.Sleep(150 * time.Millisecond)

			dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()
			_, err = s.Dequeue(dctx)
			if err == nil {
				t.Fatalf("expected no redelivery of completed job %s, got one", id)
			}
		})
	}
}
