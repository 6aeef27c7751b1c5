package compensation

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sagaworks/orchestrator/registry"
)

type failureStoreFactory struct {
	name   string
	create func(t *testing.T) FailureStore
}

func failureStoreFactories(t *testing.T) []failureStoreFactory {
	t.Helper()
	return []failureStoreFactory{
		{name: "InMemory", create: func(_ *testing.T) FailureStore { return NewInMemoryFailureStore() }},
		{
			name: "Redis",
			create: func(t *testing.T) FailureStore {
				t.Helper()
				mr, err := miniredis.Run()
				if err != nil {
					t.Fatalf("start miniredis: %v", err)
				}
				t.Cleanup(mr.Close)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedisFailureStore(client)
			},
		},
	}
}

// TestRunCompensatesInReverseOrder is invariant I3: for a trail of the
// completed steps A, B the compensations run B, then A — in that exact
// order. (A failing compensation not stopping the others is covered by
// TestRunContinuesPastCompensationFailure.)
func TestRunCompensatesInReverseOrder(t *testing.T) {
	for _, f := range failureStoreFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			var log []string

			trail := []TrailEntry{
				{
					StepName: "A",
					Result:   "a-result",
					Definition: registry.StepDefinition{
						Name: "A",
						Compensate: func(registry.ExecContext, registry.Result) error {
							log = append(log, "A-")
							return nil
						},
					},
				},
				{
					StepName: "B",
					Result:   "b-result",
					Definition: registry.StepDefinition{
						Name: "B",
						Compensate: func(registry.ExecContext, registry.Result) error {
							log = append(log, "B-")
							return nil
						},
					},
				},
			}

			engine := New(f.create(t), nil, nil)
			report := engine.Run(context.Background(), "job-1", trail)

			if len(report.Failed) != 0 {
				t.Fatalf("unexpected failures: %+v", report.Failed)
			}
			want := []string{"B-", "A-"}
			if len(log) != len(want) || log[0] != want[0] || log[1] != want[1] {
				t.Fatalf("got compensation order %v, want %v", log, want)
			}
		})
	}
}

func TestRunContinuesPastCompensationFailure(t *testing.T) {
	for _, f := range failureStoreFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			var log []string

			trail := []TrailEntry{
				{
					StepName: "A",
					Definition: registry.StepDefinition{
						Name: "A",
						Compensate: func(registry.ExecContext, registry.Result) error {
							log = append(log, "A-")
							return nil
						},
					},
				},
				{
					StepName: "B",
					Definition: registry.StepDefinition{
						Name: "B",
						Compensate: func(registry.ExecContext, registry.Result) error {
							log = append(log, "B-failed")
							return errors.New("connection refused")
						},
					},
				},
			}

			store := f.create(t)
			engine := New(store, nil, nil)
			report := engine.Run(context.Background(), "job-2", trail)

			if len(report.Failed) != 1 {
				t.Fatalf("got %d failures, want 1", len(report.Failed))
			}
			if !report.Failed[0].Retryable {
				t.Fatal("expected connection-refused failure to classify as retryable")
			}
			// A's compensation still ran despite B's failure.
			found := false
			for _, l := range log {
				if l == "A-" {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected A's compensation to still run, log=%v", log)
			}

			rec, err := store.Get(context.Background(), Key("job-2", "B"))
			if err != nil {
				t.Fatalf("Get failure record: %v", err)
			}
			if rec.StepName != "B" {
				t.Fatalf("got stepName %q, want B", rec.StepName)
			}
		})
	}
}

func TestRunSkipsStepsWithoutCompensate(t *testing.T) {
	trail := []TrailEntry{
		{StepName: "readonly", Definition: registry.StepDefinition{Name: "readonly"}},
	}
	engine := New(NewInMemoryFailureStore(), nil, nil)
	report := engine.Run(context.Background(), "job-3", trail)

	if len(report.Compensated) != 0 || len(report.Failed) != 0 {
		t.Fatalf("expected no-op for step without compensate, got %+v", report)
	}
}

func TestRetryFailureSucceedsAndRemovesRecord(t *testing.T) {
	reg := registry.New()
	retried := false
	reg.Register("charge", nil, func(_ registry.ExecContext, result registry.Result) error {
		retried = true
		if result != "charge-result" {
			t.Fatalf("got result %v, want charge-result", result)
		}
		return nil
	})

	store := NewInMemoryFailureStore()
	engine := New(store, reg, nil)

	trail := []TrailEntry{
		{
			StepName: "charge",
			Result:   "charge-result",
			Definition: registry.StepDefinition{
				Name: "charge",
				Compensate: func(registry.ExecContext, registry.Result) error {
					return errors.New("timeout contacting payment service")
				},
			},
		},
	}
	report := engine.Run(context.Background(), "job-4", trail)
	if len(report.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %+v", report)
	}

	key := Key("job-4", "charge")
	if err := engine.RetryFailure(context.Background(), key); err != nil {
		t.Fatalf("RetryFailure: %v", err)
	}
	if !retried {
		t.Fatal("expected compensate to have been invoked on retry")
	}
	if _, err := store.Get(context.Background(), key); err != ErrNotFound {
		t.Fatalf("expected record removed after successful retry, got %v", err)
	}
}
