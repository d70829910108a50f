//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/chorus/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	s := NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := domain.NewJob("it-"+uuid.NewString()[:8], "integration goal", "")
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if err := s.UpdateJobResult(ctx, domain.JobResult{
		JobID:  job.ID,
		Status: domain.JobFinished,
		Result: domain.WorkflowMessage{Scratchpad: "done"},
	}); err != nil {
		t.Fatalf("update result: %v", err)
	}
	res, err := s.GetJobResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res.Status != domain.JobFinished || res.Result.Scratchpad != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if err := s.SaveJobGraph(ctx, job.ID, []byte(`{"root_id":"x"}`)); err != nil {
		t.Fatalf("save graph: %v", err)
	}
	if _, err := s.GetJobGraph(ctx, job.ID); err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if _, err := s.GetJobResult(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

// Concurrent pollers must never see the same due trigger inside
// overlapping transactions.
func TestDueTriggers_SkipLocked(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	id := uuid.NewString()
	if err := s.CreateTrigger(ctx, &domain.Trigger{
		ID:             id,
		Name:           "it-" + id[:8],
		CronExpression: "* * * * *",
		Goal:           "g",
		Enabled:        true,
		NextRunAt:      &past,
	}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteTrigger(ctx, id) })

	db := s.pgDB.GormDB()
	var (
		mu   sync.Mutex
		seen int
		wg   sync.WaitGroup
	)
	start := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tx := db.Begin()
			defer tx.Rollback()
			due, err := NewTriggerRepository(tx).DueTriggers(ctx, time.Now().UTC())
			if err != nil {
				t.Errorf("due triggers: %v", err)
				return
			}
			for _, tr := range due {
				if tr.ID == id {
					mu.Lock()
					seen++
					mu.Unlock()
				}
			}
			time.Sleep(200 * time.Millisecond)
		}()
	}
	close(start)
	wg.Wait()

	if seen != 1 {
		t.Fatalf("expected exactly one poller to lock the trigger, got: %d", seen)
	}
}
