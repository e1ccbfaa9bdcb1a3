package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fisheeesh/lms-sub000/internal/notify"
)

type fakeRetentionStore struct {
	expired   []ExpiredLog
	deleteErr error
	selectErr error
	deletes   int
}

func (f *fakeRetentionStore) SelectExpired(_ context.Context, _ time.Time, limit, offset int) ([]ExpiredLog, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	if offset >= len(f.expired) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.expired) {
		end = len(f.expired)
	}
	return f.expired[offset:end], nil
}

func (f *fakeRetentionStore) DeleteOlderThan(_ context.Context, _ time.Time) (uint64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	f.deletes++
	deleted := uint64(len(f.expired))
	f.expired = nil
	return deleted, nil
}

type fakeArchiver struct {
	batches [][]ExpiredLog
	err     error
}

func (f *fakeArchiver) Archive(_ context.Context, logs []ExpiredLog) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, logs)
	return nil
}

type fakeJobQueue struct {
	jobs []*notify.Job
	err  error
}

func (f *fakeJobQueue) Enqueue(_ context.Context, job *notify.Job) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.jobs = append(f.jobs, job)
	return true, nil
}

func expiredLogs(n int) []ExpiredLog {
	logs := make([]ExpiredLog, n)
	for i := range logs {
		logs[i] = ExpiredLog{LogID: uuid.New(), Tenant: "acme", Source: "API"}
	}
	return logs
}

func newTestSweeper(store LogRetentionStore, archiver Archiver, queue Enqueuer) *RetentionSweeper {
	config := DefaultRetentionConfig()
	config.RetentionDays = 30
	config.ArchiveBatch = 2
	return NewRetentionSweeper(config, store, archiver, queue, nil)
}

func TestSweepOnceDeletesAndInvalidates(t *testing.T) {
	store := &fakeRetentionStore{expired: expiredLogs(3)}
	archiver := &fakeArchiver{}
	queue := &fakeJobQueue{}
	sweeper := newTestSweeper(store, archiver, queue)

	sweepAt := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	sweeper.now = func() time.Time { return sweepAt }

	result, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}

	wantCutoff := sweepAt.AddDate(0, 0, -30)
	if !result.Cutoff.Equal(wantCutoff) {
		t.Errorf("cutoff = %v, want %v", result.Cutoff, wantCutoff)
	}
	if result.Archived != 3 || result.Deleted != 3 || !result.Invalidated {
		t.Errorf("result = %+v, want archived 3 deleted 3 invalidated", result)
	}
	// Batch size 2 forces two archive pages.
	if len(archiver.batches) != 2 {
		t.Errorf("archive batches = %d, want 2", len(archiver.batches))
	}

	if len(queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.Name != notify.JobInvalidateLogCache {
		t.Errorf("job name = %q", job.Name)
	}
	if want := "retention:1773576000:invalidate"; job.JobID != want {
		t.Errorf("job id = %q, want %q", job.JobID, want)
	}
}

func TestSweepOnceIdempotent(t *testing.T) {
	store := &fakeRetentionStore{expired: expiredLogs(2)}
	queue := &fakeJobQueue{}
	sweeper := newTestSweeper(store, &fakeArchiver{}, queue)

	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	// Nothing new arrived: the second pass must not delete or enqueue.
	result, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if result.Deleted != 0 || result.Invalidated {
		t.Errorf("second sweep = %+v, want no-op", result)
	}
	if len(queue.jobs) != 1 {
		t.Errorf("jobs = %d, want 1 (only from the first sweep)", len(queue.jobs))
	}
}

func TestSweepOnceArchiveFailureAbortsDelete(t *testing.T) {
	store := &fakeRetentionStore{expired: expiredLogs(2)}
	queue := &fakeJobQueue{}
	sweeper := newTestSweeper(store, &fakeArchiver{err: errors.New("bucket gone")}, queue)

	if _, err := sweeper.SweepOnce(context.Background()); err == nil {
		t.Fatal("SweepOnce() expected error")
	}
	if store.deletes != 0 {
		t.Errorf("deletes = %d, want 0 when archiving fails", store.deletes)
	}
	if len(queue.jobs) != 0 {
		t.Errorf("jobs = %d, want 0", len(queue.jobs))
	}
}

func TestSweepOnceDeleteFailureSkipsInvalidation(t *testing.T) {
	store := &fakeRetentionStore{expired: expiredLogs(1), deleteErr: errors.New("store down")}
	queue := &fakeJobQueue{}
	sweeper := newTestSweeper(store, nil, queue)

	if _, err := sweeper.SweepOnce(context.Background()); err == nil {
		t.Fatal("SweepOnce() expected error")
	}
	if len(queue.jobs) != 0 {
		t.Errorf("jobs = %d, want 0 after failed delete", len(queue.jobs))
	}
}

func TestSweepOnceWithoutArchiver(t *testing.T) {
	store := &fakeRetentionStore{expired: expiredLogs(2)}
	sweeper := newTestSweeper(store, nil, &fakeJobQueue{})

	result, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if result.Archived != 0 || result.Deleted != 2 {
		t.Errorf("result = %+v, want deleted 2 without archiving", result)
	}
}

func TestSweeperLoopStops(t *testing.T) {
	store := &fakeRetentionStore{}
	config := DefaultRetentionConfig()
	config.Interval = 5 * time.Millisecond
	sweeper := NewRetentionSweeper(config, store, nil, nil, nil)

	sweeper.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	sweeper.Stop()
}
