package sweeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu         sync.Mutex
	created    map[string]time.Time
	processing map[string]bool
	failDelete map[string]bool
	cutoffs    []time.Time
}

func (f *fakeStore) ListExpiredJobs(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	var ids []string
	for id, ts := range f.created {
		if ts.Before(cutoff) && !f.processing[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) DeleteJob(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete[id] {
		return false, errors.New("lock timeout")
	}
	if _, ok := f.created[id]; !ok || f.processing[id] {
		return false, nil
	}
	delete(f.created, id)
	return true, nil
}

func TestRunOnceDeletesOnlyExpiredJobs(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{
		created: map[string]time.Time{
			"old-1":  now.Add(-10 * 24 * time.Hour),
			"old-2":  now.Add(-8 * 24 * time.Hour),
			"old-3":  now.Add(-9 * 24 * time.Hour),
			"recent": now.Add(-time.Hour),
			"busy":   now.Add(-30 * 24 * time.Hour),
		},
		processing: map[string]bool{"busy": true},
	}
	sw, err := New(st, "@hourly", 7*24*time.Hour, 2, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := sw.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
	if _, ok := st.created["recent"]; !ok {
		t.Fatalf("recent job must be kept")
	}
	if _, ok := st.created["busy"]; !ok {
		t.Fatalf("processing job must be kept")
	}
	if want := now.Add(-7 * 24 * time.Hour); !st.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", st.cutoffs[0], want)
	}
}

func TestRunOnceContinuesPastDeleteErrors(t *testing.T) {
	now := time.Now().UTC()
	st := &fakeStore{
		created: map[string]time.Time{
			"a": now.Add(-48 * time.Hour),
			"b": now.Add(-48 * time.Hour),
		},
		failDelete: map[string]bool{"a": true},
	}
	sw, err := New(st, "@daily", 24*time.Hour, 10, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := sw.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted without error, got %d %v", n, err)
	}
}

func TestRunOnceStopsWhenBatchMakesNoProgress(t *testing.T) {
	now := time.Now().UTC()
	st := &fakeStore{
		created:    map[string]time.Time{"a": now.Add(-48 * time.Hour), "b": now.Add(-48 * time.Hour)},
		failDelete: map[string]bool{"a": true, "b": true},
	}
	sw, _ := New(st, "@hourly", time.Hour, 2, nil, WithClock(func() time.Time { return now }))
	n, err := sw.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected 0 deleted, got %d %v", n, err)
	}
	if len(st.cutoffs) != 1 {
		t.Fatalf("expected a single listing pass, got %d", len(st.cutoffs))
	}
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := New(&fakeStore{}, "not a cron", time.Hour, 10, nil); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	if _, err := New(&fakeStore{}, "@hourly", 0, 10, nil); err == nil {
		t.Fatalf("expected retention error")
	}
}

func TestNextFollowsSchedule(t *testing.T) {
	sw, err := New(&fakeStore{}, "0 3 * * *", time.Hour, 10, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	from := time.Date(2025, 1, 1, 4, 0, 0, 0, time.UTC)
	next := sw.Next(from)
	want := time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestStartReturnsOnCancel(t *testing.T) {
	sw, _ := New(&fakeStore{created: map[string]time.Time{}}, "@hourly", time.Hour, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Start did not return after cancel")
	}
}
