package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/changetrail/changetrail/internal/config"
)

type fakeRetentionStore struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
	purged  int64
	err     error
}

func (f *fakeRetentionStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.purged, f.err
}

func (f *fakeRetentionStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRetentionJob_RunOnce_PurgesPastCutoff(t *testing.T) {
	store := &fakeRetentionStore{purged: 7}
	job := NewRetentionJob(store, config.RetentionConfig{
		Enabled: true,
		MaxAge:  90 * 24 * time.Hour,
	})

	job.RunOnce(context.Background())

	if store.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", store.calls)
	}
	wantCutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	got := store.cutoffs[0]
	if got.Before(wantCutoff.Add(-time.Minute)) || got.After(wantCutoff.Add(time.Minute)) {
		t.Errorf("cutoff = %v, want about %v", got, wantCutoff)
	}
}

func TestRetentionJob_RunOnce_DisabledIsNoop(t *testing.T) {
	store := &fakeRetentionStore{}
	job := NewRetentionJob(store, config.RetentionConfig{
		Enabled: false,
		MaxAge:  time.Hour,
	})

	job.RunOnce(context.Background())

	if store.callCount() != 0 {
		t.Errorf("calls = %d, want 0 when disabled", store.calls)
	}
}

func TestRetentionJob_RunOnce_ZeroMaxAgeIsNoop(t *testing.T) {
	store := &fakeRetentionStore{}
	job := NewRetentionJob(store, config.RetentionConfig{Enabled: true})

	job.RunOnce(context.Background())

	if store.callCount() != 0 {
		t.Errorf("calls = %d, want 0 with no max age", store.calls)
	}
}

func TestRetentionJob_RunOnce_ErrorDoesNotPanic(t *testing.T) {
	store := &fakeRetentionStore{err: errors.New("connection refused")}
	job := NewRetentionJob(store, config.RetentionConfig{
		Enabled: true,
		MaxAge:  time.Hour,
	})

	job.RunOnce(context.Background())

	if store.callCount() != 1 {
		t.Errorf("calls = %d, want 1", store.calls)
	}
}

func TestRetentionJob_StartRunsImmediatelyAndStops(t *testing.T) {
	store := &fakeRetentionStore{}
	job := NewRetentionJob(store, config.RetentionConfig{
		Enabled:  true,
		MaxAge:   time.Hour,
		Interval: time.Hour,
	})

	job.Start(context.Background())
	defer job.Stop()

	deadline := time.After(2 * time.Second)
	for store.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("no purge cycle ran after Start")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRetentionJob_UpdateConfig_EnablesLaterCycles(t *testing.T) {
	store := &fakeRetentionStore{}
	job := NewRetentionJob(store, config.RetentionConfig{Enabled: false})

	job.RunOnce(context.Background())
	if store.callCount() != 0 {
		t.Fatalf("calls = %d, want 0 before enable", store.calls)
	}

	job.UpdateConfig(config.RetentionConfig{Enabled: true, MaxAge: time.Hour})
	job.RunOnce(context.Background())
	if store.callCount() != 1 {
		t.Errorf("calls = %d, want 1 after enable", store.calls)
	}
}

func TestRetentionJob_StopIsIdempotent(t *testing.T) {
	store := &fakeRetentionStore{}
	job := NewRetentionJob(store, config.RetentionConfig{
		Enabled:  true,
		MaxAge:   time.Hour,
		Interval: time.Hour,
	})

	job.Start(context.Background())
	job.Stop()
	job.Stop()
}
