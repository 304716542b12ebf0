package archive

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePruner struct {
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.removed, f.err
}

func TestRunOnceCutoff(t *testing.T) {
	jobs := &fakePruner{removed: 4}
	r := NewRetention(jobs, Config{Days: 30}, nil)
	r.now = func() time.Time { return time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC) }

	removed, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if removed != 4 {
		t.Errorf("removed = %d, want 4", removed)
	}
	want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if len(jobs.cutoffs) != 1 || !jobs.cutoffs[0].Equal(want) {
		t.Errorf("cutoffs = %v, want [%v]", jobs.cutoffs, want)
	}
}

func TestRunOnceDisabled(t *testing.T) {
	jobs := &fakePruner{}
	r := NewRetention(jobs, Config{}, nil)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(jobs.cutoffs) != 0 {
		t.Errorf("pruned with retention disabled")
	}
}

func TestRunOnceError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRetention(&fakePruner{err: boom}, Config{Days: 1}, nil)

	if _, err := r.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestStartRunsImmediately(t *testing.T) {
	jobs := &fakePruner{}
	r := NewRetention(jobs, Config{Days: 7, Interval: time.Hour}, nil)

	r.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		n := len(jobs.cutoffs)
		r.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no prune pass after Start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()
}
