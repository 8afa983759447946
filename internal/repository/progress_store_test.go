package repository

import (
	"sync"
	"testing"

	"docpipe/internal/models"
)

func TestProgressStore_PublishAndGet(t *testing.T) {
	store := NewProgressStore()

	err := store.Publish(models.ProgressSnapshot{
		JobID:   "job-1",
		Current: 2,
		Total:   10,
		Message: "processed 2 of 10 pages",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	snap, ok := store.Get("job-1")
	if !ok {
		t.Fatal("expected snapshot to exist")
	}
	if snap.Current != 2 || snap.Total != 10 {
		t.Errorf("expected 2/10, got %d/%d", snap.Current, snap.Total)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
}

func TestProgressStore_Get_Unknown(t *testing.T) {
	store := NewProgressStore()

	if _, ok := store.Get("missing"); ok {
		t.Error("expected no snapshot for unknown job")
	}
}

func TestProgressStore_RejectsRegression(t *testing.T) {
	store := NewProgressStore()

	if err := store.Publish(models.ProgressSnapshot{JobID: "job-1", Current: 4, Total: 10}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	err := store.Publish(models.ProgressSnapshot{JobID: "job-1", Current: 2, Total: 10})
	if err == nil {
		t.Fatal("expected regression to be rejected")
	}

	snap, _ := store.Get("job-1")
	if snap.Current != 4 {
		t.Errorf("expected current to stay at 4, got %d", snap.Current)
	}
}

func TestProgressStore_RejectsCurrentOverTotal(t *testing.T) {
	store := NewProgressStore()

	err := store.Publish(models.ProgressSnapshot{JobID: "job-1", Current: 11, Total: 10})
	if err == nil {
		t.Fatal("expected current > total to be rejected")
	}
}

func TestProgressStore_RejectsMissingJobID(t *testing.T) {
	store := NewProgressStore()

	if err := store.Publish(models.ProgressSnapshot{Current: 1, Total: 2}); err == nil {
		t.Fatal("expected missing job id to be rejected")
	}
}

func TestProgressStore_Delete(t *testing.T) {
	store := NewProgressStore()

	_ = store.Publish(models.ProgressSnapshot{JobID: "job-1", Current: 1, Total: 2})
	store.Delete("job-1")

	if _, ok := store.Get("job-1"); ok {
		t.Error("expected snapshot to be deleted")
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d entries", store.Len())
	}
}

// A writer goroutine standing in for a worker and reader goroutines standing
// in for concurrent request handlers must observe the same store: a read
// issued after a write sees a value at least as fresh as that write.
func TestProgressStore_CrossHandlerVisibility(t *testing.T) {
	store := NewProgressStore()
	const total = 50

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= total; i++ {
			_ = store.Publish(models.ProgressSnapshot{JobID: "job-1", Current: i, Total: total})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for {
				snap, ok := store.Get("job-1")
				if ok {
					if snap.Current < last {
						t.Errorf("observed regression %d -> %d", last, snap.Current)
						return
					}
					last = snap.Current
					if snap.Current == total {
						return
					}
				}
			}
		}()
	}

	wg.Wait()

	snap, ok := store.Get("job-1")
	if !ok || snap.Current != total {
		t.Fatalf("expected final snapshot %d/%d, got %+v", total, total, snap)
	}
}
