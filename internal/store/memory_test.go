package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/automaker/orchestrator/internal/feature"
)

func TestMemory_PutKeepsSeqOnReplace(t *testing.T) {
	m := NewMemory()
	m.Put(testProject, &feature.Feature{ID: "a", Title: "A"})
	m.Put(testProject, &feature.Feature{ID: "b", Title: "B"})
	m.Put(testProject, &feature.Feature{ID: "a", Title: "A2"})

	list, _ := m.List(context.Background(), testProject)
	if len(list) != 2 || list[0].ID != "a" || list[0].Title != "A2" {
		t.Fatalf("List() = %+v", list)
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	m.Put(testProject, &feature.Feature{ID: "a", Title: "A", Dependencies: []string{"b"}})

	got, _ := m.Get(context.Background(), testProject, "a")
	got.Title = "mutated"
	got.Dependencies[0] = "mutated"

	again, _ := m.Get(context.Background(), testProject, "a")
	if again.Title != "A" || again.Dependencies[0] != "b" {
		t.Errorf("store was mutated through returned value: %+v", again)
	}
}

func TestMemory_UpdateNotFound(t *testing.T) {
	m := NewMemory()
	err := m.Update(context.Background(), testProject, "x", feature.StatusPatch(feature.StatusFailed))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestMemory_ConcurrentUpdates(t *testing.T) {
	m := NewMemory()
	m.Put(testProject, &feature.Feature{ID: "a", Title: "A"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Update(context.Background(), testProject, "a", feature.Patch{SessionID: feature.Ptr("s")})
			_, _ = m.List(context.Background(), testProject)
		}()
	}
	wg.Wait()

	got, _ := m.Get(context.Background(), testProject, "a")
	if got.SessionID != "s" {
		t.Errorf("SessionID = %q, want s", got.SessionID)
	}
}
