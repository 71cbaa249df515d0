package engine

import (
	"fmt"
	"sync"
	"testing"
)

func TestExecutionContext_SetAndLookup(t *testing.T) {
	ec := NewExecutionContext()
	ec.SetOutputs("create_zone", map[string]any{"zone_id": "z-1", "name": "EU"})

	val, ok := ec.Lookup("create_zone", "zone_id")
	if !ok || val != "z-1" {
		t.Errorf("Lookup = %v, %v; want z-1, true", val, ok)
	}
	if _, ok := ec.Lookup("create_zone", "ghost"); ok {
		t.Error("unknown output must not resolve")
	}
	if _, ok := ec.Lookup("ghost", "zone_id"); ok {
		t.Error("unknown step must not resolve")
	}
}

func TestExecutionContext_CompletionOrder(t *testing.T) {
	ec := NewExecutionContext()
	ec.MarkCompleted("a")
	ec.MarkCompleted("b")
	ec.MarkCompleted("a") // duplicate must not reorder
	ec.MarkCompleted("c")

	got := ec.Completed()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Completed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Completed = %v, want %v", got, want)
		}
	}
}

func TestExecutionContext_CompletedReturnsCopy(t *testing.T) {
	ec := NewExecutionContext()
	ec.MarkCompleted("a")

	got := ec.Completed()
	got[0] = "mutated"
	if ec.Completed()[0] != "a" {
		t.Error("Completed must return a copy")
	}
}

func TestExecutionContext_Snapshot(t *testing.T) {
	ec := NewExecutionContext()
	ec.SetOutputs("a", map[string]any{"id": "a-1"})
	ec.SetOutputs("b", map[string]any{"id": "b-1", "count": 3})

	snap := ec.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d entries, want 3: %v", len(snap), snap)
	}
	if snap["a.id"] != "a-1" || snap["b.id"] != "b-1" || snap["b.count"] != 3 {
		t.Errorf("unexpected snapshot: %v", snap)
	}
}

func TestExecutionContext_ByStepIsACopy(t *testing.T) {
	ec := NewExecutionContext()
	ec.SetOutputs("a", map[string]any{"id": "a-1"})

	byStep := ec.ByStep()
	byStep["a"]["id"] = "mutated"

	if val, _ := ec.Lookup("a", "id"); val != "a-1" {
		t.Errorf("ByStep mutation leaked into the context: %v", val)
	}
}

func TestExecutionContext_SetOutputsCopiesInput(t *testing.T) {
	ec := NewExecutionContext()
	outputs := map[string]any{"id": "a-1"}
	ec.SetOutputs("a", outputs)
	outputs["id"] = "mutated"

	if val, _ := ec.Lookup("a", "id"); val != "a-1" {
		t.Errorf("caller mutation leaked into the context: %v", val)
	}
}

func TestExecutionContext_RemoveStep(t *testing.T) {
	ec := NewExecutionContext()
	ec.SetOutputs("a", map[string]any{"id": "a-1"})
	ec.MarkCompleted("a")

	ec.RemoveStep("a")

	if _, ok := ec.Lookup("a", "id"); ok {
		t.Error("removed step outputs must not resolve")
	}
	if len(ec.Snapshot()) != 0 {
		t.Errorf("snapshot should be empty after removal: %v", ec.Snapshot())
	}
	// The historical completion order is never rewritten.
	if got := ec.Completed(); len(got) != 1 || got[0] != "a" {
		t.Errorf("completion order must survive removal, got %v", got)
	}
}

func TestExecutionContext_OutputNamesSorted(t *testing.T) {
	ec := NewExecutionContext()
	ec.SetOutputs("a", map[string]any{"zeta": 1, "alpha": 2, "mid": 3})

	names := ec.OutputNames("a")
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("OutputNames = %v, want %v", names, want)
		}
	}
	if names := ec.OutputNames("ghost"); names != nil {
		t.Errorf("unknown step should have nil output names, got %v", names)
	}
}

func TestExecutionContext_ConcurrentAccess(t *testing.T) {
	ec := NewExecutionContext()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("step-%d", n)
			ec.SetOutputs(id, map[string]any{"n": n})
			ec.MarkCompleted(id)
			ec.Lookup(id, "n")
			ec.Snapshot()
		}(i)
	}
	wg.Wait()

	if got := len(ec.Completed()); got != 16 {
		t.Errorf("expected 16 completed steps, got %d", got)
	}
}
