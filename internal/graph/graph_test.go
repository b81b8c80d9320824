package graph

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestBuild_RejectsCycle(t *testing.T) {
	g := New()
	err := g.Build([]Node{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("Build() error = %v, want ErrCycleDetected", err)
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(ce.Path) != 3 || ce.Path[0] != ce.Path[2] {
		t.Errorf("cycle path = %v, want closed path of length 3", ce.Path)
	}
}

func TestBuild_UnknownAndDuplicate(t *testing.T) {
	if err := New().Build([]Node{{ID: "A", DependsOn: []string{"missing"}}}); err == nil {
		t.Error("expected error for unknown dependency")
	}
	if err := New().Build([]Node{{ID: "A"}, {ID: "A"}}); err == nil {
		t.Error("expected error for duplicate node")
	}
}

func TestGetReady_Frontier(t *testing.T) {
	g := New()
	if err := g.Build([]Node{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A"}},
	}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := g.GetReady(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("GetReady() = %v, want [A]", got)
	}
	g.MarkComplete("A")
	if got := g.GetReady(); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("GetReady() = %v, want [B C]", got)
	}
}

func TestAdd_ExternalAndSelf(t *testing.T) {
	g := New()
	done := map[string]bool{"old": true}
	if err := g.Add(Node{ID: "x", DependsOn: []string{"old"}}, func(id string) bool { return done[id] }); err != nil {
		t.Fatalf("Add with external dep: %v", err)
	}
	if err := g.Add(Node{ID: "y", DependsOn: []string{"nope"}}, nil); err == nil {
		t.Error("expected unknown dependency error")
	}
	if err := g.Add(Node{ID: "z", DependsOn: []string{"z"}}, nil); !errors.Is(err, ErrCycleDetected) {
		t.Errorf("self dependency error = %v, want ErrCycleDetected", err)
	}
}

func TestTransitiveDependents(t *testing.T) {
	g := New()
	_ = g.Build([]Node{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "D"},
	})
	if got := g.GetTransitiveDependents("A"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("GetTransitiveDependents(A) = %v, want [B C]", got)
	}
	g.Remove("B")
	if got := g.GetTransitiveDependents("A"); len(got) != 0 {
		t.Errorf("after Remove(B), dependents of A = %v", got)
	}
}

func TestSetDebugLog(t *testing.T) {
	g := New()
	var lines []string
	g.SetDebugLog(func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})
	g.SetDebugLog(nil)
	if err := g.Build([]Node{{ID: "A"}}); err != nil {
		t.Fatal(err)
	}
	g.GetReady()
	if len(lines) != 2 {
		t.Errorf("debug lines = %q, want one per Build and GetReady", lines)
	}
}
