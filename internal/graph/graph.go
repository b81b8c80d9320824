// Package graph provides the dependency graph shared by task scheduling and
// workflow validation.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCycleDetected indicates a circular dependency was found in the graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// Node is a vertex with the IDs it depends on.
type Node struct {
	ID        string
	DependsOn []string
}

// CycleError reports the path of a detected cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %v", ErrCycleDetected, e.Path)
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// DependencyGraph is a directed graph of "depends on" edges.
type DependencyGraph struct {
	mu sync.RWMutex
	// order records insertion order so iteration is deterministic.
	order []string
	// edges maps a node ID to the IDs it depends on.
	edges map[string][]string
	// completed tracks which nodes have been marked complete.
	completed map[string]bool
	debugLog  func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from nodes. Returns an error if a node is
// declared twice, a dependency references an unknown node, or a cycle exists.
func (g *DependencyGraph) Build(nodes []Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d nodes", len(nodes))

	for _, n := range nodes {
		if _, exists := g.edges[n.ID]; exists {
			return fmt.Errorf("duplicate node %s", n.ID)
		}
		g.order = append(g.order, n.ID)
		g.edges[n.ID] = nil
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, exists := g.edges[dep]; !exists {
				return fmt.Errorf("%s depends on unknown node %s", n.ID, dep)
			}
			g.edges[n.ID] = append(g.edges[n.ID], dep)
		}
	}

	if path := g.findCycleLocked(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// Add inserts one node whose dependencies must already be present, or be
// listed in external (IDs known to be satisfied elsewhere). Adding a node
// can never close a cycle because its dependents do not exist yet, so the
// only structural checks are existence and self-reference.
func (g *DependencyGraph) Add(n Node, external func(id string) bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[n.ID]; exists {
		return fmt.Errorf("duplicate node %s", n.ID)
	}
	var deps []string
	for _, dep := range n.DependsOn {
		if dep == n.ID {
			return &CycleError{Path: []string{n.ID, n.ID}}
		}
		if _, exists := g.edges[dep]; exists {
			deps = append(deps, dep)
			continue
		}
		if external != nil && external(dep) {
			continue
		}
		return fmt.Errorf("%s depends on unknown node %s", n.ID, dep)
	}
	g.order = append(g.order, n.ID)
	g.edges[n.ID] = deps
	g.debugLog("[graph.Add] added %s deps=%v", n.ID, deps)
	return nil
}

// Remove deletes a node and the edges pointing at it.
func (g *DependencyGraph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[id]; !ok {
		return
	}
	delete(g.edges, id)
	delete(g.completed, id)
	for i, v := range g.order {
		if v == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	for other, deps := range g.edges {
		for i, d := range deps {
			if d == id {
				g.edges[other] = append(deps[:i:i], deps[i+1:]...)
				break
			}
		}
	}
}

// findCycleLocked runs a DFS with colouring and returns the first cycle
// found as a path that starts and ends on the same node.
func (g *DependencyGraph) findCycleLocked() []string {
	// 0 = unvisited, 1 = on the stack, 2 = done.
	colors := make(map[string]int, len(g.edges))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = 1
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				for i, s := range stack {
					if s == dep {
						path := append([]string(nil), stack[i:]...)
						return append(path, dep)
					}
				}
			case 0:
				if p := visit(dep); p != nil {
					return p
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return nil
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if p := visit(id); p != nil {
				return p
			}
		}
	}
	return nil
}

// GetReady returns incomplete node IDs whose dependencies are all complete,
// in insertion order.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if g.completed[id] {
			continue
		}
		ok := true
		for _, dep := range g.edges[id] {
			if !g.completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	g.debugLog("[graph.GetReady] %d ready: %v", len(ready), ready)
	return ready
}

// MarkComplete marks a node as completed. This affects subsequent calls to GetReady.
func (g *DependencyGraph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = true
}

// GetTransitiveDependents returns every node reachable from id through
// dependent edges, sorted.
func (g *DependencyGraph) GetTransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	reverse := make(map[string][]string, len(g.edges))
	for other, deps := range g.edges {
		for _, dep := range deps {
			reverse[dep] = append(reverse[dep], other)
		}
	}
	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range reverse[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
