package conductor

import (
	"fmt"
	"sort"
	"strings"
)

// ExecutionPlan returns the topological layering of the store: layer 0 is
// every task without dependencies, layer k+1 is every task whose
// dependencies all lie in layers ≤ k. Within a layer, tasks sort by
// priority descending, then insertion order. The plan is cached until the
// store changes.
func (s *TaskStore) ExecutionPlan() ([][]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planValid {
		return s.plan, nil
	}
	if err := s.validateDependenciesLocked(); err != nil {
		return nil, err
	}
	if cycle := s.findCycleLocked(); len(cycle) > 0 {
		return nil, &ErrCycle{IDs: cycle}
	}
	s.plan = s.layerLocked()
	s.planValid = true
	return s.plan, nil
}

// ValidateDependencies checks that every listed dependency refers to a
// known task.
func (s *TaskStore) ValidateDependencies() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateDependenciesLocked()
}

func (s *TaskStore) validateDependenciesLocked() error {
	for _, id := range s.order {
		t := s.tasks[id]
		for _, dep := range t.Dependencies {
			if _, ok := s.tasks[dep]; !ok {
				return fmt.Errorf("Missing dependency: %s", dep)
			}
		}
	}
	return nil
}

// findCycleLocked runs a DFS over the dependency edges and returns the
// identifiers on the first back-edge cycle found, or nil.
func (s *TaskStore) findCycleLocked() []string {
	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	state := make(map[string]int, len(s.tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		stack = append(stack, id)
		for _, dep := range s.tasks[id].Dependencies {
			if _, ok := s.tasks[dep]; !ok {
				continue
			}
			switch state[dep] {
			case unvisited:
				if visit(dep) {
					return true
				}
			case inStack:
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == dep {
						return true
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = finished
		return false
	}

	for _, id := range s.order {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// layerLocked performs Kahn layering. Caller has verified the graph is
// acyclic with no missing dependencies.
func (s *TaskStore) layerLocked() [][]*Task {
	remaining := make(map[string]int, len(s.tasks))
	var ready []string
	for _, id := range s.order {
		remaining[id] = len(s.tasks[id].Dependencies)
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	var layers [][]*Task
	for len(ready) > 0 {
		// Insertion order first, then a stable sort by priority keeps
		// the insertion tie-break.
		sort.SliceStable(ready, func(i, j int) bool {
			return s.seq[ready[i]] < s.seq[ready[j]]
		})
		sort.SliceStable(ready, func(i, j int) bool {
			return s.tasks[ready[i]].Priority > s.tasks[ready[j]].Priority
		})

		layer := make([]*Task, len(ready))
		for i, id := range ready {
			layer[i] = s.tasks[id]
		}
		layers = append(layers, layer)

		var next []string
		for _, id := range ready {
			for _, dep := range s.dependents[id] {
				if _, ok := s.tasks[dep]; !ok {
					continue
				}
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}
	return layers
}

// VisualizeDependencies renders the dependency graph as a textual tree:
// roots first with dependents nested beneath, then any tasks unreachable
// from a root in a trailing orphan section.
func (s *TaskStore) VisualizeDependencies() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("Task Dependency Tree:\n")

	visited := make(map[string]bool, len(s.tasks))
	for _, id := range s.order {
		if len(s.tasks[id].Dependencies) == 0 {
			fmt.Fprintf(&b, "%s: %s\n", id, s.tasks[id].Description)
			visited[id] = true
			s.writeChildren(&b, id, "", visited)
		}
	}

	var orphans []string
	for _, id := range s.order {
		if !visited[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		b.WriteString("\nOrphaned tasks:\n")
		for _, id := range orphans {
			fmt.Fprintf(&b, "- %s: %s\n", id, s.tasks[id].Description)
		}
	}
	return b.String()
}

func (s *TaskStore) writeChildren(b *strings.Builder, id, prefix string, visited map[string]bool) {
	var children []string
	for _, dep := range s.dependents[id] {
		if _, ok := s.tasks[dep]; ok {
			children = append(children, dep)
		}
	}
	for i, child := range children {
		marker, childPrefix := "├─ ", prefix+"│  "
		if i == len(children)-1 {
			marker, childPrefix = "└─ ", prefix+"   "
		}
		fmt.Fprintf(b, "%s%s%s: %s\n", prefix, marker, child, s.tasks[child].Description)
		visited[child] = true
		s.writeChildren(b, child, childPrefix, visited)
	}
}
