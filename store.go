package conductor

import (
	"encoding/json"
	"fmt"
	"sync"
)

// TaskStore is the in-memory task set of one delegation run: an
// identifier-indexed map with a dependents index, a pending counter for
// O(1) completeness checks, and configurable memory bounds on retained
// results.
type TaskStore struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	order      []string            // insertion order
	seq        map[string]int      // id → insertion index, for tie-breaks
	dependents map[string][]string // dep id → dependent ids
	pending    int

	completed    []string // completion order
	maxCompleted int
	resultLimit  int // aggregate serialized-result bytes; 0 = unbounded
	resultBytes  int
	resultSizes  map[string]int

	plan      [][]*Task
	planValid bool
}

// StoreOption configures a TaskStore.
type StoreOption func(*TaskStore)

// MaxCompletedTasks caps retained completed tasks; the oldest completed
// task is evicted when the cap is exceeded.
func MaxCompletedTasks(n int) StoreOption {
	return func(s *TaskStore) { s.maxCompleted = n }
}

// ResultSizeLimit caps the aggregate UTF-8 byte size of retained results.
// When a new result would exceed the limit, the oldest completed task's
// result is dropped; the task itself stays as completed metadata.
func ResultSizeLimit(bytes int) StoreOption {
	return func(s *TaskStore) { s.resultLimit = bytes }
}

// NewTaskStore creates an empty store.
func NewTaskStore(opts ...StoreOption) *TaskStore {
	s := &TaskStore{
		tasks:       map[string]*Task{},
		seq:         map[string]int{},
		dependents:  map[string][]string{},
		resultSizes: map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add inserts a task. A duplicate identifier is an error and leaves the
// store unchanged. An empty identifier is auto-generated.
func (s *TaskStore) Add(t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("duplicate task identifier: %s", t.ID)
	}
	s.tasks[t.ID] = t
	s.seq[t.ID] = len(s.order)
	s.order = append(s.order, t.ID)
	for _, dep := range t.Dependencies {
		s.dependents[dep] = append(s.dependents[dep], t.ID)
	}
	s.pending++
	s.planValid = false
	return nil
}

// Get returns the task with the given identifier.
func (s *TaskStore) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return t, nil
}

// Len returns the number of stored tasks.
func (s *TaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// All returns the stored tasks in insertion order.
func (s *TaskStore) All() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// IsAllComplete reports whether every stored task is done. O(1) via the
// pending counter.
func (s *TaskStore) IsAllComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending == 0
}

// DependencyResults returns dep id → result for each dependency of t.
// A missing, unfinished, failed, or result-evicted dependency is an error;
// the messages surface verbatim in dependent task errors.
func (s *TaskStore) DependencyResults(t *Task) (map[string]StructuredResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make(map[string]StructuredResponse, len(t.Dependencies))
	for _, id := range t.Dependencies {
		dep, ok := s.tasks[id]
		if !ok {
			return nil, fmt.Errorf("Missing dependency: %s", id)
		}
		if !dep.Done {
			return nil, fmt.Errorf("Dependency task %s not yet complete", id)
		}
		if dep.Error != "" {
			return nil, fmt.Errorf("Dependency task %s failed: %s", id, dep.Error)
		}
		if dep.Result == nil {
			return nil, fmt.Errorf("Dependency task %s result unavailable", id)
		}
		results[id] = *dep.Result
	}
	return results, nil
}

// Complete records a successful result for the task and applies the
// retention bounds.
func (s *TaskStore) Complete(id string, result StructuredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if t.Done {
		return fmt.Errorf("task already complete: %s", id)
	}
	t.Result = &result
	t.Error = ""
	t.Done = true
	s.pending--
	s.completed = append(s.completed, id)
	size := serializedSize(result)
	s.resultSizes[id] = size
	s.resultBytes += size
	s.enforceBounds()
	return nil
}

// Fail records a task failure.
func (s *TaskStore) Fail(id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if t.Done {
		return fmt.Errorf("task already complete: %s", id)
	}
	t.Result = nil
	t.Error = msg
	t.Done = true
	s.pending--
	s.completed = append(s.completed, id)
	s.enforceBounds()
	return nil
}

// enforceBounds applies MaxCompletedTasks and ResultSizeLimit.
// Caller holds s.mu.
func (s *TaskStore) enforceBounds() {
	for s.maxCompleted > 0 && len(s.completed) > s.maxCompleted {
		oldest := s.completed[0]
		s.completed = s.completed[1:]
		s.evict(oldest)
	}
	for s.resultLimit > 0 && s.resultBytes > s.resultLimit {
		dropped := false
		for _, id := range s.completed {
			if size, ok := s.resultSizes[id]; ok && size > 0 {
				if t := s.tasks[id]; t != nil {
					t.Result = nil
				}
				s.resultBytes -= size
				delete(s.resultSizes, id)
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
}

// evict removes a completed task entirely. Caller holds s.mu.
func (s *TaskStore) evict(id string) {
	if size, ok := s.resultSizes[id]; ok {
		s.resultBytes -= size
		delete(s.resultSizes, id)
	}
	delete(s.tasks, id)
	delete(s.seq, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.planValid = false
}

// Reset clears the store and invalidates the cached plan.
func (s *TaskStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = map[string]*Task{}
	s.order = nil
	s.seq = map[string]int{}
	s.dependents = map[string][]string{}
	s.pending = 0
	s.completed = nil
	s.resultBytes = 0
	s.resultSizes = map[string]int{}
	s.plan = nil
	s.planValid = false
}

// serializedSize measures a result by the UTF-8 byte length of its JSON
// serialization.
func serializedSize(result StructuredResponse) int {
	data, err := json.Marshal(result)
	if err != nil {
		return len(result.Response)
	}
	return len(data)
}
