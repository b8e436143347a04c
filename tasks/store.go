package tasks

import (
	"slices"
	"sync"
)

// store keeps tasks in insertion order. Reads return copies.
type store struct {
	mu    sync.RWMutex
	tasks []Task
}

func newStore(initial []Task) *store {
	return &store{tasks: slices.Clone(initial)}
}

func (s *store) list(teamID string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Task{}
	for _, t := range s.tasks {
		if t.TeamID == teamID {
			out = append(out, clone(t))
		}
	}
	return out
}

func (s *store) get(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.index(id)
	if i < 0 {
		return Task{}, ErrNotFound
	}
	return clone(s.tasks[i]), nil
}

func (s *store) add(t Task) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	return clone(t)
}

// update applies fn to the task with id and returns the new state.
func (s *store) update(id string, fn func(*Task)) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return Task{}, ErrNotFound
	}
	t := clone(s.tasks[i])
	fn(&t)
	s.tasks[i] = t
	return clone(t), nil
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *store) index(id string) int {
	return slices.IndexFunc(s.tasks, func(t Task) bool { return t.ID == id })
}

func clone(t Task) Task {
	if t.AssigneeID != nil {
		a := *t.AssigneeID
		t.AssigneeID = &a
	}
	return t
}
