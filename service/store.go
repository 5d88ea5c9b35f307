package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/empire-tm/DoclingOCRServer/model"
)

// TaskStore is an in-memory registry of conversion tasks. State is
// process-local; a restart forgets every task.
type TaskStore struct {
	tasks    map[string]*model.Task
	mu       sync.RWMutex
	maxTasks int // Maximum records to keep, 0 = unlimited
}

// NewTaskStore creates a task registry. maxTasks bounds the number of
// retained records; past the bound the oldest records are evicted.
func NewTaskStore(maxTasks int) *TaskStore {
	if maxTasks < 0 {
		maxTasks = 0
	}
	return &TaskStore{
		tasks:    make(map[string]*model.Task),
		maxTasks: maxTasks,
	}
}

// Save inserts or replaces a task record.
func (s *TaskStore) Save(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.ID] = task

	// Cleanup if exceeds max
	s.cleanupIfNeeded()
}

// Get returns a copy of the task record so readers never observe a
// half-applied transition.
func (s *TaskStore) Get(id string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return *t, true
}

// UpdateStatus applies one status transition. Transitions for a given task
// are issued only by the goroutine that owns it.
func (s *TaskStore) UpdateStatus(id, status, message, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = status
		t.Message = message
		t.ErrorMsg = errMsg
		t.UpdatedAt = time.Now()
	}
}

func (s *TaskStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// cleanupIfNeeded removes oldest task records if the registry exceeds maxTasks
// Must be called with lock held
func (s *TaskStore) cleanupIfNeeded() {
	if s.maxTasks <= 0 {
		return // Unlimited
	}

	if len(s.tasks) <= s.maxTasks {
		return
	}

	tasks := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	removeCount := len(tasks) - s.maxTasks
	for i := 0; i < removeCount; i++ {
		slog.Info("evicting old task record",
			"task_id", tasks[i].ID,
			"created_at", tasks[i].CreatedAt,
		)
		delete(s.tasks, tasks[i].ID)
	}
}

// Count returns the number of task records in the registry.
func (s *TaskStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
