package storage

import (
	"context"
	"fmt"
	"sync"

	"boardsync/domain"
)

// Memory is an in-process TaskStore used by tests and MEMORY_STORE dev mode.
type Memory struct {
	mu     sync.Mutex
	boards map[string]map[string]domain.Task
}

func NewMemory() *Memory {
	return &Memory{boards: make(map[string]map[string]domain.Task)}
}

func (m *Memory) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[t.BoardID]
	if !ok {
		board = make(map[string]domain.Task)
		m.boards[t.BoardID] = board
	}
	if _, exists := board[t.ID]; exists {
		return domain.Task{}, fmt.Errorf("task %s already exists", t.ID)
	}
	board[t.ID] = t.Clone()
	return t, nil
}

func (m *Memory) FindByID(ctx context.Context, boardID, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.boards[boardID][id]
	if !ok {
		return nil, nil
	}
	out := t.Clone()
	return &out, nil
}

func (m *Memory) Update(ctx context.Context, boardID, id string, p domain.TaskPatch) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.boards[boardID][id]
	if !ok {
		return nil, nil
	}
	t.Apply(p)
	m.boards[boardID][id] = t.Clone()
	out := t.Clone()
	return &out, nil
}

func (m *Memory) Delete(ctx context.Context, boardID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, ok := m.boards[boardID]
	if !ok {
		return false, nil
	}
	if _, exists := board[id]; !exists {
		return false, nil
	}
	delete(board, id)
	return true, nil
}

func (m *Memory) ListByBoard(ctx context.Context, boardID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []domain.Task{}
	for _, t := range m.boards[boardID] {
		tasks = append(tasks, t.Clone())
	}
	domain.SortTasks(tasks)
	return tasks, nil
}
