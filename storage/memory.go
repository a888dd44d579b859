package storage

import (
	"context"
	"sync"
	"time"

	"github.com/wowowow-64/weekwise/domain"
)

// NewMemoryStore returns a Store that keeps everything in process memory and
// announces changes on a LocalFeed.
func NewMemoryStore(opts ...Option) *Store {
	return newStore(newMemoryTables(), NewLocalFeed(), opts...)
}

type memoryTables struct {
	mu    sync.Mutex
	tasks map[string]map[string]domain.Task
	notes map[string]map[domain.Day]domain.Note
}

func newMemoryTables() *memoryTables {
	return &memoryTables{
		tasks: make(map[string]map[string]domain.Task),
		notes: make(map[string]map[domain.Day]domain.Note),
	}
}

func (m *memoryTables) ListTasks(ctx context.Context, uid string, since time.Time) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Task{}
	for _, t := range m.tasks[uid] {
		if !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryTables) InsertTask(_ context.Context, uid string, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[uid] == nil {
		m.tasks[uid] = make(map[string]domain.Task)
	}
	m.tasks[uid][t.ID] = t
	return nil
}

func (m *memoryTables) MergeTask(_ context.Context, uid, id string, patch domain.TaskPatch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[uid][id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	t = patch.Apply(t)
	t.Version++
	m.tasks[uid][id] = t
	return t, nil
}

func (m *memoryTables) DeleteTask(_ context.Context, uid, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks[uid], id)
	return nil
}

func (m *memoryTables) ListNotes(ctx context.Context, uid string) ([]domain.Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Note{}
	for _, n := range m.notes[uid] {
		out = append(out, n)
	}
	return out, nil
}

func (m *memoryTables) UpsertNote(_ context.Context, uid string, n domain.Note) (domain.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notes[uid] == nil {
		m.notes[uid] = make(map[domain.Day]domain.Note)
	}
	n.Version = m.notes[uid][n.ID].Version + 1
	m.notes[uid][n.ID] = n
	return n, nil
}
