package store

import (
	"context"
	"sort"
	"sync"

	"github.com/eztheme/builder/internal/model"
)

// Memory keeps jobs in process memory. It backs tests and single-node
// development setups.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*model.BuildJob
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*model.BuildJob)}
}

func (m *Memory) Create(_ context.Context, job *model.BuildJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	m.jobs[job.ID] = clone(job)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(job), nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, u model.StatusUpdate) (*model.BuildJob, error) {
	if err := validateUpdate(u); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Apply(job, now())
	return clone(job), nil
}

func (m *Memory) List(_ context.Context, owner string, page, limit int) ([]*model.BuildJob, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var owned []*model.BuildJob
	for _, job := range m.jobs {
		if job.Owner == owner {
			owned = append(owned, job)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	total := len(owned)
	start := offset(page, limit)
	if start >= total {
		return []*model.BuildJob{}, total, nil
	}
	end := min(start+limit, total)

	out := make([]*model.BuildJob, 0, end-start)
	for _, job := range owned[start:end] {
		out = append(out, clone(job))
	}
	return out, total, nil
}

func (m *Memory) ListByStatus(_ context.Context, status model.BuildStatus) ([]*model.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.BuildJob
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, clone(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
