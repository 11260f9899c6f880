package storage

import (
	"context"
	"encoding/json"
	"sync"

	"toolq/internal/job"
)

// memoryStore is the volatile driver. Jobs round-trip through JSON so
// callers get copies, matching the isolation sqlite provides.
type memoryStore struct {
	mu         sync.RWMutex
	jobs       map[string][]byte
	jobOrder   []string // insertion order for stable listings
	executions map[string][]ExecutionRecord
	batches    map[string]BatchRecord
	schedules  map[string]ScheduleRecord
	schedOrder []string
}

func NewMemory() Store {
	return &memoryStore{
		jobs:       map[string][]byte{},
		executions: map[string][]ExecutionRecord{},
		batches:    map[string]BatchRecord{},
		schedules:  map[string]ScheduleRecord{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) SaveJob(_ context.Context, j *job.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		m.jobOrder = append(m.jobOrder, j.ID)
	}
	m.jobs[j.ID] = b
	return nil
}

func (m *memoryStore) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	b, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var j job.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (m *memoryStore) ListJobs(_ context.Context, f JobFilter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, id := range m.jobOrder {
		var j job.Job
		if err := json.Unmarshal(m.jobs[id], &j); err != nil {
			return nil, err
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		if f.ToolID != "" && j.ToolID != f.ToolID {
			continue
		}
		out = append(out, &j)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) AppendExecution(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.JobID] = append(m.executions[rec.JobID], rec)
	return nil
}

func (m *memoryStore) ListExecutions(_ context.Context, jobID string) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.executions[jobID]
	out := make([]ExecutionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *memoryStore) SaveBatch(_ context.Context, b BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(b.JobIDs))
	copy(ids, b.JobIDs)
	b.JobIDs = ids
	m.batches[b.ID] = b
	return nil
}

func (m *memoryStore) GetBatch(_ context.Context, id string) (BatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return BatchRecord{}, ErrNotFound
	}
	return b, nil
}

func (m *memoryStore) SaveSchedule(_ context.Context, s ScheduleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		m.schedOrder = append(m.schedOrder, s.ID)
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *memoryStore) GetSchedule(_ context.Context, id string) (ScheduleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return ScheduleRecord{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) ListSchedules(_ context.Context, activeOnly bool) ([]ScheduleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ScheduleRecord
	for _, id := range m.schedOrder {
		s := m.schedules[id]
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	for i, sid := range m.schedOrder {
		if sid == id {
			m.schedOrder = append(m.schedOrder[:i], m.schedOrder[i+1:]...)
			break
		}
	}
	return nil
}
