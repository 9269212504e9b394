package entities

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]map[string]*Record // model -> id -> record
	activities []*Activity
	tasks      []*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, model, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[model][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, model, id)
	}

	return cloneRecord(record), nil
}

func (s *MemoryStore) List(_ context.Context, model string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records[model]))
	for _, record := range s.records[model] {
		out = append(out, cloneRecord(record))
	}

	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, model string, fields map[string]any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	record := &Record{
		ID:        uuid.NewString(),
		Model:     model,
		Fields:    cloneFields(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.records[model] == nil {
		s.records[model] = make(map[string]*Record)
	}

	s.records[model][record.ID] = record

	return cloneRecord(record), nil
}

func (s *MemoryStore) UpdateField(_ context.Context, model, id, field string, value any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[model][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, model, id)
	}

	old := record.Fields[field]
	record.Fields[field] = value
	record.UpdatedAt = time.Now().UTC()

	return old, nil
}

func (s *MemoryStore) FindByField(_ context.Context, model, field string, value any) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.records[model] {
		if fmt.Sprintf("%v", record.Fields[field]) == fmt.Sprintf("%v", value) {
			return cloneRecord(record), nil
		}
	}

	return nil, nil
}

func (s *MemoryStore) CreateActivity(_ context.Context, activity *Activity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[activity.Model][activity.ObjectID]; !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrRecordNotFound, activity.Model, activity.ObjectID)
	}

	stored := *activity
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	s.activities = append(s.activities, &stored)

	return stored.ID, nil
}

func (s *MemoryStore) LastActivityAt(_ context.Context, model, id string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *time.Time

	for _, activity := range s.activities {
		if activity.Model == model && activity.ObjectID == id {
			if last == nil || activity.CreatedAt.After(*last) {
				created := activity.CreatedAt
				last = &created
			}
		}
	}

	return last, nil
}

func (s *MemoryStore) CountInState(_ context.Context, relatedModel, relationField, id, stateField, state string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0

	for _, record := range s.records[relatedModel] {
		if fmt.Sprintf("%v", record.Fields[relationField]) != id {
			continue
		}

		if fmt.Sprintf("%v", record.Fields[stateField]) == state {
			count++
		}
	}

	return count, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *task
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	s.tasks = append(s.tasks, &stored)

	return stored.ID, nil
}

// Activities returns stored activities, newest last. Test helper.
func (s *MemoryStore) Activities() []*Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*Activity(nil), s.activities...)
}

// Tasks returns stored tasks. Test helper.
func (s *MemoryStore) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*Task(nil), s.tasks...)
}

func cloneRecord(record *Record) *Record {
	clone := *record
	clone.Fields = cloneFields(record.Fields)

	return &clone
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	return out
}
