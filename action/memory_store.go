package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/convomesh/convomesh/core"
)

// MemoryRecordStore is an in-process RecordStore used by tests and examples.
// Subjects are created on first reference so integrations do not need a
// seeding step.
type MemoryRecordStore struct {
	mu           sync.Mutex
	subjects     map[string]*SubjectRecord
	tasks        map[string]TaskFields
	interactions map[string][]InteractionEntry
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		subjects:     make(map[string]*SubjectRecord),
		tasks:        make(map[string]TaskFields),
		interactions: make(map[string][]InteractionEntry),
	}
}

// SeedSubject registers a subject record, replacing any existing one.
func (s *MemoryRecordStore) SeedSubject(rec SubjectRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[rec.ID] = &rec
}

func (s *MemoryRecordStore) FindSubject(_ context.Context, id string) (*SubjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %q not found", id)
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryRecordStore) CreateTask(_ context.Context, fields TaskFields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := core.NewID()
	s.tasks[id] = fields
	return id, nil
}

func (s *MemoryRecordStore) UpdateStatus(_ context.Context, subjectID, newStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.subjects[subjectID]
	if !ok {
		rec = &SubjectRecord{ID: subjectID}
		s.subjects[subjectID] = rec
	}
	rec.Status = newStatus
	return nil
}

func (s *MemoryRecordStore) AppendInteraction(_ context.Context, subjectID string, entry InteractionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[subjectID] = append(s.interactions[subjectID], entry)
	return nil
}

// Tasks returns a snapshot of all created tasks keyed by task ID.
func (s *MemoryRecordStore) Tasks() map[string]TaskFields {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskFields, len(s.tasks))
	for k, v := range s.tasks {
		out[k] = v
	}
	return out
}

// Interactions returns the interaction timeline for a subject.
func (s *MemoryRecordStore) Interactions(subjectID string) []InteractionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.interactions[subjectID]
	out := make([]InteractionEntry, len(entries))
	copy(out, entries)
	return out
}
