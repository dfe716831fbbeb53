package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and single-node development.
type MemStore struct {
	mu     sync.RWMutex
	groups map[string]Group
	files  map[string]File
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		groups: make(map[string]Group),
		files:  make(map[string]File),
	}
}

// AddGroup registers a group. Test and bootstrap helper.
func (s *MemStore) AddGroup(g Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

// Group returns a group by ID.
func (s *MemStore) Group(ctx context.Context, groupID string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return g, nil
}

// ListGroups returns all groups sorted by ID.
func (s *MemStore) ListGroups(ctx context.Context) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordFile inserts a new ACTIVE file record.
func (s *MemStore) RecordFile(ctx context.Context, f File) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	f.Status = StatusActive
	f.CreatedAt = now
	f.UpdatedAt = now
	s.files[f.ID] = f
	return f, nil
}

// File returns a file record by ID.
func (s *MemStore) File(ctx context.Context, fileID string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	if !ok {
		return File{}, ErrFileNotFound
	}
	return f, nil
}

// MarkArchived transitions a file to ARCHIVED and rewrites its key.
func (s *MemStore) MarkArchived(ctx context.Context, fileID, newKey string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return File{}, ErrFileNotFound
	}
	if f.Status != StatusActive {
		return File{}, ErrAlreadyArchived
	}
	f.Status = StatusArchived
	f.Key = newKey
	f.UpdatedAt = time.Now().UTC()
	s.files[fileID] = f
	return f, nil
}

// DeleteFile removes a file record.
func (s *MemStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[fileID]; !ok {
		return ErrFileNotFound
	}
	delete(s.files, fileID)
	return nil
}
