package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
)

// fileDocument is the on-disk layout of the file store
type fileDocument struct {
	Jobs []*domain.Record `json:"jobs"`
}

// FileStore keeps all records in a single JSON document. Every mutation rewrites
// the document through a synced temp file and an atomic rename.
type FileStore struct {
	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	records map[string]*domain.Record
}

var _ Store = (*FileStore)(nil)

// OpenFile loads the store at path, creating an empty document if none exists
func OpenFile(path string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{
		path:    path,
		logger:  logger,
		records: make(map[string]*domain.Record),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("Job store file not found, creating empty store",
			slog.String("path", path),
		)
		if err := s.persist(s.records); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read job store: %w", err)
	}

	var doc fileDocument
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse job store: %w", err)
		}
	}

	for _, rec := range doc.Jobs {
		if rec == nil || rec.ID == "" {
			continue
		}
		if _, dup := s.records[rec.ID]; dup {
			logger.Warn("Duplicate job in store file, keeping last entry",
				slog.String("job_id", rec.ID),
			)
		}
		s.records[rec.ID] = rec
	}

	logger.Info("Job store loaded",
		slog.String("path", path),
		slog.Int("jobs", len(s.records)),
	)

	return s, nil
}

// Create inserts a new record
func (s *FileStore) Create(_ context.Context, rec *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateJob, rec.ID)
	}

	s.records[rec.ID] = rec.Clone()
	if err := s.persist(s.records); err != nil {
		delete(s.records, rec.ID)
		return err
	}

	return nil
}

// Get returns a copy of the record
func (s *FileStore) Get(_ context.Context, id string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update applies mutate to a copy and persists it; the in-memory state only
// changes once the document is on disk
func (s *FileStore) Update(_ context.Context, id string, mutate Mutation) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id

	s.records[id] = next
	if err := s.persist(s.records); err != nil {
		s.records[id] = current
		return nil, err
	}

	return next.Clone(), nil
}

// List returns records newest-first
func (s *FileStore) List(_ context.Context, filter ListFilter) ([]*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*domain.Record, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	return applyFilter(all, filter), nil
}

// Delete removes a record
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}

	delete(s.records, id)
	if err := s.persist(s.records); err != nil {
		s.records[id] = current
		return err
	}

	return nil
}

// Close is a no-op; every write is already on disk
func (s *FileStore) Close() error {
	return nil
}

// persist writes records to a temp file, syncs it and renames it over the store file
func (s *FileStore) persist(records map[string]*domain.Record) error {
	doc := fileDocument{Jobs: make([]*domain.Record, 0, len(records))}
	for _, rec := range records {
		doc.Jobs = append(doc.Jobs, rec)
	}
	// oldest first, the order jobs were submitted in
	sort.Slice(doc.Jobs, func(i, j int) bool { return newerFirst(doc.Jobs[j], doc.Jobs[i]) })

	// compact so raw result payloads reload byte-for-byte
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode job store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write job store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync job store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close job store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace job store: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			s.logger.Debug("Failed to sync job store directory",
				slog.String("dir", dir),
				slog.Any("error", err),
			)
		}
		d.Close()
	}

	return nil
}
