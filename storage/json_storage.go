package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"invisibleface/models"
)

// JSONStore keeps one file per record under <basePath>/records, named by the
// record index.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	// Create storage directory if it doesn't exist
	if err := os.MkdirAll(filepath.Join(basePath, recordsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %v", err)
	}

	return &JSONStore{basePath: basePath}, nil
}

func (s *JSONStore) recordPath(index int) string {
	return filepath.Join(s.basePath, recordsDir, fmt.Sprintf("%d.json", index))
}

func (s *JSONStore) SaveRecord(rec *models.EnrollmentRecord) error {
	if rec.Index < 0 {
		return fmt.Errorf("invalid record index %d", rec.Index)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %d: %v", rec.Index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(rec.Index)

	// Write to temporary file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file: %v", err)
	}

	// Link fails if the record exists, so an index is written at most once
	// and readers never see a partial record
	defer os.Remove(tempPath)
	if err := os.Link(tempPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("record %d: %w", rec.Index, ErrRecordExists)
		}
		return fmt.Errorf("failed to save record file: %v", err)
	}

	return nil
}

func (s *JSONStore) LoadRecord(index int) (*models.EnrollmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.recordPath(index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("record %d: %w", index, ErrRecordNotFound)
		}
		return nil, err
	}

	var rec models.EnrollmentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %d: %v", index, err)
	}
	return &rec, nil
}

func (s *JSONStore) Count() (int, error) {
	indexes, err := s.indexes()
	return len(indexes), err
}

func (s *JSONStore) NextIndex() (int, error) {
	indexes, err := s.indexes()
	if err != nil {
		return 0, err
	}
	next := 0
	for _, i := range indexes {
		if i >= next {
			next = i + 1
		}
	}
	return next, nil
}

// indexes lists the indexes of the stored record files
func (s *JSONStore) indexes() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.basePath, recordsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %v", err)
	}

	var indexes []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if i, err := strconv.Atoi(strings.TrimSuffix(name, ".json")); err == nil && i >= 0 {
			indexes = append(indexes, i)
		}
	}
	return indexes, nil
}

func (s *JSONStore) Close() error {
	return nil
}
