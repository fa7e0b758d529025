// File: storage/storage.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"invisibleface/logging"
	"invisibleface/models"
)

const (
	recordsDir      = "records"
	manifestPattern = "manifest_*.json"
	manifestLayout  = "20060102T150405.000000000"
	manifestsKept   = 5
)

var (
	// ErrRecordNotFound is returned by LoadRecord for an index that was never saved.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordExists is returned by SaveRecord for an index already stored.
	// Records are never overwritten.
	ErrRecordExists = errors.New("record already exists")
)

// RecordStore persists enrollment records by index. Implementations are safe
// for concurrent use.
type RecordStore interface {
	SaveRecord(rec *models.EnrollmentRecord) error
	LoadRecord(index int) (*models.EnrollmentRecord, error)
	Count() (int, error)
	// NextIndex is one past the highest stored index, 0 when empty. It can
	// exceed Count when a run left gaps.
	NextIndex() (int, error)
	Close() error
}

// Open returns the record store of the given kind ("json" or "bolt") rooted
// at dir.
func Open(kind, dir string) (RecordStore, error) {
	switch kind {
	case "", "json":
		return NewJSONStore(dir)
	case "bolt":
		return NewBoltStore(dir)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

// ManifestStorage writes run manifests as timestamped files and keeps only
// the most recent ones.
type ManifestStorage struct {
	dataDir string
	logger  logging.Logger
	mutex   sync.RWMutex
}

type manifestFile struct {
	path      string
	timestamp time.Time
}

type manifestFiles []manifestFile

func (f manifestFiles) Len() int           { return len(f) }
func (f manifestFiles) Less(i, j int) bool { return f[i].timestamp.Before(f[j].timestamp) }
func (f manifestFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

// NewManifestStorage writes manifests under dataDir. A nil logger discards
// rotation warnings.
func NewManifestStorage(dataDir string, logger logging.Logger) (*ManifestStorage, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %v", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	return &ManifestStorage{
		dataDir: absPath,
		logger:  logger,
	}, nil
}

// listManifests returns manifest files sorted oldest first
func (s *ManifestStorage) listManifests() (manifestFiles, error) {
	files, err := filepath.Glob(filepath.Join(s.dataDir, manifestPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %v", err)
	}

	var manifests manifestFiles
	for _, file := range files {
		base := filepath.Base(file)
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, "manifest_"), ".json")
		timestamp, err := time.Parse(manifestLayout, stamp)
		if err != nil {
			s.logger.Warn(context.Background(), "ignoring manifest with invalid timestamp", "file", base, "error", err)
			continue
		}
		manifests = append(manifests, manifestFile{path: file, timestamp: timestamp})
	}

	sort.Sort(manifests)
	return manifests, nil
}

// SaveManifest writes m and returns the file it was written to
func (s *ManifestStorage) SaveManifest(m *models.Manifest) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	filename := filepath.Join(s.dataDir, fmt.Sprintf("manifest_%s.json", createdAt.UTC().Format(manifestLayout)))

	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %v", err)
	}

	tempPath := filename + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %v", err)
	}
	if err := os.Rename(tempPath, filename); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to save manifest: %v", err)
	}

	if err := s.cleanupOldFiles(manifestsKept); err != nil {
		s.logger.Warn(context.Background(), "failed to clean up old manifests", "error", err)
	}

	return filename, nil
}

// LoadLatestManifest returns the newest manifest, or nil when there is none
func (s *ManifestStorage) LoadLatestManifest() (*models.Manifest, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	manifests, err := s.listManifests()
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, nil
	}

	latest := manifests[len(manifests)-1].path
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %v", latest, err)
	}

	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest from %s: %v", latest, err)
	}
	return &m, nil
}

func (s *ManifestStorage) cleanupOldFiles(keep int) error {
	manifests, err := s.listManifests()
	if err != nil {
		return err
	}

	// Remove older files, keeping the most recent 'keep' files
	for i := 0; i < len(manifests)-keep; i++ {
		if err := os.Remove(manifests[i].path); err != nil {
			s.logger.Warn(context.Background(), "failed to remove old manifest", "file", manifests[i].path, "error", err)
		}
	}

	return nil
}
