package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is a content-addressable archive of fetched battery logs.
type Store struct {
	baseDir     string
	logsDir     string
	metadataDir string
	indexPath   string

	mu sync.Mutex
}

// Index contains quick lookup information for all logs.
type Index struct {
	Logs      map[string]IndexEntry `json:"logs"` // hash -> entry
	UpdatedAt time.Time             `json:"updated_at"`
}

// IndexEntry contains summary info for quick listing.
type IndexEntry struct {
	Hash      string    `json:"hash"`
	Size      int       `json:"size"`
	Rows      int       `json:"rows"`
	Device    string    `json:"device,omitempty"`
	Copies    int       `json:"copies"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultPath returns the default store path (~/.pmlog/logs).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pmlog", "logs"), nil
}

// Open opens or creates a store at the given path. An empty path opens
// the default location.
func Open(path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	s := &Store{
		baseDir:     path,
		logsDir:     filepath.Join(path, "csv"),
		metadataDir: filepath.Join(path, "metadata"),
		indexPath:   filepath.Join(path, "index.json"),
	}

	if err := os.MkdirAll(s.logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	if err := os.MkdirAll(s.metadataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata dir: %w", err)
	}

	return s, nil
}

// Path returns the store directory.
func (s *Store) Path() string {
	return s.baseDir
}

// Import adds a log to the store.
// If the log already exists (same hash), it records the extra source.
// Returns the hash and whether it was a new log.
func (s *Store) Import(data []byte, source Source) (string, bool, error) {
	hash, err := ContentHash(data)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logPath := filepath.Join(s.logsDir, hashToFilename(hash)+".csv")
	metaPath := filepath.Join(s.metadataDir, hashToFilename(hash)+".json")

	isNew := false
	var meta *Metadata

	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		isNew = true
		meta = ExtractMetadata(data, hash)
		meta.Sources = []Source{source}

		if err := os.WriteFile(logPath, data, 0644); err != nil {
			return "", false, fmt.Errorf("failed to write log: %w", err)
		}
	} else {
		metaData, err := os.ReadFile(metaPath)
		if err != nil {
			return "", false, fmt.Errorf("failed to read metadata: %w", err)
		}
		meta = &Metadata{}
		if err := json.Unmarshal(metaData, meta); err != nil {
			return "", false, fmt.Errorf("failed to parse metadata: %w", err)
		}
		meta.Sources = append(meta.Sources, source)
		meta.UpdatedAt = time.Now()
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0644); err != nil {
		return "", false, fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := s.updateIndex(hash, meta); err != nil {
		return "", false, fmt.Errorf("failed to update index: %w", err)
	}

	return hash, isNew, nil
}

// Get retrieves log data by hash.
func (s *Store) Get(hash string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.logsDir, hashToFilename(hash)+".csv"))
}

// GetMetadata retrieves log metadata by hash.
func (s *Store) GetMetadata(hash string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.metadataDir, hashToFilename(hash)+".json"))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Resolve expands a hash prefix, with or without "sha256:", to the full
// hash of exactly one archived log.
func (s *Store) Resolve(prefix string) (string, error) {
	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	prefix = hashToFilename(strings.ToLower(prefix))
	if prefix == "" {
		return "", fmt.Errorf("empty hash")
	}
	var matches []string
	for hash := range index.Logs {
		if strings.HasPrefix(hashToFilename(hash), prefix) {
			matches = append(matches, hash)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no log matches %q", prefix)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("%q is ambiguous (%d logs)", prefix, len(matches))
}

// List returns all logs in the store, newest first.
func (s *Store) List() ([]IndexEntry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Logs))
	for _, entry := range index.Logs {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Export writes a log to a file.
func (s *Store) Export(hash, destPath string) error {
	data, err := s.Get(hash)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0644)
}

// Count returns the number of logs in the store.
func (s *Store) Count() (int, error) {
	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	return len(index.Logs), nil
}

func (s *Store) loadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &Index{Logs: make(map[string]IndexEntry)}, nil
	}
	if err != nil {
		return nil, err
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index.Logs == nil {
		index.Logs = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(hash string, meta *Metadata) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	var device string
	if len(meta.Sources) > 0 {
		device = meta.Sources[0].Device
	}
	index.Logs[hash] = IndexEntry{
		Hash:      hash,
		Size:      meta.Size,
		Rows:      meta.Rows,
		Device:    device,
		Copies:    len(meta.Sources),
		CreatedAt: meta.CreatedAt,
	}
	index.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0644)
}
