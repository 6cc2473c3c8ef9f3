package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Cache keeps imported firmware images so updates can be repeated
// without hunting for the file again.
type Cache struct {
	baseDir string
}

// CacheEntry represents a cached firmware file.
type CacheEntry struct {
	Path     string
	Name     string
	FileSize int64
	Imported time.Time
}

// DefaultCachePath returns the default cache directory.
func DefaultCachePath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		// Fallback to home directory
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "pmlog", "firmware"), nil
}

// NewCache creates a cache at path, or at the default location when path
// is empty.
func NewCache(path string) (*Cache, error) {
	if path == "" {
		var err error
		if path, err = DefaultCachePath(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{baseDir: path}, nil
}

// Path returns the cache directory path.
func (c *Cache) Path() string {
	return c.baseDir
}

// GetPath returns the cache path for an image name.
func (c *Cache) GetPath(name string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	return filepath.Join(c.baseDir, fmt.Sprintf("fw_%s.bin", safe))
}

// Has reports whether name is cached. When expectedSHA256 is given the
// file must also match it; a mismatching entry is removed.
func (c *Cache) Has(name, expectedSHA256 string) bool {
	path := c.GetPath(name)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if expectedSHA256 != "" {
		actual, err := computeSHA256(path)
		if err != nil || actual != expectedSHA256 {
			os.Remove(path)
			return false
		}
	}
	return true
}

// Load reads a cached image by name.
func (c *Cache) Load(name string) (*Image, error) {
	data, err := os.ReadFile(c.GetPath(name))
	if err != nil {
		return nil, fmt.Errorf("firmware %q not in cache: %w", name, err)
	}
	return NewImage(name, data), nil
}

func computeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// List returns all cached firmware entries, newest first.
func (c *Cache) List() ([]CacheEntry, error) {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var result []CacheEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "fw_") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		result = append(result, CacheEntry{
			Path:     filepath.Join(c.baseDir, name),
			Name:     strings.TrimPrefix(strings.TrimSuffix(name, ".bin"), "fw_"),
			FileSize: info.Size(),
			Imported: info.ModTime(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Imported.After(result[j].Imported)
	})
	return result, nil
}

// Remove removes a cached image.
func (c *Cache) Remove(name string) error {
	err := os.Remove(c.GetPath(name))
	if os.IsNotExist(err) {
		return nil // Already gone
	}
	return err
}

// ImportFile copies a local file into the cache.
// Returns the cache path and computed SHA256 checksum.
func (c *Cache) ImportFile(srcPath string) (cachePath string, sha256sum string, size int64, err error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() == 0 {
		return "", "", 0, fmt.Errorf("%s is empty", srcPath)
	}
	size = info.Size()

	baseName := filepath.Base(srcPath)
	name := strings.TrimSuffix(baseName, filepath.Ext(baseName))

	destPath := c.GetPath(name)
	tmpPath := destPath + ".tmp"

	dest, err := os.Create(tmpPath)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create cache file: %w", err)
	}

	hasher := sha256.New()
	writer := io.MultiWriter(dest, hasher)

	if _, err := io.Copy(writer, f); err != nil {
		dest.Close()
		os.Remove(tmpPath)
		return "", "", 0, fmt.Errorf("failed to copy file: %w", err)
	}
	dest.Close()

	sha256sum = hex.EncodeToString(hasher.Sum(nil))

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", "", 0, fmt.Errorf("failed to finalize import: %w", err)
	}

	return destPath, sha256sum, size, nil
}
