// Package fsys provides the filesystem access used by the built-in tools,
// with a watcher-backed directory cache.
package fsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/agentloop/internal/logger"
)

// FileInfo describes one filesystem entry.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FileSystem is the access surface the tools run against.
type FileSystem interface {
	// ReadFile reads the entire file
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// ReadFileLines reads a 1-indexed inclusive line range
	ReadFileLines(ctx context.Context, path string, from, to int) ([]string, error)
	// WriteFile writes data, creating parent directories as needed
	WriteFile(ctx context.Context, path string, data []byte) error
	// Stat returns file information
	Stat(ctx context.Context, path string) (*FileInfo, error)
	// ListDir lists directory contents
	ListDir(ctx context.Context, path string) ([]*FileInfo, error)
	// Exists checks if a path exists
	Exists(ctx context.Context, path string) (bool, error)
}

// CachedFS resolves paths against a base directory and caches directory
// listings, invalidating them on filesystem events.
type CachedFS struct {
	baseDir    string
	cacheMu    sync.RWMutex
	dirCache   map[string]*dirCacheEntry
	cacheTTL   time.Duration
	maxEntries int
	watcher    *fsnotify.Watcher
	stopWatch  chan struct{}
}

type dirCacheEntry struct {
	entries   []*FileInfo
	timestamp time.Time
}

// NewCachedFS creates a filesystem rooted at baseDir. A nil watcher (when
// fsnotify is unavailable) degrades to TTL-only caching.
func NewCachedFS(baseDir string, cacheTTL time.Duration, maxEntries int) *CachedFS {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("failed to create file watcher: %v", err)
	}

	cfs := &CachedFS{
		baseDir:    baseDir,
		dirCache:   make(map[string]*dirCacheEntry),
		cacheTTL:   cacheTTL,
		maxEntries: maxEntries,
		watcher:    watcher,
		stopWatch:  make(chan struct{}),
	}

	if watcher != nil {
		go cfs.watchFiles()
	}

	return cfs
}

// Close stops the watcher.
func (cfs *CachedFS) Close() error {
	close(cfs.stopWatch)
	if cfs.watcher != nil {
		return cfs.watcher.Close()
	}
	return nil
}

// watchFiles invalidates cached listings when their directory changes.
func (cfs *CachedFS) watchFiles() {
	for {
		select {
		case <-cfs.stopWatch:
			return
		case event, ok := <-cfs.watcher.Events:
			if !ok {
				return
			}
			cfs.invalidate(filepath.Dir(event.Name))
		case err, ok := <-cfs.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("filesystem watcher error: %v", err)
		}
	}
}

func (cfs *CachedFS) invalidate(absDir string) {
	cfs.cacheMu.Lock()
	defer cfs.cacheMu.Unlock()
	delete(cfs.dirCache, absDir)
}

func (cfs *CachedFS) absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfs.baseDir, path)
}

func (cfs *CachedFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(cfs.absPath(path))
}

func (cfs *CachedFS) ReadFileLines(ctx context.Context, path string, from, to int) ([]string, error) {
	data, err := cfs.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0)
	currentLine := 1
	lineStart := 0

	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			if currentLine >= from && currentLine <= to {
				lines = append(lines, string(data[lineStart:i]))
			}
			currentLine++
			lineStart = i + 1
			if currentLine > to {
				break
			}
		}
	}

	// Last line without a trailing newline.
	if lineStart < len(data) && currentLine >= from && currentLine <= to {
		lines = append(lines, string(data[lineStart:]))
	}

	if from > currentLine {
		return nil, fmt.Errorf("from line %d exceeds file length %d", from, currentLine-1)
	}

	return lines, nil
}

func (cfs *CachedFS) WriteFile(ctx context.Context, path string, data []byte) error {
	absPath := cfs.absPath(path)

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(absPath, data, 0644); err != nil {
		return err
	}

	cfs.invalidate(filepath.Dir(absPath))
	if cfs.watcher != nil {
		if err := cfs.watcher.Add(filepath.Dir(absPath)); err != nil {
			logger.Warn("failed to watch %s: %v", filepath.Dir(absPath), err)
		}
	}
	return nil
}

func (cfs *CachedFS) Stat(ctx context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(cfs.absPath(path))
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

func (cfs *CachedFS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(cfs.absPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (cfs *CachedFS) ListDir(ctx context.Context, path string) ([]*FileInfo, error) {
	absPath := cfs.absPath(path)

	cfs.cacheMu.RLock()
	if entry, ok := cfs.dirCache[absPath]; ok && time.Since(entry.timestamp) < cfs.cacheTTL {
		cfs.cacheMu.RUnlock()
		return copyEntries(entry.entries), nil
	}
	cfs.cacheMu.RUnlock()

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return nil, err
	}

	result := make([]*FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, &FileInfo{
			Path:    filepath.Join(path, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   entry.IsDir(),
		})
	}

	cfs.cacheMu.Lock()
	if len(cfs.dirCache) >= cfs.maxEntries {
		// Evict the oldest entry.
		var oldestKey string
		var oldestTime time.Time
		for k, v := range cfs.dirCache {
			if oldestKey == "" || v.timestamp.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.timestamp
			}
		}
		delete(cfs.dirCache, oldestKey)
	}
	cfs.dirCache[absPath] = &dirCacheEntry{entries: result, timestamp: time.Now()}
	cfs.cacheMu.Unlock()

	if cfs.watcher != nil {
		if err := cfs.watcher.Add(absPath); err != nil {
			logger.Warn("failed to watch %s: %v", absPath, err)
		}
	}

	return copyEntries(result), nil
}

// copyEntries shields the cached slice from mutation by callers.
func copyEntries(entries []*FileInfo) []*FileInfo {
	out := make([]*FileInfo, len(entries))
	copy(out, entries)
	return out
}
