package service

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/empire-tm/DoclingOCRServer/model"
)

const (
	markdownFilename = "document.md"
	imagesDirName    = "images"
	uploadSuffix     = "_upload"
)

// StorageEntry records one task's on-disk package for retention accounting.
type StorageEntry struct {
	TaskID    string
	Path      string
	CreatedAt time.Time
}

// ContentStore persists converted packages on the local filesystem: one
// directory per task id holding document.md plus an images/ subdirectory.
// Entries become visible to retention only when WriteArtifacts returns, so a
// package mid-write can never be listed as expired.
type ContentStore struct {
	root    string
	mu      sync.Mutex
	entries map[string]StorageEntry
}

// NewContentStore creates the storage root if needed.
func NewContentStore(root string) (*ContentStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &ContentStore{
		root:    root,
		entries: make(map[string]StorageEntry),
	}, nil
}

// Root returns the storage root directory.
func (s *ContentStore) Root() string {
	return s.root
}

func (s *ContentStore) taskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// WriteArtifacts persists the Markdown body and its images under the task's
// directory. The entry is registered on return for success and failure alike:
// partial output from a failed write ages out by TTL like any complete
// package.
func (s *ContentStore) WriteArtifacts(taskID, markdown string, images []model.ExportedImage) error {
	dir := s.taskDir(taskID)
	err := writePackage(dir, markdown, images)

	s.mu.Lock()
	s.entries[taskID] = StorageEntry{
		TaskID:    taskID,
		Path:      dir,
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageWrite, err)
	}
	return nil
}

func writePackage(dir, markdown string, images []model.ExportedImage) error {
	imagesDir := filepath.Join(dir, imagesDirName)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("create task directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, markdownFilename), []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	for _, img := range images {
		name := filepath.Base(img.Filename)
		if err := os.WriteFile(filepath.Join(imagesDir, name), img.Data, 0o644); err != nil {
			return fmt.Errorf("write image %s: %w", name, err)
		}
	}
	return nil
}

// StreamArchive writes the task's package to w as a zip archive built on the
// fly from the stored files, without buffering it in memory or on disk.
// Returns model.ErrTaskNotFound when no entry exists for the id.
func (s *ContentStore) StreamArchive(taskID string, w io.Writer) error {
	s.mu.Lock()
	entry, ok := s.entries[taskID]
	s.mu.Unlock()
	if !ok {
		return model.ErrTaskNotFound
	}

	zw := zip.NewWriter(w)
	err := filepath.WalkDir(entry.Path, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(entry.Path, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		zf, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(zf, f)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("archive package %s: %w", taskID, err)
	}
	return zw.Close()
}

// ListExpired returns the entries whose age at now meets or exceeds ttl.
func (s *ContentStore) ListExpired(now time.Time, ttl time.Duration) []StorageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []StorageEntry
	for _, e := range s.entries {
		if !e.CreatedAt.Add(ttl).After(now) {
			expired = append(expired, e)
		}
	}
	return expired
}

// Remove deletes a task's package and drops its entry. Removing an id that
// has no entry or no files is not an error. The entry survives a failed
// filesystem removal so the next sweep retries it.
func (s *ContentStore) Remove(taskID string) error {
	if err := os.RemoveAll(s.taskDir(taskID)); err != nil {
		return fmt.Errorf("remove package %s: %w", taskID, err)
	}

	s.mu.Lock()
	delete(s.entries, taskID)
	s.mu.Unlock()
	return nil
}

// WriteUpload spools a submitted document into the storage root, named
// <task_id>_upload<ext>, and returns its path.
func (s *ContentStore) WriteUpload(taskID, filename string, r io.Reader) (string, error) {
	path := filepath.Join(s.root, taskID+uploadSuffix+strings.ToLower(filepath.Ext(filename)))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

// RemoveUpload deletes a staging file; a missing file is fine.
func (s *ContentStore) RemoveUpload(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove upload file", "path", path, "error", err)
	}
}

// CleanupStale removes storage-root entries that are not in the in-memory
// index and have not been modified for maxAge: staging files whose task is
// gone and packages left behind by a previous process run. Fresh files are
// skipped regardless of tracking, so in-flight uploads and writes are safe.
func (s *ContentStore) CleanupStale(now time.Time, maxAge time.Duration) error {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("scan storage root: %w", err)
	}

	var firstErr error
	for _, de := range dirents {
		name := de.Name()
		if s.Has(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		slog.Info("removing stale storage entry", "name", name)
		if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Has reports whether a result package is registered for the task.
func (s *ContentStore) Has(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}
