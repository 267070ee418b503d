// Package file stores task documents as plain files: one directory per task,
// one file per document. JSON documents are replaced atomically; line
// documents are appended in place.
package file

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is a filesystem document backend rooted at a directory
type Store struct {
	root string
	mu   sync.RWMutex
}

// New creates a Store rooted at root, creating the directory if needed
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the storage directory
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(taskID, name string) string {
	return filepath.Join(s.root, taskID, filepath.FromSlash(name))
}

// Read returns a document's bytes, or an error wrapping fs.ErrNotExist
func (s *Store) Read(ctx context.Context, taskID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(taskID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("document %s/%s: %w", taskID, name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return data, nil
}

// Write replaces a document atomically
func (s *Store) Write(ctx context.Context, taskID, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(taskID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return atomicWriteFile(path, data, 0644)
}

// Append adds one line to a line document
func (s *Store) Append(ctx context.Context, taskID, name string, line []byte) error {
	if bytes.ContainsRune(line, '\n') {
		return fmt.Errorf("line for %s contains a newline", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(taskID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	if _, err := f.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return f.Close()
}

// Lines returns the non-empty lines of a line document in order
func (s *Store) Lines(ctx context.Context, taskID, name string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(taskID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("document %s/%s: %w", taskID, name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return lines, nil
}

// List returns the document names stored for a task, sorted
func (s *Store) List(ctx context.Context, taskID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list task directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Tasks returns the task ids that have a directory under the root
func (s *Store) Tasks(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op for the file backend
func (s *Store) Close() error {
	return nil
}

// atomicWriteFile writes to a temp file in the same directory and renames it
// into place so readers never see a partial document.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}
