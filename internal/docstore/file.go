package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const checkpointFile = "_checkpoints.json"

// FileBackend stores one JSON file per collection under a directory. Writes go
// to a temporary file that is renamed into place.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("docstore: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("docstore: create %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileBackend) Load(_ context.Context, collection string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var snap Snapshot
	if err := f.readJSON(f.path(collection), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("docstore: load %s: %w", collection, err)
	}
	return snap, nil
}

func (f *FileBackend) Save(_ context.Context, collection string, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeJSON(f.path(collection), snap); err != nil {
		return fmt.Errorf("docstore: save %s: %w", collection, err)
	}
	return nil
}

func (f *FileBackend) LoadCheckpoint(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cps := map[string]string{}
	if err := f.readJSON(filepath.Join(f.dir, checkpointFile), &cps); err != nil {
		return "", fmt.Errorf("docstore: load checkpoints: %w", err)
	}
	return cps[id], nil
}

func (f *FileBackend) SaveCheckpoint(_ context.Context, id, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := filepath.Join(f.dir, checkpointFile)
	cps := map[string]string{}
	if err := f.readJSON(path, &cps); err != nil {
		return fmt.Errorf("docstore: load checkpoints: %w", err)
	}
	cps[id] = value
	if err := f.writeJSON(path, cps); err != nil {
		return fmt.Errorf("docstore: save checkpoints: %w", err)
	}
	return nil
}

// Reset removes every JSON file the backend owns.
func (f *FileBackend) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("docstore: reset: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("docstore: reset: %w", err)
		}
	}
	return nil
}

func (f *FileBackend) readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w: %v", filepath.Base(path), ErrCorrupt, err)
	}
	return nil
}

func (f *FileBackend) writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
