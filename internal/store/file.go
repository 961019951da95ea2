package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// FileStore is a JSON-file-backed Store for single-node development, per
// spec §4.4 ("file/in-process locks exist for single-node development
// only"). It wraps an in-memory MemoryStore and persists on every
// mutation to the configured path (default .visor/schedules.json, per
// spec §6).
type FileStore struct {
	*MemoryStore
	path string
}

// NewFileStore loads path (if it exists) into a fresh MemoryStore and
// returns a FileStore that persists subsequent mutations back to it.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var schedules []*Schedule
	if err := json.Unmarshal(data, &schedules); err != nil {
		return err
	}
	f.MemoryStore.mu.Lock()
	defer f.MemoryStore.mu.Unlock()
	for _, s := range schedules {
		f.MemoryStore.schedules[s.ID] = s
	}
	return nil
}

func (f *FileStore) persist() error {
	all, _ := f.MemoryStore.GetAll(context.Background())
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Create(ctx context.Context, s *Schedule) error {
	if err := f.MemoryStore.Create(ctx, s); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileStore) Update(ctx context.Context, s *Schedule) error {
	if err := f.MemoryStore.Update(ctx, s); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := f.MemoryStore.Delete(ctx, id); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileStore) Flush(ctx context.Context) error {
	return f.persist()
}

var _ Store = (*FileStore)(nil)
