package store

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const recordVersion = 1

type record struct {
	Version  int       `json:"version"`
	Name     string    `json:"name"`
	Position int       `json:"position"`
	SavedAt  time.Time `json:"saved_at"`
}

// File keeps one JSON record per covering in a directory. Records are written
// to a temporary file first and renamed, so a crash leaves either the old or
// the new record behind.
type File struct {
	mu  sync.Mutex
	dir string
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create store directory %s", dir)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(name string) string {
	return filepath.Join(f.dir, url.PathEscape(name)+".json")
}

func (f *File) Get(name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(name))
	if os.IsNotExist(err) {
		return 0, errors.Wrap(ErrNotFound, name)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "%s: read position", name)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return 0, errors.Wrapf(err, "%s: decode position", name)
	}
	if r.Name != name {
		return 0, errors.Errorf("%s: record belongs to %q", name, r.Name)
	}

	return r.Position, nil
}

func (f *File) Set(name string, position int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(record{
		Version:  recordVersion,
		Name:     name,
		Position: position,
		SavedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	path := f.path(name)
	if err := writeSynced(path+".tmp", data); err != nil {
		return errors.Wrapf(err, "%s: write position", name)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return errors.Wrapf(err, "%s: rename position record", name)
	}

	return nil
}

// writeSynced writes data and flushes it to disk before returning.
func writeSynced(path string, data []byte) error {
	tmp, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	return tmp.Close()
}
