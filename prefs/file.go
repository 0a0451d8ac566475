package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LibraryName names the preferences directory.
const LibraryName = "appmixer"

const fileVersion = "1.0-prefs"

type fileEntry struct {
	App        App       `json:"app"`
	Checksum   string    `json:"checksum"`
	LastSaveAt time.Time `json:"lastSavedAt"`
}

type indexFile struct {
	Version   string               `json:"version"`
	UpdatedAt time.Time            `json:"updatedAt"`
	Entries   map[string]fileEntry `json:"entries"`
}

func emptyIndex() *indexFile {
	return &indexFile{Version: fileVersion, Entries: map[string]fileEntry{}}
}

// File is a JSON-backed Store. Every Save that changes an entry rewrites the
// whole file through a temp file and rename.
type File struct {
	path string

	mu  sync.Mutex
	idx *indexFile
	log *logrus.Entry
}

// DefaultPath returns the preferences file location. APPMIXER_PREFS_DIR
// overrides the directory.
func DefaultPath() (string, error) {
	if override := os.Getenv("APPMIXER_PREFS_DIR"); override != "" {
		return filepath.Join(override, "preferences.json"), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config directory: %w", err)
	}
	return filepath.Join(dir, LibraryName, "preferences.json"), nil
}

// OpenFile loads path, starting empty when it does not exist or carries
// another version.
func OpenFile(path string) (*File, error) {
	f := &File{
		path: path,
		log:  logrus.WithFields(logrus.Fields{"component": "prefs", "path": path}),
	}
	idx, err := f.read()
	if err != nil {
		return nil, err
	}
	f.idx = idx
	return f, nil
}

func (f *File) read() (*indexFile, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptyIndex(), nil
		}
		return nil, fmt.Errorf("reading preferences: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing preferences: %w", err)
	}
	if idx.Version != fileVersion || idx.Entries == nil {
		f.log.WithField("version", idx.Version).Warn("discarding preferences with unknown version")
		return emptyIndex(), nil
	}
	return &idx, nil
}

// Load implements Store.
func (f *File) Load(key string) (App, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.idx.Entries[key]
	return e.App, ok
}

// Save implements Store. Unchanged entries are not written.
func (f *File) Save(key string, app App) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := checksum(app)
	if e, ok := f.idx.Entries[key]; ok && e.Checksum == sum {
		return nil
	}
	f.idx.Entries[key] = fileEntry{App: app, Checksum: sum, LastSaveAt: time.Now()}
	return f.write()
}

func (f *File) write() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating preferences directory: %w", err)
	}
	f.idx.Version = fileVersion
	f.idx.UpdatedAt = time.Now()
	b, err := json.MarshalIndent(f.idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Delete removes an entry (best-effort when absent).
func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.idx.Entries[key]; !ok {
		return nil
	}
	delete(f.idx.Entries, key)
	return f.write()
}

// Len returns the number of stored entries.
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.idx.Entries)
}
