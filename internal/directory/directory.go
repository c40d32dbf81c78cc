// Package directory is the server's authoritative index of shared files.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrExists   = errors.New("file already exists")
	ErrNotFound = errors.New("file not found")
)

// ShareFile binds a logical path to its owning group, the subject that
// uploaded it and where its bytes live on disk.
type ShareFile struct {
	Path     string `json:"path"`
	Group    string `json:"group"`
	Owner    string `json:"owner"`
	Location string `json:"location"`
}

// Directory is safe for concurrent use by every connection handler.
// Paths reserved by an in-flight upload count as taken for CheckFile and
// Reserve but are invisible to GetFile and ListFiles until committed.
type Directory struct {
	mu       sync.RWMutex
	files    map[string]ShareFile
	reserved map[string]struct{}
	store    Store
}

// New creates an empty directory persisted through store. store may be nil
// for a purely in-memory directory.
func New(store Store) *Directory {
	return &Directory{
		files:    make(map[string]ShareFile),
		reserved: make(map[string]struct{}),
		store:    store,
	}
}

// CheckFile reports whether path is present or reserved.
func (d *Directory) CheckFile(path string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.takenLocked(path)
}

func (d *Directory) takenLocked(path string) bool {
	if _, ok := d.files[path]; ok {
		return true
	}
	_, ok := d.reserved[path]
	return ok
}

// GetFile returns the entry for path.
func (d *Directory) GetFile(path string) (ShareFile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sf, ok := d.files[path]
	return sf, ok
}

// AddFile registers sf. Checking and inserting happen under one lock.
func (d *Directory) AddFile(sf ShareFile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.takenLocked(sf.Path) {
		return fmt.Errorf("%w: %s", ErrExists, sf.Path)
	}
	d.files[sf.Path] = sf
	return nil
}

// RemoveFile deletes the entry for path and returns it.
func (d *Directory) RemoveFile(path string) (ShareFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sf, ok := d.files[path]
	if ok {
		delete(d.files, path)
	}
	return sf, ok
}

// ListFiles returns every committed entry sorted by path.
func (d *Directory) ListFiles() []ShareFile {
	d.mu.RLock()
	files := make([]ShareFile, 0, len(d.files))
	for _, sf := range d.files {
		files = append(files, sf)
	}
	d.mu.RUnlock()

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Reserve claims path for an upload that has not finished yet.
func (d *Directory) Reserve(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.takenLocked(path) {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	d.reserved[path] = struct{}{}
	return nil
}

// Commit turns the reservation for sf.Path into a visible entry.
func (d *Directory) Commit(sf ShareFile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.reserved[sf.Path]; !ok {
		return fmt.Errorf("%w: no reservation for %s", ErrNotFound, sf.Path)
	}
	delete(d.reserved, sf.Path)
	d.files[sf.Path] = sf
	return nil
}

// Release drops a reservation without registering anything.
func (d *Directory) Release(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.reserved, path)
}

// Len is the number of committed entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.files)
}

// Load replaces the contents with what the store holds.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	files, err := d.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load file directory: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = make(map[string]ShareFile, len(files))
	for _, sf := range files {
		d.files[sf.Path] = sf
	}
	return nil
}

// Save writes a snapshot of the committed entries to the store.
func (d *Directory) Save(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	if err := d.store.Save(ctx, d.ListFiles()); err != nil {
		return fmt.Errorf("failed to save file directory: %w", err)
	}
	return nil
}

// Close closes the backing store.
func (d *Directory) Close() error {
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}
