package directory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// QuarantineDir is the directory under the storage root that receives
// unreferenced uploads. Group names may not start with a dot, so it never
// collides with a group.
const QuarantineDir = ".quarantine"

// Orphan is a stored file no entry referenced, and where it was moved.
type Orphan struct {
	Path  string
	Moved string
}

// Report lists what Reconcile found under the storage root.
type Report struct {
	// Orphans were moved into QuarantineDir.
	Orphans []Orphan
	// Missing are entries whose physical file is gone; they are kept.
	Missing []ShareFile
}

// Reconcile brings disk and directory back in line after a crash. Only
// uploaded files are considered: regular files named by a UUID directly
// inside a group directory of root. One that no entry references is either an
// interrupted upload or a commit that was never saved, and is moved to
// QuarantineDir. An entry without a file is only reported.
func Reconcile(d *Directory, root string) (Report, error) {
	var report Report

	known := make(map[string]struct{})
	for _, sf := range d.ListFiles() {
		known[filepath.Clean(sf.Location)] = struct{}{}
		if _, err := os.Stat(sf.Location); errors.Is(err, os.ErrNotExist) {
			report.Missing = append(report.Missing, sf)
		}
	}

	groups, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to read storage root: %w", err)
	}

	for _, g := range groups {
		if !g.IsDir() || g.Name() == QuarantineDir {
			continue
		}
		groupDir := filepath.Join(root, g.Name())
		entries, err := os.ReadDir(groupDir)
		if err != nil {
			return report, fmt.Errorf("failed to read group directory: %w", err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			if _, err := uuid.Parse(e.Name()); err != nil {
				continue
			}
			path := filepath.Join(groupDir, e.Name())
			if _, ok := known[filepath.Clean(path)]; ok {
				continue
			}
			moved, err := quarantine(root, g.Name(), path)
			if err != nil {
				return report, err
			}
			report.Orphans = append(report.Orphans, Orphan{Path: path, Moved: moved})
		}
	}
	return report, nil
}

func quarantine(root, group, path string) (string, error) {
	dir := filepath.Join(root, QuarantineDir, group)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create quarantine: %w", err)
	}
	moved := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, moved); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", path, err)
	}
	return moved, nil
}
