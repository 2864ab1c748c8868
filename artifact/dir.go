package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// DirStore keeps artifacts as files below root:
//
//	<root>/<sessionID>/<artifactID>
//
// Writes go through a temporary file and a rename so readers never observe a
// partially written artifact.
type DirStore struct {
	root string
}

// NewDirStore creates a store rooted at root. The directory is created on
// first save.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Root returns the store directory.
func (d *DirStore) Root() string { return d.root }

// Path returns the file backing an artifact.
func (d *DirStore) Path(sessionID, artifactID string) string {
	return filepath.Join(d.root, sessionID, artifactID)
}

// Save writes data and returns the artifact's file path.
func (d *DirStore) Save(sessionID, artifactID string, data []byte) (string, error) {
	if !validID(artifactID) || (sessionID != "" && !validID(sessionID)) {
		return "", ErrInvalidID
	}
	dir := filepath.Join(d.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+artifactID+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	path := filepath.Join(dir, artifactID)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return path, nil
}

// Get reads an artifact or returns ErrNotFound.
func (d *DirStore) Get(sessionID, artifactID string) ([]byte, error) {
	if !validID(artifactID) {
		return nil, ErrInvalidID
	}
	data, err := os.ReadFile(d.Path(sessionID, artifactID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// List returns the sorted artifact ids of a session.
func (d *DirStore) List(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name()[0] != '.' {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes an artifact or returns ErrNotFound.
func (d *DirStore) Delete(sessionID, artifactID string) error {
	if !validID(artifactID) {
		return ErrInvalidID
	}
	err := os.Remove(d.Path(sessionID, artifactID))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
