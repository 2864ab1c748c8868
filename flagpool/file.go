package flagpool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const flagExt = ".flag"

// FileStore keeps one <addr>.flag file per worker in a directory. Writes go
// through a temporary file and a rename so readers never see partial
// content; the file's modification time is the entry's age.
type FileStore struct {
	root string
	opts Options
}

// NewFileStore creates root if needed and returns a store over it.
func NewFileStore(root string, optFns ...func(o *Options)) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("flag directory cannot be empty")
	}
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create flag directory %q: %w", root, err)
	}
	return &FileStore{root: root, opts: opts}, nil
}

// Root returns the flag directory.
func (s *FileStore) Root() string { return s.root }

// Path returns the flag file of addr.
func (s *FileStore) Path(addr string) string {
	return filepath.Join(s.root, addr+flagExt)
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, addr string, state State) error {
	if err := validAddr(addr); err != nil {
		return err
	}
	if _, err := ParseState(string(state)); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, "."+addr+".*")
	if err != nil {
		return fmt.Errorf("failed to write flag for %s: %w", addr, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(string(state) + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write flag for %s: %w", addr, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write flag for %s: %w", addr, err)
	}
	now := s.opts.Now()
	if err := os.Chtimes(tmp.Name(), now, now); err != nil {
		return fmt.Errorf("failed to stamp flag for %s: %w", addr, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(addr)); err != nil {
		return fmt.Errorf("failed to publish flag for %s: %w", addr, err)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, addr string) (Entry, error) {
	if err := validAddr(addr); err != nil {
		return Entry{}, err
	}
	return s.read(addr)
}

func (s *FileStore) read(addr string) (Entry, error) {
	path := s.Path(addr)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	state, err := ParseState(string(data))
	if err != nil {
		return Entry{}, fmt.Errorf("flag %s: %w", addr, err)
	}
	return Entry{Addr: addr, State: state, Modified: info.ModTime()}, nil
}

// List implements Store. Unreadable or malformed flags are skipped.
func (s *FileStore) List(_ context.Context) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	var out []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, flagExt) {
			continue
		}
		e, err := s.read(strings.TrimSuffix(name, flagExt))
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	LeaseOrder(out)
	return out, nil
}

// Remove implements Store. Removing a missing flag is not an error.
func (s *FileStore) Remove(_ context.Context, addr string) error {
	if err := validAddr(addr); err != nil {
		return err
	}
	if err := os.Remove(s.Path(addr)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove flag for %s: %w", addr, err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
