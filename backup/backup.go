// Package backup keeps pristine copies of files before they are mutated.
// Snapshots live on disk under the run's state directory with a YAML
// manifest mapping source path to snapshot file, so an interrupted run
// leaves everything needed for manual recovery in place. A snapshot is
// discarded only after the file's outcome has been durably recorded as
// success.
package backup

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest file name inside the state directory.
const ManifestName = "backups.yaml"

// manifest is the on-disk index of active snapshots.
type manifest struct {
	Version int               `yaml:"version"`
	Files   map[string]string `yaml:"files"` // source path -> snapshot file name
}

// Store snapshots and restores file contents.
type Store struct {
	mu   sync.Mutex
	dir  string // directory holding snapshot files
	path string // manifest path
	m    manifest
}

// Open loads (or initializes) a backup store under stateDir. Snapshots from
// an interrupted earlier run stay in the manifest and remain restorable.
func Open(stateDir string) (*Store, error) {
	dir := filepath.Join(stateDir, "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	s := &Store{
		dir:  dir,
		path: filepath.Join(stateDir, ManifestName),
		m:    manifest{Version: 1, Files: make(map[string]string)},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &s.m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if s.m.Files == nil {
		s.m.Files = make(map[string]string)
	}
	return s, nil
}

// snapshotName derives a stable snapshot file name from the source path.
func snapshotName(path string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(filepath.ToSlash(path))))
}

// Snapshot stores the pristine content of path. It must be called before
// any write attempt on the file. Snapshotting the same path again in one
// run is a no-op so the oldest content wins.
func (s *Store) Snapshot(path string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m.Files[path]; ok {
		return nil
	}

	name := snapshotName(path)
	if err := os.WriteFile(filepath.Join(s.dir, name), content, 0o644); err != nil {
		return fmt.Errorf("writing snapshot for %s: %w", path, err)
	}
	s.m.Files[path] = name
	return s.saveLocked()
}

// Restore writes the snapshotted bytes back to path verbatim. It is
// idempotent: restoring a file that was never mutated, or restoring twice,
// is safe. Restoring a path with no snapshot is a no-op.
func (s *Store) Restore(path string) error {
	s.mu.Lock()
	name, ok := s.m.Files[path]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	content, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("reading snapshot for %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("restoring %s: %w", path, err)
	}
	return nil
}

// Discard removes the snapshot for path. Call only after the file's
// success has been recorded.
func (s *Store) Discard(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok := s.m.Files[path]
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot for %s: %w", path, err)
	}
	delete(s.m.Files, path)
	return s.saveLocked()
}

// Paths returns the source paths with active snapshots, sorted.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.m.Files))
	for p := range s.m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(s.m)
	if err != nil {
		return fmt.Errorf("marshaling backup manifest: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	return nil
}
