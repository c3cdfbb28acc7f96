// Package progress records per-file outcomes durably so an interrupted run
// can resume without redoing finished work. Records are appended to a JSONL
// file, one JSON object per line. A torn trailing line from a crash is
// ignored on load, and for a path that appears more than once the last
// complete record wins.
package progress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the progress log name inside the state directory.
const FileName = "progress.jsonl"

// Outcome is the terminal result recorded for a file.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Entry is one recorded outcome.
type Entry struct {
	Path      string    `json:"path"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is an append-only progress log.
type Store struct {
	mu      sync.Mutex
	f       *os.File
	entries map[string]Entry
}

// Open opens (creating if needed) the progress log under stateDir and loads
// any records a previous run left behind.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	path := filepath.Join(stateDir, FileName)

	entries, err := load(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// A crash mid-append leaves the log without a trailing newline.
	// Terminate the torn line so new records start clean.
	if err := terminateTornLine(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Store{f: f, entries: entries}, nil
}

func terminateTornLine(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat progress log: %w", err)
	}
	if fi.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return fmt.Errorf("reading progress log tail: %w", err)
	}
	if last[0] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("terminating torn line: %w", err)
		}
	}
	return nil
}

// load reads the log, keeping the last valid record per path. Lines that do
// not parse (typically a torn final line) are skipped.
func load(path string) (map[string]Entry, error) {
	entries := make(map[string]Entry)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Path == "" {
			continue
		}
		entries[e.Path] = e
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return entries, nil
}

// Record appends an outcome and syncs it to disk before returning.
func (s *Store) Record(path string, outcome Outcome, reason string) error {
	e := Entry{Path: path, Outcome: outcome, Reason: reason, Timestamp: time.Now().UTC()}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling progress entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("appending progress entry: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("syncing progress log: %w", err)
	}
	s.entries[path] = e
	return nil
}

// Done reports whether path already has a terminal outcome that a resumed
// run should not repeat. Failed files are retried, so they report false.
func (s *Store) Done(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[path]
	return ok && (e.Outcome == OutcomeSuccess || e.Outcome == OutcomeSkipped)
}

// Entries returns a copy of the latest record per path.
func (s *Store) Entries() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Close releases the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
