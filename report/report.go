// Package report aggregates per-file outcomes into a Markdown summary:
// overall counts, the extension distribution of the scanned tree, and the
// files that were not translated grouped by reason.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Failure is one file that was not translated.
type Failure struct {
	Path   string
	Reason string
}

// Summary collects everything the report needs.
type Summary struct {
	Directory  string
	StartedAt  time.Time
	FinishedAt time.Time
	Model      string
	BatchMode  bool

	TotalFiles int            // files with a target extension
	Succeeded  int            // files rewritten and committed
	FileTypes  map[string]int // extension -> count
	Failures   []Failure
}

// SuccessRate is Succeeded over TotalFiles as a percentage.
func (s *Summary) SuccessRate() float64 {
	if s.TotalFiles == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.TotalFiles) * 100
}

// FormatDuration renders a duration in the coarsest useful units,
// e.g. "1h3m12s" or "4.2s" or "310ms".
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		d = d.Round(time.Second)
		h := d / time.Hour
		m := (d % time.Hour) / time.Minute
		sec := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dh%dm%ds", h, m, sec)
	case d >= time.Minute:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// Markdown renders the full report.
func (s *Summary) Markdown() string {
	var b strings.Builder

	mode := "synchronous requests"
	if s.BatchMode {
		mode = "batch API"
	}

	b.WriteString("# Comment Translation Report\n\n")
	fmt.Fprintf(&b, "- Finished: %s\n", s.FinishedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- Directory: %s\n", s.Directory)
	fmt.Fprintf(&b, "- Total files: %d\n", s.TotalFiles)

	if len(s.FileTypes) > 0 && s.TotalFiles > 0 {
		b.WriteString("- File types:\n")
		for _, ext := range sortedKeys(s.FileTypes) {
			n := s.FileTypes[ext]
			fmt.Fprintf(&b, "  - %s: %d (%.1f%%)\n", ext, n, float64(n)/float64(s.TotalFiles)*100)
		}
	}

	fmt.Fprintf(&b, "- Translated: %d (%.1f%%)\n", s.Succeeded, s.SuccessRate())
	fmt.Fprintf(&b, "- Elapsed: %s\n", FormatDuration(s.FinishedAt.Sub(s.StartedAt)))
	fmt.Fprintf(&b, "- Model: %s\n", s.Model)
	fmt.Fprintf(&b, "- Mode: %s\n", mode)

	if len(s.Failures) > 0 {
		fmt.Fprintf(&b, "\n## Untranslated Files (%d)\n", len(s.Failures))
		for _, reason := range failureReasons(s.Failures) {
			paths := failuresByReason(s.Failures, reason)
			fmt.Fprintf(&b, "\n### %s (%d)\n\n", reason, len(paths))
			for _, p := range paths {
				fmt.Fprintf(&b, "- %s\n", p)
			}
		}
	}

	return b.String()
}

// Write renders the report to path, creating parent directories as needed.
func (s *Summary) Write(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(s.Markdown()), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// failureReasons returns the distinct reasons in first-seen order so the
// report groups read in processing order.
func failureReasons(failures []Failure) []string {
	seen := make(map[string]bool)
	var reasons []string
	for _, f := range failures {
		if !seen[f.Reason] {
			seen[f.Reason] = true
			reasons = append(reasons, f.Reason)
		}
	}
	return reasons
}

func failuresByReason(failures []Failure, reason string) []string {
	var paths []string
	for _, f := range failures {
		if f.Reason == reason {
			paths = append(paths, f.Path)
		}
	}
	sort.Strings(paths)
	return paths
}
