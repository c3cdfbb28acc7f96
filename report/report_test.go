package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleSummary() *Summary {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Summary{
		Directory:  "/src/project",
		StartedAt:  start,
		FinishedAt: start.Add(95 * time.Second),
		Model:      "glm-4-flash",
		TotalFiles: 4,
		Succeeded:  2,
		FileTypes:  map[string]int{".c": 2, ".h": 1, ".cpp": 1},
		Failures: []Failure{
			{Path: "/src/project/b.c", Reason: "validation failed"},
			{Path: "/src/project/a.h", Reason: "no english comments"},
			{Path: "/src/project/c.cpp", Reason: "validation failed"},
		},
	}
}

func TestMarkdown(t *testing.T) {
	md := sampleSummary().Markdown()

	for _, want := range []string{
		"# Comment Translation Report",
		"- Directory: /src/project",
		"- Total files: 4",
		"- .c: 2 (50.0%)",
		"- Translated: 2 (50.0%)",
		"- Elapsed: 1m35s",
		"- Model: glm-4-flash",
		"- Mode: synchronous requests",
		"## Untranslated Files (3)",
		"### validation failed (2)",
		"### no english comments (1)",
		"- /src/project/b.c",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q\n%s", want, md)
		}
	}

	// Groups appear in first-seen order.
	if strings.Index(md, "### validation failed") > strings.Index(md, "### no english comments") {
		t.Error("failure groups not in first-seen order")
	}
}

func TestMarkdownBatchMode(t *testing.T) {
	s := sampleSummary()
	s.BatchMode = true
	if !strings.Contains(s.Markdown(), "- Mode: batch API") {
		t.Error("batch mode not reflected")
	}
}

func TestSuccessRateEmptyRun(t *testing.T) {
	s := &Summary{}
	if got := s.SuccessRate(); got != 0 {
		t.Errorf("SuccessRate on empty run = %v, want 0", got)
	}
	// Rendering an empty run must not divide by zero or list failures.
	md := s.Markdown()
	if strings.Contains(md, "## Untranslated") {
		t.Error("empty run should have no failure section")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{310 * time.Millisecond, "310ms"},
		{4200 * time.Millisecond, "4.2s"},
		{95 * time.Second, "1m35s"},
		{3792 * time.Second, "1h3m12s"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.d); got != c.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.md")
	if err := sampleSummary().Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# Comment Translation Report") {
		t.Error("written report malformed")
	}
}
