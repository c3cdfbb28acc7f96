package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmdRequiresDirectory(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without directory argument")
	}
}

func TestRootCmdRejectsMissingDirectory(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"/no/such/dir", "--api-key", "k"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Fatalf("err = %v, want not-a-directory error", err)
	}
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{
		"api-key", "base-url", "model", "language", "threads",
		"exclude", "report", "batch", "resume", "timeout", "verbose", "config",
	} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("flag --%s not registered", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	if cmd.Use != "version" {
		t.Errorf("Use = %q", cmd.Use)
	}
}
