package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "env-key")

	cfg, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env value", cfg.APIKey)
	}
	if cfg.Model != "glm-4-flash" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.Threads != 20 {
		t.Errorf("Threads = %d, want 20", cfg.Threads)
	}
	if cfg.Report != "report.md" {
		t.Errorf("Report = %q", cfg.Report)
	}
	if cfg.Timeout != 120*time.Second {
		t.Errorf("Timeout = %v, want 120s", cfg.Timeout)
	}
	if cfg.Batch || cfg.Resume || cfg.Verbose {
		t.Error("boolean defaults should be false")
	}
}

func TestLoadMissingAPIKey(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "")
	t.Setenv("COMTRANS_API_KEY", "")

	_, err := Load(nil, "")
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("err = %v, want missing API key error", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "comtrans.yaml")
	content := "api_key: file-key\nmodel: glm-4-plus\nthreads: 8\nexclude:\n  - vendor\n  - third_party\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "file-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.Model != "glm-4-plus" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.Threads != 8 {
		t.Errorf("Threads = %d", cfg.Threads)
	}
	if len(cfg.Exclude) != 2 || cfg.Exclude[0] != "vendor" {
		t.Errorf("Exclude = %v", cfg.Exclude)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "k")
	if _, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestFlagsBeatConfigFile(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "comtrans.yaml")
	if err := os.WriteFile(path, []byte("api_key: file-key\nmodel: glm-4-plus\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("model", "glm-4-flash", "")
	flags.String("api-key", "", "")
	flags.Int("threads", 20, "")
	if err := flags.Set("model", "glm-4-air"); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(flags, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "glm-4-air" {
		t.Errorf("Model = %q, set flag should win over config file", cfg.Model)
	}
	// Unset flag: the config file has no threads, so the default applies.
	if cfg.Threads != 20 {
		t.Errorf("Threads = %d, want default 20", cfg.Threads)
	}
	// The file still supplies what flags do not.
	if cfg.APIKey != "file-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
}

func TestDashedFlagNameMapsToConfigKey(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("api-key", "", "")
	if err := flags.Set("api-key", "flag-key"); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(flags, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "flag-key" {
		t.Errorf("APIKey = %q, want flag value", cfg.APIKey)
	}
}

func TestConfigFileBeatsEnv(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "env-key")
	path := filepath.Join(t.TempDir(), "comtrans.yaml")
	if err := os.WriteFile(path, []byte("api_key: file-key\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "file-key" {
		t.Errorf("APIKey = %q, config file should win over env", cfg.APIKey)
	}
}

func TestInvalidThreads(t *testing.T) {
	t.Setenv("ZHIPUAI_API_KEY", "k")
	t.Setenv("COMTRANS_THREADS", "-2")

	if _, err := Load(nil, ""); err == nil || !strings.Contains(err.Error(), "threads") {
		t.Fatalf("err = %v, want threads validation error", err)
	}
}

func TestStateDir(t *testing.T) {
	cfg := &Config{Directory: "/src/project"}
	if got := cfg.StateDir(); got != filepath.Join("/src/project", StateDirName) {
		t.Errorf("StateDir = %q", got)
	}
}
