// Package config merges settings from command line flags, an optional
// config file, and environment variables, in that order of precedence.
// A .env file in the working directory is honored for the API key so the
// key never has to appear on the command line.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// StateDirName is the per-run state directory created inside the target
// directory. It holds the progress log and backup snapshots and is never
// scanned for source files.
const StateDirName = ".comtrans"

// Config is the resolved, immutable run configuration.
type Config struct {
	// Directory is the tree to process. Set from the positional argument,
	// never from file or environment.
	Directory string `mapstructure:"-"`

	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Language string        `mapstructure:"language"`
	Threads  int           `mapstructure:"threads"`
	Exclude  []string      `mapstructure:"exclude"`
	Report   string        `mapstructure:"report"`
	Batch    bool          `mapstructure:"batch"`
	Resume   bool          `mapstructure:"resume"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Verbose  bool          `mapstructure:"verbose"`
}

// StateDir is where backups and the progress log live for this run.
func (c *Config) StateDir() string {
	return filepath.Join(c.Directory, StateDirName)
}

// Load resolves the configuration. flags may be nil; set flags win over the
// config file, which wins over environment variables. configFile selects an
// explicit file; when empty, comtrans.yaml in the working directory is used
// if present.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	// Pick up ZHIPUAI_API_KEY and friends from a local .env. Missing file
	// is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	applyEnv(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("comtrans")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// No config file, defaults and env apply.
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks for settings no run can proceed without.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("no API key: pass --api-key, set api_key in the config file, or export ZHIPUAI_API_KEY")
	}
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", c.Threads)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// bindFlags wires flags the user actually set to their config keys. Flag
// names use dashes (--api-key) while config keys use underscores (api_key).
// Unset flags are skipped so their defaults cannot shadow the config file
// or environment; the built-in defaults already match the flag defaults.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.Visit(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("binding flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// applyEnv overlays environment variables on top of the built-in defaults.
// Flags and the config file take precedence over the environment, so env
// values are installed as defaults rather than through viper's env layer.
func applyEnv(v *viper.Viper) {
	for key, names := range map[string][]string{
		// ZHIPUAI_API_KEY is what the upstream platform documents.
		"api_key":  {"COMTRANS_API_KEY", "ZHIPUAI_API_KEY"},
		"base_url": {"COMTRANS_BASE_URL"},
		"model":    {"COMTRANS_MODEL"},
		"language": {"COMTRANS_LANGUAGE"},
		"threads":  {"COMTRANS_THREADS"},
		"report":   {"COMTRANS_REPORT"},
		"timeout":  {"COMTRANS_TIMEOUT"},
	} {
		for _, name := range names {
			if val, ok := os.LookupEnv(name); ok && val != "" {
				v.SetDefault(key, val)
				break
			}
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", "glm-4-flash")
	v.SetDefault("language", "Chinese")
	v.SetDefault("threads", 20)
	v.SetDefault("exclude", []string{})
	v.SetDefault("report", "report.md")
	v.SetDefault("batch", false)
	v.SetDefault("resume", false)
	v.SetDefault("timeout", "120s")
	v.SetDefault("verbose", false)
}
