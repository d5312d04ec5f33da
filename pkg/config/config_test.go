package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Spec != "build.star" {
		t.Errorf("unexpected spec %q", cfg.Spec)
	}
	if cfg.MacroProcessor != "m4" {
		t.Errorf("unexpected macro processor %q", cfg.MacroProcessor)
	}
	if cfg.LogLevel() != zerolog.InfoLevel {
		t.Errorf("unexpected log level %s", cfg.LogLevel())
	}
	if cfg.Watch.Delay != 300*time.Millisecond {
		t.Errorf("unexpected watch delay %s", cfg.Watch.Delay)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	root := t.TempDir()
	err := os.WriteFile(filepath.Join(root, File), []byte(`
jobs = 3
macro_processor = "gm4"
clean_command = ["go", "clean"]

[log]
level = "debug"
`), 0660)
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("MARKBUILD_JOBS", "5")

	cfg, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Jobs != 5 {
		t.Errorf("environment should override the file, got %d jobs", cfg.Jobs)
	}
	if cfg.MacroProcessor != "gm4" {
		t.Errorf("unexpected macro processor %q", cfg.MacroProcessor)
	}
	if len(cfg.CleanCommand) != 2 || cfg.CleanCommand[0] != "go" {
		t.Errorf("unexpected clean command %v", cfg.CleanCommand)
	}
	if cfg.LogLevel() != zerolog.DebugLevel {
		t.Errorf("unexpected log level %s", cfg.LogLevel())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative jobs", func(c *Config) { c.Jobs = -1 }, false},
		{"empty spec", func(c *Config) { c.Spec = "" }, false},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }, false},
		{"empty macro processor", func(c *Config) { c.MacroProcessor = "" }, false},
		{"warning alias", func(c *Config) { c.Log.Level = "warning" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Spec: "build.star", MacroProcessor: "m4"}
			cfg.Log.Level = "info"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSpecPath(t *testing.T) {
	cfg := &Config{Spec: "tools/build.star"}
	if got := cfg.SpecPath("/src/project"); got != filepath.Join("/src/project", "tools", "build.star") {
		t.Errorf("unexpected path %s", got)
	}

	cfg.Spec = "/abs/build.star"
	if got := cfg.SpecPath("/src/project"); got != "/abs/build.star" {
		t.Errorf("unexpected path %s", got)
	}
}
