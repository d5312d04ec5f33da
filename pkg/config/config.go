package config

import (
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// File is the optional per-project configuration file.
const File = "markbuild.toml"

// Config describes all configuration options
type Config struct {
	Spec           string   `default:"build.star" toml:"spec" env:"SPEC" usage:"Build specification, relative to the project root"`
	Jobs           int      `default:"0" toml:"jobs" env:"JOBS" usage:"Parallel rule actions (0 uses all CPUs)"`
	MacroProcessor string   `default:"m4" toml:"macro_processor" env:"MACRO_PROCESSOR" usage:"Macro processor used to preprocess templates"`
	CleanCommand   []string `toml:"clean_command" env:"CLEAN_COMMAND" usage:"Command the clean target runs before removing the build support directory"`
	Log            struct {
		Level string `default:"info" toml:"level" env:"LEVEL"`
		JSON  bool   `default:"false" toml:"json" env:"JSON" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log" env:"LOG"`
	Watch struct {
		Delay time.Duration `default:"300ms" toml:"delay" env:"DELAY" usage:"Quiet period before watch rebuilds"`
	} `toml:"watch" env:"WATCH"`
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for
// this object. The configuration file is looked up in root. Flags are
// handled by the command line front end.
func Loader(root string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: "MARKBUILD",
		Files:     []string{filepath.Join(root, File)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration for the project in root.
func Load(root string) (*Config, error) {
	cfg, loader := Loader(root)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if cfg.Spec == "" {
		return eris.New("Invalid value for spec: must not be empty")
	}

	if cfg.Jobs < 0 {
		return eris.Errorf("Invalid value for jobs: %d", cfg.Jobs)
	}

	if cfg.MacroProcessor == "" {
		return eris.New("Invalid value for macro_processor: must not be empty")
	}

	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf("Invalid value for log.level: %s", cfg.Log.Level)
	}

	if cfg.Watch.Delay < 0 {
		return eris.Errorf("Invalid value for watch.delay: %s", cfg.Watch.Delay)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// SpecPath returns the absolute path of the build specification.
func (cfg *Config) SpecPath(root string) string {
	if filepath.IsAbs(cfg.Spec) {
		return cfg.Spec
	}
	return filepath.Join(root, cfg.Spec)
}
