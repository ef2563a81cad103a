package config

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"fzcoverage.dev/fzcoverage/util/fileutil"
)

// ErrMissingStructField is returned when a required configuration field
// is absent or empty. It is the Go analogue of the original config
// loader's MissingStructField failure class (see §7's Configuration
// error kind).
var ErrMissingStructField = errors.New("config: missing required field")

// Load reads and validates the configuration file at path. All path
// fields in the result are canonicalized (made absolute and symlink-
// resolved) before the config is returned, so the rest of the pipeline
// never has to reason about relative paths or symlinks.
func Load(path string) (*UserConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var cfg UserConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	canonicalizeTargetConfig(&cfg.TargetInfo)
	for i := range cfg.FuzzerInfos {
		cfg.FuzzerInfos[i].TracesDirectoryPath = canonicalize(cfg.FuzzerInfos[i].TracesDirectoryPath)
		cfg.FuzzerInfos[i].InputsDirectoryPath = canonicalize(cfg.FuzzerInfos[i].InputsDirectoryPath)
	}

	if exists, err := fileutil.Exists(cfg.TargetInfo.TargetPath); err != nil {
		return nil, errors.Wrap(err, "checking target_info.target_path")
	} else if !exists {
		return nil, errors.Errorf("target_info.target_path %q does not exist", cfg.TargetInfo.TargetPath)
	}

	return &cfg, nil
}

func validate(cfg *UserConfig) error {
	if cfg.TargetInfo.TargetPath == "" {
		return errors.Wrap(ErrMissingStructField, "target_info.target_path")
	}
	if cfg.TargetInfo.TargetSourceCodePath == "" {
		return errors.Wrap(ErrMissingStructField, "target_info.target_source_code_path")
	}
	if len(cfg.FuzzerInfos) == 0 {
		return errors.Wrap(ErrMissingStructField, "fuzzer_infos")
	}
	for i, fc := range cfg.FuzzerInfos {
		if fc.FuzzerConfiguration == "" {
			return errors.Wrapf(ErrMissingStructField, "fuzzer_infos[%d].fuzzer_configuration", i)
		}
		if fc.TracesDirectoryPath == "" {
			return errors.Wrapf(ErrMissingStructField, "fuzzer_infos[%d].traces_directory_path", i)
		}
		if fc.InputsDirectoryPath == "" {
			return errors.Wrapf(ErrMissingStructField, "fuzzer_infos[%d].inputs_directory_path", i)
		}
	}
	return nil
}

func canonicalizeTargetConfig(t *TargetConfig) {
	t.TargetPath = canonicalize(t.TargetPath)
	t.TargetSourceCodePath = canonicalize(t.TargetSourceCodePath)
	for i, p := range t.TargetIncludeFilter {
		t.TargetIncludeFilter[i] = canonicalize(p)
	}
}

// canonicalize makes path absolute and resolves symlinks, falling back
// to the absolute (non-resolved) form if the path does not exist yet.
// canonicalize itself never fails on a missing path; checking that a
// path exists is left to its caller (Load checks the target binary).
func canonicalize(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}
