// Package config loads the optional boot-patch configuration file.
//
// Values from the file are defaults: command line flags override them. A
// missing file at the default location is not an error; a missing file named
// explicitly is.
package config

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/kernelsu/ksud/internal/source"
	"github.com/kernelsu/ksud/internal/types"
)

// DefaultPath is where ksud keeps its boot-patch settings on a device.
const DefaultPath = "/data/adb/ksu/bootpatch.yaml"

// Config holds boot-patch settings.
type Config struct {
	// ByNameDir holds the named partition links.
	// Default: /dev/block/by-name
	ByNameDir string `yaml:"by_name_dir"`

	// OutputDir receives patched images when --out is not given.
	// Default: the working directory
	OutputDir string `yaml:"output_dir"`

	// Magiskboot is the codec helper binary; empty uses the built-in codecs.
	Magiskboot string `yaml:"magiskboot"`

	// Partition is the preferred target when both boot and init_boot exist.
	Partition string `yaml:"partition"`

	// LogLevel is one of debug, info, warn, error.
	// Default: info
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ByNameDir: source.DefaultByNameDir,
		LogLevel:  "info",
	}
}

// Load reads path, or DefaultPath when path is empty, over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, types.Wrapf(types.InvalidPlan, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	log.Debug("loaded config", "path", path)
	return cfg, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Partition {
	case "", types.PartitionBoot, types.PartitionInitBoot:
	default:
		return types.Errorf(types.InvalidPlan, "partition must be %s or %s, got %q",
			types.PartitionBoot, types.PartitionInitBoot, c.Partition)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return types.Wrapf(types.InvalidPlan, err, "log_level")
	}
	return nil
}

// Apply fills plan fields the command line left empty.
func (c *Config) Apply(plan *types.PatchPlan) {
	if plan.Out == "" && c.OutputDir != "" {
		plan.Out = c.OutputDir + string(os.PathSeparator)
	}
	if plan.Magiskboot == "" {
		plan.Magiskboot = c.Magiskboot
	}
	if plan.Partition == "" && plan.Kernel == "" {
		plan.Partition = c.Partition
	}
}
