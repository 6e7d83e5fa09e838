// Package config parses risu's CLI flags and optional YAML defaults file.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config holds one session driver invocation's settings, after flags have
// been layered over an optional --config file.
type Config struct {
	Master    bool
	Host      string
	Port      uint16
	TestFPExc bool
	Arch      string
	Verbose   bool
	ImagePath string
}

// fileDefaults is the shape of an optional --config <file.yaml> document.
// It supplies defaults only; any flag explicitly set on the command line
// overrides the corresponding field.
type fileDefaults struct {
	Host      string `yaml:"host"`
	Port      uint16 `yaml:"port"`
	TestFPExc bool   `yaml:"test-fp-exc"`
	Arch      string `yaml:"arch"`
}

func loadFileDefaults(path string) (fileDefaults, error) {
	var fd fileDefaults
	buf, err := os.ReadFile(path)
	if err != nil {
		return fd, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &fd); err != nil {
		return fd, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fd, nil
}

// Parse builds a Config from rootCmd's registered flags, applying file
// defaults (if --config was given) beneath whatever the command line
// explicitly set. args is the command's positional arguments; exactly one
// image path is required.
func Parse(cmd *cobra.Command, args []string, cfgFile string) (*Config, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("config: exactly one image file is required")
	}

	cfg := &Config{ImagePath: args[0]}

	if cfgFile != "" {
		fd, err := loadFileDefaults(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg.Host, cfg.Port, cfg.TestFPExc, cfg.Arch = fd.Host, fd.Port, fd.TestFPExc, fd.Arch
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9191
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		if v, err := flags.GetString("host"); err == nil {
			cfg.Host = v
		}
	}
	if flags.Changed("port") {
		if v, err := flags.GetUint16("port"); err == nil {
			cfg.Port = v
		}
	}
	if flags.Changed("test-fp-exc") {
		if v, err := flags.GetBool("test-fp-exc"); err == nil {
			cfg.TestFPExc = v
		}
	}
	if flags.Changed("arch") {
		if v, err := flags.GetString("arch"); err == nil {
			cfg.Arch = v
		}
	}
	if v, err := flags.GetBool("master"); err == nil {
		cfg.Master = v
	}
	if v, err := flags.GetBool("verbose"); err == nil {
		cfg.Verbose = v
	}

	return cfg, nil
}

// RegisterFlags attaches risu's standard flag set to cmd.
func RegisterFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("master", false, "run as the reference (master) peer")
	cmd.Flags().String("host", "localhost", "apprentice: hostname of the master to connect to")
	cmd.Flags().Uint16("port", 9191, "TCP port the master listens on / the apprentice connects to")
	cmd.Flags().Bool("test-fp-exc", false, "include cumulative FP-exception bits in snapshots")
	cmd.Flags().String("arch", "", "target architecture name (aarch64, arm, i386, x86_64); recorded only, the adapter is always the one built for GOARCH")
	cmd.Flags().BoolP("verbose", "v", false, "verbose debug output")
	cmd.Flags().String("config", "", "YAML file supplying host/port/test-fp-exc/arch defaults")
}
