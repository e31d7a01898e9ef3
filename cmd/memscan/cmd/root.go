package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"memscan/process"
	"memscan/process_linux"
	"memscan/process_remote"
	"memscan/scan"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// Persistent flags shared by every subcommand
var (
	cfgFile    string
	targetPID  int
	targetName string
	remoteURL  string
)

var rootCmd = &cobra.Command{
	Use:   "memscan",
	Short: "Incremental process memory scanner",
	Long: `memscan attaches to a running process and locates values in its
memory by scanning and repeatedly narrowing the candidate set against
fresh reads.

The target is selected with --pid or --name (local, via process_vm_readv),
or with --remote pointing at a 'memscan serve' instance, in which case all
reads go over its HTTP memory API.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Path to configuration file (default memscan.yaml if present)")
	rootCmd.PersistentFlags().IntVarP(&targetPID, "pid", "p", 0,
		"Target process ID")
	rootCmd.PersistentFlags().StringVarP(&targetName, "name", "n", "",
		"Target process name (comm or exe basename)")
	rootCmd.PersistentFlags().StringVar(&remoteURL, "remote", "",
		"Base URL of a 'memscan serve' instance to read through")
}

// Config holds the file-level settings; flags override individual fields
type Config struct {
	Listen   string `mapstructure:"listen"`
	ScanData string `mapstructure:"scan_data"`
	Workers  int    `mapstructure:"workers"`
	ChunkMiB int    `mapstructure:"chunk_mib"`
	Remote   string `mapstructure:"remote"`
}

func defaultCLIConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8642",
		ScanData: filepath.Join(os.TempDir(), "memscan"),
	}
}

// loadConfig reads memscan.yaml (or --config) and applies the persistent
// flag overrides. A missing default config file is not an error.
func loadConfig() (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("memscan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("MEMSCAN")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := defaultCLIConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if remoteURL != "" {
		cfg.Remote = remoteURL
	}
	return cfg, nil
}

// newBackend attaches to the target selected by the persistent flags and
// returns the backend, the read sizing matched to it, and a close func.
func newBackend(cfg *Config) (process.Backend, scan.ReaderConfig, func(), error) {
	if cfg.Remote != "" {
		rp := process_remote.New(cfg.Remote)
		return rp, sizeReads(scan.RemoteConfig(), cfg), func() { rp.Close() }, nil
	}

	pid := process.ProcessID(targetPID)
	if pid == 0 && targetName != "" {
		found, err := process_linux.OneByName(targetName)
		if err != nil {
			return nil, scan.ReaderConfig{}, nil, fmt.Errorf("failed to resolve process %q: %w", targetName, err)
		}
		pid = found
	}
	if pid == 0 {
		return nil, scan.ReaderConfig{}, nil, errors.New("a target is required: --pid, --name, or --remote")
	}

	lp, err := process_linux.NewWithPID(pid)
	if err != nil {
		return nil, scan.ReaderConfig{}, nil, fmt.Errorf("failed to attach to PID %d: %w", pid, err)
	}
	return lp, sizeReads(scan.LocalConfig(), cfg), func() { lp.Close() }, nil
}

func sizeReads(rc scan.ReaderConfig, cfg *Config) scan.ReaderConfig {
	if cfg.Workers > 0 {
		rc.Workers = cfg.Workers
	}
	if cfg.ChunkMiB > 0 {
		rc.ChunkSize = uint64(cfg.ChunkMiB) << 20
	}
	return rc
}

// writableRanges derives the default scan coverage from the target's
// readable and writable regions.
func writableRanges(backend process.Backend) ([]scan.AddressRange, error) {
	mm, err := backend.GetMemoryMap()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory map: %w", err)
	}
	var ranges []scan.AddressRange
	for _, item := range mm {
		if item.IsReadable() && item.IsWritable() {
			ranges = append(ranges, scan.AddressRange{Start: item.Address, End: item.End()})
		}
	}
	if len(ranges) == 0 {
		return nil, errors.New("target has no readable writable regions")
	}
	return ranges, nil
}
