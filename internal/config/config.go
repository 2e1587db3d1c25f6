// Package config implements the ambient configuration layer: a YAML file
// at the XDG config path, overridable by flags, grounded on
// internal/config/config.go's adrg/xdg + gopkg.in/yaml.v3 + stdlib flag
// combination.
package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("tthsd: invalid configuration")

// Config carries the tunable defaults that §4's resource budgets name:
// worker count, chunk size, directories, and retry parameters.
// pkg/tthsd.New reads the retry fields and HistoryDBPath; the demo CLI
// reads DefaultWorkerCount, DefaultChunkSizeMiB and DownloadDir. The engine
// does not resolve a relative save_path against DownloadDir, and
// MaxConcurrentTasks and TempDir are not read anywhere.
type Config struct {
	DefaultWorkerCount  int           `yaml:"default_worker_count"`
	DefaultChunkSizeMiB int           `yaml:"default_chunk_size_mib"`
	MaxConcurrentTasks  int           `yaml:"max_concurrent_tasks"`
	DownloadDir         string        `yaml:"download_dir"`
	TempDir             string        `yaml:"temp_dir"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	MaxRetryAttempts    int           `yaml:"max_retry_attempts"`
	HistoryDBPath       string        `yaml:"history_db_path"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".tthsd")

	return Config{
		DefaultWorkerCount:  64,
		DefaultChunkSizeMiB: 10,
		MaxConcurrentTasks:  0, // 0 = unbounded
		DownloadDir:         filepath.Join(dataDir, "downloads"),
		TempDir:             filepath.Join(dataDir, "tmp"),
		RetryBaseDelay:      500 * time.Millisecond,
		RetryMaxDelay:       8 * time.Second,
		MaxRetryAttempts:    5,
		HistoryDBPath:       filepath.Join(dataDir, "history.db"),
	}
}

type flagConfig struct {
	workerCount *int
	chunkSize   *int
	downloadDir *string
}

// Load reads <xdg config home>/tthsd/config.yaml, falling back to
// DefaultConfig for any zero-valued field, then applies any flags defined
// on fs (nil uses flag.CommandLine), matching the teacher's
// zeroOr/applyFlagsToConfig two-stage defaulting.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg := DefaultConfig()

	path, err := xdg.ConfigFile(filepath.Join("tthsd", "config.yaml"))
	if err == nil {
		if raw, rerr := os.ReadFile(path); rerr == nil {
			var fileCfg Config
			if yerr := yaml.Unmarshal(raw, &fileCfg); yerr == nil {
				cfg = mergeDefaults(fileCfg, cfg)
			}
		}
	}

	if fs == nil {
		fs = flag.CommandLine
	}

	fc := registerFlags(fs, cfg)
	if fs.Parsed() {
		applyFlags(&cfg, fc)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func registerFlags(fs *flag.FlagSet, cfg Config) flagConfig {
	return flagConfig{
		workerCount: fs.Int("workers", cfg.DefaultWorkerCount, "default worker count per downloader"),
		chunkSize:   fs.Int("chunk-mib", cfg.DefaultChunkSizeMiB, "default chunk size in MiB"),
		downloadDir: fs.String("download-dir", cfg.DownloadDir, "default download directory"),
	}
}

func applyFlags(cfg *Config, fc flagConfig) {
	if fc.workerCount != nil {
		cfg.DefaultWorkerCount = *fc.workerCount
	}
	if fc.chunkSize != nil {
		cfg.DefaultChunkSizeMiB = *fc.chunkSize
	}
	if fc.downloadDir != nil && *fc.downloadDir != "" {
		cfg.DownloadDir = *fc.downloadDir
	}
}

// mergeDefaults fills zero-valued fields of loaded with the corresponding
// field from defaults, the generic-reflection idiom the teacher's zeroOr
// helper used per-field, applied here struct-wide.
func mergeDefaults(loaded, defaults Config) Config {
	lv := reflect.ValueOf(&loaded).Elem()
	dv := reflect.ValueOf(defaults)

	for i := 0; i < lv.NumField(); i++ {
		field := lv.Field(i)
		if field.IsZero() {
			field.Set(dv.Field(i))
		}
	}

	return loaded
}

func validate(cfg Config) error {
	if cfg.DefaultWorkerCount < 1 {
		return ErrInvalidConfig
	}
	if cfg.DefaultChunkSizeMiB < 1 {
		return ErrInvalidConfig
	}
	return nil
}
