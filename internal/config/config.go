package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/layout"
	"github.com/luufmg/esdm/internal/model"
	"github.com/luufmg/esdm/internal/perf"
	"github.com/luufmg/esdm/internal/scheduler"
)

const (
	defaultListenAddr = ":8080"
	defaultDataPath   = "_esdm-fs"
	defaultDBPath     = "esdm.db"

	envListenAddr = "ESDM_LISTEN_ADDR"
	envConfigPath = "ESDM_CONFIG"
	envLogLevel   = "ESDM_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables
// and an optional YAML file.
type Config struct {
	ListenAddr string
	ConfigPath string
	LogLevel   slog.Level
	Storage    Storage
}

// Storage configures the backends and the engine. It is read from the file
// named by ESDM_CONFIG.
type Storage struct {
	BlockSize         int64            `yaml:"block_size"`
	Workers           int              `yaml:"workers"`
	SubRequestTimeout time.Duration    `yaml:"sub_request_timeout"`
	Calibrate         bool             `yaml:"calibrate"`
	CalibrationBytes  int64            `yaml:"calibration_bytes"`
	Alpha             float64          `yaml:"alpha"`
	Policy            string           `yaml:"policy"`
	GridChunk         []uint64         `yaml:"grid_chunk"`
	Backends          []backend.Config `yaml:"backends"`
}

// DefaultStorage returns the configuration used when no file is given: a
// posix data backend under _esdm-fs and a sqlite metadata backend in
// esdm.db, both relative to the working directory.
func DefaultStorage() Storage {
	return Storage{
		BlockSize: layout.DefaultBlockSize,
		Workers:   scheduler.DefaultWorkers,
		Policy:    "weighted",
		Backends: []backend.Config{
			{Type: "posix", Name: "posix", Target: defaultDataPath, Category: model.CategoryData},
			{Type: "sqlite", Name: "sqlite", Target: defaultDBPath, Category: model.CategoryMetadata, ThreadSafe: true},
		},
	}
}

// Load reads configuration from environment variables with sensible
// defaults, then the storage file if ESDM_CONFIG is set.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   slog.LevelInfo,
		Storage:    DefaultStorage(),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envConfigPath); v != "" {
		cfg.ConfigPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	if cfg.ConfigPath != "" {
		st, err := LoadFile(cfg.ConfigPath)
		if err != nil {
			return Config{}, err
		}
		cfg.Storage = st
	}
	return cfg, nil
}

// LoadFile reads a storage configuration file. Fields the file omits keep
// their defaults, except backends: a file that lists none is rejected.
func LoadFile(path string) (Storage, error) {
	f, err := os.Open(path)
	if err != nil {
		return Storage{}, fmt.Errorf("%w: open config file: %v", model.ErrConfig, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a storage configuration. Unknown keys are
// rejected.
func Parse(r io.Reader) (Storage, error) {
	st := DefaultStorage()
	st.Backends = nil

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&st); err != nil && !errors.Is(err, io.EOF) {
		return Storage{}, fmt.Errorf("%w: parse config file: %v", model.ErrConfig, err)
	}
	if err := st.Validate(); err != nil {
		return Storage{}, err
	}
	return st, nil
}

// Validate checks the storage configuration for errors that would otherwise
// surface only at the first request.
func (s Storage) Validate() error {
	switch {
	case s.BlockSize < 0:
		return fmt.Errorf("%w: block_size must not be negative", model.ErrConfig)
	case s.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative", model.ErrConfig)
	case s.SubRequestTimeout < 0:
		return fmt.Errorf("%w: sub_request_timeout must not be negative", model.ErrConfig)
	case s.CalibrationBytes < 0:
		return fmt.Errorf("%w: calibration_bytes must not be negative", model.ErrConfig)
	case s.Alpha < 0 || s.Alpha > 1:
		return fmt.Errorf("%w: alpha must be within [0, 1]", model.ErrConfig)
	}
	if _, err := s.NewPolicy(); err != nil {
		return err
	}

	counts := make(map[model.Category]int)
	for i, b := range s.Backends {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
		if b.Type == "" {
			return fmt.Errorf("%w: backends[%d] %q has no type", model.ErrConfig, i, b.Name)
		}
		counts[b.Category]++
	}
	for _, c := range []model.Category{model.CategoryData, model.CategoryMetadata} {
		if counts[c] == 0 {
			return fmt.Errorf("%w: at least one %s backend is required", model.ErrConfig, c)
		}
	}
	return nil
}

// NewPolicy returns the decomposition policy the configuration selects.
func (s Storage) NewPolicy() (layout.Policy, error) {
	return layout.ParsePolicy(s.Policy, s.BlockSize, s.GridChunk)
}

// RegisterOptions returns the registry options implied by the calibration
// settings.
func (s Storage) RegisterOptions() []backend.RegisterOption {
	if !s.Calibrate {
		return nil
	}
	n := s.CalibrationBytes
	if n == 0 {
		n = backend.DefaultCalibrationBytes
	}
	return []backend.RegisterOption{backend.WithCalibration(n)}
}

// ModelOptions returns the performance model options the configuration
// selects.
func (s Storage) ModelOptions() []perf.Option {
	if s.Alpha == 0 {
		return nil
	}
	return []perf.Option{perf.WithAlpha(s.Alpha)}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
