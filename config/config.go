package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"github.com/vkngwrapper/framealloc/memutils"
)

// DefaultPrefix is the environment variable prefix read by Load
const DefaultPrefix = "FRAMEALLOC"

// Config validation errors
var (
	ErrInvalidPrerenderedFrames = errors.New("prerendered_frames must be between 1 and 16")
	ErrInvalidFenceTimeout      = errors.New("fence_timeout must be positive")
	ErrInvalidAlignment         = errors.New("alignment must be a power of two of at least 256")
	ErrInvalidHeapChunkSize     = errors.New("heap_chunk_size must be positive")
	ErrInvalidHeapBudget        = errors.New("heap_budget must be zero or at least heap_chunk_size")
	ErrInvalidLogLevel          = errors.New("log_level must be debug, info, warn, or error")
)

// Config holds the settings of a graphics context and the host-memory backend
type Config struct {
	// PrerenderedFrames is how many frames the CPU may record ahead of the GPU
	PrerenderedFrames int           `envconfig:"PRERENDERED_FRAMES" default:"3"`
	FenceTimeout      time.Duration `envconfig:"FENCE_TIMEOUT" default:"5s"`

	Alignment              uint64 `envconfig:"ALIGNMENT" default:"256"`
	RetainedHostBytes      uint64 `envconfig:"RETAINED_HOST_BYTES" default:"0"` // 0 means unlimited
	RetainedGPUBytes       uint64 `envconfig:"RETAINED_GPU_BYTES" default:"0"`  // 0 means unlimited
	ExternallySynchronized bool   `envconfig:"EXTERNALLY_SYNCHRONIZED" default:"false"`

	HeapChunkSize uint64 `envconfig:"HEAP_CHUNK_SIZE" default:"67108864"`
	HeapBudget    uint64 `envconfig:"HEAP_BUDGET" default:"0"` // 0 means unlimited

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// DefaultConfig returns the configuration Load produces with an empty environment
func DefaultConfig() Config {
	return Config{
		PrerenderedFrames: 3,
		FenceTimeout:      5 * time.Second,
		Alignment:         256,
		HeapChunkSize:     64 * 1024 * 1024,
		LogLevel:          "info",
	}
}

// Load reads the configuration from environment variables named prefix_FIELD and validates it
func Load(prefix string) (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to process config")
	}
	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.PrerenderedFrames < 1 || cfg.PrerenderedFrames > 16 {
		return ErrInvalidPrerenderedFrames
	}
	if cfg.FenceTimeout <= 0 {
		return ErrInvalidFenceTimeout
	}
	if cfg.Alignment < 256 || memutils.CheckPow2(cfg.Alignment, "alignment") != nil {
		return ErrInvalidAlignment
	}
	if cfg.HeapChunkSize == 0 {
		return ErrInvalidHeapChunkSize
	}
	if cfg.HeapBudget != 0 && cfg.HeapBudget < cfg.HeapChunkSize {
		return ErrInvalidHeapBudget
	}
	if _, ok := logLevels[strings.ToLower(cfg.LogLevel)]; !ok {
		return ErrInvalidLogLevel
	}
	return nil
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel converts LogLevel for use with a slog handler. Unknown levels map to info.
func (c Config) SlogLevel() slog.Level {
	level, ok := logLevels[strings.ToLower(c.LogLevel)]
	if !ok {
		return slog.LevelInfo
	}
	return level
}
