package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	ierrors "github.com/23skdu/ivfshard/internal/errors"
)

// EnvPrefix is the default environment prefix read by FromEnv.
const EnvPrefix = "IVFSHARD"

// Backend names accepted by IndexConfig.Backend.
const (
	BackendAuto        = "auto"
	BackendHost        = "host"
	BackendAccelerated = "accelerated"
)

// IndexConfig is fixed at index construction.
type IndexConfig struct {
	Dim                 int    `envconfig:"DIM" default:"128" yaml:"dim"`
	NList               int    `envconfig:"NLIST" default:"1024" yaml:"nlist"`
	M                   int    `envconfig:"M" default:"16" yaml:"m"`
	NBits               int    `envconfig:"NBITS" default:"8" yaml:"nbits"`
	NProbe              int    `envconfig:"NPROBE" default:"32" yaml:"nprobe"`
	UseReducedPrecision bool   `envconfig:"REDUCED_PRECISION" default:"false" yaml:"reduced_precision"`
	NumShards           int    `envconfig:"NUM_SHARDS" default:"1" yaml:"num_shards"`
	OverfetchFactor     int    `envconfig:"OVERFETCH_FACTOR" default:"10" yaml:"overfetch_factor"`
	MaxIterations       int    `envconfig:"KMEANS_MAX_ITER" default:"25" yaml:"kmeans_max_iter"`
	Seed                int64  `envconfig:"SEED" default:"1" yaml:"seed"`
	DeviceMemoryBytes   int64  `envconfig:"DEVICE_MEMORY_BYTES" default:"1073741824" yaml:"device_memory_bytes"`
	RebuildOnAdd        bool   `envconfig:"REBUILD_ON_ADD" default:"true" yaml:"rebuild_on_add"`
	Backend             string `envconfig:"BACKEND" default:"auto" yaml:"backend"`
	SearchParallelism   int    `envconfig:"SEARCH_PARALLELISM" default:"0" yaml:"search_parallelism"`
}

// Default returns a Config with default values
func Default() IndexConfig {
	return IndexConfig{
		Dim:               128,
		NList:             1024,
		M:                 16,
		NBits:             8,
		NProbe:            32,
		NumShards:         1,
		OverfetchFactor:   10,
		MaxIterations:     25,
		Seed:              1,
		DeviceMemoryBytes: 1 << 30, // 1GB
		RebuildOnAdd:      true,
		Backend:           BackendAuto,
	}
}

// Validate returns an ErrInvalidConfig error naming the first bad field.
func (c IndexConfig) Validate() error {
	switch {
	case c.Dim <= 0:
		return invalid("dim must be positive, got %d", c.Dim)
	case c.NList <= 0:
		return invalid("nlist must be positive, got %d", c.NList)
	case c.M <= 0:
		return invalid("m must be positive, got %d", c.M)
	case c.Dim%c.M != 0:
		return invalid("dim %d is not divisible by m %d", c.Dim, c.M)
	case c.NBits < 1 || c.NBits > 8:
		return invalid("nbits must be in [1, 8], got %d", c.NBits)
	case c.NProbe < 1:
		return invalid("nprobe must be at least 1, got %d", c.NProbe)
	case c.NumShards < 0:
		return invalid("num_shards must not be negative, got %d", c.NumShards)
	case c.OverfetchFactor < 1:
		return invalid("overfetch_factor must be at least 1, got %d", c.OverfetchFactor)
	case c.MaxIterations < 1:
		return invalid("kmeans_max_iter must be at least 1, got %d", c.MaxIterations)
	case c.DeviceMemoryBytes <= 0:
		return invalid("device_memory_bytes must be positive, got %d", c.DeviceMemoryBytes)
	case c.SearchParallelism < 0:
		return invalid("search_parallelism must not be negative, got %d", c.SearchParallelism)
	}
	switch c.Backend {
	case BackendAuto, BackendHost, BackendAccelerated:
	default:
		return invalid("backend must be auto, host or accelerated, got %q", c.Backend)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return ierrors.E(ierrors.ErrInvalidConfig, "validate", format, args...)
}

// K is the number of codebook entries per subquantizer.
func (c IndexConfig) K() int { return 1 << c.NBits }

// SubDim is the length of one PQ segment.
func (c IndexConfig) SubDim() int { return c.Dim / c.M }

// CodeSize is the number of bytes of one compressed vector.
func (c IndexConfig) CodeSize() int { return c.M }

// Shards is the effective number of shards; zero means the single host
// shard fallback.
func (c IndexConfig) Shards() int {
	if c.NumShards <= 0 {
		return 1
	}
	return c.NumShards
}

// Parallelism resolves SearchParallelism against GOMAXPROCS.
func (c IndexConfig) Parallelism() int {
	if c.SearchParallelism > 0 {
		return c.SearchParallelism
	}
	return runtime.GOMAXPROCS(0)
}

func (c IndexConfig) String() string {
	return fmt.Sprintf("dim=%d nlist=%d m=%d nbits=%d nprobe=%d shards=%d fp16=%t",
		c.Dim, c.NList, c.M, c.NBits, c.NProbe, c.NumShards, c.UseReducedPrecision)
}

// FromEnv fills a config from environment variables under prefix
// (EnvPrefix when empty), applying the struct defaults, and validates it.
func FromEnv(prefix string) (IndexConfig, error) {
	if prefix == "" {
		prefix = EnvPrefix
	}
	var cfg IndexConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return IndexConfig{}, ierrors.Wrap(err, ierrors.ErrorTypeConfiguration, "from_env", "failed to process environment")
	}
	if err := cfg.Validate(); err != nil {
		return IndexConfig{}, err
	}
	return cfg, nil
}

// FromFile reads a YAML config file. Keys missing from the file keep their
// Default values; unknown keys are rejected.
func FromFile(path string) (IndexConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return IndexConfig{}, ierrors.Wrap(err, ierrors.ErrorTypeConfiguration, "from_file", "failed to open config file").
			WithContext("path", path)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return IndexConfig{}, ierrors.E(ierrors.ErrInvalidConfig, "from_file", "%s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return IndexConfig{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return ierrors.Wrap(err, ierrors.ErrorTypeConfiguration, "load_dotenv", "failed to load env file")
	}
	return nil
}
