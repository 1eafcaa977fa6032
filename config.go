package numbat

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Quantization and metric names accepted by the factory.
const (
	QuantF32 = "f32"
	QuantI8  = "i8"

	MetricCos     = "cos"
	MetricL2Sq    = "l2sq"
	MetricIP      = "ip"
	MetricHamming = "hamming"
	MetricJaccard = "jaccard"
)

// Default graph parameters.
const (
	DefaultM              = 16
	DefaultEfConstruction = 64
	DefaultEfSearch       = 64

	defaultSeed = 1
)

// Config bundles the construction parameters of an index. Zero values
// take the documented defaults; unknown names fail with ErrConfig.
// The YAML tags support config files consumed by numbat-inspect.
type Config struct {
	// Dimensions is the fixed element count of every vector. Required.
	Dimensions int `yaml:"dimensions"`
	// Quantization picks the stored representation: "f32" (default)
	// or "i8".
	Quantization string `yaml:"quantization"`
	// Metric picks the distance kernel: "cos" (default), "l2sq",
	// "ip", "hamming", or "jaccard".
	Metric string `yaml:"metric"`
	// M bounds connections per layer above 0; layer 0 allows 2M.
	M int `yaml:"m"`
	// EfConstruction is the build-time beam width.
	EfConstruction int `yaml:"ef_construction"`
	// EfSearch is the query-time beam width.
	EfSearch int `yaml:"ef_search"`
	// Seed drives the layer-assignment PRNG. Fixed default, so two
	// indexes built from the same insertion sequence are identical.
	Seed int64 `yaml:"seed"`
	// Scale pins the i8 quantization scale. Zero defers the scale to
	// the first inserted vector (its max absolute value).
	Scale float32 `yaml:"scale"`
}

// DefaultConfig returns the default construction parameters for the
// given dimensionality.
func DefaultConfig(dims int) Config {
	return Config{
		Dimensions:     dims,
		Quantization:   QuantF32,
		Metric:         MetricCos,
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		Seed:           defaultSeed,
	}
}

// LoadConfig reads a YAML config file. Missing fields keep their zero
// values and default at construction.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse config: %v", ErrConfig, err)
	}
	return cfg, nil
}

// normalize applies defaults and rejects invalid settings.
func (c *Config) normalize() error {
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions must be positive", ErrConfig)
	}
	if c.Quantization == "" {
		c.Quantization = QuantF32
	}
	if c.Metric == "" {
		c.Metric = MetricCos
	}
	if c.M == 0 {
		c.M = DefaultM
	}
	if c.M < 2 {
		return fmt.Errorf("%w: M must be at least 2", ErrConfig)
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = DefaultEfConstruction
	}
	if c.EfConstruction < 1 {
		return fmt.Errorf("%w: ef_construction must be positive", ErrConfig)
	}
	if c.EfSearch == 0 {
		c.EfSearch = DefaultEfSearch
	}
	if c.EfSearch < 1 {
		return fmt.Errorf("%w: ef_search must be positive", ErrConfig)
	}
	if c.Seed == 0 {
		c.Seed = defaultSeed
	}
	if c.Scale < 0 {
		return fmt.Errorf("%w: scale must not be negative", ErrConfig)
	}
	return nil
}

// settings carries the non-serializable construction knobs alongside
// the Config.
type settings struct {
	cfg      Config
	logger   *zap.Logger
	registry *prometheus.Registry
}

// Option customizes index construction.
type Option func(*settings)

// WithConfig replaces the whole Config. Its Dimensions field is
// ignored: the dims passed to New always win.
func WithConfig(cfg Config) Option {
	return func(s *settings) {
		dims := s.cfg.Dimensions
		s.cfg = cfg
		s.cfg.Dimensions = dims
	}
}

// WithQuantization selects "f32" or "i8" storage.
func WithQuantization(q string) Option {
	return func(s *settings) { s.cfg.Quantization = q }
}

// WithMetric selects the distance metric by name.
func WithMetric(m string) Option {
	return func(s *settings) { s.cfg.Metric = m }
}

// WithM sets the per-layer connection bound.
func WithM(m int) Option {
	return func(s *settings) { s.cfg.M = m }
}

// WithEfConstruction sets the build-time beam width.
func WithEfConstruction(ef int) Option {
	return func(s *settings) { s.cfg.EfConstruction = ef }
}

// WithEfSearch sets the query-time beam width.
func WithEfSearch(ef int) Option {
	return func(s *settings) { s.cfg.EfSearch = ef }
}

// WithSeed fixes the layer-assignment PRNG seed.
func WithSeed(seed int64) Option {
	return func(s *settings) { s.cfg.Seed = seed }
}

// WithQuantizationScale pins the i8 scale instead of fitting it from
// the first inserted vector. Ignored by f32 indexes.
func WithQuantizationScale(scale float32) Option {
	return func(s *settings) { s.cfg.Scale = scale }
}

// WithLogger plugs an external zap.Logger for debug events. The index
// never logs on the search hot path.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics on the given registry.
// Without it the index pays nothing for instrumentation.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *settings) { s.registry = reg }
}
