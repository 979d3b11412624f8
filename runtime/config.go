package runtime

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/npillmayer/poolvm/pool"
	"github.com/npillmayer/poolvm/vm"
)

// Config configures a runtime. It may be read from a TOML file:
//
//    pool_size = 65536
//    max_pool_size = 262144     # 0 for a pool of fixed size
//    stack_size = 256
//    collection = "incremental" # or "full"
//    trace = "Info"
//
type Config struct {
	PoolSize    int    `toml:"pool_size"`
	MaxPoolSize int    `toml:"max_pool_size"`
	StackSize   int    `toml:"stack_size"`
	Collection  string `toml:"collection"`
	Trace       string `toml:"trace"`
}

// DefaultConfig returns the configuration used if no configuration file is
// given: a static pool of 64K and a full collector.
func DefaultConfig() Config {
	return Config{
		PoolSize:   64 * 1024,
		StackSize:  vm.DefaultStackSize,
		Collection: "full",
		Trace:      "Error",
	}
}

// LoadConfig reads a configuration file. Settings missing from the file keep
// their default values. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown setting %s", path, undecoded[0])
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	tracer().Infof("loaded configuration from %s", path)
	return cfg, nil
}

// Validate checks a configuration for consistency.
func (cfg Config) Validate() error {
	if cfg.PoolSize <= 0 || cfg.PoolSize > pool.MaxSize {
		return fmt.Errorf("pool size %d out of range", cfg.PoolSize)
	}
	if cfg.MaxPoolSize != 0 && (cfg.MaxPoolSize < cfg.PoolSize || cfg.MaxPoolSize > pool.MaxSize) {
		return fmt.Errorf("maximum pool size %d out of range", cfg.MaxPoolSize)
	}
	if cfg.StackSize <= 0 {
		return fmt.Errorf("stack size must be positive")
	}
	_, err := cfg.Style()
	return err
}

// Style returns the collection style of a configuration.
func (cfg Config) Style() (pool.Style, error) {
	switch strings.ToLower(cfg.Collection) {
	case "", "full":
		return pool.Full, nil
	case "incremental":
		return pool.Incremental, nil
	}
	return pool.Full, fmt.Errorf("unknown collection style %q", cfg.Collection)
}

func (cfg Config) poolOptions() []pool.Option {
	style, _ := cfg.Style()
	opts := []pool.Option{pool.WithStyle(style)}
	if cfg.MaxPoolSize > 0 {
		opts = append(opts, pool.WithMaxSize(cfg.MaxPoolSize))
	}
	return opts
}
