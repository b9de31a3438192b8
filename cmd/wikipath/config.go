package main

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/wikipath/wikipath/modules/pathfinder"
	"github.com/wikipath/wikipath/modules/worker"
	"github.com/wikipath/wikipath/pkg/wikipedia"
)

// Config is the full process configuration. Every field can be set from
// the environment: the env var name is the yaml tag upper-cased, with
// dots replaced by underscores (wikipedia.timeout -> WIKIPEDIA_TIMEOUT).
type Config struct {
	RedisURL          string `yaml:"redis_url"`
	HTTPListenAddress string `yaml:"http_listen_address"`
	LogLevel          string `yaml:"log_level"`

	Wikipedia WikipediaConfig `yaml:"wikipedia"`

	// CacheTTL is the upstream link-cache lifetime.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	MaxSearchDepth int `yaml:"max_search_depth"`
	BFSBatchSize   int `yaml:"bfs_batch_size"`

	TaskSoftTimeLimit time.Duration `yaml:"task_soft_time_limit"`
	TaskTimeLimit     time.Duration `yaml:"task_time_limit"`
	TaskMaxRetries    int           `yaml:"task_max_retries"`
	TaskRetryBackoff  time.Duration `yaml:"task_retry_backoff"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
}

type WikipediaConfig struct {
	APIURL     string        `yaml:"api_url"`
	APITimeout time.Duration `yaml:"api_timeout"`
	BatchSize  int           `yaml:"batch_size"`
	MaxWorkers int           `yaml:"max_workers"`
	RateLimit  float64       `yaml:"rate_limit"`
}

func defaultConfig() *Config {
	return &Config{
		RedisURL:          "redis://localhost:6379/0",
		HTTPListenAddress: ":8080",
		LogLevel:          "info",
		Wikipedia: WikipediaConfig{
			APIURL:     wikipedia.DefaultBaseURL,
			APITimeout: wikipedia.DefaultTimeout,
			BatchSize:  wikipedia.DefaultBatchSize,
			MaxWorkers: wikipedia.DefaultMaxWorkers,
			RateLimit:  wikipedia.DefaultRateLimit,
		},
		CacheTTL:          wikipedia.DefaultCacheTTL,
		MaxSearchDepth:    pathfinder.DefaultMaxDepth,
		BFSBatchSize:      pathfinder.DefaultBatchSize,
		TaskSoftTimeLimit: 5 * time.Minute,
		TaskTimeLimit:     10 * time.Minute,
		TaskMaxRetries:    3,
		TaskRetryBackoff:  time.Minute,
		WorkerConcurrency: 2,
	}
}

// loadConfig layers the environment over the built-in defaults. Viper
// won't unmarshal a struct from env alone, so the defaults are merged in
// as yaml first: https://github.com/spf13/viper/issues/188
func loadConfig() (*Config, error) {
	v := viper.New()

	b, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return nil, err
	}
	v.SetConfigType("yaml")
	if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	cfg := &Config{}
	if err := v.Unmarshal(cfg, setTagName); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) Validate() error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("redis_url must be set")
	}
	if cfg.HTTPListenAddress == "" {
		return fmt.Errorf("http_listen_address must be set")
	}
	if cfg.MaxSearchDepth < 1 || cfg.MaxSearchDepth > 10 {
		return fmt.Errorf("max_search_depth must be between 1 and 10, got %d", cfg.MaxSearchDepth)
	}
	if cfg.TaskSoftTimeLimit >= cfg.TaskTimeLimit {
		return fmt.Errorf("task_soft_time_limit (%s) must be below task_time_limit (%s)",
			cfg.TaskSoftTimeLimit, cfg.TaskTimeLimit)
	}
	if cfg.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", cfg.WorkerConcurrency)
	}
	if cfg.Wikipedia.BatchSize < 1 || cfg.Wikipedia.BatchSize > 50 {
		return fmt.Errorf("wikipedia.batch_size must be between 1 and 50, got %d", cfg.Wikipedia.BatchSize)
	}
	if cfg.BFSBatchSize < 1 {
		return fmt.Errorf("bfs_batch_size must be at least 1, got %d", cfg.BFSBatchSize)
	}
	return nil
}

// WorkerConfig maps the task runtime portion of the config.
func (cfg *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Concurrency:   cfg.WorkerConcurrency,
		SoftTimeLimit: cfg.TaskSoftTimeLimit,
		HardTimeLimit: cfg.TaskTimeLimit,
		MaxRetries:    cfg.TaskMaxRetries,
		RetryBackoff:  cfg.TaskRetryBackoff,
	}
}

// WikipediaClientConfig maps the upstream client portion of the config.
func (cfg *Config) WikipediaClientConfig() wikipedia.Config {
	return wikipedia.Config{
		BaseURL:    cfg.Wikipedia.APIURL,
		Timeout:    cfg.Wikipedia.APITimeout,
		BatchSize:  cfg.Wikipedia.BatchSize,
		MaxWorkers: cfg.Wikipedia.MaxWorkers,
		RateLimit:  cfg.Wikipedia.RateLimit,
		CacheTTL:   cfg.CacheTTL,
	}
}

func setTagName(d *mapstructure.DecoderConfig) {
	d.TagName = "yaml"
}
