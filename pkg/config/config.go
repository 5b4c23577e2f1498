package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cuemby/cyberrange/pkg/artifact"
	"github.com/cuemby/cyberrange/pkg/deploy"
	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/reconciler"
	"github.com/cuemby/cyberrange/pkg/runtime"
)

// EnvPrefix prefixes every environment override (CYBERRANGE_API_ADDR)
const EnvPrefix = "CYBERRANGE"

// Runtime backends
const (
	BackendDocker     = "docker"
	BackendContainerd = "containerd"
)

// Event log backends
const (
	EventsBolt   = "bolt"
	EventsSQLite = "sqlite"
)

// Config is the server configuration
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Log        LogConfig        `mapstructure:"log"`
	API        APIConfig        `mapstructure:"api"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
	Artifact   ArtifactConfig   `mapstructure:"artifact"`
	Events     EventsConfig     `mapstructure:"events"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type APIConfig struct {
	Addr           string `mapstructure:"addr"`
	GRPCHealthAddr string `mapstructure:"grpc_health_addr"`
}

type RuntimeConfig struct {
	Backend          string `mapstructure:"backend"`
	DockerHost       string `mapstructure:"docker_host"`
	ContainerdSocket string `mapstructure:"containerd_socket"`
	// MaxConcurrentCalls caps in-flight runtime calls; 0 derives it from
	// the host's CPUs
	MaxConcurrentCalls int `mapstructure:"max_concurrent_calls"`
}

type WorkerConfig struct {
	Coordinator int `mapstructure:"coordinator"`
	Lifecycle   int `mapstructure:"lifecycle"`
	Transfer    int `mapstructure:"transfer"`
}

type JobsConfig struct {
	Workers          WorkerConfig  `mapstructure:"workers"`
	Retention        time.Duration `mapstructure:"retention"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

type DeployConfig struct {
	VMConcurrency int           `mapstructure:"vm_concurrency"`
	MinRunningVMs int           `mapstructure:"min_running_vms"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type ArtifactConfig struct {
	CacheDir string   `mapstructure:"cache_dir"`
	S3       S3Config `mapstructure:"s3"`
}

type EventsConfig struct {
	Backend          string        `mapstructure:"backend"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	Retention        time.Duration `mapstructure:"retention"`
	RedisAddr        string        `mapstructure:"redis_addr"`
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// New returns a viper instance carrying every default and the environment
// binding. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/cyberrange")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.grpc_health_addr", ":9090")

	v.SetDefault("runtime.backend", BackendDocker)
	v.SetDefault("runtime.docker_host", "")
	v.SetDefault("runtime.containerd_socket", "/run/containerd/containerd.sock")
	v.SetDefault("runtime.max_concurrent_calls", 0)

	v.SetDefault("jobs.workers.coordinator", 4)
	v.SetDefault("jobs.workers.lifecycle", 0)
	v.SetDefault("jobs.workers.transfer", 3)
	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("jobs.default_timeout", 30*time.Minute)
	v.SetDefault("jobs.progress_interval", 500*time.Millisecond)

	v.SetDefault("deploy.vm_concurrency", 4)
	v.SetDefault("deploy.min_running_vms", 1)
	v.SetDefault("deploy.stop_timeout", 10*time.Second)

	v.SetDefault("artifact.cache_dir", "")
	v.SetDefault("artifact.s3.region", "")
	v.SetDefault("artifact.s3.endpoint", "")
	v.SetDefault("artifact.s3.access_key", "")
	v.SetDefault("artifact.s3.secret_key", "")

	v.SetDefault("events.backend", EventsBolt)
	v.SetDefault("events.subscriber_buffer", 64)
	v.SetDefault("events.retention", time.Duration(0))
	v.SetDefault("events.redis_addr", "")

	v.SetDefault("reconciler.interval", 30*time.Second)
}

// Load reads the config file into v and decodes the result. An empty path
// searches /etc/cyberrange, $HOME/.cyberrange and the working directory for
// cyberrange.yaml; finding none there is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cyberrange")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/cyberrange")
		v.AddConfigPath("$HOME/.cyberrange")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Artifact.CacheDir == "" {
		cfg.Artifact.CacheDir = filepath.Join(cfg.DataDir, "artifacts")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated and numeric settings
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Runtime.Backend {
	case BackendDocker, BackendContainerd:
	default:
		return fmt.Errorf("unknown runtime.backend %q (want %s or %s)", c.Runtime.Backend, BackendDocker, BackendContainerd)
	}
	switch c.Events.Backend {
	case EventsBolt, EventsSQLite:
	default:
		return fmt.Errorf("unknown events.backend %q (want %s or %s)", c.Events.Backend, EventsBolt, EventsSQLite)
	}
	if c.Runtime.MaxConcurrentCalls < 0 {
		return fmt.Errorf("runtime.max_concurrent_calls must not be negative")
	}
	if c.Deploy.VMConcurrency < 0 || c.Deploy.MinRunningVMs < 0 {
		return fmt.Errorf("deploy.vm_concurrency and deploy.min_running_vms must not be negative")
	}
	if c.Events.SubscriberBuffer < 0 {
		return fmt.Errorf("events.subscriber_buffer must not be negative")
	}
	return nil
}

// Logging returns the logger settings
func (c *Config) Logging() log.Config {
	return log.Config{Level: log.ParseLevel(c.Log.Level), JSONOutput: c.Log.JSON}
}

// RuntimeSlots returns the runtime call limit, twice the logical CPUs when
// unset
func (c *Config) RuntimeSlots() int {
	if c.Runtime.MaxConcurrentCalls > 0 {
		return c.Runtime.MaxConcurrentCalls
	}
	return runtime.DefaultSlots()
}

// Engine returns the job engine settings
func (c *Config) Engine() jobs.Config {
	return jobs.Config{
		Pools: jobs.PoolSizes{
			Coordinator: c.Jobs.Workers.Coordinator,
			Lifecycle:   c.Jobs.Workers.Lifecycle,
			Transfer:    c.Jobs.Workers.Transfer,
		},
		DefaultTimeout:   c.Jobs.DefaultTimeout,
		ProgressInterval: c.Jobs.ProgressInterval,
		Retention:        c.Jobs.Retention,
	}
}

// Orchestrator returns the deployment settings
func (c *Config) Orchestrator() deploy.Config {
	return deploy.Config{
		VMConcurrency: c.Deploy.VMConcurrency,
		MinRunningVMs: c.Deploy.MinRunningVMs,
		StopTimeout:   c.Deploy.StopTimeout,
	}
}

// S3 returns the object storage settings for s3:// disk images
func (c *Config) S3() artifact.S3Config {
	return artifact.S3Config{
		Region:    c.Artifact.S3.Region,
		Endpoint:  c.Artifact.S3.Endpoint,
		AccessKey: c.Artifact.S3.AccessKey,
		SecretKey: c.Artifact.S3.SecretKey,
	}
}

// Reconcile returns the reconciler settings
func (c *Config) Reconcile() reconciler.Config {
	return reconciler.Config{Interval: c.Reconciler.Interval, EventRetention: c.Events.Retention}
}
