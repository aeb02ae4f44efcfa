// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. RESIZE_LOG_LEVEL.
const EnvPrefix = "RESIZE"

// Config holds all configuration for the registry, worker and dispatcher
// binaries. The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	RegistryAddr       string `mapstructure:"registry_addr"`
	RegistryListenAddr string `mapstructure:"registry_listen_addr" validate:"required"`
	WorkerListenAddr   string `mapstructure:"worker_listen_addr" validate:"required"`
	AdvertiseHost      string `mapstructure:"advertise_host"`
	HttpListenAddr     string `mapstructure:"http_listen_addr" validate:"required"`
	MetricsListenAddr  string `mapstructure:"metrics_listen_addr"`

	Capability     string `mapstructure:"capability" validate:"required"`
	LocalThreads   int    `mapstructure:"local_threads" validate:"gte=0"`
	CapacityPolicy string `mapstructure:"capacity_policy" validate:"oneof=cpu memory fixed"`
	WorkerThreads  int    `mapstructure:"worker_threads" validate:"gte=0"`

	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout" validate:"gt=0"`
	AliveInterval   time.Duration `mapstructure:"alive_interval" validate:"gt=0"`
	AliveTimeout    time.Duration `mapstructure:"alive_timeout" validate:"gt=0"`
	RegisterTimeout time.Duration `mapstructure:"register_timeout" validate:"gt=0"`

	RPCTimeout        time.Duration `mapstructure:"rpc_timeout" validate:"gt=0"`
	RPCMaxRetry       int           `mapstructure:"rpc_max_retry" validate:"gte=0"`
	RPCBackoff        time.Duration `mapstructure:"rpc_backoff" validate:"gte=0"`
	RPCBytesPerSecond int           `mapstructure:"rpc_bytes_per_second" validate:"gte=0"`

	IdlePollInterval   time.Duration `mapstructure:"idle_poll_interval" validate:"gt=0"`
	UnavailableTimeout time.Duration `mapstructure:"unavailable_timeout" validate:"gte=0"`
	MaxInFlight        int           `mapstructure:"max_in_flight" validate:"gte=1"`

	MinSizeBytes int64   `mapstructure:"min_size_bytes" validate:"gte=0"`
	ResizeRatio  float64 `mapstructure:"resize_ratio" validate:"gt=0,lte=1"`
	JPEGQuality  int     `mapstructure:"jpeg_quality" validate:"gte=1,lte=100"`
	OutputSuffix string  `mapstructure:"output_suffix" validate:"required"`

	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`

	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	TraceStdout bool   `mapstructure:"trace_stdout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry_addr", "127.0.0.1:4004")
	v.SetDefault("registry_listen_addr", ":4004")
	v.SetDefault("worker_listen_addr", ":4000")
	v.SetDefault("advertise_host", "")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("metrics_listen_addr", ":9100")
	v.SetDefault("capability", "resize")
	v.SetDefault("local_threads", max(1, runtime.NumCPU()-3))
	v.SetDefault("capacity_policy", "cpu")
	v.SetDefault("worker_threads", 0)
	v.SetDefault("refresh_interval", "1s")
	v.SetDefault("refresh_timeout", "300ms")
	v.SetDefault("alive_interval", "2s")
	v.SetDefault("alive_timeout", "600ms")
	v.SetDefault("register_timeout", "1s")
	v.SetDefault("rpc_timeout", "15s")
	v.SetDefault("rpc_max_retry", 3)
	v.SetDefault("rpc_backoff", "100ms")
	v.SetDefault("rpc_bytes_per_second", 100*1024)
	v.SetDefault("idle_poll_interval", "50ms")
	v.SetDefault("unavailable_timeout", "10s")
	v.SetDefault("max_in_flight", 32)
	v.SetDefault("min_size_bytes", 1<<20)
	v.SetDefault("resize_ratio", 0.5)
	v.SetDefault("jpeg_quality", 80)
	v.SetDefault("output_suffix", "-lowQ")
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("log_level", "info")
	v.SetDefault("trace_stdout", false)
}

// Flags returns the command-line flags understood by Load. Flags only
// override a key when they are set explicitly.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file")
	fs.String("registry_addr", "", "address of the registry")
	fs.String("advertise_host", "", "host advertised to the registry")
	fs.String("worker_listen_addr", "", "worker gRPC listen address")
	fs.String("capability", "", "capability name")
	fs.Int("local_threads", 0, "in-process capacity of the dispatcher")
	fs.String("capacity_policy", "", "worker capacity policy: cpu, memory or fixed")
	fs.Int("worker_threads", 0, "worker capacity for the fixed policy")
	fs.StringSlice("etcd_endpoints", nil, "etcd endpoints used to locate the registry")
	fs.String("log_level", "", "log level: debug, info, warn or error")
	return fs
}

// Load loads configuration from defaults, an optional config file,
// environment variables and fs, in increasing order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if fs != nil {
		if path, err := fs.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if fs != nil {
		var bindErr error
		fs.Visit(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
