package pool

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool daemon.
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	App        AppConfig        `mapstructure:"app"`
	Socket     SocketConfig     `mapstructure:"socket"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// PoolConfig defines worker pool settings.
type PoolConfig struct {
	Workers        int           `mapstructure:"workers"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	Restart        RestartConfig `mapstructure:"restart"`
}

// RestartConfig defines the respawn back-off policy (§4.2.2 of the spec).
type RestartConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// AppConfig defines how the hosted application is bootstrapped inside each worker.
type AppConfig struct {
	Executable   string            `mapstructure:"executable"`
	WorkerScript string            `mapstructure:"worker_script"`
	BootstrapID  string            `mapstructure:"bootstrap_id"`
	BridgeID     string            `mapstructure:"bridge_id"`
	Env          string            `mapstructure:"env"`
	ExtraEnv     map[string]string `mapstructure:"extra_env"`
}

// SocketConfig defines control-plane and data socket settings.
type SocketConfig struct {
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	Permissions uint32 `mapstructure:"permissions"`

	// Transport selects the control-plane listener: "unix" (default, uses
	// SO_PEERCRED verification) or "tcp" (loopback TCP with HMAC
	// challenge/response, for platforms without Unix domain sockets).
	Transport string `mapstructure:"transport"`
	TCPAddr   string `mapstructure:"tcp_addr"`
}

// ProtocolConfig defines control-protocol settings.
type ProtocolConfig struct {
	Codec             string        `mapstructure:"codec"`
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// DispatcherConfig defines the public front-end's behavior.
type DispatcherConfig struct {
	Host                        string        `mapstructure:"host"`
	Port                        int           `mapstructure:"port"`
	MaxRequests                 uint64        `mapstructure:"max_requests"`
	ConcurrentRequestsPerWorker bool          `mapstructure:"concurrent_requests_per_worker"`
	SlowOpThreshold             time.Duration `mapstructure:"slow_op_threshold"`
}

// WatcherConfig defines the file-watch/rolling-restart coordinator.
type WatcherConfig struct {
	Debug        bool          `mapstructure:"debug"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines metrics collection settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment, layered as
// defaults < config file < PROCKEEPER_* environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/prockeeper")
	}

	v.SetEnvPrefix("PROCKEEPER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// viper reads bare numeric duration fields as seconds/milliseconds; scale
	// them into the units the rest of the system expects.
	cfg.Pool.StartTimeout *= time.Second
	cfg.Pool.HealthInterval *= time.Second
	cfg.Pool.Restart.InitialBackoff *= time.Millisecond
	cfg.Pool.Restart.MaxBackoff *= time.Millisecond
	cfg.Protocol.RequestTimeout *= time.Second
	cfg.Protocol.ConnectionTimeout *= time.Second
	cfg.Dispatcher.SlowOpThreshold *= time.Millisecond
	cfg.Watcher.PollInterval *= time.Millisecond

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks operator-visible configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be > 0, got %d", c.Pool.Workers)
	}
	if c.App.WorkerScript == "" {
		return fmt.Errorf("app.worker_script is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.start_timeout", 30)
	v.SetDefault("pool.health_interval", 30)
	v.SetDefault("pool.restart.max_attempts", 0)
	v.SetDefault("pool.restart.initial_backoff", 500)
	v.SetDefault("pool.restart.max_backoff", 10000)
	v.SetDefault("pool.restart.multiplier", 2.0)

	v.SetDefault("app.executable", "python3")
	v.SetDefault("app.worker_script", "./worker.py")
	v.SetDefault("app.bootstrap_id", "app:create")
	v.SetDefault("app.bridge_id", "pyworker")
	v.SetDefault("app.env", "production")
	v.SetDefault("app.extra_env", map[string]string{
		"PYTHONUNBUFFERED": "1",
	})

	v.SetDefault("socket.dir", "/tmp/prockeeper")
	v.SetDefault("socket.prefix", "prockeeper")
	v.SetDefault("socket.permissions", 0600)
	v.SetDefault("socket.transport", "unix")
	v.SetDefault("socket.tcp_addr", "127.0.0.1:5500")

	v.SetDefault("protocol.codec", "json")
	v.SetDefault("protocol.max_frame_size", 10485760)
	v.SetDefault("protocol.request_timeout", 60)
	v.SetDefault("protocol.connection_timeout", 5)

	v.SetDefault("dispatcher.host", "127.0.0.1")
	v.SetDefault("dispatcher.port", 8080)
	v.SetDefault("dispatcher.max_requests", 0)
	v.SetDefault("dispatcher.concurrent_requests_per_worker", false)
	v.SetDefault("dispatcher.slow_op_threshold", 1000)

	v.SetDefault("watcher.debug", false)
	v.SetDefault("watcher.poll_interval", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
