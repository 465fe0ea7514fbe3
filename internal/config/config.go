package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Warming   WarmingConfig   `mapstructure:"warming"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ApplicationName string        `mapstructure:"application_name"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LocalDC     string        `mapstructure:"local_dc"`
}

type KafkaConfig struct {
	Brokers               []string      `mapstructure:"brokers"`
	ClientID              string        `mapstructure:"client_id"`
	DispatchTopic         string        `mapstructure:"dispatch_topic"`
	EventTopic            string        `mapstructure:"event_topic"`
	ReceiptTopic          string        `mapstructure:"receipt_topic"`
	DispatchConsumerGroup string        `mapstructure:"dispatch_consumer_group"`
	ReceiptConsumerGroup  string        `mapstructure:"receipt_consumer_group"`
	CommitInterval        time.Duration `mapstructure:"commit_interval"`
	Partitions            int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceVersion  string        `mapstructure:"service_version"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	InstanceRefreshEvery time.Duration `mapstructure:"instance_refresh_every"`
	AutoPairEvery        time.Duration `mapstructure:"auto_pair_every"`
	MaxBatchSize         int           `mapstructure:"max_batch_size"`
}

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	SendTimeout          time.Duration `mapstructure:"send_timeout"`
	MessagesPerSecond    float64       `mapstructure:"messages_per_second"`
	PerInstancePerMinute int           `mapstructure:"per_instance_per_minute"`
	StopOnFirstError     bool          `mapstructure:"stop_on_first_error"`
	StuckAfter           time.Duration `mapstructure:"stuck_after"`
	DefaultSendingMode   string        `mapstructure:"default_sending_mode"`
}

type WarmingConfig struct {
	MaxPairsPerEntry int           `mapstructure:"max_pairs_per_entry"`
	PairTTL          time.Duration `mapstructure:"pair_ttl"`
}

// GatewayConfig points at the WhatsApp messaging gateway.
type GatewayConfig struct {
	Provider       string        `mapstructure:"provider"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StateCacheTTL  time.Duration `mapstructure:"state_cache_ttl"`
	MockSuccess    float64       `mapstructure:"mock_success_rate"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("WACAMPAIGN")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "wa-campaign")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("postgres.application_name", "wa-campaign")
	v.SetDefault("dispatch.batch_size", 100)
	v.SetDefault("dispatch.send_timeout", 15*time.Second)
	v.SetDefault("dispatch.stuck_after", 2*time.Minute)
	v.SetDefault("dispatch.default_sending_mode", "weighted")
	v.SetDefault("warming.max_pairs_per_entry", 5)
	v.SetDefault("warming.pair_ttl", 30*24*time.Hour)
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("scheduler.instance_refresh_every", 2*time.Minute)
	v.SetDefault("scheduler.auto_pair_every", time.Hour)
	v.SetDefault("gateway.provider", "evolution")
	v.SetDefault("gateway.request_timeout", 10*time.Second)
	v.SetDefault("gateway.state_cache_ttl", 30*time.Second)
	v.SetDefault("kafka.partitions", 12)
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
