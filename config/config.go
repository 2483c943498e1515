package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/qiuyier/ledger-sync/internal/broker"
)

// 配置文件路径环境变量
const PathEnv = "LEDGER_CONFIG_PATH"

const defaultPath = "config.yaml"

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	RabbitMQ      RabbitMQConfig      `yaml:"rabbitmq"`
	RateSync      RateSyncConfig      `yaml:"rate_sync"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Notifications NotificationsConfig `yaml:"notifications"`
	JWT           JWTConfig           `yaml:"jwt"`
	WS            WSConfig            `yaml:"ws"`
	Log           LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	HTTPPort        string        `yaml:"http_port" env:"HTTP_PORT"`
	Mode            string        `yaml:"mode" env:"GIN_MODE"` // debug, release
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

type RedisConfig struct {
	Enabled        bool          `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr           string        `yaml:"addr" env:"REDIS_ADDR"`
	Password       string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"`
	CorrelationTTL time.Duration `yaml:"correlation_ttl"`
}

type RabbitMQConfig struct {
	URL            string          `yaml:"url" env:"RABBITMQ_URL"`
	ReconnectDelay time.Duration   `yaml:"reconnect_delay"`
	Prefetch       int             `yaml:"prefetch"`
	Workers        int             `yaml:"workers"`
	HandlerTimeout time.Duration   `yaml:"handler_timeout"`
	Topology       broker.Topology `yaml:"topology"`
}

type RateSyncConfig struct {
	ProviderURL string        `yaml:"provider_url" env:"RATE_PROVIDER_URL"`
	APIKey      string        `yaml:"api_key" env:"RATE_PROVIDER_API_KEY"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	Timeout     time.Duration `yaml:"timeout"`
	Currencies  []string      `yaml:"currencies"`
}

type ClassifierConfig struct {
	URL     string        `yaml:"url" env:"CLASSIFIER_URL"`
	Timeout time.Duration `yaml:"timeout"`
}

type NotificationsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic"`
}

type JWTConfig struct {
	Secret     string        `yaml:"secret" env:"JWT_SECRET"`
	ExpireTime time.Duration `yaml:"expire_time"`
}

type WSConfig struct {
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	SendChannelSize  int           `yaml:"send_channel_size"`
	MaxConnPerUser   int           `yaml:"max_conn_per_user"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"` // debug, info, warn, error
	Format string `yaml:"format"`                // json, console
	Output string `yaml:"output"`                // stdout, stderr 或文件路径
}

// Load 读取 yaml 配置，再用环境变量覆盖，最后补默认值并校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err = cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env overrides: %w", err)
	}

	cfg.applyDefaults()

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path 配置文件路径，未设置环境变量时使用 config.yaml
func Path() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return defaultPath
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == "" {
		c.Server.HTTPPort = "8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "ledger:"
	}
	if c.Redis.CorrelationTTL <= 0 {
		c.Redis.CorrelationTTL = 24 * time.Hour
	}

	if c.RabbitMQ.ReconnectDelay <= 0 {
		c.RabbitMQ.ReconnectDelay = 2 * time.Second
	}
	if c.RabbitMQ.Prefetch <= 0 {
		c.RabbitMQ.Prefetch = 1
	}
	if c.RabbitMQ.Workers <= 0 {
		c.RabbitMQ.Workers = 1
	}

	if c.RateSync.Interval <= 0 {
		c.RateSync.Interval = 7 * 24 * time.Hour
	}
	if c.RateSync.MaxAttempts <= 0 {
		c.RateSync.MaxAttempts = 3
	}
	if c.RateSync.BackoffCap <= 0 {
		c.RateSync.BackoffCap = 30 * time.Second
	}
	if c.RateSync.Timeout <= 0 {
		c.RateSync.Timeout = 30 * time.Second
	}

	if c.Classifier.Timeout <= 0 {
		c.Classifier.Timeout = 10 * time.Second
	}

	if c.Notifications.Kafka.Topic == "" {
		c.Notifications.Kafka.Topic = "ledger.notifications"
	}

	if c.JWT.ExpireTime <= 0 {
		c.JWT.ExpireTime = 24 * time.Hour
	}

	if c.WS.ReadBufferSize <= 0 {
		c.WS.ReadBufferSize = 1024
	}
	if c.WS.WriteBufferSize <= 0 {
		c.WS.WriteBufferSize = 1024
	}
	if c.WS.HandshakeTimeout <= 0 {
		c.WS.HandshakeTimeout = 10 * time.Second
	}
	if c.WS.PingInterval <= 0 {
		c.WS.PingInterval = 30 * time.Second
	}
	if c.WS.PongTimeout <= 0 {
		c.WS.PongTimeout = 60 * time.Second
	}
	if c.WS.MaxMessageSize <= 0 {
		c.WS.MaxMessageSize = 4096
	}
	if c.WS.SendChannelSize <= 0 {
		c.WS.SendChannelSize = 64
	}
	if c.WS.MaxConnPerUser <= 0 {
		c.WS.MaxConnPerUser = 5
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
}

// Validate 检查必填项和拓扑
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("rabbitmq.url is required"))
	}
	if err := c.RabbitMQ.Topology.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.RabbitMQ.Topology.Queues) == 0 {
		errs = append(errs, errors.New("rabbitmq.topology must declare at least one queue"))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if strings.TrimSpace(c.RateSync.ProviderURL) == "" {
		errs = append(errs, errors.New("rate_sync.provider_url is required"))
	}
	if strings.TrimSpace(c.Classifier.URL) == "" {
		errs = append(errs, errors.New("classifier.url is required"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Notifications.Kafka.Enabled && len(c.Notifications.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("notifications.kafka.brokers is required when kafka is enabled"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
