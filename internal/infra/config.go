package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации коллектора.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Collector   CollectorConfig   `mapstructure:"collector"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Session     SessionConfig     `mapstructure:"session"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Hook        HookConfig        `mapstructure:"hook"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AuthToken    string        `mapstructure:"auth_token"` // Пусто — авторизация выключена
	RateLimitRPS int           `mapstructure:"rate_limit_rps"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// Addr — адрес для http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCConfig — OTLP-приемник логов.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (общий dedup-store для нескольких реплик).
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// NATSConfig — публикация принятых событий в JetStream.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	Subject string `mapstructure:"subject"`
}

// CollectorConfig — приемка и диспетчеризация событий.
type CollectorConfig struct {
	DefaultPrivacyTier int  `mapstructure:"default_privacy_tier"`
	Workers            int  `mapstructure:"workers"`
	QueueSize          int  `mapstructure:"queue_size"`
	TranscriptReingest bool `mapstructure:"transcript_reingest"`
}

// PersistenceConfig — write-through в Postgres.
type PersistenceConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`

	// Настройки Circuit Breaker для хранилища
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`

	RateLimit      float64 `mapstructure:"rate_limit"` // операций записи в секунду, 0 — без лимита
	MaxTextLength  int     `mapstructure:"max_text_length"`
	FailureLogSize int     `mapstructure:"failure_log_size"`
}

// SessionConfig — реестр трейсов в памяти.
type SessionConfig struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	EvictInterval time.Duration `mapstructure:"evict_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// TracingConfig — экспорт собственных спанов коллектора.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// HookConfig — клиент хука (cmd/hook), отправляющий события в коллектор.
type HookConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Attempts     uint          `mapstructure:"attempts"`
	BaselinesDir string        `mapstructure:"baselines_dir"` // пусто — <tmp>/agenttrace-baselines
	SessionGit   bool          `mapstructure:"session_git"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (*Config, error) {
	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Общий секрет принимается и под именем продукта
	if err := v.BindEnv("server.auth_token", "SERVER_AUTH_TOKEN", "AGENTTRACE_AUTH_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind auth token env: %w", err)
	}

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения, которые нельзя молча исправить.
func (c *Config) Validate() error {
	if c.Collector.DefaultPrivacyTier < 1 || c.Collector.DefaultPrivacyTier > 3 {
		return fmt.Errorf("config: collector.default_privacy_tier must be 1, 2 or 3, got %d", c.Collector.DefaultPrivacyTier)
	}
	if c.Collector.Workers < 1 {
		return fmt.Errorf("config: collector.workers must be positive, got %d", c.Collector.Workers)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("config: nats.url is required when nats.enabled is set")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 4318)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.max_body_bytes", 10<<20)

	v.SetDefault("grpc.addr", ":4717")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dedup_ttl", 7*24*time.Hour)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "AGENTTRACE")
	v.SetDefault("nats.subject", "agenttrace.events")

	v.SetDefault("collector.default_privacy_tier", 2)
	v.SetDefault("collector.workers", 8)
	v.SetDefault("collector.queue_size", 1024)
	v.SetDefault("collector.transcript_reingest", true)

	v.SetDefault("persistence.batch_size", 100)
	v.SetDefault("persistence.flush_interval", 500*time.Millisecond)
	v.SetDefault("persistence.retry_attempts", 3)
	v.SetDefault("persistence.cb_max_requests", 3)
	v.SetDefault("persistence.cb_interval", 60*time.Second)
	v.SetDefault("persistence.cb_timeout", 30*time.Second)
	v.SetDefault("persistence.rate_limit", 0)
	v.SetDefault("persistence.max_text_length", 4000)
	v.SetDefault("persistence.failure_log_size", 256)

	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.evict_interval", time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("hook.endpoint", "http://localhost:4318")
	v.SetDefault("hook.timeout", 5*time.Second)
	v.SetDefault("hook.attempts", 3)
	v.SetDefault("hook.baselines_dir", "")
	v.SetDefault("hook.session_git", true)
}
