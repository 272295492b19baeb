package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации сервиса.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Custody   CustodyConfig   `mapstructure:"custody"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCConfig: порт gRPC health сервиса для проб оркестратора.
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

type MetricsConfig struct {
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал событий).
// Пустой URL: журнал работает без хранилища.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub событий).
// Пустой Addr: публикация отключена.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к RSA ключу для проверки JWT (RS256).
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// RegistryConfig: адреса ролей и политика обязательств.
type RegistryConfig struct {
	Admin            string   `mapstructure:"admin"`
	System           string   `mapstructure:"system"` // счёт хранения в кастодиане
	TVLAccounting    string   `mapstructure:"tvl_accounting"`
	AllowZeroMaxLoss bool     `mapstructure:"allow_zero_max_loss"`
	Verifiers        []string `mapstructure:"verifiers"`
	ValueFeeders     []string `mapstructure:"value_feeders"`
}

// RateLimitConfig: фиксированное окно на пару (caller, функция)
type RateLimitConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Create   uint32        `mapstructure:"create"`
	Allocate uint32        `mapstructure:"allocate"`
	Attest   uint32        `mapstructure:"attest"`
	Exempt   []string      `mapstructure:"exempt"`
}

type JournalConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushAttempts uint          `mapstructure:"flush_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// CustodyConfig: лимитер и предохранитель вокруг кастодиана
type CustodyConfig struct {
	RatePerSecond       float64       `mapstructure:"rate_per_second"`
	Burst               int           `mapstructure:"burst"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	CBMaxRequests       uint32        `mapstructure:"cb_max_requests"`
	CBInterval          time.Duration `mapstructure:"cb_interval"`
	CBTimeout           time.Duration `mapstructure:"cb_timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	// Seed: стартовые балансы dev-кастодиана: "addr:asset:amount"
	Seed []string `mapstructure:"seed"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	return load(v)
}

// LoadConfigFile читает конкретный файл (флаг -config)
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// 2. Переменные окружения: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate: то, без чего сервис не может стартовать
func (c *Config) Validate() error {
	if c.Registry.Admin == "" {
		return errors.New("config: registry.admin is required")
	}
	if c.Registry.System == "" {
		return errors.New("config: registry.system is required")
	}
	if c.Registry.Admin == c.Registry.System {
		return errors.New("config: registry.admin and registry.system must differ")
	}
	switch c.Registry.TVLAccounting {
	case "principal", "transferred":
	default:
		return fmt.Errorf("config: unknown registry.tvl_accounting %q", c.Registry.TVLAccounting)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Пустые дефолты нужны, чтобы AutomaticEnv подхватил ключи при Unmarshal
	v.SetDefault("registry.admin", "")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("auth.public_key_path", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate", true)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("registry.system", "vault_system")
	v.SetDefault("registry.tvl_accounting", "principal")
	v.SetDefault("registry.allow_zero_max_loss", true)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("journal.buffer_size", 10000)
	v.SetDefault("journal.batch_size", 100)
	v.SetDefault("journal.flush_interval", 500*time.Millisecond)
	v.SetDefault("journal.flush_attempts", 3)
	v.SetDefault("journal.retry_delay", 100*time.Millisecond)
	v.SetDefault("custody.rate_per_second", 100)
	v.SetDefault("custody.burst", 20)
	v.SetDefault("custody.call_timeout", 10*time.Second)
	v.SetDefault("custody.cb_max_requests", 3)
	v.SetDefault("custody.cb_interval", 5*time.Second)
	v.SetDefault("custody.cb_timeout", 30*time.Second)
	v.SetDefault("custody.consecutive_failures", 5)
}

func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (PEM)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
