package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/agenshield/internal/domain"
)

// Config: корневая структура конфигурации демона и брокера.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Reporter ReporterConfig `mapstructure:"reporter"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает HTTP/gRPC листенеры демона.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // запросов в секунду на /rpc
	RateBurst    int           `mapstructure:"rate_burst"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL: работа в памяти.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub сигналов). Пустой Addr: без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и токен брокера.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для shieldctl token issue
	Token          string        `mapstructure:"token"`            // Токен, которым брокер ходит к демону
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PublicKey      []byte
	PrivateKey     []byte
}

// PolicyConfig: источник правил и поведение по умолчанию.
type PolicyConfig struct {
	DefaultAction string `mapstructure:"default_action"` // allow | deny
	RulesFile     string `mapstructure:"rules_file"`
	WatchRules    bool   `mapstructure:"watch_rules"`
}

// GraphConfig: параметры движка каскадных эффектов.
type GraphConfig struct {
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
	MaxCascadeDepth int           `mapstructure:"max_cascade_depth"`
}

// SandboxConfig: каталог профилей и базовые ограничения для exec.
type SandboxConfig struct {
	ProfileDir string               `mapstructure:"profile_dir"`
	Base       domain.SandboxConfig `mapstructure:"base"`
}

// ReporterConfig: очередь аудита.
type ReporterConfig struct {
	MaxQueueSize   int           `mapstructure:"max_queue_size"`
	FlushThreshold int           `mapstructure:"flush_threshold"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// BrokerConfig: локальная точка принятия решений.
type BrokerConfig struct {
	Listen              string        `mapstructure:"listen"`
	DaemonURL           string        `mapstructure:"daemon_url"`
	ForwardTimeout      time.Duration `mapstructure:"forward_timeout"`
	ConfirmDefaultAllow bool          `mapstructure:"confirm_default_allow"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path может быть пустым: тогда файл ищется в стандартных местах.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
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

	// 6. Ключи: сначала PEM прямо в ENV (Docker/K8s), потом файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения, на которых держатся инварианты ядра.
func (c *Config) Validate() error {
	switch domain.PolicyAction(c.Policy.DefaultAction) {
	case domain.ActionAllow, domain.ActionDeny:
	default:
		return fmt.Errorf("config: policy.default_action must be allow or deny, got %q", c.Policy.DefaultAction)
	}
	if c.Reporter.MaxQueueSize <= 0 {
		return fmt.Errorf("config: reporter.max_queue_size must be positive")
	}
	if c.Reporter.MaxRetries <= 0 {
		return fmt.Errorf("config: reporter.max_retries must be positive")
	}
	if c.Broker.ForwardTimeout <= 0 {
		return fmt.Errorf("config: broker.forward_timeout must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5200)
	v.SetDefault("server.grpc_port", 5201)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 500.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("policy.default_action", "deny")
	v.SetDefault("policy.watch_rules", true)
	v.SetDefault("graph.session_ttl", 8*time.Hour)
	v.SetDefault("graph.sweep_schedule", "@every 30s")
	v.SetDefault("graph.max_cascade_depth", 16)
	v.SetDefault("sandbox.profile_dir", defaultProfileDir())
	v.SetDefault("sandbox.base.enabled", true)
	v.SetDefault("sandbox.base.allowed_read_paths", []string{"/usr", "/bin", "/lib", "/System", "/private/etc"})
	v.SetDefault("sandbox.base.allowed_write_paths", []string{"/tmp", "/private/tmp"})
	v.SetDefault("reporter.max_queue_size", 500)
	v.SetDefault("reporter.flush_threshold", 100)
	v.SetDefault("reporter.flush_interval", 5*time.Second)
	v.SetDefault("reporter.max_retries", 3)
	v.SetDefault("broker.listen", "127.0.0.1:5210")
	v.SetDefault("broker.daemon_url", "http://127.0.0.1:5200/rpc")
	v.SetDefault("broker.forward_timeout", 2*time.Second)
	v.SetDefault("broker.confirm_default_allow", true)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

func defaultProfileDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/agenshield/profiles"
	}
	return os.TempDir() + "/agenshield/profiles"
}

// loadKeyResource: PEM из ENV или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
