package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Access   AccessConfig   `mapstructure:"access"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (аудит, операторы).
// Пустой URL — допустимый режим: аудит живет только в кольцевом буфере.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub синхронизация инстансов).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT консоли.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// AccessConfig — параметры контроллера доступа: фиксированное окно лимита
// и порог эскалации нарушений в автоматическую блокировку актора.
type AccessConfig struct {
	RateLimit      int           `mapstructure:"rate_limit"`      // N запросов на пару (actor, agent) за окно
	RateWindow     time.Duration `mapstructure:"rate_window"`     // Длина окна
	BlockThreshold int           `mapstructure:"block_threshold"` // Отказов до автоблокировки
	BlockWindow    time.Duration `mapstructure:"block_window"`    // Окно подсчета отказов
	AuditCapacity  int           `mapstructure:"audit_capacity"`  // Емкость кольцевого буфера
	KeyDefaultTTL  time.Duration `mapstructure:"key_default_ttl"` // 0 — бессрочные ключи
}

// EngineConfig содержит специфичные настройки оркестратора.
type EngineConfig struct {
	MaxParallelism int           `mapstructure:"max_parallelism"` // Параллелизм внутри одной задачи
	CallTimeout    time.Duration `mapstructure:"call_timeout"`    // Дефолтный таймаут вызова агента

	// Настройки Circuit Breaker (один экземпляр на агента)
	CBFailureThreshold uint32        `mapstructure:"cb_failure_threshold"`
	CBCooldown         time.Duration `mapstructure:"cb_cooldown"`

	// Глобальный предохранитель пропускной способности коннектора
	ConnectorRPS   float64 `mapstructure:"connector_rps"`
	ConnectorBurst int     `mapstructure:"connector_burst"`
}

// RegistryConfig — discovery-режим и health-пробы.
type RegistryConfig struct {
	ManifestDir  string        `mapstructure:"manifest_dir"` // Пустой — discovery выключен
	WatchEnabled bool          `mapstructure:"watch_enabled"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

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
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из файла ИЛИ напрямую из ENV (Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("access.rate_limit", 100)
	v.SetDefault("access.rate_window", time.Minute)
	v.SetDefault("access.block_threshold", 5)
	v.SetDefault("access.block_window", 5*time.Minute)
	v.SetDefault("access.audit_capacity", 4096)

	v.SetDefault("engine.max_parallelism", 4)
	v.SetDefault("engine.call_timeout", 10*time.Second)
	v.SetDefault("engine.cb_failure_threshold", 5)
	v.SetDefault("engine.cb_cooldown", 60*time.Second)
	v.SetDefault("engine.connector_rps", 100)
	v.SetDefault("engine.connector_burst", 20)

	v.SetDefault("registry.probe_timeout", 2*time.Second)
}

// loadKeyResource — ключ либо прилетает напрямую в ENV (PEM), либо читается
// файлом по пути из конфига.
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
