// Пакет config — загрузка и валидация конфигурации Attachment Store
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Окружения развёртывания.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Хранилища метаданных.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// DefaultAllowedTypes — типы содержимого, разрешённые для загрузки по умолчанию.
var DefaultAllowedTypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff",
	"application/pdf",
	"application/zip", "application/gzip", "application/x-7z-compressed",
	"application/msword", "application/vnd.ms-excel", "application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.oasis.opendocument.text",
	"application/vnd.oasis.opendocument.spreadsheet",
	"text/plain", "text/csv", "text/markdown",
	"application/json", "application/xml", "text/xml",
	"audio/mpeg", "video/mp4",
}

// Config содержит все параметры конфигурации Attachment Store.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Имя сервиса (вершина графа topologymetrics)
	ServiceID string
	// Окружение: development или production (детализация ошибок в ответах)
	Environment string

	// Корень файлового хранилища (каталоги сущностей, temp/, versions/)
	StorageRoot string
	// Каталог журнала фиксации файлов
	WALDir string
	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Абсолютный потолок размера для сканера
	ScanMaxSize int64
	// Реестр разрешённых типов содержимого
	AllowedTypes []string

	// Хранилище метаданных: postgres или memory
	MetadataBackend string
	DBHost          string
	DBPort          int
	DBName          string
	DBUser          string
	DBPassword      string
	DBSSLMode       string
	// Размер пула подключений
	DBMaxConns int32
	// Сколько ждать доступности PostgreSQL при старте
	DBConnectTimeout time.Duration

	// Секрет подписи download-токенов (HS256, не короче 32 байт)
	DownloadTokenSecret string
	// Базовый путь ссылок скачивания
	DownloadBasePath string

	// URL JWKS endpoint для проверки JWT вызывающей стороны
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Роль администратора в JWT
	AdminRole string

	// Интервал очистки области временного хранения
	SweepInterval time.Duration
	// Возраст, после которого временный файл считается брошенным
	SweepMaxAge time.Duration
	// Интервал сверки БД и файловой системы
	ReconcileInterval time.Duration
	// Минимальный возраст файла-сироты перед удалением; тот же срок
	// ждут чужие незакрытые намерения журнала при старте
	ReconcileGrace time.Duration
	// Интервал попыток захвата аренды фонового обслуживания
	LeaseRetryInterval time.Duration

	// Размер и TTL LRU-кэша метаданных
	CacheSize int
	CacheTTL  time.Duration

	// Ёмкость буфера аудита
	AuditBuffer int

	// Путь к TLS сертификату и ключу (опционально)
	TLSCert string
	TLSKey  string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// AS_PORT — порт HTTP-сервера (по умолчанию 8020)
	cfg.Port, err = getEnvInt("AS_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("AS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.ServiceID = getEnvDefault("AS_SERVICE_ID", "attachment-store")

	cfg.Environment = getEnvDefault("AS_ENVIRONMENT", EnvProduction)
	if cfg.Environment != EnvDevelopment && cfg.Environment != EnvProduction {
		return nil, fmt.Errorf("AS_ENVIRONMENT: недопустимое значение %q, допустимые: development, production", cfg.Environment)
	}

	// AS_STORAGE_ROOT — обязательный
	cfg.StorageRoot, err = getEnvRequired("AS_STORAGE_ROOT")
	if err != nil {
		return nil, err
	}

	// AS_WAL_DIR — по умолчанию <root>/.wal
	cfg.WALDir = getEnvDefault("AS_WAL_DIR", filepath.Join(cfg.StorageRoot, ".wal"))

	// AS_MAX_FILE_SIZE — по умолчанию 50 MB
	cfg.MaxFileSize, err = getEnvInt64("AS_MAX_FILE_SIZE", 50<<20)
	if err != nil {
		return nil, fmt.Errorf("AS_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("AS_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// AS_SCAN_MAX_SIZE — по умолчанию 100 MB, не меньше AS_MAX_FILE_SIZE
	cfg.ScanMaxSize, err = getEnvInt64("AS_SCAN_MAX_SIZE", 100<<20)
	if err != nil {
		return nil, fmt.Errorf("AS_SCAN_MAX_SIZE: %w", err)
	}
	if cfg.ScanMaxSize < cfg.MaxFileSize {
		return nil, fmt.Errorf("AS_SCAN_MAX_SIZE: значение %d должно быть >= AS_MAX_FILE_SIZE (%d)",
			cfg.ScanMaxSize, cfg.MaxFileSize)
	}

	cfg.AllowedTypes = getEnvList("AS_ALLOWED_TYPES", DefaultAllowedTypes)

	cfg.MetadataBackend = getEnvDefault("AS_METADATA_BACKEND", BackendPostgres)
	switch cfg.MetadataBackend {
	case BackendPostgres:
		if err := loadDB(cfg); err != nil {
			return nil, err
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("AS_METADATA_BACKEND: недопустимое значение %q, допустимые: postgres, memory", cfg.MetadataBackend)
	}

	// AS_DOWNLOAD_TOKEN_SECRET — обязательный
	cfg.DownloadTokenSecret, err = getEnvRequired("AS_DOWNLOAD_TOKEN_SECRET")
	if err != nil {
		return nil, err
	}
	if len(cfg.DownloadTokenSecret) < 32 {
		return nil, fmt.Errorf("AS_DOWNLOAD_TOKEN_SECRET: длина секрета должна быть не меньше 32 байт")
	}

	cfg.DownloadBasePath = strings.TrimRight(getEnvDefault("AS_DOWNLOAD_BASE_PATH", "/api/v1/attachments"), "/")

	// AS_JWKS_URL — обязательный
	cfg.JWKSUrl, err = getEnvRequired("AS_JWKS_URL")
	if err != nil {
		return nil, err
	}
	cfg.JWKSCACert = getEnvDefault("AS_JWKS_CA_CERT", "")
	cfg.AdminRole = getEnvDefault("AS_ADMIN_ROLE", "admin")

	if cfg.SweepInterval, err = getEnvDuration("AS_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, fmt.Errorf("AS_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepMaxAge, err = getEnvDuration("AS_SWEEP_MAX_AGE", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("AS_SWEEP_MAX_AGE: %w", err)
	}
	if cfg.ReconcileInterval, err = getEnvDuration("AS_RECONCILE_INTERVAL", 6*time.Hour); err != nil {
		return nil, fmt.Errorf("AS_RECONCILE_INTERVAL: %w", err)
	}
	if cfg.ReconcileGrace, err = getEnvDuration("AS_RECONCILE_GRACE", time.Hour); err != nil {
		return nil, fmt.Errorf("AS_RECONCILE_GRACE: %w", err)
	}
	if cfg.LeaseRetryInterval, err = getEnvDuration("AS_LEASE_RETRY_INTERVAL", 5*time.Second); err != nil {
		return nil, fmt.Errorf("AS_LEASE_RETRY_INTERVAL: %w", err)
	}

	if cfg.CacheSize, err = getEnvInt("AS_CACHE_SIZE", 1000); err != nil {
		return nil, fmt.Errorf("AS_CACHE_SIZE: %w", err)
	}
	if cfg.CacheTTL, err = getEnvDuration("AS_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("AS_CACHE_TTL: %w", err)
	}
	if cfg.AuditBuffer, err = getEnvInt("AS_AUDIT_BUFFER", 256); err != nil {
		return nil, fmt.Errorf("AS_AUDIT_BUFFER: %w", err)
	}

	cfg.TLSCert = getEnvDefault("AS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("AS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("AS_TLS_CERT и AS_TLS_KEY должны задаваться вместе")
	}

	if cfg.ShutdownTimeout, err = getEnvDuration("AS_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("AS_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AS_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("AS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.DephealthCheckInterval, err = getEnvDuration("AS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("AS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("AS_DEPHEALTH_GROUP", "attachment-store")
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	return cfg, nil
}

// loadDB читает параметры подключения к PostgreSQL.
func loadDB(cfg *Config) error {
	var err error
	cfg.DBHost = getEnvDefault("AS_DB_HOST", "localhost")
	if cfg.DBPort, err = getEnvInt("AS_DB_PORT", 5432); err != nil {
		return fmt.Errorf("AS_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("AS_DB_NAME", "attachments")
	if cfg.DBUser, err = getEnvRequired("AS_DB_USER"); err != nil {
		return err
	}
	if cfg.DBPassword, err = getEnvRequired("AS_DB_PASSWORD"); err != nil {
		return err
	}
	cfg.DBSSLMode = getEnvDefault("AS_DB_SSL_MODE", "disable")
	maxConns, err := getEnvInt("AS_DB_MAX_CONNS", 10)
	if err != nil || maxConns < 1 {
		return fmt.Errorf("AS_DB_MAX_CONNS: ожидалось положительное число")
	}
	cfg.DBMaxConns = int32(maxConns)
	if cfg.DBConnectTimeout, err = getEnvDuration("AS_DB_CONNECT_TIMEOUT", 30*time.Second); err != nil {
		return fmt.Errorf("AS_DB_CONNECT_TIMEOUT: %w", err)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// DatabaseURLForMetrics возвращает URL БД без пароля (для меток dephealth).
func (c *Config) DatabaseURLForMetrics() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// IsDevelopment сообщает, разрешены ли детальные сообщения об ошибках.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvList разбирает список через запятую; пустые элементы отбрасываются.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("длительность должна быть положительной: %q", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
