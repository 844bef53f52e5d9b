// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (шард бота проверки магазинов). Конфигурация двухслойная:
//  1. окружение (.env через godotenv) — операционные параметры запуска: номер и
//     количество шардов, каталог данных, адрес общего хранилища, логирование;
//  2. файл конфигурации (config.json) — «ручки» поведения бота, которые оператор
//     меняет на лету: расписания, лимиты, режимы; см. runtime.go.
//
// Значения окружения проходят нормализацию с накоплением предупреждений: битые
// или отсутствующие настройки не валят процесс, а заменяются дефолтами со
// строчкой в Warnings(). Секреты (пароль хранилища, токен бота) в предупреждения
// и дампы не попадают.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"valorant-skinbot/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это настройки,
// которые фиксируются на время жизни процесса: идентичность шарда, пути, адрес
// общего хранилища, файловое логирование, ops-интерфейс.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	ShardID    int
	ShardCount int
	DataDir    string
	ConfigFile string
	// Общее хранилище (Redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Логирование
	LogLevel          string
	LogFile           string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	// Ops-интерфейс (пустой адрес — выключен)
	OpsAddr  string
	OpsToken string
	// Прочее
	AppTimezone     string
	AutoShutdownSec int
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock. Слой рантайм-файла живёт
// отдельно (runtime.go) и обновляется атомарной заменой снапшота.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения.
const (
	defaultShardID           = 0
	defaultShardCount        = 1
	defaultDataDir           = "data"
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultRedisDB           = 0
	defaultLogLevel          = "info"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultAppTimezone       = "UTC"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — таймзона приложения; фиксируется при Load и используется часами
// и планировщиком. До Load равна UTC.
var AppLocation = time.UTC

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове:
//  1. читает .env (отсутствие файла по умолчанию не фатально),
//  2. формирует EnvConfig,
//  3. загружает файл рантайм-конфигурации (создавая его с дефолтами при отсутствии),
//  4. фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true

	if _, err := LoadRuntime(); err != nil {
		return fmt.Errorf("load runtime config: %w", err)
	}
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(); err != nil {
		// .env опционален: реальное окружение (контейнер, systemd) имеет приоритет.
		appendWarningf(&warnings, ".env not loaded: %v", err)
	}

	shardID := parseIntDefault("SHARD_ID", defaultShardID, nonNegative, &warnings)
	shardCount := parseIntDefault("SHARD_COUNT", defaultShardCount, greaterThanZero, &warnings)
	if shardID >= shardCount {
		return nil, fmt.Errorf("SHARD_ID %d must be below SHARD_COUNT %d", shardID, shardCount)
	}

	dataDir := sanitizePath("DATA_DIR", os.Getenv("DATA_DIR"), defaultDataDir, &warnings)
	configFile := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if configFile == "" {
		configFile = filepath.Join(dataDir, "config.json")
	}

	redisAddr := sanitizePath("REDIS_ADDR", os.Getenv("REDIS_ADDR"), defaultRedisAddr, &warnings)
	redisPassword := strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	redisDB := parseIntDefault("REDIS_DB", defaultRedisDB, nonNegative, &warnings)

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)

	opsAddr := strings.TrimSpace(os.Getenv("OPS_ADDR"))
	opsToken := strings.TrimSpace(os.Getenv("OPS_TOKEN"))
	if opsAddr != "" && opsToken == "" {
		return nil, errors.New("OPS_TOKEN must be set when OPS_ADDR is enabled")
	}

	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	autoShutdown := parseIntDefault("AUTO_SHUTDOWN_SEC", 0, nonNegative, &warnings)

	loc, err := timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}
	AppLocation = loc

	env := EnvConfig{
		ShardID:           shardID,
		ShardCount:        shardCount,
		DataDir:           dataDir,
		ConfigFile:        configFile,
		RedisAddr:         redisAddr,
		RedisPassword:     redisPassword,
		RedisDB:           redisDB,
		LogLevel:          logLevel,
		LogFile:           logFile,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		OpsAddr:           opsAddr,
		OpsToken:          opsToken,
		AppTimezone:       appTimezone,
		AutoShutdownSec:   autoShutdown,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перезапустить процесс.
func Env() EnvConfig {
	return cfgInstance.Env
}

// DataPath возвращает путь к файлу name внутри каталога данных шарда.
func DataPath(name string) string {
	return filepath.Join(Env().DataDir, name)
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/ nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizePath возвращает непустое значение пути/адреса. Если переменная не
// задана, подставляет fallback и пишет предупреждение.
func sanitizePath(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA‑зона или UTC‑смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
