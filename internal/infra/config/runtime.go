// Рантайм-слой конфигурации: файл config.json, который оператор может менять
// на лету командой `config <key> <value>` или перезагружать командой
// `config reload`. Снапшот хранится в atomic.Pointer и читается без блокировок;
// замена файла выполняется атомарно (temp + rename), чтобы параллельный шард,
// читающий тот же файл, не увидел частичную запись. Подписчики (планировщик,
// логгер) уведомляются после каждой успешной перезагрузки.
//
// Длительности записываются строками ("5s", "25h", "7d") и разбираются через
// go-str2duration, поддерживающий суточные суффиксы. Поле token — секрет
// презентационного адаптера; в дампы и логи оно не попадает.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"valorant-skinbot/internal/infra/storage"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// RuntimeConfig — нормализованный снимок файла конфигурации. Экземпляр
// неизменяем после публикации; для актуальных значений берите свежий Runtime().
type RuntimeConfig struct {
	Shards             string
	MaxAccountsPerUser int

	// Крон-выражения (6 полей, с секундами), исполняются в AppLocation.
	RefreshSkins     string
	CheckGameVersion string
	RefreshPrices    string
	UpdateUserAgent  string
	LogFrequency     string

	DelayBetweenAlerts time.Duration
	AlertConcurrency   int
	AlertsPerPage      int

	CareerCacheExpiration  time.Duration
	EmojiCacheExpiration   time.Duration
	LoadoutCacheExpiration time.Duration

	DeferInteractions bool
	UseShopCache      bool

	UseLoginQueue      bool
	LoginQueueInterval time.Duration
	LoginQueuePollRate time.Duration

	AuthFailureStrikes int
	AutoRefreshTokens  bool
	TokenRefreshBuffer time.Duration

	RateLimitBackoff time.Duration
	RateLimitCap     time.Duration

	MaintenanceMode bool
	StatusMessage   string

	ShardReadyTimeout time.Duration

	StatsExpirationDays int
	TrackStoreStats     bool

	LogToChannel   string
	LogURLs        bool
	VerboseLogging bool

	// Token — секрет чат-адаптера; никогда не логируется и не дампится.
	Token string
}

// runtimeFile — представление файла как есть. Булевы значения с дефолтом true
// держим указателями, чтобы отличать «ключ удалён» от явного false.
type runtimeFile struct {
	Shards                    string `json:"shards"`
	MaxAccountsPerUser        int    `json:"maxAccountsPerUser"`
	RefreshSkins              string `json:"refreshSkins"`
	CheckGameVersion          string `json:"checkGameVersion"`
	RefreshPrices             string `json:"refreshPrices"`
	UpdateUserAgent           string `json:"updateUserAgent"`
	DelayBetweenAlerts        string `json:"delayBetweenAlerts"`
	AlertConcurrency          int    `json:"alertConcurrency"`
	AlertsPerPage             int    `json:"alertsPerPage"`
	CareerCacheExpiration     string `json:"careerCacheExpiration"`
	EmojiCacheExpiration      string `json:"emojiCacheExpiration"`
	LoadoutCacheExpiration    string `json:"loadoutCacheExpiration"`
	DeferInteractions         *bool  `json:"deferInteractions"`
	UseShopCache              *bool  `json:"useShopCache"`
	UseLoginQueue             bool   `json:"useLoginQueue"`
	LoginQueueInterval        string `json:"loginQueueInterval"`
	LoginQueuePollRate        string `json:"loginQueuePollRate"`
	AuthFailureStrikes        int    `json:"authFailureStrikes"`
	AutoRefreshTokens         *bool  `json:"autoRefreshTokens"`
	TokenRefreshBufferMinutes int    `json:"tokenRefreshBufferMinutes"`
	RateLimitBackoff          string `json:"rateLimitBackoff"`
	RateLimitCap              string `json:"rateLimitCap"`
	MaintenanceMode           bool   `json:"maintenanceMode"`
	Status                    string `json:"status"`
	ShardReadyTimeout         string `json:"shardReadyTimeout"`
	StatsExpirationDays       int    `json:"statsExpirationDays"`
	TrackStoreStats           *bool  `json:"trackStoreStats"`
	LogToChannel              string `json:"logToChannel"`
	LogFrequency              string `json:"logFrequency"`
	LogUrls                   bool   `json:"logUrls"`
	VerboseLogging            bool   `json:"verboseLogging"`
	Token                     string `json:"token"`
}

func defaultRuntimeFile() runtimeFile {
	yes := func() *bool { v := true; return &v }
	return runtimeFile{
		Shards:                    "auto",
		MaxAccountsPerUser:        5,
		RefreshSkins:              "10 0 0 * * *",
		CheckGameVersion:          "0 */15 * * * *",
		RefreshPrices:             "30 0 0 * * *",
		UpdateUserAgent:           "0 0 0 * * *",
		DelayBetweenAlerts:        "5s",
		AlertConcurrency:          1,
		AlertsPerPage:             10,
		CareerCacheExpiration:     "10m",
		EmojiCacheExpiration:      "10m",
		LoadoutCacheExpiration:    "10m",
		DeferInteractions:         yes(),
		UseShopCache:              yes(),
		UseLoginQueue:             false,
		LoginQueueInterval:        "3s",
		LoginQueuePollRate:        "300ms",
		AuthFailureStrikes:        2,
		AutoRefreshTokens:         yes(),
		TokenRefreshBufferMinutes: 10,
		RateLimitBackoff:          "2s",
		RateLimitCap:              "10m",
		MaintenanceMode:           false,
		Status:                    "",
		ShardReadyTimeout:         "60s",
		StatsExpirationDays:       14,
		TrackStoreStats:           yes(),
		LogToChannel:              "",
		LogFrequency:              "0 */10 * * * *",
		LogUrls:                   false,
		VerboseLogging:            false,
		Token:                     "",
	}
}

var (
	runtimePtr atomic.Pointer[RuntimeConfig]
	// runtimeMu сериализует запись файла конфигурации внутри процесса.
	runtimeMu sync.Mutex

	subsMu     sync.Mutex
	reloadSubs []func(*RuntimeConfig)
)

// Runtime возвращает текущий снимок рантайм-конфигурации. До первой загрузки
// возвращаются дефолты (удобно для юнит-тестов нижних слоёв).
func Runtime() *RuntimeConfig {
	if rc := runtimePtr.Load(); rc != nil {
		return rc
	}
	rc, _ := normalizeRuntime(defaultRuntimeFile())
	return rc
}

// RegisterOnReload подписывает fn на каждую успешную перезагрузку рантайм-слоя.
// Вызовы идут синхронно в порядке регистрации; fn не должна блокировать надолго.
func RegisterOnReload(fn func(*RuntimeConfig)) {
	subsMu.Lock()
	defer subsMu.Unlock()
	reloadSubs = append(reloadSubs, fn)
}

// LoadRuntime читает файл конфигурации (создавая его с дефолтами при отсутствии),
// нормализует значения и публикует снапшот. Подписчики не уведомляются: это
// первая загрузка, сервисы ещё не подняты.
func LoadRuntime() ([]string, error) {
	rc, warns, err := readRuntimeFile()
	if err != nil {
		return warns, err
	}
	runtimePtr.Store(rc)
	return warns, nil
}

// ReloadRuntime перечитывает файл, публикует новый снапшот и уведомляет
// подписчиков. Возвращает предупреждения нормализации.
func ReloadRuntime() ([]string, error) {
	rc, warns, err := readRuntimeFile()
	if err != nil {
		return warns, err
	}
	runtimePtr.Store(rc)

	subsMu.Lock()
	subs := append(([]func(*RuntimeConfig))(nil), reloadSubs...)
	subsMu.Unlock()
	for _, fn := range subs {
		fn(rc)
	}
	return warns, nil
}

func readRuntimeFile() (*RuntimeConfig, []string, error) {
	path := Env().ConfigFile

	var rf runtimeFile
	if err := storage.ReadJSON(path, &rf); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		// Первый запуск: выкладываем дефолтный файл, чтобы оператору было что править.
		rf = defaultRuntimeFile()
		if werr := storage.WriteJSONAtomic(path, rf); werr != nil {
			return nil, nil, fmt.Errorf("write default config: %w", werr)
		}
	}
	rc, warns := normalizeRuntime(rf)
	return rc, warns, nil
}

// normalizeRuntime превращает сырой файл в типизированный снапшот, подставляя
// дефолты на места битых значений и накапливая предупреждения.
func normalizeRuntime(rf runtimeFile) (*RuntimeConfig, []string) {
	var warns []string
	def := defaultRuntimeFile()

	boolOr := func(v *bool, fallback bool) bool {
		if v == nil {
			return fallback
		}
		return *v
	}
	strOr := func(name, v, fallback string) string {
		if strings.TrimSpace(v) == "" {
			appendWarningf(&warns, "config %s is empty; using default %q", name, fallback)
			return fallback
		}
		return strings.TrimSpace(v)
	}
	intOr := func(name string, v, fallback int, validator func(int) bool) int {
		if v == 0 {
			return fallback
		}
		if validator != nil && !validator(v) {
			appendWarningf(&warns, "config %s value %d does not satisfy constraints; using default %d", name, v, fallback)
			return fallback
		}
		return v
	}
	durOr := func(name, v, fallback string) time.Duration {
		s := strings.TrimSpace(v)
		if s == "" {
			s = fallback
		}
		d, err := str2duration.ParseDuration(s)
		if err != nil {
			appendWarningf(&warns, "config %s value %q is not a valid duration; using default %q", name, v, fallback)
			d, _ = str2duration.ParseDuration(fallback)
		}
		return d
	}

	rc := &RuntimeConfig{
		Shards:                 strOr("shards", rf.Shards, def.Shards),
		MaxAccountsPerUser:     intOr("maxAccountsPerUser", rf.MaxAccountsPerUser, def.MaxAccountsPerUser, greaterThanZero),
		RefreshSkins:           strOr("refreshSkins", rf.RefreshSkins, def.RefreshSkins),
		CheckGameVersion:       strOr("checkGameVersion", rf.CheckGameVersion, def.CheckGameVersion),
		RefreshPrices:          strOr("refreshPrices", rf.RefreshPrices, def.RefreshPrices),
		UpdateUserAgent:        strOr("updateUserAgent", rf.UpdateUserAgent, def.UpdateUserAgent),
		LogFrequency:           strOr("logFrequency", rf.LogFrequency, def.LogFrequency),
		DelayBetweenAlerts:     durOr("delayBetweenAlerts", rf.DelayBetweenAlerts, def.DelayBetweenAlerts),
		AlertConcurrency:       intOr("alertConcurrency", rf.AlertConcurrency, def.AlertConcurrency, greaterThanZero),
		AlertsPerPage:          intOr("alertsPerPage", rf.AlertsPerPage, def.AlertsPerPage, greaterThanZero),
		CareerCacheExpiration:  durOr("careerCacheExpiration", rf.CareerCacheExpiration, def.CareerCacheExpiration),
		EmojiCacheExpiration:   durOr("emojiCacheExpiration", rf.EmojiCacheExpiration, def.EmojiCacheExpiration),
		LoadoutCacheExpiration: durOr("loadoutCacheExpiration", rf.LoadoutCacheExpiration, def.LoadoutCacheExpiration),
		DeferInteractions:      boolOr(rf.DeferInteractions, true),
		UseShopCache:           boolOr(rf.UseShopCache, true),
		UseLoginQueue:          rf.UseLoginQueue,
		LoginQueueInterval:     durOr("loginQueueInterval", rf.LoginQueueInterval, def.LoginQueueInterval),
		LoginQueuePollRate:     durOr("loginQueuePollRate", rf.LoginQueuePollRate, def.LoginQueuePollRate),
		AuthFailureStrikes:     intOr("authFailureStrikes", rf.AuthFailureStrikes, def.AuthFailureStrikes, greaterThanZero),
		AutoRefreshTokens:      boolOr(rf.AutoRefreshTokens, true),
		TokenRefreshBuffer:     time.Duration(intOr("tokenRefreshBufferMinutes", rf.TokenRefreshBufferMinutes, def.TokenRefreshBufferMinutes, greaterThanZero)) * time.Minute,
		RateLimitBackoff:       durOr("rateLimitBackoff", rf.RateLimitBackoff, def.RateLimitBackoff),
		RateLimitCap:           durOr("rateLimitCap", rf.RateLimitCap, def.RateLimitCap),
		MaintenanceMode:        rf.MaintenanceMode,
		StatusMessage:          rf.Status,
		ShardReadyTimeout:      durOr("shardReadyTimeout", rf.ShardReadyTimeout, def.ShardReadyTimeout),
		StatsExpirationDays:    intOr("statsExpirationDays", rf.StatsExpirationDays, def.StatsExpirationDays, greaterThanZero),
		TrackStoreStats:        boolOr(rf.TrackStoreStats, true),
		LogToChannel:           rf.LogToChannel,
		LogURLs:                rf.LogUrls,
		VerboseLogging:         rf.VerboseLogging,
		Token:                  rf.Token,
	}
	return rc, warns
}

// runtimeKeyKinds перечисляет допустимые ключи команды `config <key> <value>`
// и способ приведения значения. Ключи совпадают с полями файла.
var runtimeKeyKinds = map[string]string{
	"shards":                    "string",
	"maxAccountsPerUser":        "int",
	"refreshSkins":              "string",
	"checkGameVersion":          "string",
	"refreshPrices":             "string",
	"updateUserAgent":           "string",
	"delayBetweenAlerts":        "duration",
	"alertConcurrency":          "int",
	"alertsPerPage":             "int",
	"careerCacheExpiration":     "duration",
	"emojiCacheExpiration":      "duration",
	"loadoutCacheExpiration":    "duration",
	"deferInteractions":         "bool",
	"useShopCache":              "bool",
	"useLoginQueue":             "bool",
	"loginQueueInterval":        "duration",
	"loginQueuePollRate":        "duration",
	"authFailureStrikes":        "int",
	"autoRefreshTokens":         "bool",
	"tokenRefreshBufferMinutes": "int",
	"rateLimitBackoff":          "duration",
	"rateLimitCap":              "duration",
	"maintenanceMode":           "bool",
	"status":                    "string",
	"shardReadyTimeout":         "duration",
	"statsExpirationDays":       "int",
	"trackStoreStats":           "bool",
	"logToChannel":              "string",
	"logFrequency":              "string",
	"logUrls":                   "bool",
	"verboseLogging":            "bool",
	"token":                     "string",
}

// SetRuntimeKey приводит value к типу ключа, переписывает файл конфигурации
// атомарно и перезагружает снапшот. Неизвестный ключ — ошибка. Неизвестные
// ключи, уже лежащие в файле (например, от новой версии), сохраняются как есть.
func SetRuntimeKey(key, value string) error {
	kind, ok := runtimeKeyKinds[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}

	var coerced any
	switch kind {
	case "int":
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config %s expects an integer: %w", key, err)
		}
		coerced = v
	case "bool":
		v, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config %s expects a boolean: %w", key, err)
		}
		coerced = v
	case "duration":
		if _, err := str2duration.ParseDuration(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("config %s expects a duration: %w", key, err)
		}
		coerced = strings.TrimSpace(value)
	default:
		coerced = value
	}

	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	path := Env().ConfigFile
	// Работаем с map, а не с runtimeFile: так не теряются ключи неизвестных версий.
	raw := map[string]any{}
	if err := storage.ReadJSON(path, &raw); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	raw[key] = coerced
	if err := storage.WriteJSONAtomic(path, raw); err != nil {
		return err
	}

	_, err := ReloadRuntime()
	return err
}

// RuntimeDump возвращает отсортированный текстовый дамп файла конфигурации для
// команды `config read`. Секретные значения маскируются.
func RuntimeDump() (string, error) {
	raw := map[string]json.RawMessage{}
	if err := storage.ReadJSON(Env().ConfigFile, &raw); err != nil {
		return "", err
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if k == "token" {
			fmt.Fprintf(&b, "%s = <redacted>\n", k)
			continue
		}
		fmt.Fprintf(&b, "%s = %s\n", k, string(raw[k]))
	}
	return b.String(), nil
}
