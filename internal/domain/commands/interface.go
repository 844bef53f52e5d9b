// Package commands предоставляет общий интерфейс для выполнения операторских
// команд. Команды используются как консольным адаптером, так и HTTP-срезом.
package commands

import (
	"context"
	"time"

	"valorant-skinbot/internal/domain/stats"
	"valorant-skinbot/internal/domain/user"
)

// Executor — интерфейс для выполнения команд управления ботом.
type Executor interface {
	// Status возвращает сводку по шарду: узлы, шина, хранилища, расписание
	Status(ctx context.Context) (*StatusResult, error)

	// Stats возвращает суточную статистику витрин за сегодня и вчера
	Stats(ctx context.Context) (*StatsResult, error)

	// ForceAlerts запускает внеочередной прогон оповещений на всех шардах
	ForceAlerts(ctx context.Context) error

	// DebugAlerts прогоняет пайплайн оповещений для одного пользователя
	DebugAlerts(ctx context.Context, id user.UserID) error

	// ShowUser возвращает агрегат пользователя для диагностического дампа
	ShowUser(ctx context.Context, id user.UserID) (*user.User, error)

	// Login привязывает аккаунт к пользователю по cookie-джару
	Login(ctx context.Context, id user.UserID, cookies string) (*LoginResult, error)

	// Redeem привязывает аккаунт по callback-URL авторизации
	Redeem(ctx context.Context, id user.UserID, callbackURL string) (*LoginResult, error)

	// Logout отвязывает аккаунт с указанным 1-based номером
	Logout(ctx context.Context, id user.UserID, accountIdx int) (*LogoutResult, error)

	// Maintenance переключает режим обслуживания и текст статуса
	Maintenance(ctx context.Context, on bool, text string) error

	// ReloadConfig перечитывает рантайм-конфигурацию и оповещает соседние шарды
	ReloadConfig(ctx context.Context) (*ReloadResult, error)

	// SetConfigKey меняет один ключ рантайм-конфигурации с записью в файл
	SetConfigKey(ctx context.Context, key, value string) error

	// ConfigDump возвращает текущую рантайм-конфигурацию в JSON
	ConfigDump(ctx context.Context) (string, error)

	// Version возвращает информацию о версии приложения и игры
	Version(ctx context.Context) (*VersionResult, error)
}

// StatusResult - результат команды Status
type StatusResult struct {
	ShardID    int  // номер шарда
	ShardCount int  // размер кластера
	Leader     bool // является ли шард лидером

	StartedAt time.Time     // момент запуска процесса
	Uptime    time.Duration // время с момента запуска

	Nodes       map[string]string // состояния узлов жизненного цикла
	OwnedRoutes int               // маршруты доставки, закреплённые за шардом
	SharedUp    bool              // доступно ли общее хранилище

	Users            int       // пользователей в локальной базе
	GameVersion      string    // версия клиента игры из каталога
	CatalogSkins     int       // скинов в снимке каталога
	CatalogFetchedAt time.Time // когда снимок каталога был получен

	NextRuns map[string]time.Time // ближайшие запуски задач планировщика
	Location *time.Location       // таймзона для отображения
}

// StatsResult - результат команды Stats
type StatsResult struct {
	Today     *stats.DaySummary // сводка за текущие сутки
	Yesterday *stats.DaySummary // сводка за предыдущие сутки
}

// ReloadResult - результат команды ReloadConfig
type ReloadResult struct {
	Warnings []string // предупреждения нормализации конфигурации
}

// LoginResult - результат команд Login и Redeem
type LoginResult struct {
	Puuid    user.Puuid // идентификатор привязанного аккаунта
	Username string     // игровое имя аккаунта
	Region   string     // регион аккаунта
	Accounts int        // сколько аккаунтов теперь у пользователя
}

// LogoutResult - результат команды Logout
type LogoutResult struct {
	Username    string // имя отвязанного аккаунта
	Remaining   int    // сколько аккаунтов осталось у пользователя
	UserDeleted bool   // пользователь удалён вместе с последним аккаунтом
}

// VersionResult - результат команды Version
type VersionResult struct {
	Name        string // название приложения
	Version     string // версия сборки
	GameVersion string // версия клиента игры (пустая, если ещё не известна)
}
