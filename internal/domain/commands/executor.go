package commands

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/cluster/bus"
	"valorant-skinbot/internal/domain/catalog"
	"valorant-skinbot/internal/domain/stats"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/sharedstore"
	"valorant-skinbot/internal/infra/timeutil"
	"valorant-skinbot/internal/riot/client"
	"valorant-skinbot/internal/riot/rerr"
	"valorant-skinbot/internal/storage/users"
	versioninfo "valorant-skinbot/internal/support/version"
)

// AlertRunner — срез движка оповещений, нужный командам.
type AlertRunner interface {
	ForceRun(ctx context.Context) error
	DebugRun(ctx context.Context, id user.UserID) error
}

// AccountLinker — операции привязки аккаунтов из ядра аутентификации.
type AccountLinker interface {
	RedeemCookies(ctx context.Context, id user.UserID, cookies string) (*user.Account, error)
	RedeemCodeCallback(ctx context.Context, id user.UserID, callbackURL string) (*user.Account, error)
}

// NodeStater отдаёт состояния узлов жизненного цикла приложения.
type NodeStater interface {
	Status() map[string]string
}

// ScheduleView отдаёт времена ближайших запусков задач планировщика.
type ScheduleView interface {
	NextRuns() map[string]time.Time
}

// Deps — зависимости исполнителя команд. Поля могут быть nil: команда,
// которой зависимость необходима, отвечает явной ошибкой, остальные
// продолжают работать с тем, что есть.
type Deps struct {
	Identity  cluster.Identity
	StartedAt time.Time

	Users   *users.Store
	Catalog *catalog.Catalog
	Tracker *stats.Tracker
	Bus     *bus.Bus
	Riot    *client.Client
	Shared  *sharedstore.Store

	Alerts   AlertRunner
	Auth     AccountLinker
	Nodes    NodeStater
	Schedule ScheduleView

	Clock clock.Clock
}

// CommandExecutor - реализация интерфейса Executor
type CommandExecutor struct {
	d   Deps
	clk clock.Clock

	forceRunning atomic.Bool // защита от наложения команд forcealerts
}

// NewExecutor создает новый экземпляр CommandExecutor
func NewExecutor(d Deps) *CommandExecutor {
	clk := d.Clock
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	return &CommandExecutor{d: d, clk: clk}
}

// Status возвращает сводку по шарду: узлы, шина, хранилища, расписание.
func (e *CommandExecutor) Status(ctx context.Context) (*StatusResult, error) {
	res := &StatusResult{
		ShardID:    e.d.Identity.ShardID,
		ShardCount: e.d.Identity.ShardCount,
		Leader:     e.d.Identity.IsLeader(),
		StartedAt:  e.d.StartedAt,
		SharedUp:   e.d.Shared.Available(),
		Location:   config.AppLocation,
	}
	if !e.d.StartedAt.IsZero() {
		res.Uptime = e.clk.Since(e.d.StartedAt).Round(time.Second)
	}
	if e.d.Nodes != nil {
		res.Nodes = e.d.Nodes.Status()
	}
	if e.d.Bus != nil {
		res.OwnedRoutes = e.d.Bus.OwnedCount()
	}
	if e.d.Users != nil {
		ids, err := e.d.Users.AllUserIDs(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "count users")
		}
		res.Users = len(ids)
	}
	if e.d.Catalog != nil {
		if snap := e.d.Catalog.Snapshot(); snap != nil {
			res.GameVersion = snap.GameVersion
			res.CatalogSkins = len(snap.Skins)
			res.CatalogFetchedAt = snap.FetchedAt
		}
	}
	if e.d.Schedule != nil {
		res.NextRuns = e.d.Schedule.NextRuns()
	}
	return res, nil
}

// Stats возвращает суточную статистику за сегодня и вчера.
func (e *CommandExecutor) Stats(ctx context.Context) (*StatsResult, error) {
	if e.d.Tracker == nil {
		return nil, errors.New("stats tracker is not available")
	}

	now := e.clk.Now()
	today, err := e.d.Tracker.Summary(ctx, timeutil.DayKey(now))
	if err != nil {
		return nil, errors.Wrap(err, "today summary")
	}
	yesterday, err := e.d.Tracker.Summary(ctx, timeutil.DaysAgoKey(now, 1))
	if err != nil {
		return nil, errors.Wrap(err, "yesterday summary")
	}
	return &StatsResult{Today: today, Yesterday: yesterday}, nil
}

// ForceAlerts запускает внеочередной прогон оповещений на всех шардах.
// Повторный вызов при незавершённом предыдущем отклоняется.
func (e *CommandExecutor) ForceAlerts(ctx context.Context) error {
	if e.d.Alerts == nil {
		return errors.New("alert engine is not available")
	}
	if !e.forceRunning.CompareAndSwap(false, true) {
		return errors.New("force run is already in flight")
	}
	defer e.forceRunning.Store(false)

	logger.Infof("commands: запрошен внеочередной прогон оповещений")
	return e.d.Alerts.ForceRun(ctx)
}

// DebugAlerts прогоняет пайплайн оповещений для одного пользователя, минуя
// партицию и расписание.
func (e *CommandExecutor) DebugAlerts(ctx context.Context, id user.UserID) error {
	if e.d.Alerts == nil {
		return errors.New("alert engine is not available")
	}
	return e.d.Alerts.DebugRun(ctx, id)
}

// ShowUser возвращает агрегат пользователя. Маскировка токенов — забота
// печатающей стороны.
func (e *CommandExecutor) ShowUser(ctx context.Context, id user.UserID) (*user.User, error) {
	if e.d.Users == nil {
		return nil, errors.New("user store is not available")
	}
	u, err := e.d.Users.GetUser(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get user %s", id)
	}
	if u == nil {
		return nil, errors.Wrapf(rerr.ErrNotFound, "user %s", id)
	}
	return u, nil
}

// Login привязывает аккаунт по cookie-джару. Значения cookie в логи и в
// результат не попадают.
func (e *CommandExecutor) Login(ctx context.Context, id user.UserID, cookies string) (*LoginResult, error) {
	if e.d.Auth == nil {
		return nil, errors.New("auth service is not available")
	}
	acc, err := e.d.Auth.RedeemCookies(ctx, id, cookies)
	if err != nil {
		return nil, err
	}
	logger.Infof("commands: пользователю %s привязан аккаунт %s", id, acc.Username)
	return e.loginResult(ctx, id, acc), nil
}

// Redeem привязывает аккаунт по callback-URL авторизации.
func (e *CommandExecutor) Redeem(ctx context.Context, id user.UserID, callbackURL string) (*LoginResult, error) {
	if e.d.Auth == nil {
		return nil, errors.New("auth service is not available")
	}
	acc, err := e.d.Auth.RedeemCodeCallback(ctx, id, callbackURL)
	if err != nil {
		return nil, err
	}
	logger.Infof("commands: пользователю %s привязан аккаунт %s (callback)", id, acc.Username)
	return e.loginResult(ctx, id, acc), nil
}

// loginResult собирает ответ команды привязки. Число аккаунтов читается из
// свежего агрегата; его отсутствие не делает успешную привязку ошибкой.
func (e *CommandExecutor) loginResult(ctx context.Context, id user.UserID, acc *user.Account) *LoginResult {
	res := &LoginResult{Puuid: acc.Puuid, Username: acc.Username, Region: acc.Region}
	if e.d.Users != nil {
		if u, err := e.d.Users.GetUser(ctx, id); err == nil && u != nil {
			res.Accounts = len(u.Accounts)
		}
	}
	return res
}

// Logout отвязывает аккаунт с номером accountIdx (1-based). Вместе с последним
// аккаунтом удаляется и сам пользователь.
func (e *CommandExecutor) Logout(ctx context.Context, id user.UserID, accountIdx int) (*LogoutResult, error) {
	if e.d.Users == nil {
		return nil, errors.New("user store is not available")
	}
	u, err := e.d.Users.GetUser(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get user %s", id)
	}
	if u == nil {
		return nil, errors.Wrapf(rerr.ErrNotFound, "user %s", id)
	}
	acc := u.Account(accountIdx)
	if acc == nil {
		return nil, errors.Errorf("user %s has no account #%d", id, accountIdx)
	}

	u.RemoveAccountByPuuid(acc.Puuid)
	res := &LogoutResult{Username: acc.Username, Remaining: len(u.Accounts)}
	if len(u.Accounts) == 0 {
		if err := e.d.Users.DeleteUser(ctx, id); err != nil {
			return nil, errors.Wrapf(err, "delete user %s", id)
		}
		res.UserDeleted = true
	} else if err := e.d.Users.SaveUser(ctx, u); err != nil {
		return nil, errors.Wrapf(err, "save user %s", id)
	}
	logger.Infof("commands: у пользователя %s отвязан аккаунт %s", id, acc.Username)
	return res, nil
}

// Maintenance переключает режим обслуживания. Непустой текст показывается
// пользователям на время работ; при выключении текст сбрасывается.
func (e *CommandExecutor) Maintenance(ctx context.Context, on bool, text string) error {
	if err := config.SetRuntimeKey("maintenanceMode", strconv.FormatBool(on)); err != nil {
		return err
	}
	// Выключение сбрасывает статусный текст; включение без текста оставляет прежний.
	if !on {
		text = ""
	}
	if !on || text != "" {
		if err := config.SetRuntimeKey("status", text); err != nil {
			return err
		}
	}
	logger.Infof("commands: режим обслуживания: %t", on)
	e.notifyPeers(ctx)
	return nil
}

// ReloadConfig перечитывает рантайм-слой и рассылает config_reload: соседние
// шарды перечитывают свой файл сами. Обработчик на шине пропускает сообщение
// от собственного шарда, поэтому двойной перезагрузки у отправителя нет.
func (e *CommandExecutor) ReloadConfig(ctx context.Context) (*ReloadResult, error) {
	warns, err := config.ReloadRuntime()
	if err != nil {
		return nil, errors.Wrap(err, "reload runtime config")
	}
	e.notifyPeers(ctx)
	return &ReloadResult{Warnings: warns}, nil
}

// SetConfigKey меняет один ключ конфигурации. Запись атомарная, локальный
// снапшот обновляется внутри SetRuntimeKey, соседям уходит config_reload.
func (e *CommandExecutor) SetConfigKey(ctx context.Context, key, value string) error {
	if err := config.SetRuntimeKey(key, value); err != nil {
		return err
	}
	logger.Infof("commands: ключ конфигурации %s обновлён", key)
	e.notifyPeers(ctx)
	return nil
}

// ConfigDump возвращает текстовый дамп конфигурации с замаскированными секретами.
func (e *CommandExecutor) ConfigDump(ctx context.Context) (string, error) {
	return config.RuntimeDump()
}

// Version возвращает версию сборки и известную версию клиента игры.
func (e *CommandExecutor) Version(ctx context.Context) (*VersionResult, error) {
	res := &VersionResult{
		Name:    versioninfo.Name,
		Version: versioninfo.Version,
	}
	if e.d.Riot != nil {
		res.GameVersion = e.d.Riot.Version().ClientVersion
	}
	return res, nil
}

// notifyPeers рассылает config_reload; отказ шины не считается ошибкой команды.
func (e *CommandExecutor) notifyPeers(ctx context.Context) {
	if e.d.Bus == nil {
		return
	}
	if err := e.d.Bus.Broadcast(ctx, bus.ConfigReload{}); err != nil {
		logger.Warnf("commands: рассылка config_reload не удалась: %v", err)
	}
}
