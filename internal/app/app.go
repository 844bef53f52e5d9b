// Package app — верхний уровень сборки шарда. Здесь конфигурация, общее
// хранилище, шина, локальные базы и доменные сервисы связываются в одно
// приложение: регистрируются узлы жизненного цикла, обработчики шины и задачи
// расписания, поднимаются операторские срезы (CLI и ops-HTTP). Отсюда же
// организуется корректный shutdown: сигнал процесса превращается в остановку
// узлов в обратном порядке и широковещание process_exit остальным шардам.
package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/adapters/cli"
	"valorant-skinbot/internal/adapters/web"
	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/cluster/barrier"
	"valorant-skinbot/internal/cluster/bus"
	"valorant-skinbot/internal/domain/alerts"
	"valorant-skinbot/internal/domain/catalog"
	"valorant-skinbot/internal/domain/commands"
	"valorant-skinbot/internal/domain/livematch"
	"valorant-skinbot/internal/domain/locale"
	"valorant-skinbot/internal/domain/notify"
	"valorant-skinbot/internal/domain/player"
	"valorant-skinbot/internal/domain/shop"
	"valorant-skinbot/internal/domain/stats"
	"valorant-skinbot/internal/emoji"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/concurrency"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/lifecycle"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/ratelimit"
	"valorant-skinbot/internal/infra/sharedstore"
	"valorant-skinbot/internal/riot/auth"
	"valorant-skinbot/internal/riot/client"
	"valorant-skinbot/internal/storage/users"
	"valorant-skinbot/internal/support/debug"
)

// Options — внешние порты приложения, которые подключает адаптер
// представления. Нулевые значения дают автономный режим: уведомления уходят
// в консольный порт, прогрев эмодзи пропускается.
type Options struct {
	Notify  notify.Port    // транспорт уведомлений; nil — notify.Console
	Uploads emoji.Uploader // загрузчик эмодзи платформы; nil — прогрев выключен
	Emojis  []emoji.Spec   // набор эмодзи, который должен существовать у приложения
}

// App агрегирует подсистемы шарда и управляет их связью.
// Отвечает за:
//   - идентичность шарда и подключение к общему хранилищу,
//   - сборку доменных сервисов поверх HTTP-клиента игровых API,
//   - регистрацию обработчиков шины и задач расписания,
//   - запуск узлов жизненного цикла и корректное завершение.
type App struct {
	mainCtx    context.Context    // контекст жизненного цикла процесса
	mainCancel context.CancelFunc // инициирует общий shutdown
	opts       Options            // внешние порты от адаптера представления

	id        cluster.Identity // место шарда в кластере
	clk       clock.Clock      // часы приложения в его таймзоне
	startedAt time.Time        // момент запуска, для аптайма в статусе

	shared  *sharedstore.Store // общее хранилище: шина, блокировки, кэши, счётчики
	b       *bus.Bus           // межшардовые сообщения: широковещание и адресные доставки
	barrier *barrier.Barrier   // задвижка готовности кластера
	users   *users.Store       // локальная база пользователей и аккаунтов
	riot    *client.Client     // HTTP-клиент игровых API с лимитером и версией клиента
	authsvc *auth.Service      // переавторизация аккаунтов и очередь логинов
	catalog *catalog.Catalog   // снимок каталога предметов и цен
	emojis  *emoji.Registry    // реестр эмодзи уровня приложения
	tracker *stats.Tracker     // счётчики показов витрин
	shops   *shop.Service      // витрины по запросу с кэшем до конца ротации
	players *player.Service    // баланс, коллекция и карьера игрока
	matches *livematch.Service // агрегатор живого матча
	poller  *livematch.Poller  // наблюдение за переходом pregame → ingame
	locales *locale.Resolver   // выбор локали ответов
	alerts  *alerts.Engine     // ежедневный прогон витрин против алертов
	sched   *shardSchedule     // планировщик с задачами шарда
	relay   *notify.Relay      // приём адресных доставок с шины
	port    notify.Port        // локальный порт уведомлений

	executor commands.Executor // исполнитель операторских команд
	cliSvc   *cli.Service      // консоль оператора
	webSrv   *web.Server       // ops-HTTP; nil, если OPS_ADDR пуст

	life *lifecycle.Manager // узлы жизненного цикла и порядок их остановки

	// exitFromPeer выставляется обработчиком process_exit: остановка пришла
	// с шины, и повторно рассылать её при собственном shutdown не нужно.
	exitFromPeer atomic.Bool
}

// Services — доменные сервисы шарда, которые обвязка отдаёт адаптеру
// представления: запросные операции (витрина, ночной рынок, баланс,
// коллекция, живой матч) и реестр эмодзи для оформления ответов.
type Services struct {
	Shops   *shop.Service
	Players *player.Service
	Matches *livematch.Service
	Poller  *livematch.Poller
	Locales *locale.Resolver
	Emojis  *emoji.Registry
}

// NewApp создаёт каркас приложения. Фактическая сборка выполняется в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, opts Options) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		opts:       opts,
	}
}

// Services возвращает запросные сервисы шарда. Доступны после успешного Run;
// до него все поля nil.
func (a *App) Services() Services {
	return Services{
		Shops:   a.shops,
		Players: a.players,
		Matches: a.matches,
		Poller:  a.poller,
		Locales: a.locales,
		Emojis:  a.emojis,
	}
}

// Run собирает подсистемы, запускает узлы жизненного цикла и блокируется до
// отмены основного контекста. Возвращает ошибку, если сборка или запуск не
// удались; ошибки остановки узлов тоже не глотаются.
func (a *App) Run() error {
	env := config.Env()
	a.id = cluster.NewIdentity(env.ShardID, env.ShardCount)
	a.clk = clock.NewSystem(config.AppLocation)
	a.startedAt = a.clk.Now()
	debug.DEBUG = logger.IsDebugEnabled()

	logger.Infof("shard %s initializing", a.id)

	a.life = lifecycle.New(a.mainCtx)
	if err := a.buildServices(); err != nil {
		return err
	}
	a.registerBusHandlers()
	a.registerReloadHooks()
	if err := a.registerNodes(); err != nil {
		return err
	}

	if err := a.life.StartAll(); err != nil {
		// Частично поднятые узлы гасим сразу, иначе их горутины переживут Run.
		_ = a.life.Shutdown()
		return errors.Wrap(err, "start services")
	}
	logger.Infof("shard %s running", a.id)

	if err := concurrency.StartTimeoutTimer(a.mainCtx, env.AutoShutdownSec, a.mainCancel); err != nil {
		logger.Errorf("auto-shutdown timer: %v", err)
	}

	<-a.mainCtx.Done()
	logger.Info("Shutdown signal received, stopping shard...")
	a.broadcastExit()
	return a.life.Shutdown()
}

// buildServices конструирует подсистемы в порядке зависимостей. Здесь только
// сборка: фоновые горутины стартуют позже, в узлах жизненного цикла.
func (a *App) buildServices() error {
	env := config.Env()

	a.shared = sharedstore.New(env.RedisAddr, env.RedisPassword, env.RedisDB)
	a.b = bus.New(a.id, a.shared)
	a.barrier = barrier.New(a.id, a.shared, func(ctx context.Context) error {
		return a.b.Broadcast(ctx, bus.AllShardsReady{})
	})

	st, err := users.Open(a.mainCtx, config.DataPath("users.db"), a.clk)
	if err != nil {
		return errors.Wrap(err, "open user store")
	}
	a.users = st

	a.riot = client.New(ratelimit.New(a.shared, a.clk))
	a.authsvc = auth.New(a.users, a.riot, a.shared, a.clk)
	a.catalog = catalog.New(a.riot, a.id, a.b, config.DataPath("skins.json"), a.clk)

	reg, err := emoji.Open(config.DataPath("emoji.db"), a.id, a.b, a.clk)
	if err != nil {
		return errors.Wrap(err, "open emoji registry")
	}
	a.emojis = reg

	a.tracker = stats.New(a.shared, config.DataPath("stats.json"), a.clk)
	a.shops = shop.New(a.users, a.authsvc, a.riot, a.catalog, a.shared, a.clk)
	a.players = player.New(a.users, a.authsvc, a.riot, a.catalog, a.shared, a.clk)
	a.matches = livematch.New(a.authsvc, a.riot, a.catalog, a.clk)
	a.poller = livematch.NewPoller(a.matches)
	a.locales = locale.NewResolver(a.users)

	a.port = a.opts.Notify
	if a.port == nil {
		a.port = notify.NewConsole()
	}
	a.relay = notify.NewRelay(a.b, a.port)
	a.alerts = alerts.New(a.users, a.shops, a.port, a.b, a.tracker, a.id, a.clk)
	a.sched = newShardSchedule(a)

	a.executor = commands.NewExecutor(commands.Deps{
		Identity:  a.id,
		StartedAt: a.startedAt,
		Users:     a.users,
		Catalog:   a.catalog,
		Tracker:   a.tracker,
		Bus:       a.b,
		Riot:      a.riot,
		Shared:    a.shared,
		Alerts:    a.alerts,
		Auth:      a.authsvc,
		Nodes:     a.life,
		Schedule:  a.sched.inner,
		Clock:     a.clk,
	})
	a.cliSvc = cli.NewService(a.executor, a.mainCancel)
	if env.OpsAddr != "" {
		a.webSrv = web.NewServer(a.executor)
	}
	return nil
}

// broadcastExit рассылает process_exit, если остановку инициировал этот шард.
// Пришедшая с шины остановка повторно не рассылается.
func (a *App) broadcastExit() {
	if a.exitFromPeer.Load() || a.b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), exitBroadcastTimeout)
	defer cancel()
	if err := a.b.Broadcast(ctx, bus.ProcessExit{}); err != nil {
		logger.Warnf("process_exit broadcast failed: %v", err)
	}
}
