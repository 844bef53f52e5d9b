// Файл runner.go — точка оркестрации: узлы жизненного цикла, обработчики шины
// и задачи расписания. Порядок запуска линейный (общее хранилище → шина →
// барьер → базы → каталог → планировщик → операторские срезы), остановка идёт
// в обратном порядке, чтобы отложенные записи успели сброситься до закрытия
// хранилищ.

package app

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/cluster/bus"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/riot/client"
	"valorant-skinbot/internal/scheduler"
	"valorant-skinbot/internal/support/debug"
)

const (
	// webShutdownTimeout — сколько ждём закрытия соединений ops-сервера.
	webShutdownTimeout = 10 * time.Second
	// exitBroadcastTimeout — сколько ждём публикации process_exit при останове.
	exitBroadcastTimeout = 3 * time.Second
)

// registerNodes описывает узлы жизненного цикла. Каждый узел зависит от
// предыдущего: фактический порядок старта совпадает с порядком регистрации,
// а Shutdown проходит его в обратную сторону.
func (a *App) registerNodes() error {
	if err := a.life.Register("shared_store", "", nil,
		func(ctx context.Context) (context.Context, error) {
			a.shared.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			a.shared.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.life.Register("bus", "", []string{"shared_store"},
		func(ctx context.Context) (context.Context, error) {
			a.b.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			a.b.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.life.Register("barrier", "", []string{"bus"},
		func(ctx context.Context) (context.Context, error) {
			a.barrier.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			a.barrier.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	// База открыта на этапе сборки; узел нужен, чтобы закрыть её после
	// остановки всех пишущих подсистем.
	if err := a.life.Register("user_store", "", []string{"barrier"},
		nil,
		func(context.Context) error {
			return errors.Wrap(a.users.Close(), "close user store")
		},
	); err != nil {
		return err
	}

	var authWG sync.WaitGroup
	if err := a.life.Register("auth_queue", "", []string{"user_store"},
		func(ctx context.Context) (context.Context, error) {
			authWG.Go(func() { a.authsvc.RunLoginQueue(ctx) })
			return nil, nil
		},
		func(context.Context) error {
			authWG.Wait()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.life.Register("catalog", "", []string{"auth_queue"},
		func(ctx context.Context) (context.Context, error) {
			a.catalog.Start(ctx)
			if a.id.IsLeader() {
				// Версию обновляем до bootstrap: свежеподнятый лидер сверяет
				// снимок каталога с фактической версией игры. Реплики получат
				// её этим же широковещанием.
				if v, err := a.riot.RefreshVersion(ctx); err == nil {
					a.broadcastVersion(ctx, v)
				}
			}
			if err := a.catalog.Bootstrap(ctx); err != nil {
				// Не фатально: снимок догонит ближайший плановый EnsureFresh.
				logger.Warnf("catalog bootstrap: %v", err)
			}
			return nil, nil
		},
		func(context.Context) error {
			a.catalog.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.life.Register("emoji_registry", "", []string{"catalog"},
		func(ctx context.Context) (context.Context, error) {
			a.warmupEmojis(ctx)
			return nil, nil
		},
		func(context.Context) error {
			return errors.Wrap(a.emojis.Close(), "close emoji registry")
		},
	); err != nil {
		return err
	}

	if err := a.life.Register("stats", "", []string{"emoji_registry"},
		func(ctx context.Context) (context.Context, error) {
			a.tracker.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			a.tracker.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.life.Register("scheduler", "", []string{"stats"},
		func(ctx context.Context) (context.Context, error) {
			return nil, a.sched.start(ctx)
		},
		func(context.Context) error {
			a.sched.stop()
			return nil
		},
	); err != nil {
		return err
	}

	if err := a.life.Register("cli", "", []string{"scheduler"},
		func(ctx context.Context) (context.Context, error) {
			a.cliSvc.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			a.cliSvc.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if a.webSrv != nil {
		if err := a.life.Register("ops_http", "", []string{"cli"},
			func(context.Context) (context.Context, error) {
				go func() {
					if err := a.webSrv.Start(); err != nil {
						logger.Errorf("ops server error: %v", err)
					}
				}()
				return nil, nil
			},
			func(context.Context) error {
				sctx, cancel := context.WithTimeout(context.Background(), webShutdownTimeout)
				defer cancel()
				return a.webSrv.Shutdown(sctx)
			},
		); err != nil {
			return err
		}
	}

	return nil
}

// registerBusHandlers подписывает приложение на сообщения кластера. Вызывается
// до старта шины, чтобы ранние сообщения не пролетали мимо обработчиков.
func (a *App) registerBusHandlers() {
	a.relay.Register()
	a.alerts.Register()
	a.emojis.Register()

	a.b.Handle(bus.KindAllShardsReady, func(_ context.Context, from int, _ bus.Message) {
		logger.Debugf("cluster readiness announced by shard %d", from)
		a.barrier.Open()
	})

	a.b.Handle(bus.KindConfigReload, func(_ context.Context, from int, _ bus.Message) {
		if from == a.id.ShardID {
			// Локальная перезагрузка уже выполнена исполнителем команды.
			return
		}
		warns, err := config.ReloadRuntime()
		if err != nil {
			logger.Errorf("config reload requested by shard %d failed: %v", from, err)
			return
		}
		for _, w := range warns {
			logger.Warn(w)
		}
		logger.Infof("config reloaded on request of shard %d", from)
	})

	a.b.Handle(bus.KindVersionData, func(_ context.Context, from int, msg bus.Message) {
		if from == a.id.ShardID {
			return
		}
		var v *bus.VersionData
		switch m := msg.(type) {
		case *bus.VersionData:
			v = m
		case bus.VersionData:
			v = &m
		default:
			return
		}
		a.riot.SetVersion(client.VersionInfo{ClientVersion: v.ClientVersion, UserAgent: v.UserAgent})
	})

	a.b.Handle(bus.KindSettingsInvalidate, func(_ context.Context, from int, msg bus.Message) {
		inv, ok := msg.(*bus.SettingsInvalidate)
		if !ok {
			return
		}
		// Чтения пользователей не кэшируются между прогонами, сбрасывать
		// нечего; фиксируем сигнал для диагностики.
		logger.Debugf("settings of user %s invalidated by shard %d", inv.UserID, from)
	})

	a.b.Handle(bus.KindProcessExit, func(_ context.Context, from int, _ bus.Message) {
		if from == a.id.ShardID {
			return
		}
		logger.Infof("process_exit received from shard %d, stopping", from)
		a.exitFromPeer.Store(true)
		a.mainCancel()
	})
}

// registerReloadHooks подписывает обвязку на перезагрузку рантайм-конфигурации:
// уровень логирования следует за verboseLogging, крон пересобирается с новыми
// выражениями.
func (a *App) registerReloadHooks() {
	env := config.Env()
	config.RegisterOnReload(func(rc *config.RuntimeConfig) {
		level := env.LogLevel
		if rc.VerboseLogging {
			level = "debug"
		}
		logger.SetLevel(level)
		debug.DEBUG = logger.IsDebugEnabled()
		a.sched.restart()
	})
}

// warmupEmojis прогревает реестр эмодзи на старте. Загружает только лидер и
// только когда адаптер представления дал загрузчик; остальным шардам реестр
// приедет широковещанием emoji_catalog_warm.
func (a *App) warmupEmojis(ctx context.Context) {
	if !a.id.IsLeader() || a.opts.Uploads == nil || len(a.opts.Emojis) == 0 {
		logger.Debugf("emoji warmup skipped")
		return
	}
	if err := a.emojis.Ensure(ctx, a.opts.Emojis, a.opts.Uploads); err != nil {
		logger.Warnf("emoji warmup: %v", err)
	}
}

// broadcastVersion разносит версию игрового клиента остальным шардам.
func (a *App) broadcastVersion(ctx context.Context, v client.VersionInfo) {
	if err := a.b.Broadcast(ctx, bus.VersionData{
		ClientVersion: v.ClientVersion,
		UserAgent:     v.UserAgent,
	}); err != nil {
		logger.Warnf("version broadcast: %v", err)
	}
}

// shardSchedule оборачивает планировщик задачами этого шарда и пересобирает
// расписание после перезагрузки конфигурации.
type shardSchedule struct {
	inner *scheduler.Scheduler

	mu  sync.Mutex
	ctx context.Context // контекст узла планировщика; nil до старта
}

// newShardSchedule назначает задачи по роли шарда. Лидерские задачи на
// репликах не планируются вовсе: версию игры, платформенные заголовки и
// трансляцию логов реплики получают по шине.
func newShardSchedule(a *App) *shardSchedule {
	t := scheduler.Tasks{
		RefreshSkins:  a.taskRefreshSkins,
		RefreshPrices: a.taskRefreshPrices,
	}
	if a.id.IsLeader() {
		t.CheckGameVersion = a.taskCheckGameVersion
		t.UpdateUserAgent = a.taskUpdateUserAgent
		t.ForwardLogs = a.taskForwardLogs
	}
	return &shardSchedule{inner: scheduler.New(t)}
}

func (s *shardSchedule) start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	return s.inner.Start(ctx)
}

func (s *shardSchedule) stop() {
	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
	s.inner.Stop()
}

// restart пересобирает крон с актуальными выражениями расписания. До старта
// узла и после его остановки — no-op.
func (s *shardSchedule) restart() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.inner.Stop()
	if err := s.inner.Start(ctx); err != nil {
		logger.Errorf("scheduler restart: %v", err)
	}
}

// taskRefreshSkins — плановый прогон оповещений. Ждёт готовности кластера:
// адресная доставка на полусобранном кластере не нашла бы владельцев каналов
// и зря мигрировала бы их в личные сообщения. Прогон по команде оператора
// задвижку не ждёт.
func (a *App) taskRefreshSkins(ctx context.Context) {
	if err := a.barrier.Wait(ctx); err != nil {
		logger.Warnf("scheduled alerts run skipped: %v", err)
		return
	}
	if err := a.alerts.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("scheduled alerts run: %v", err)
	}
}

// taskCheckGameVersion обновляет версию игрового клиента и разносит её по
// кластеру; вслед за сменой версии каталог перечитывает статические таблицы.
func (a *App) taskCheckGameVersion(ctx context.Context) {
	prev := a.riot.Version().ClientVersion
	v, err := a.riot.RefreshVersion(ctx)
	if err != nil {
		// Причина уже в логе, работаем на прежней версии.
		return
	}
	if v.ClientVersion != prev {
		a.broadcastVersion(ctx, v)
	}
	if err := a.catalog.EnsureFresh(ctx); err != nil {
		logger.Warnf("catalog refresh on version check: %v", err)
	}
}

// taskRefreshPrices актуализирует снимок каталога: лидер сверяет его с
// версией игры, реплика перечитывает файл лидера на случай пропущенного
// catalog_reload.
func (a *App) taskRefreshPrices(ctx context.Context) {
	if a.id.IsLeader() {
		if err := a.catalog.EnsureFresh(ctx); err != nil {
			logger.Warnf("scheduled catalog refresh: %v", err)
		}
		return
	}
	if err := a.catalog.ReloadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("scheduled snapshot reload: %v", err)
	}
}

// taskUpdateUserAgent обновляет юзер-агент авторизационных запросов. Версию и
// юзер-агент несёт один манифест, поэтому совпадающие по времени задачи
// схлопываются дедупликацией внутри клиента.
func (a *App) taskUpdateUserAgent(ctx context.Context) {
	prev := a.riot.Version().UserAgent
	v, err := a.riot.RefreshVersion(ctx)
	if err != nil || v.UserAgent == prev {
		return
	}
	a.broadcastVersion(ctx, v)
}

// taskForwardLogs дренирует кольцевой буфер лога в широковещание log_lines.
// Потребляет его адаптер представления; пока служебный канал не настроен,
// буфер не трогаем — его показывает /api/logs.
func (a *App) taskForwardLogs(ctx context.Context) {
	if config.Runtime().LogToChannel == "" {
		return
	}
	lines := logger.Drain()
	if len(lines) == 0 {
		return
	}
	if err := a.b.Broadcast(ctx, bus.LogLines{Lines: lines}); err != nil {
		logger.Warnf("log forwarding: %v", err)
	}
}
