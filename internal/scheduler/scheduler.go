// Package scheduler — крон фоновых задач. Выражения приходят из конфигурации
// (шесть полей, с секундами) и исполняются в таймзоне приложения; после
// перезагрузки конфигурации крон пересобирается с новыми выражениями.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"

	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
)

// stopGrace — сколько Stop ждёт завершения уже идущих задач. Задачи держат
// контекст запуска, поэтому зависшая задача умрёт вместе с ним, а не со Stop.
const stopGrace = 5 * time.Second

// Task — одна фоновая задача расписания.
type Task func(ctx context.Context)

// Tasks — назначение задач записям расписания. Нулевые поля не планируются:
// так обвязка отключает лидерские задачи на репликах.
type Tasks struct {
	RefreshSkins     Task // прогон оповещений по витринам
	CheckGameVersion Task // обновление версии игрового клиента
	RefreshPrices    Task // актуализация каталога и цен
	UpdateUserAgent  Task // обновление платформенных заголовков
	ForwardLogs      Task // трансляция накопленных логов
}

// Scheduler потокобезопасен. Между Stop и следующим Start расписание молчит.
type Scheduler struct {
	tasks Tasks

	mu    sync.Mutex
	cron  *cron.Cron
	names map[cron.EntryID]string
}

// New создаёт планировщик с назначенными задачами.
func New(tasks Tasks) *Scheduler {
	return &Scheduler{tasks: tasks}
}

// Start собирает крон из текущей конфигурации и запускает его. Повторный
// вызов пересобирает расписание: старый крон останавливается только после
// успешной сборки нового, поэтому кривое выражение в перечитанной
// конфигурации оставляет прежнее расписание в силе.
func (s *Scheduler) Start(ctx context.Context) error {
	rc := config.Runtime()
	specs := []entrySpec{
		{"refreshSkins", rc.RefreshSkins, s.tasks.RefreshSkins},
		{"checkGameVersion", rc.CheckGameVersion, s.tasks.CheckGameVersion},
		{"refreshPrices", rc.RefreshPrices, s.tasks.RefreshPrices},
		{"updateUserAgent", rc.UpdateUserAgent, s.tasks.UpdateUserAgent},
		{"logFrequency", rc.LogFrequency, s.tasks.ForwardLogs},
	}

	next, names, err := assemble(ctx, config.AppLocation, specs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stopLocked()
	next.Start()
	s.cron = next
	s.names = names
	s.mu.Unlock()

	logger.Infof("расписание: запущено задач %d, таймзона %s", len(names), config.AppLocation)
	return nil
}

// Stop останавливает расписание и недолго ждёт уже идущие задачи.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	s.cron = nil
	s.names = nil

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-done.Done():
	case <-timer.C:
		logger.Warnf("расписание: задачи не завершились за %s, бросаем", stopGrace)
	}
}

// NextRuns возвращает время ближайшего запуска каждой задачи. Пустая карта —
// расписание остановлено.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return map[string]time.Time{}
	}
	runs := make(map[string]time.Time, len(s.names))
	for _, e := range s.cron.Entries() {
		if name, ok := s.names[e.ID]; ok {
			runs[name] = e.Next
		}
	}
	return runs
}

type entrySpec struct {
	name string
	expr string
	task Task
}

// assemble собирает крон по списку записей. Записи без задачи или с пустым
// выражением пропускаются; кривое выражение — ошибка сборки целиком.
func assemble(ctx context.Context, loc *time.Location, specs []entrySpec) (*cron.Cron, map[cron.EntryID]string, error) {
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger{})),
	)
	names := make(map[cron.EntryID]string, len(specs))
	for _, spec := range specs {
		if spec.task == nil || spec.expr == "" {
			continue
		}
		name, task := spec.name, spec.task
		id, err := c.AddFunc(spec.expr, func() {
			logger.Debugf("расписание: запуск %s", name)
			task(ctx)
		})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "schedule %s %q", spec.name, spec.expr)
		}
		names[id] = name
	}
	return c, names, nil
}

// cronLogger адаптирует журнал приложения под контракт крона; используется
// восстановителем после паник в задачах.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	logger.Debugf("расписание: %s %v", msg, kv)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	logger.Errorf("расписание: %s: %v %v", msg, err, kv)
}
