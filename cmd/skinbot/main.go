package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"valorant-skinbot/internal/app"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/pr"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assign stdout and stderr", zap.Error(err))
	}

	// envPath указывает на .env; пустое значение означает, что хватает
	// реального окружения (контейнер, systemd).
	envPath := flag.String("env", "", "path to .env file (optional)")
	flag.Parse()

	// config.Load читает окружение и файл рантайм-конфигурации.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	// Часовая зона приложения зафиксирована при загрузке конфигурации.
	// Влияет глобально на time.Local.
	time.Local = config.AppLocation //nolint:reassign // намеренно задаём часовую зону процесса

	// logger.Init задаёт уровень, SetWriters направляет вывод в подсистему pr
	// (чтобы логи уживались с приглашением CLI), SetFile включает ротацию.
	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if cfg := config.Env(); cfg.LogFile != "" {
		logger.SetFile(cfg.LogFile, cfg.LogFileMaxSize, cfg.LogFileMaxBackups, cfg.LogFileMaxAge)
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM). Важно:
	// stop() нужно вызвать, чтобы снять подписку.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Автономный запуск: уведомления в консоль, без прогрева эмодзи.
	// Адаптер представления передаёт сюда свои порты.
	a := app.NewApp(ctx, stop, app.Options{})
	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	// Освобождаем обработчик сигналов и закрываем ресурсы bootstrap-уровня.
	stop()
	logger.Info("Graceful shutdown complete")
}
