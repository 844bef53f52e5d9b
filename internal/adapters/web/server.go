// Package web — операторский HTTP-срез поверх commands.Executor: живость
// процесса, статус шарда, суточная статистика и хвост логов. Поверхность
// отдаёт JSON, включается переменной OPS_ADDR и закрыта операторским токеном.
package web

import (
	"context"
	"net/http"
	"time"

	"valorant-skinbot/internal/domain/commands"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Server представляет операторский HTTP-сервер.
type Server struct {
	srv      *http.Server
	auth     *AuthManager
	executor commands.Executor
	ctx      context.Context
	cancel   context.CancelFunc
}

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	cleanExpiredSessionsInterval = 3 * time.Minute
)

// NewServer собирает операторский HTTP-срез. Адрес и токен берутся из
// bootstrap-окружения; что токен задан вместе с адресом, проверено при
// загрузке конфигурации.
func NewServer(executor commands.Executor) *Server {
	// Браузерные сессии живут час и продлеваются активностью.
	auth := NewAuthManager(config.Env().OpsToken, time.Hour)

	s := &Server{
		auth:     auth,
		executor: executor,
	}

	mux := http.NewServeMux()

	// Публичные эндпоинты (без авторизации)
	mux.HandleFunc("/healthz", s.handleHealth)

	// Защищённые эндпоинты (требуют операторский токен)
	protected := http.NewServeMux()
	protected.HandleFunc("/api/status", s.handleAPIStatus)
	protected.HandleFunc("/api/stats", s.handleAPIStats)
	protected.HandleFunc("/api/logs", s.handleAPILogs)
	protected.HandleFunc("/api/config", s.handleAPIConfig)
	protected.HandleFunc("/api/version", s.handleAPIVersion)

	mux.Handle("/", s.authMiddleware(protected))

	s.srv = &http.Server{
		Addr:         config.Env().OpsAddr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s
}

// Start запускает сервер и блокируется до его остановки.
func (s *Server) Start() error {
	logger.Info("Starting ops server", zap.String("address", s.srv.Addr))

	// Фоновая очистка истёкших браузерных сессий.
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.cleanupLoop(s.ctx)

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "ops server")
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down ops server...")
	if s.cancel != nil {
		s.cancel()
	}
	return s.srv.Shutdown(ctx)
}

// cleanupLoop периодически очищает истекшие сессии.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanExpiredSessionsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.auth.CleanExpiredSessions()
		}
	}
}

// handleHealth — проверка живости процесса.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	writeResponse(w, []byte("OK"))
}
