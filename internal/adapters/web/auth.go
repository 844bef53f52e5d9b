package web

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthManager проверяет операторский токен и ведёт браузерные сессии
// HTTP-среза. API-клиенты предъявляют токен в каждом запросе; браузер
// обменивает его на короткоживущую cookie-сессию.
type AuthManager struct {
	mu         sync.RWMutex
	token      string              // операторский токен из окружения
	sessions   map[string]*Session // sessionID -> Session
	sessionTTL time.Duration       // время жизни сессии
}

// Session представляет активную сессию оператора
type Session struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
}

// NewAuthManager создает новый менеджер аутентификации
func NewAuthManager(token string, sessionTTL time.Duration) *AuthManager {
	return &AuthManager{
		token:      token,
		sessions:   make(map[string]*Session),
		sessionTTL: sessionTTL,
	}
}

// TokenMatches сравнивает предъявленный токен с операторским без создания
// сессии. Пустой операторский токен не совпадает ни с чем: поверхность без
// настроенного токена не поднимается вовсе.
func (am *AuthManager) TokenMatches(token string) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return token != "" && am.token != "" && token == am.token
}

// ValidateToken проверяет токен и создает новую сессию
func (am *AuthManager) ValidateToken(token string) (string, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if token == "" || am.token == "" || token != am.token {
		return "", false
	}

	// Создаем новую сессию
	sessionID := uuid.New().String()
	now := time.Now()
	am.sessions[sessionID] = &Session{
		ID:        sessionID,
		CreatedAt: now,
		LastSeen:  now,
	}

	return sessionID, true
}

// ValidateSession проверяет сессию и обновляет LastSeen
func (am *AuthManager) ValidateSession(sessionID string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	session, exists := am.sessions[sessionID]
	if !exists {
		return false
	}

	// Проверяем, не истекла ли сессия
	if time.Since(session.LastSeen) > am.sessionTTL {
		delete(am.sessions, sessionID)
		return false
	}

	// Обновляем LastSeen
	session.LastSeen = time.Now()
	return true
}

// InvalidateSession удаляет сессию
func (am *AuthManager) InvalidateSession(sessionID string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	delete(am.sessions, sessionID)
}

// CleanExpiredSessions удаляет истекшие сессии
func (am *AuthManager) CleanExpiredSessions() {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := time.Now()
	for id, session := range am.sessions {
		if now.Sub(session.LastSeen) > am.sessionTTL {
			delete(am.sessions, id)
		}
	}
}
