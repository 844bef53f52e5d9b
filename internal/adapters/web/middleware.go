package web

import (
	"net/http"
	"strings"

	"valorant-skinbot/internal/infra/logger"
)

const (
	sessionCookieName = "skinbot_session"
	sessionMaxAge     = 3600 // 1 час в секундах
)

// authMiddleware проверяет авторизацию запроса: заголовок Bearer для
// API-клиентов либо cookie-сессия для браузера. Токен из query-параметра
// обменивается на сессию и срезается редиректом, чтобы не оседать в истории
// браузера.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Путь API-клиентов: токен в каждом запросе, без сессий и cookie.
		if h := r.Header.Get("Authorization"); h != "" {
			token, ok := strings.CutPrefix(h, "Bearer ")
			if ok && s.auth.TokenMatches(token) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn("Invalid bearer token attempt")
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Проверяем токен из query параметра (для первичной авторизации)
		token := r.URL.Query().Get("token")
		if token != "" {
			sessionID, valid := s.auth.ValidateToken(token)
			if valid {
				// Устанавливаем cookie с session ID
				http.SetCookie(w, &http.Cookie{
					Name:     sessionCookieName,
					Value:    sessionID,
					Path:     "/",
					MaxAge:   sessionMaxAge,
					HttpOnly: true,
					SameSite: http.SameSiteStrictMode,
				})
				// Редирект на тот же путь без токена в URL
				q := r.URL.Query()
				q.Del("token")
				r.URL.RawQuery = q.Encode()
				http.Redirect(w, r, r.URL.String(), http.StatusSeeOther)
				return
			}
			// Невалидный токен
			logger.Warn("Invalid auth token attempt")
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Проверяем существующую сессию через cookie
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			s.unauthorized(w, r)
			return
		}

		// Валидируем сессию
		if !s.auth.ValidateSession(cookie.Value) {
			logger.Debug("Session expired or invalid")
			s.unauthorized(w, r)
			return
		}

		// Обновляем cookie: сессия скользящая
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    cookie.Value,
			Path:     "/",
			MaxAge:   sessionMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})

		next.ServeHTTP(w, r)
	})
}

// unauthorized отвечает 401 в формате конверта.
func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Unauthorized access: %s %s from %s",
		r.Method, r.URL.Path, r.RemoteAddr)
	writeJSONError(w, http.StatusUnauthorized, "authentication required")
}

// loggingMiddleware логирует все запросы. Query-строка в лог не попадает:
// в ней может приезжать операторский токен.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
