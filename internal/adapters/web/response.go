package web

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"valorant-skinbot/internal/infra/logger"

	"go.uber.org/zap"
)

// envelope — единый формат ответов API: либо data, либо error.
type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// writeJSON сериализует полезную нагрузку в конверт {"ok":true,"data":...}.
func writeJSON(w http.ResponseWriter, status int, data any) {
	body, mErr := json.Marshal(envelope{OK: true, Data: data})
	if mErr != nil {
		logger.Errorf("Failed to encode response: %v", mErr)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	writeResponse(w, body)
}

// writeJSONError отвечает конвертом {"ok":false,"error":...} с заданным статусом.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	// Конверт из плоских полей сериализуется всегда.
	body, _ := json.Marshal(envelope{Error: msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	writeResponse(w, body)
}

// writeResponse записывает ответ в ResponseWriter с автоматическим логированием ошибок.
// Автоматически определяет место вызова для отладки.
func writeResponse(w http.ResponseWriter, data []byte) {
	var writeErr error

	if _, writeErr = w.Write(data); writeErr == nil {
		return
	}

	// Получаем информацию о вызывающей функции
	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, getwdErr := os.Getwd(); getwdErr == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}

	logger.Error("failed to write response",
		zap.String("caller", callerLocation),
		zap.Error(writeErr))
}
