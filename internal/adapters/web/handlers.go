package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"valorant-skinbot/internal/domain/stats"
	"valorant-skinbot/internal/infra/logger"
)

const shortTimeOut = 5 * time.Second

// defaultLogLines ограничивает хвост логов, если limit не задан явно.
const defaultLogLines = 100

// statusPayload — JSON-представление сводки по шарду.
type statusPayload struct {
	Shard            int               `json:"shard"`
	ShardCount       int               `json:"shardCount"`
	Role             string            `json:"role"`
	Uptime           string            `json:"uptime"`
	Users            int               `json:"users"`
	OwnedRoutes      int               `json:"ownedRoutes"`
	SharedUp         bool              `json:"sharedUp"`
	GameVersion      string            `json:"gameVersion,omitempty"`
	CatalogSkins     int               `json:"catalogSkins"`
	CatalogFetchedAt string            `json:"catalogFetchedAt,omitempty"`
	Nodes            map[string]string `json:"nodes,omitempty"`
	NextRuns         map[string]string `json:"nextRuns,omitempty"`
}

// handleAPIStatus возвращает сводку по шарду
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()

	result, eErr := s.executor.Status(ctx)
	if eErr != nil {
		logger.Errorf("Status command failed: %v", eErr)
		writeJSONError(w, http.StatusInternalServerError, eErr.Error())
		return
	}

	role := "replica"
	if result.Leader {
		role = "leader"
	}
	payload := statusPayload{
		Shard:            result.ShardID,
		ShardCount:       result.ShardCount,
		Role:             role,
		Uptime:           result.Uptime.String(),
		Users:            result.Users,
		OwnedRoutes:      result.OwnedRoutes,
		SharedUp:         result.SharedUp,
		GameVersion:      result.GameVersion,
		CatalogSkins:     result.CatalogSkins,
		CatalogFetchedAt: stamp(result.CatalogFetchedAt, result.Location),
		Nodes:            result.Nodes,
	}
	if len(result.NextRuns) > 0 {
		payload.NextRuns = make(map[string]string, len(result.NextRuns))
		for name, at := range result.NextRuns {
			payload.NextRuns[name] = stamp(at, result.Location)
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

// statsPayload — суточные сводки витрин.
type statsPayload struct {
	Today     *stats.DaySummary `json:"today"`
	Yesterday *stats.DaySummary `json:"yesterday"`
}

// handleAPIStats возвращает статистику витрин за сегодня и вчера
func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()

	result, eErr := s.executor.Stats(ctx)
	if eErr != nil {
		logger.Errorf("Stats command failed: %v", eErr)
		writeJSONError(w, http.StatusInternalServerError, eErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, statsPayload{Today: result.Today, Yesterday: result.Yesterday})
}

// logEntryPayload — одна разобранная строка лога.
type logEntryPayload struct {
	Time    string `json:"time,omitempty"`
	Level   string `json:"level"`
	Caller  string `json:"caller,omitempty"`
	Message string `json:"message"`
}

// logsPayload — хвост кольцевого буфера логов.
type logsPayload struct {
	Lines []logEntryPayload `json:"lines"`
	Total int               `json:"total"`
}

// handleAPILogs возвращает хвост кольцевого буфера логов. Параметр limit
// ограничивает число строк (по умолчанию 100), level фильтрует по уровню.
func (s *Server) handleAPILogs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	level := strings.ToUpper(r.URL.Query().Get("level"))

	// При фильтрации по уровню читается весь буфер, лимит применяется к
	// отфильтрованному хвосту.
	raw := logger.Recent(limit)
	if level != "" {
		raw = logger.Recent(0)
	}

	entries := make([]logEntryPayload, 0, len(raw))
	for _, line := range raw {
		entry := parseLogLine(line)
		if level != "" && entry.Level != level {
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	writeJSON(w, http.StatusOK, logsPayload{Lines: entries, Total: len(entries)})
}

// handleAPIConfig возвращает дамп рантайм-конфигурации. Секреты замаскированы
// на стороне дампа, сюда они не доезжают.
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()

	dump, eErr := s.executor.ConfigDump(ctx)
	if eErr != nil {
		logger.Errorf("ConfigDump command failed: %v", eErr)
		writeJSONError(w, http.StatusInternalServerError, eErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, json.RawMessage(dump))
}

// versionPayload — версия сборки и клиента игры.
type versionPayload struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	GameVersion string `json:"gameVersion,omitempty"`
}

// handleAPIVersion возвращает версию приложения
func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()

	result, verErr := s.executor.Version(ctx)
	if verErr != nil {
		logger.Errorf("Version command failed: %v", verErr)
		writeJSONError(w, http.StatusInternalServerError, verErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, versionPayload{
		Name:        result.Name,
		Version:     result.Version,
		GameVersion: result.GameVersion,
	})
}

// Вспомогательные функции

// parseLimit извлекает limit из запроса; значения вне [1, 1000] заменяются
// значением по умолчанию.
func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLogLines
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 1000 {
		return defaultLogLines
	}
	return limit
}

// parseLogLine разбирает строку консольного encoder-а zap: время, уровень,
// caller и сообщение разделены табуляцией. Нестандартная строка отдаётся
// как есть.
func parseLogLine(line string) logEntryPayload {
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) < 4 {
		return logEntryPayload{Level: "UNKNOWN", Message: line}
	}
	return logEntryPayload{
		Time:    parts[0],
		Level:   parts[1],
		Caller:  parts[2],
		Message: parts[3],
	}
}

// stamp форматирует метку для JSON-ответа; нулевое время — пустая строка.
func stamp(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.RFC3339)
}
