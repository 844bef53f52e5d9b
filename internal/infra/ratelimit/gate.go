// Package ratelimit — кластерный шлюз лимитов внешнего API. Каждый блок
// хранится per-host в общем хранилище, поэтому лимит, пойманный одним
// шардом, уважают все. При недоступном хранилище шлюз работает на локальном
// кэше: хуже согласованность, но процесс не слепнет совсем.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/concurrency"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/sharedstore"
	"valorant-skinbot/internal/shared"
)

// blockKeyPrefix — префикс ключа блокировки хоста в общем хранилище.
const blockKeyPrefix = "ratelimit:"

// Gate отвечает на один вопрос: можно ли сейчас ходить на хост.
type Gate struct {
	store *sharedstore.Store
	clk   clock.Clock

	// local дублирует блоки в памяти: быстрый путь и фолбэк деградации.
	local *concurrency.TTLCache[string, time.Time]

	mu      sync.Mutex
	strikes map[string]int // подряд идущие 429 по хостам, питают экспоненту
}

// New создаёт шлюз поверх общего хранилища и часов.
func New(store *sharedstore.Store, clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	return &Gate{
		store:   store,
		clk:     clk,
		local:   concurrency.NewTTLCache[string, time.Time](time.Minute),
		strikes: make(map[string]int),
	}
}

// Check возвращает момент, раньше которого к хосту ходить нельзя.
// limited=false — путь свободен. Ошибки хранилища трактуются в пользу
// запроса: верхний слой всё равно увидит 429 и вернёт блок на место.
func (g *Gate) Check(ctx context.Context, host string) (retryAt time.Time, limited bool) {
	now := g.clk.Now()
	if at, ok := g.local.Get(host); ok && now.Before(at) {
		return at, true
	}
	if !g.store.Available() {
		return time.Time{}, false
	}

	value, found, err := g.store.Get(ctx, blockKeyPrefix+host)
	if err != nil || !found {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	at := time.UnixMilli(millis)
	if !now.Before(at) {
		return time.Time{}, false
	}
	g.cacheLocal(host, at)
	return at, true
}

// Record фиксирует блок хоста до retryAt и засчитывает страйк.
func (g *Gate) Record(ctx context.Context, host string, retryAt time.Time) {
	g.mu.Lock()
	g.strikes[host]++
	strikes := g.strikes[host]
	g.mu.Unlock()

	now := g.clk.Now()
	if !retryAt.After(now) {
		return
	}
	g.cacheLocal(host, retryAt)

	logger.Warn("rate limit recorded",
		zap.String("host", host),
		zap.Time("retry_at", retryAt),
		zap.Int("strikes", strikes))

	if !g.store.Available() {
		return
	}
	value := strconv.FormatInt(retryAt.UnixMilli(), 10)
	if err := g.store.Set(ctx, blockKeyPrefix+host, value, retryAt.Sub(now)); err != nil {
		logger.Warn("rate limit block not shared", zap.String("host", host), zap.Error(err))
	}
}

// Succeeded сбрасывает счётчик страйков хоста. Сам блок не трогаем:
// он истекает по TTL.
func (g *Gate) Succeeded(host string) {
	g.mu.Lock()
	delete(g.strikes, host)
	g.mu.Unlock()
}

// RetryAtFrom выводит retry-at из ответа: сперва заголовки Retry-After и
// X-Ratelimit-Reset, иначе экспоненциальный бэкофф с джиттером, ограниченный
// rateLimitCap. nil-ответ (транспортная ошибка до чтения заголовков) сразу
// уходит в ветку бэкоффа.
func (g *Gate) RetryAtFrom(host string, resp *http.Response) time.Time {
	now := g.clk.Now()
	if resp != nil {
		if at, ok := retryAtFromHeaders(resp.Header, now); ok {
			return at
		}
	}

	g.mu.Lock()
	strikes := g.strikes[host]
	g.mu.Unlock()

	rt := config.Runtime()
	delay := rt.RateLimitBackoff
	for range strikes {
		delay *= 2
		if delay >= rt.RateLimitCap {
			delay = rt.RateLimitCap
			break
		}
	}
	delay = time.Duration(float64(delay) * shared.Jitter(0.15))
	if delay > rt.RateLimitCap {
		delay = rt.RateLimitCap
	}
	return now.Add(delay)
}

func (g *Gate) cacheLocal(host string, retryAt time.Time) {
	g.local.PutUntil(host, retryAt, retryAt)
}

// retryAtFromHeaders разбирает заголовки лимитов. Retry-After — секунды или
// HTTP-дата; X-Ratelimit-Reset — либо дельта в секундах, либо unix-метка
// (секунды или миллисекунды, различаем по порядку величины).
func retryAtFromHeaders(h http.Header, now time.Time) (time.Time, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second), true
		}
		if at, err := http.ParseTime(v); err == nil {
			return at, true
		}
	}
	if v := h.Get("X-Ratelimit-Reset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return time.Time{}, false
		}
		switch {
		case n > 1e12: // unix-миллисекунды
			return time.UnixMilli(n), true
		case n > 1e9: // unix-секунды
			return time.Unix(n, 0), true
		default: // дельта в секундах
			return now.Add(time.Duration(n) * time.Second), true
		}
	}
	return time.Time{}, false
}
