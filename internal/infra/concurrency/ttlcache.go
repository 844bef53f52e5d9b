// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Данный файл содержит TTLCache — потокобезопасный кэш с истечением записей,
// который подавляет повторную работу в пределах заданного окна времени.
// Используется реестром принадлежности каналов, локальным резервом rate-limit
// гейта и кешами игровых данных в деградированном режиме (без общего хранилища).

package concurrency

import (
	"context"
	"sync"
	"time"
)

// TTLCache хранит значения с индивидуальным сроком годности. Чтение просроченной
// записи равносильно её отсутствию; фоновая горутина очистки лишь сдерживает
// рост карты. Структура потокобезопасна.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex      // mu защищает доступ к карте entries из параллельных горутин.
	entries map[K]ttlEntry[V]
	window  time.Duration // срок годности по умолчанию для Put; PutUntil задаёт явный.

	runMu  sync.Mutex         // runMu защищает старт/остановку фоновой горутины очистки.
	cancel context.CancelFunc // cancel завершает цикл очистки, если он был запущен.
	wg     sync.WaitGroup     // wg дожидается завершения фоновой горутины при остановке.
}

type ttlEntry[V any] struct {
	value    V
	expireAt time.Time
}

// NewTTLCache создаёт кэш с окном годности window для записей без явного срока.
// Неположительное окно означает, что Put без срока живёт одну минуту.
func NewTTLCache[K comparable, V any](window time.Duration) *TTLCache[K, V] {
	if window <= 0 {
		window = time.Minute
	}
	return &TTLCache[K, V]{
		entries: make(map[K]ttlEntry[V]),
		window:  window,
	}
}

// Start поднимает фоновую горутину очистки устаревших ключей. Повторные вызовы
// безопасны и игнорируются. Если передан nil‑контекст, запуск отменяется.
func (c *TTLCache[K, V]) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		return
	}

	// Развязываем жизненный цикл очистки от внешнего контекста через CancelFunc.
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Go(func() {
		// Раз в минуту вычищаем просроченные записи, чтобы карта не росла бесконечно.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	})
}

// Stop корректно завершает фоновую очистку и дожидается её окончания, гарантируя,
// что во время остановки не происходит конкурирующей модификации карты.
func (c *TTLCache[K, V]) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	c.wg.Wait()
}

// Put сохраняет значение с истечением через окно по умолчанию.
func (c *TTLCache[K, V]) Put(key K, value V) {
	c.PutUntil(key, value, time.Now().Add(c.window))
}

// PutUntil сохраняет значение с явным моментом истечения. Запись с прошедшим
// сроком не сохраняется (это удобно для retry-after, уже оставшегося в прошлом).
func (c *TTLCache[K, V]) PutUntil(key K, value V, expireAt time.Time) {
	if !expireAt.After(time.Now()) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{value: value, expireAt: expireAt}
}

// Get возвращает живое значение по ключу. Просроченная запись удаляется на месте.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expireAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete удаляет запись независимо от срока.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len возвращает число записей, включая ещё не вычищенные просроченные.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup удаляет из карты все записи с истёкшим сроком. Метод потокобезопасен
// и может вызываться как фоново (через Start), так и синхронно по необходимости.
func (c *TTLCache[K, V]) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Линейный проход по карте; объём обычно мал благодаря периодической очистке.
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expireAt) {
			delete(c.entries, k)
		}
	}
}
