// Package clock — источник времени приложения.
// Всё, что зависит от времени (TTL кешей, буфер обновления токенов, retry-after,
// расписание), получает Clock через конструктор, поэтому тесты подменяют время
// без sleep'ов. Продакшен-реализация System читает стеночные часы в таймзоне
// приложения; монотонные интервалы обеспечивает time.Since поверх них.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock — минимальный контракт времени для сервисов.
type Clock interface {
	// Now возвращает текущее время в таймзоне приложения.
	Now() time.Time
	// Since возвращает время, прошедшее с момента t.
	Since(t time.Time) time.Duration
	// Sleep ждёт d либо до отмены контекста; возвращает ctx.Err() при отмене.
	Sleep(ctx context.Context, d time.Duration) error
}

// System — реализация Clock поверх стандартных часов.
type System struct {
	loc *time.Location
}

// NewSystem создаёт системные часы в указанной таймзоне. Nil означает UTC.
func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.UTC
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time                  { return time.Now().In(s.loc) }
func (s *System) Since(t time.Time) time.Duration { return time.Since(t) }

// Sleep реализует отменяемое ожидание. Для d <= 0 возвращается сразу.
func (s *System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake — управляемые часы для тестов: время двигается только явным Advance,
// Sleep завершается мгновенно и записывает запрошенные интервалы.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	Sleeps []time.Duration
}

// NewFake создаёт фальшивые часы, изначально показывающие start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance сдвигает время вперёд на d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Sleep записывает интервал, сдвигает время и возвращается без ожидания.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sleeps = append(f.Sleeps, d)
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}
