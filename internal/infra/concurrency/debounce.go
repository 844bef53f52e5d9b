// В этом файле реализован Debouncer — откладывание повторяющихся действий по
// строковому ключу: выполнение происходит один раз, по «последнему слову»,
// когда активность по ключу утихла. Используется для слияния частых записей
// на диск (снимок каталога, локальная статистика) в одну отложенную запись.

package concurrency

import (
	"context"
	"sync"
	"time"
)

// Debouncer группирует действия по ключу и исполняет только последнее из них
// спустя delay после последнего вызова Do. Потокобезопасен. Остановленный или
// не запущенный дебаунсер исполняет функции немедленно и синхронно, поэтому
// вызывающий код не обязан различать режимы.
type Debouncer struct {
	mu      sync.Mutex // mu защищает pending и поля контекста.
	pending map[string]debounced
	delay   time.Duration

	runMu  sync.Mutex // runMu сериализует Start и Stop.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// debounced хранит таймер вместе с колбэком, чтобы при остановке выполнить
// накопленное вручную, не дожидаясь срабатывания таймера.
type debounced struct {
	timer *time.Timer
	fn    func()
}

// NewDebouncer создаёт дебаунсер с паузой delay между последним событием и
// исполнением. Неположительная пауза приравнивается к немедленному исполнению
// при первом же срабатывании таймера.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay < 0 {
		delay = 0
	}
	return &Debouncer{
		pending: make(map[string]debounced),
		delay:   delay,
	}
}

// Start привязывает дебаунсер к контексту: при его отмене накопленные функции
// дренируются немедленно. Повторный Start игнорируется, nil-контекст — тоже.
func (d *Debouncer) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.ctx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Go(func() {
		<-runCtx.Done()
		d.flush()
	})
}

// Stop отменяет контекст, дожидается фоновой горутины и синхронно исполняет
// всё накопленное. После возврата активных таймеров не остаётся.
func (d *Debouncer) Stop() {
	d.runMu.Lock()
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.ctx = nil
	d.mu.Unlock()
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.flush()
}

// Do откладывает исполнение fn на delay. Повторный Do с тем же ключом
// перезапускает таймер и заменяет колбэк. Если дебаунсер остановлен или
// контекст отменён, fn выполняется сразу.
func (d *Debouncer) Do(key string, fn func()) {
	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		fn()
		return
	}

	if prev, ok := d.pending[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	timer := time.AfterFunc(d.delay, func() { d.fire(key) })
	d.pending[key] = debounced{timer: timer, fn: fn}
	d.mu.Unlock()
}

// fire извлекает колбэк по ключу под локом и исполняет его снаружи.
// Отсутствие записи — норма: её мог уже забрать flush.
func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok && entry.fn != nil {
		entry.fn()
	}
}

// flush гасит таймеры, снимает все накопленные колбэки под локом и исполняет
// их вне критической секции.
func (d *Debouncer) flush() {
	var fns []func()

	d.mu.Lock()
	for key, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.fn != nil {
			fns = append(fns, entry.fn)
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
