// Области записи и чтения, привязанные к context.Context.
//
// Батч-область копит SaveUser и сбрасывает их одной транзакцией: массовые
// прогоны (проверка алертов) делают сотни мелких правок, и писать каждую
// отдельно — значит держать базу под постоянным потоком транзакций. Область
// кэша чтения решает обратную задачу: один прогон много раз читает одних и
// тех же пользователей, и повторные GetUser не должны ходить в базу.
//
// Обе области передаются явно через контекст, а не через глобальное состояние:
// параллельные прогоны с разными контекстами не видят друг друга.
package users

import (
	"context"
	"sync"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/logger"

	"github.com/doug-martin/goqu/v9"
	"github.com/go-faster/errors"
)

type batchKey struct{}

// batchScope — буфер отложенных SaveUser. Потокобезопасен: воркеры одного
// прогона пишут в общий буфер.
type batchScope struct {
	mu      sync.Mutex
	depth   int
	pending map[user.UserID]*user.User
	order   []user.UserID // порядок первого появления, для детерминированного флаша
}

// stash кладёт копию пользователя в буфер; повторная запись того же id
// замещает предыдущую (последняя победила), сохраняя позицию в порядке флаша.
func (b *batchScope) stash(u *user.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, seen := b.pending[u.ID]; !seen {
		b.order = append(b.order, u.ID)
	}
	// Копия отвязывает буфер от дальнейших мутаций вызывающего кода.
	b.pending[u.ID] = u.Clone()
}

// drain забирает накопленное и очищает буфер.
func (b *batchScope) drain() []*user.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*user.User, 0, len(b.pending))
	for _, id := range b.order {
		if u, ok := b.pending[id]; ok {
			out = append(out, u)
		}
	}
	b.pending = make(map[user.UserID]*user.User)
	b.order = nil
	return out
}

// batchFrom возвращает активную батч-область контекста или nil.
func batchFrom(ctx context.Context) *batchScope {
	b, ok := ctx.Value(batchKey{}).(*batchScope)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.depth <= 0 {
		return nil
	}
	return b
}

// BeginBatchWrites открывает батч-область записи. Вложенные вызовы складываются
// в ту же область (счётчик глубины); в базу буфер попадает только на парном
// внешнем CommitBatchWrites. Возвращённый контекст передаётся всем участникам
// прогона.
func (s *Store) BeginBatchWrites(ctx context.Context) context.Context {
	if b, ok := ctx.Value(batchKey{}).(*batchScope); ok {
		b.mu.Lock()
		b.depth++
		b.mu.Unlock()
		return ctx
	}
	return context.WithValue(ctx, batchKey{}, &batchScope{
		depth:   1,
		pending: make(map[user.UserID]*user.User),
	})
}

// CommitBatchWrites закрывает один уровень батч-области. Внешний уровень
// сбрасывает буфер в базу одной транзакцией. Ошибка флаша оставляет базу в
// состоянии до транзакции; буфер при этом уже очищен — вызывающий решает,
// повторять ли прогон целиком.
func (s *Store) CommitBatchWrites(ctx context.Context) error {
	b, ok := ctx.Value(batchKey{}).(*batchScope)
	if !ok {
		logger.Warnf("users store: commit without batch scope")
		return nil
	}
	b.mu.Lock()
	if b.depth <= 0 {
		b.mu.Unlock()
		logger.Warnf("users store: unbalanced batch commit")
		return nil
	}
	b.depth--
	remaining := b.depth
	b.mu.Unlock()
	if remaining > 0 {
		return nil
	}

	batch := b.drain()
	if len(batch) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		for _, u := range batch {
			if err := s.saveUserTx(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "flush %d buffered users", len(batch))
	}
	logger.Debugf("users store: flushed %d buffered users", len(batch))
	return nil
}

type cacheKey struct{}

// userCacheScope — снапшоты пользователей на время одного прогона. Хранит
// мастер-копии; наружу всегда уходят клоны, чтобы вызывающие не делили память.
type userCacheScope struct {
	mu     sync.Mutex
	closed bool
	users  map[user.UserID]*user.User // nil-значение — закэшированное «нет такого»
}

func (c *userCacheScope) get(id user.UserID) (*user.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	u, ok := c.users[id]
	return u, ok
}

func (c *userCacheScope) put(id user.UserID, u *user.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.users[id] = u
}

func (c *userCacheScope) drop(id user.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, id)
}

// cacheFrom возвращает открытую кэш-область контекста или nil.
func cacheFrom(ctx context.Context) *userCacheScope {
	c, ok := ctx.Value(cacheKey{}).(*userCacheScope)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c
}

// BeginUserCacheScope открывает область кэша чтения: повторные GetUser одного
// id внутри области возвращают копии одного снапшота, включая отрицательные
// ответы. Повторный Begin на контексте с живой областью возвращает контекст
// без изменений.
func (s *Store) BeginUserCacheScope(ctx context.Context) context.Context {
	if cacheFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, cacheKey{}, &userCacheScope{
		users: make(map[user.UserID]*user.User),
	})
}

// EndUserCacheScope закрывает область и освобождает снапшоты. Дальнейшие
// GetUser с этим контекстом ходят в базу напрямую. Идемпотентен.
func (s *Store) EndUserCacheScope(ctx context.Context) {
	c, ok := ctx.Value(cacheKey{}).(*userCacheScope)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.users = nil
}

// InvalidateUserCache выбрасывает один снапшот из кэш-области, не закрывая её.
// Используется обработчиком settings_invalidate: чужой шард изменил
// пользователя, и его следующий GetUser должен перечитать базу.
func (s *Store) InvalidateUserCache(ctx context.Context, id user.UserID) {
	if c := cacheFrom(ctx); c != nil {
		c.drop(id)
	}
}
