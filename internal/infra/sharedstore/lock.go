package sharedstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Скрипты сравнения токена: снять или продлить блокировку может только её
// владелец, чужой ключ не трогаем.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock — распределённая блокировка: SET key token NX PX ttl, где token
// уникален для каждого захвата. Потерянную блокировку (истёк ttl, ключ
// перехвачен другим процессом) Release и Refresh распознают по токену.
type Lock struct {
	store *Store
	key   string
	token string
	ttl   time.Duration
}

// AcquireLock пытается захватить блокировку key на ttl.
// (nil, false, nil) — блокировка занята другим владельцем.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if s == nil {
		return nil, false, ErrUnavailable
	}
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err := s.done("lock acquire", err); err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{store: s, key: key, token: token, ttl: ttl}, true, nil
}

// Key возвращает ключ блокировки.
func (l *Lock) Key() string { return l.key }

// Refresh продлевает блокировку на исходный ttl.
// false — блокировка уже не наша.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	res, err := refreshScript.Run(ctx, l.store.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err := l.store.done("lock refresh", err); err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release снимает блокировку. Потерянная блокировка ошибкой не считается:
// ключ к этому моменту и так свободен или принадлежит другому.
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.store.rdb, []string{l.key}, l.token).Int64()
	return l.store.done("lock release", err)
}
