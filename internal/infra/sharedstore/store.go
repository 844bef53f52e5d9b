// Package sharedstore — обёртка над Redis для межшардовой координации:
// атомарные примитивы (SETNX, INCR, списки, множества, хэши), pub/sub и
// распределённые блокировки.
//
// Хранилище отслеживает собственную доступность: сетевые сбои переводят его
// в деградированный режим, фоновая проверка возвращает флаг после
// восстановления соединения. Сами вызовы при этом не блокируются:
// Available() лишь подсказывает потребителям, когда переходить на локальные
// фолбэки.
package sharedstore

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"valorant-skinbot/internal/infra/logger"
)

const (
	// probeInterval — период фоновой проверки соединения в деградированном режиме.
	probeInterval = 15 * time.Second
	// probeTimeout — таймаут одиночного PING.
	probeTimeout = 3 * time.Second
)

// ErrUnavailable возвращают методы несконструированного хранилища.
var ErrUnavailable = errors.New("shared store is not configured")

// Store — клиент Redis с учётом доступности.
type Store struct {
	rdb *redis.Client

	mu        sync.Mutex
	available bool
	downSince time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт хранилище поверх одного адреса Redis. Соединение проверяется
// в Start; до первого сбоя хранилище считается доступным.
func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		available: true,
	}
}

// Start проверяет соединение и запускает фоновую проверку доступности.
// Недоступный Redis не фатален: процесс стартует в деградированном режиме
// и восстановится сам, когда соединение вернётся.
func (s *Store) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := s.rdb.Ping(pctx).Err()
	cancel()
	if err != nil {
		s.markDown(err)
	} else {
		logger.Info("shared store connected", zap.String("addr", s.rdb.Options().Addr))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Go(func() {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.Available() {
					continue
				}
				pctx, cancel := context.WithTimeout(ctx, probeTimeout)
				err := s.rdb.Ping(pctx).Err()
				cancel()
				if err == nil {
					s.markUp()
				}
			}
		}
	})
}

// Stop останавливает фоновую проверку и закрывает клиент.
func (s *Store) Stop() {
	if s == nil {
		return
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
	_ = s.rdb.Close()
}

// Available сообщает, доступно ли хранилище. Флаг опаздывает максимум на
// один probeInterval после восстановления Redis.
func (s *Store) Available() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Ping — прямая проверка соединения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return ErrUnavailable
	}
	return s.done("ping", s.rdb.Ping(ctx).Err())
}

func (s *Store) markDown(cause error) {
	s.mu.Lock()
	was := s.available
	s.available = false
	if was {
		s.downSince = time.Now()
	}
	s.mu.Unlock()
	if was {
		logger.Warn("shared store degraded", zap.Error(cause))
	}
}

func (s *Store) markUp() {
	s.mu.Lock()
	was := s.available
	s.available = true
	since := s.downSince
	s.mu.Unlock()
	if !was {
		logger.Info("shared store restored", zap.Duration("downtime", time.Since(since)))
	}
}

// fail классифицирует ошибку операции: сетевые сбои роняют флаг доступности,
// отмена контекста вызывающего — нет.
func (s *Store) fail(op string, err error) error {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.markDown(err)
	}
	return errors.Wrap(err, op)
}

func (s *Store) done(op string, err error) error {
	if err != nil {
		return s.fail(op, err)
	}
	s.markUp()
	return nil
}

// --- строки и счётчики ---

// Get возвращает значение ключа; found=false — ключа нет.
func (s *Store) Get(ctx context.Context, key string) (value string, found bool, err error) {
	if s == nil {
		return "", false, ErrUnavailable
	}
	value, err = s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.markUp()
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("get", err)
	}
	s.markUp()
	return value, true, nil
}

// Set записывает значение; ttl <= 0 — без срока жизни.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil {
		return ErrUnavailable
	}
	return s.done("set", s.rdb.Set(ctx, key, value, ttl).Err())
}

// SetNX записывает значение, только если ключа ещё нет.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, ErrUnavailable
	}
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err := s.done("setnx", err); err != nil {
		return false, err
	}
	return ok, nil
}

// GetDel атомарно читает и удаляет ключ; found=false — ключа не было.
func (s *Store) GetDel(ctx context.Context, key string) (value string, found bool, err error) {
	if s == nil {
		return "", false, ErrUnavailable
	}
	value, err = s.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.markUp()
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("getdel", err)
	}
	s.markUp()
	return value, true, nil
}

// Del удаляет ключи; отсутствующие не считаются ошибкой.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if s == nil {
		return ErrUnavailable
	}
	return s.done("del", s.rdb.Del(ctx, keys...).Err())
}

// Exists возвращает число существующих ключей из перечисленных.
func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	if s == nil {
		return 0, ErrUnavailable
	}
	n, err := s.rdb.Exists(ctx, keys...).Result()
	if err := s.done("exists", err); err != nil {
		return 0, err
	}
	return n, nil
}

// Incr атомарно увеличивает счётчик и возвращает новое значение.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if s == nil {
		return 0, ErrUnavailable
	}
	n, err := s.rdb.Incr(ctx, key).Result()
	if err := s.done("incr", err); err != nil {
		return 0, err
	}
	return n, nil
}

// Expire выставляет срок жизни существующему ключу.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s == nil {
		return ErrUnavailable
	}
	return s.done("expire", s.rdb.Expire(ctx, key, ttl).Err())
}

// --- списки ---

// LPush добавляет значения в голову списка.
func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	if s == nil {
		return ErrUnavailable
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.done("lpush", s.rdb.LPush(ctx, key, args...).Err())
}

// RPop снимает значение с хвоста списка; found=false — список пуст.
func (s *Store) RPop(ctx context.Context, key string) (value string, found bool, err error) {
	if s == nil {
		return "", false, ErrUnavailable
	}
	value, err = s.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		s.markUp()
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("rpop", err)
	}
	s.markUp()
	return value, true, nil
}

// LLen возвращает длину списка.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	if s == nil {
		return 0, ErrUnavailable
	}
	n, err := s.rdb.LLen(ctx, key).Result()
	if err := s.done("llen", err); err != nil {
		return 0, err
	}
	return n, nil
}

// --- множества ---

// SAdd добавляет элементы в множество.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if s == nil {
		return ErrUnavailable
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.done("sadd", s.rdb.SAdd(ctx, key, args...).Err())
}

// SRem удаляет элементы из множества.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if s == nil {
		return ErrUnavailable
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.done("srem", s.rdb.SRem(ctx, key, args...).Err())
}

// SCard возвращает мощность множества.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	if s == nil {
		return 0, ErrUnavailable
	}
	n, err := s.rdb.SCard(ctx, key).Result()
	if err := s.done("scard", err); err != nil {
		return 0, err
	}
	return n, nil
}

// SMembers возвращает все элементы множества.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil {
		return nil, ErrUnavailable
	}
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err := s.done("smembers", err); err != nil {
		return nil, err
	}
	return members, nil
}

// --- хэши ---

// HSet записывает поля хэша.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if s == nil {
		return ErrUnavailable
	}
	if len(fields) == 0 {
		return nil
	}
	return s.done("hset", s.rdb.HSet(ctx, key, fields).Err())
}

// HGet возвращает поле хэша; found=false — поля нет.
func (s *Store) HGet(ctx context.Context, key, field string) (value string, found bool, err error) {
	if s == nil {
		return "", false, ErrUnavailable
	}
	value, err = s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		s.markUp()
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("hget", err)
	}
	s.markUp()
	return value, true, nil
}

// HGetAll возвращает все поля хэша; отсутствующий ключ — пустая карта.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if s == nil {
		return nil, ErrUnavailable
	}
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err := s.done("hgetall", err); err != nil {
		return nil, err
	}
	return fields, nil
}

// HDel удаляет поля хэша.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if s == nil {
		return ErrUnavailable
	}
	return s.done("hdel", s.rdb.HDel(ctx, key, fields...).Err())
}

// HIncrBy атомарно увеличивает числовое поле хэша.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if s == nil {
		return 0, ErrUnavailable
	}
	n, err := s.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err := s.done("hincrby", err); err != nil {
		return 0, err
	}
	return n, nil
}

// --- pub/sub ---

// Publish рассылает сообщение подписчикам канала.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if s == nil {
		return ErrUnavailable
	}
	return s.done("publish", s.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe подписывается на каналы. Возвращённый PubSub живёт до Close;
// переподключение после сбоев клиент выполняет сам.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if s == nil {
		return nil
	}
	return s.rdb.Subscribe(ctx, channels...)
}
