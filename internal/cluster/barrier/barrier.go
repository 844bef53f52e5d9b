// Package barrier — барьер готовности кластера. Межшардовые отправки
// придерживаются, пока все шарды не отметятся в общем хранилище: каждый
// процесс продлевает ключ cluster:ready:{id}, лидер следит за счётчиком и
// на переходе «не все → все» рассылает all_shards_ready. Свежеподнятый шард
// стартует с закрытой задвижкой и открывает её по анонсу лидера.
//
// Ожидание построено на снимках канала: задвижка открывается закрытием
// канала, что неблокирующе будит всех ожидателей разом.
package barrier

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/sharedstore"
)

const (
	// readyKeyPrefix — префикс ключа готовности шарда.
	readyKeyPrefix = "cluster:ready:"
	// readyTTL — срок жизни ключа готовности: три пропущенных продления
	// означают смерть шарда.
	readyTTL = 90 * time.Second
	// refreshInterval — период продления собственного ключа.
	refreshInterval = 30 * time.Second
	// watchInterval — период опроса счётчика лидером.
	watchInterval = 10 * time.Second
)

// ErrNotReady возвращает Wait, когда кластер не собрался за отведённый срок.
var ErrNotReady = errors.New("cluster is not ready")

// Barrier — задвижка готовности этого процесса.
type Barrier struct {
	id       cluster.Identity
	store    *sharedstore.Store
	announce func(ctx context.Context) error // широковещание all_shards_ready (только лидер)

	ready  atomic.Bool
	mu     sync.Mutex
	waitCh chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт барьер. announce вызывается лидером на переходе «не все → все».
// Одиночный процесс готов сразу.
func New(id cluster.Identity, store *sharedstore.Store, announce func(ctx context.Context) error) *Barrier {
	b := &Barrier{
		id:       id,
		store:    store,
		announce: announce,
		waitCh:   make(chan struct{}),
	}
	if id.Single() {
		b.Open()
	}
	return b
}

// Start запускает продление ключа готовности и, на лидере, наблюдение за
// счётчиком. Недоступное хранилище открывает задвижку принудительно:
// координироваться не с кем, процесс ведёт себя как одиночный.
func (b *Barrier) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)

	if b.id.Single() {
		return
	}
	if !b.store.Available() {
		logger.Warn("barrier: shared store is down, opening the latch unconditionally",
			zap.String("shard", b.id.String()))
		b.Open()
	}

	b.wg.Go(func() {
		b.refreshSelf(ctx)
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.refreshSelf(ctx)
			}
		}
	})

	if b.id.IsLeader() {
		b.wg.Go(func() {
			ticker := time.NewTicker(watchInterval)
			defer ticker.Stop()
			wasFull := false
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := b.ReadyShards(ctx)
					if err != nil {
						continue
					}
					full := n == int64(b.id.ShardCount)
					if full && !wasFull {
						logger.Info("barrier: all shards ready, announcing",
							zap.Int64("shards", n))
						if err := b.announce(ctx); err != nil {
							logger.Warn("barrier: announce failed", zap.Error(err))
							full = false // повторим на следующем тике
						}
					}
					wasFull = full
				}
			}
		})
	}
}

// Stop останавливает фоновые циклы и снимает ключ готовности, чтобы лидер
// увидел уход шарда без ожидания TTL.
func (b *Barrier) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.cancel = nil
	b.wg.Wait()

	if !b.id.Single() && b.store.Available() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.store.Del(ctx, readyKey(b.id.ShardID))
	}
}

// Open открывает задвижку и будит всех ожидателей. Идемпотентен.
func (b *Barrier) Open() {
	if b.ready.Swap(true) {
		return
	}
	b.mu.Lock()
	ch := b.waitCh
	select {
	case <-ch:
	default:
		close(ch)
	}
	b.mu.Unlock()
}

// Ready сообщает, открыта ли задвижка.
func (b *Barrier) Ready() bool { return b.ready.Load() }

// Wait блокирует до открытия задвижки, но не дольше shardReadyTimeout.
// Истечение срока — ErrNotReady: адресат считается недостижимым, вызвавший
// сам решает, повторять или мигрировать доставку.
func (b *Barrier) Wait(ctx context.Context) error {
	if b.ready.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.Runtime().ShardReadyTimeout)
	defer cancel()
	for {
		ch := b.currentWaitCh()
		select {
		case <-ctx.Done():
			if b.ready.Load() {
				return nil
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrNotReady
			}
			return ctx.Err()
		case <-ch:
			if b.ready.Load() {
				return nil
			}
		}
	}
}

// ReadyShards возвращает число шардов с живым ключом готовности.
func (b *Barrier) ReadyShards(ctx context.Context) (int64, error) {
	keys := make([]string, b.id.ShardCount)
	for i := range keys {
		keys[i] = readyKey(i)
	}
	return b.store.Exists(ctx, keys...)
}

func (b *Barrier) currentWaitCh() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitCh
}

func (b *Barrier) refreshSelf(ctx context.Context) {
	if !b.store.Available() {
		return
	}
	if err := b.store.Set(ctx, readyKey(b.id.ShardID), "1", readyTTL); err != nil {
		logger.Warn("barrier: ready key refresh failed", zap.Error(err))
	}
}

func readyKey(shard int) string {
	return readyKeyPrefix + strconv.Itoa(shard)
}
