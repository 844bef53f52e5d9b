// Package bus — шина сообщений кластера поверх pub/sub общего хранилища.
//
// Цели:
//   - широковещание: канал bus:all слушают все шарды, включая отправителя;
//   - адресная доставка по ключу: реестр владельцев каналов (хэш buskeys)
//     подсказывает, какой шард обслуживает ключ, сообщение уходит в
//     bus:shard:{n};
//   - закрытый набор сообщений (messages.go) вместо строкового диспатча;
//   - деградация: без общего хранилища шина доставляет сообщения локально,
//     процесс ведёт себя как одиночный.
//
// Обработчики вызываются последовательно в горутине приёмника: порядок
// сообщений одного отправителя сохраняется, долгие обработчики обязаны
// уходить в собственные горутины.
package bus

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/infra/concurrency"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/sharedstore"
)

const (
	// channelAll — широковещательный канал pub/sub.
	channelAll = "bus:all"
	// channelShardPrefix — префикс адресного канала шарда.
	channelShardPrefix = "bus:shard:"
	// ownersKey — хэш реестра владельцев ключей доставки.
	ownersKey = "buskeys"
	// ownerEntryTTL — срок жизни записи реестра; межшардовой инвалидации нет,
	// устаревание в пределах TTL принято осознанно.
	ownerEntryTTL = 60 * time.Second
	// ownerRefreshInterval — период продления собственных записей реестра.
	ownerRefreshInterval = 30 * time.Second
)

// Handler получает декодированное сообщение шины. from — номер шарда-отправителя.
type Handler func(ctx context.Context, from int, msg Message)

// Bus связывает шард с остальным кластером.
type Bus struct {
	id    cluster.Identity
	store *sharedstore.Store

	seq atomic.Uint64 // монотонный счётчик исходящих конвертов

	hmu      sync.RWMutex
	handlers map[Kind][]Handler

	omu   sync.Mutex
	owned map[string]struct{} // ключи, которые доставляет этот шард

	lookups *concurrency.TTLCache[string, int] // кэш чужих владельцев

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт шину для данного шарда поверх общего хранилища.
func New(id cluster.Identity, store *sharedstore.Store) *Bus {
	return &Bus{
		id:       id,
		store:    store,
		handlers: make(map[Kind][]Handler),
		owned:    make(map[string]struct{}),
		lookups:  concurrency.NewTTLCache[string, int](ownerEntryTTL),
	}
}

// Handle регистрирует обработчик сообщений данного типа. Обработчиков может
// быть несколько, вызываются в порядке регистрации.
func (b *Bus) Handle(kind Kind, h Handler) {
	if h == nil {
		return
	}
	b.hmu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.hmu.Unlock()
}

// Start запускает приём сообщений и продление записей реестра владельцев.
// Без общего хранилища шина остаётся в локальном режиме.
func (b *Bus) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)

	if b.store == nil {
		logger.Warn("bus: shared store is not configured, running local-only")
		return
	}

	pubsub := b.store.Subscribe(ctx, channelAll, b.shardChannel(b.id.ShardID))
	b.wg.Go(func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				env, msg, err := decodeEnvelope([]byte(m.Payload))
				if err != nil {
					logger.Warn("bus: malformed message dropped",
						zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				b.dispatch(ctx, env.Sender, msg)
			}
		}
	})

	b.wg.Go(func() {
		ticker := time.NewTicker(ownerRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.refreshOwned(ctx)
			}
		}
	})
}

// Stop останавливает фоновые горутины шины.
func (b *Bus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.cancel = nil
	b.wg.Wait()
}

// Broadcast рассылает сообщение всем шардам, включая отправителя. В локальном
// режиме (или при сбое публикации) сообщение доставляется собственным
// обработчикам, чтобы одиночный процесс вёл себя как полноценный кластер.
func (b *Bus) Broadcast(ctx context.Context, msg Message) error {
	seq := b.seq.Add(1)
	if !b.store.Available() {
		b.dispatch(ctx, b.id.ShardID, msg)
		return nil
	}
	raw, err := encodeEnvelope(b.id.ShardID, seq, msg)
	if err != nil {
		return err
	}
	if err := b.store.Publish(ctx, channelAll, string(raw)); err != nil {
		logger.Warn("bus: broadcast publish failed, delivering locally",
			zap.String("type", string(msg.Kind())), zap.Error(err))
		b.dispatch(ctx, b.id.ShardID, msg)
	}
	return nil
}

// SendToKey доставляет сообщение шарду, владеющему ключом key.
// accepted=false — владельца нет, адресат недостижим для всего кластера.
func (b *Bus) SendToKey(ctx context.Context, key string, msg Message) (accepted bool, err error) {
	if b.ownsLocally(key) {
		b.dispatch(ctx, b.id.ShardID, msg)
		return true, nil
	}
	if !b.store.Available() {
		return false, nil
	}

	shard, found, err := b.lookupOwner(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if shard == b.id.ShardID {
		// Запись реестра указывает на нас, хотя локально ключ уже снят:
		// доставляем локально, пока запись не истекла.
		b.dispatch(ctx, b.id.ShardID, msg)
		return true, nil
	}

	raw, err := encodeEnvelope(b.id.ShardID, b.seq.Add(1), msg)
	if err != nil {
		return false, err
	}
	if err := b.store.Publish(ctx, b.shardChannel(shard), string(raw)); err != nil {
		return false, err
	}
	return true, nil
}

// RegisterOwned объявляет ключи, которые этот шард готов доставлять локально.
// Локальный набор пополняется всегда; реестр в хранилище синхронизируется,
// когда оно доступно, и досинхронизируется циклом продления после сбоя.
func (b *Bus) RegisterOwned(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	b.omu.Lock()
	for _, k := range keys {
		b.owned[k] = struct{}{}
	}
	b.omu.Unlock()

	if !b.store.Available() {
		return nil
	}
	return b.store.HSet(ctx, ownersKey, b.ownerEntries(keys))
}

// UnregisterOwned снимает ключи с локальной доставки.
func (b *Bus) UnregisterOwned(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	b.omu.Lock()
	for _, k := range keys {
		delete(b.owned, k)
	}
	b.omu.Unlock()

	if !b.store.Available() {
		return nil
	}
	return b.store.HDel(ctx, ownersKey, keys...)
}

// OwnedCount возвращает число ключей локальной доставки (для статуса).
func (b *Bus) OwnedCount() int {
	b.omu.Lock()
	defer b.omu.Unlock()
	return len(b.owned)
}

func (b *Bus) shardChannel(shard int) string {
	return channelShardPrefix + strconv.Itoa(shard)
}

func (b *Bus) ownsLocally(key string) bool {
	b.omu.Lock()
	defer b.omu.Unlock()
	_, ok := b.owned[key]
	return ok
}

// ownerEntries собирает пары ключ -> "шард:срок" для записи в реестр.
func (b *Bus) ownerEntries(keys []string) map[string]string {
	expires := time.Now().Add(ownerEntryTTL).Unix()
	value := strconv.Itoa(b.id.ShardID) + ":" + strconv.FormatInt(expires, 10)
	entries := make(map[string]string, len(keys))
	for _, k := range keys {
		entries[k] = value
	}
	return entries
}

// lookupOwner ищет владельца ключа: сперва в локальном кэше, затем в реестре.
// Просроченные записи реестра лениво удаляются.
func (b *Bus) lookupOwner(ctx context.Context, key string) (shard int, found bool, err error) {
	if shard, ok := b.lookups.Get(key); ok {
		return shard, true, nil
	}

	value, ok, err := b.store.HGet(ctx, ownersKey, key)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	shard, expires, ok := parseOwnerEntry(value)
	if !ok || time.Now().Unix() > expires {
		_ = b.store.HDel(ctx, ownersKey, key)
		return 0, false, nil
	}
	b.lookups.Put(key, shard)
	return shard, true, nil
}

// refreshOwned продлевает собственные записи реестра владельцев.
func (b *Bus) refreshOwned(ctx context.Context) {
	b.omu.Lock()
	keys := make([]string, 0, len(b.owned))
	for k := range b.owned {
		keys = append(keys, k)
	}
	b.omu.Unlock()

	if len(keys) == 0 || !b.store.Available() {
		return
	}
	if err := b.store.HSet(ctx, ownersKey, b.ownerEntries(keys)); err != nil {
		logger.Warn("bus: owner registry refresh failed", zap.Error(err))
	}
}

// dispatch вызывает обработчиков сообщения. Паника обработчика не роняет
// приёмный цикл шины.
func (b *Bus) dispatch(ctx context.Context, from int, msg Message) {
	b.hmu.RLock()
	hs := b.handlers[msg.Kind()]
	b.hmu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("bus: handler for %s panicked: %v", msg.Kind(), r)
				}
			}()
			h(ctx, from, msg)
		}()
	}
}

func parseOwnerEntry(value string) (shard int, expires int64, ok bool) {
	head, tail, ok := strings.Cut(value, ":")
	if !ok {
		return 0, 0, false
	}
	shard, err := strconv.Atoi(head)
	if err != nil {
		return 0, 0, false
	}
	expires, err = strconv.ParseInt(tail, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return shard, expires, true
}
