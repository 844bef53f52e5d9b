// Жизненный цикл каталога: загрузка с диска, refetch при смене версии игры,
// слияние цен из витрин и синхронизация снимка между шардами.
//
// Запись skins.json — обязанность лидера: он персистит снимок атомарно с
// дебаунсом и оповещает реплики широковещанием catalog_reload, после чего те
// перечитывают файл. Цены ходят отдельным сообщением price_update: каждый шард
// вливает дельту в свой снимок в памяти, а лидер вдобавок откладывает запись.

package catalog

import (
	"context"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/cluster/bus"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/concurrency"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/storage"
)

// persistDebounce — окно слияния записей снимка: всплеск цен из десятков
// витрин за один прогон алертов превращается в одну запись на диск.
const persistDebounce = 3 * time.Second

const persistKey = "skins.json"

// Catalog владеет текущим снимком и его синхронизацией. Все методы
// потокобезопасны.
type Catalog struct {
	src  staticSource
	id   cluster.Identity
	b    *bus.Bus // nil в одиночном процессе без шины
	clk  clock.Clock
	path string

	mu   sync.RWMutex
	snap *Snapshot

	deb *concurrency.Debouncer
}

// New создаёт каталог. path — путь к skins.json; nil clk означает системные
// часы. Шину можно не передавать: одиночный процесс обходится без неё.
func New(src staticSource, id cluster.Identity, b *bus.Bus, path string, clk clock.Clock) *Catalog {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	return &Catalog{
		src:  src,
		id:   id,
		b:    b,
		clk:  clk,
		path: path,
		deb:  concurrency.NewDebouncer(persistDebounce),
	}
}

// Start запускает дебаунсер записи и подписывает каталог на сообщения шины.
func (c *Catalog) Start(ctx context.Context) {
	c.deb.Start(ctx)
	if c.b == nil {
		return
	}
	c.b.Handle(bus.KindCatalogReload, func(_ context.Context, from int, _ bus.Message) {
		if from == c.id.ShardID {
			return
		}
		if err := c.ReloadFromDisk(); err != nil {
			logger.Warnf("каталог: снимок после оповещения не перечитан: %v", err)
		}
	})
	c.b.Handle(bus.KindPriceUpdate, func(ctx context.Context, from int, msg bus.Message) {
		if from == c.id.ShardID {
			return
		}
		var upd *bus.PriceUpdate
		switch m := msg.(type) {
		case *bus.PriceUpdate:
			upd = m
		case bus.PriceUpdate:
			upd = &m
		default:
			return
		}
		prices := make(map[user.ItemID]int, len(upd.Prices))
		for id, p := range upd.Prices {
			prices[user.ItemID(id)] = p
		}
		c.MergePrices(ctx, prices, true)
	})
}

// Stop немедленно выполняет отложенную запись снимка. Вызывается при
// останове процесса, чтобы не потерять накопленные цены.
func (c *Catalog) Stop() {
	c.deb.Stop()
}

// Snapshot возвращает текущий снимок либо nil, если каталог ещё не прогрет.
// Снимок неизменяем, его можно держать сколь угодно долго.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Bootstrap прогревает каталог на старте: сначала пробует снимок с диска,
// при его отсутствии или несовпадении версии лидер перезапрашивает таблицы.
// Реплика с устаревшим снимком остаётся на нём до catalog_reload от лидера.
func (c *Catalog) Bootstrap(ctx context.Context) error {
	if err := c.loadFromDisk(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debugf("каталог: снимка на диске ещё нет")
		} else {
			logger.Warnf("каталог: снимок с диска не загружен: %v", err)
		}
	}

	cur := c.Snapshot()
	version := c.src.Version().ClientVersion
	if cur != nil && (version == "" || cur.GameVersion == version) {
		logger.Infof("каталог: снимок с диска, версия %s, скинов %d", cur.GameVersion, len(cur.Skins))
		return nil
	}
	if !c.id.IsLeader() {
		if cur != nil {
			logger.Infof("каталог: снимок устарел (%s → %s), ждём записи лидера", cur.GameVersion, version)
		} else {
			logger.Infof("каталог: снимка нет, ждём записи лидера")
		}
		return nil
	}
	return c.Refresh(ctx)
}

// EnsureFresh сверяет версию снимка с версией клиента игры и при расхождении
// перезапрашивает каталог целиком. Вызывается расписанием после обновления
// манифеста версии.
func (c *Catalog) EnsureFresh(ctx context.Context) error {
	version := c.src.Version().ClientVersion
	cur := c.Snapshot()
	if cur != nil && (version == "" || cur.GameVersion == version) {
		return nil
	}
	if cur != nil {
		logger.Infof("каталог: версия игры сменилась (%s → %s), перезагружаем таблицы", cur.GameVersion, version)
	}
	return c.Refresh(ctx)
}

// Refresh перезапрашивает все таблицы и публикует новый снимок. Цены
// переносятся из прежнего снимка, только если версия игры не сменилась:
// со сменой версии витринные цены начинают копиться заново. Лидер после
// обновления сразу пишет снимок на диск и оповещает реплики.
func (c *Catalog) Refresh(ctx context.Context) error {
	snap, err := fetchSnapshot(ctx, c.src, c.clk.Now())
	if err != nil {
		return errors.Wrap(err, "refresh catalog")
	}

	c.mu.Lock()
	if cur := c.snap; cur != nil && cur.GameVersion == snap.GameVersion {
		for id, p := range cur.Prices {
			if _, ok := snap.Prices[id]; !ok {
				snap.Prices[id] = p
			}
		}
	}
	c.snap = snap
	c.mu.Unlock()

	logger.Infof("каталог: загружено скинов %d, бандлов %d, версия %s",
		len(snap.Skins), len(snap.Bundles), snap.GameVersion)

	if c.id.IsLeader() {
		c.persistNow()
		c.broadcastReload(ctx)
	}
	return nil
}

// MergePrices вливает цены, подсмотренные в витринах. Карта цен растёт
// монотонно до смены версии игры; совпадающие с уже известными значения не
// считаются изменением. Принятая дельта рассылается широковещанием
// price_update (кроме случая, когда она сама пришла с шины), а лидер
// откладывает запись снимка. Возвращает число принятых позиций.
func (c *Catalog) MergePrices(ctx context.Context, partial map[user.ItemID]int, fromBroadcast bool) int {
	if len(partial) == 0 {
		return 0
	}

	c.mu.Lock()
	cur := c.snap
	if cur == nil {
		c.mu.Unlock()
		return 0
	}
	var next map[user.ItemID]int
	delta := make(map[string]int)
	for id, price := range partial {
		if id == "" || price <= 0 {
			continue
		}
		if known, ok := cur.Prices[id]; ok && known == price {
			continue
		}
		if next == nil {
			next = make(map[user.ItemID]int, len(cur.Prices)+len(partial))
			maps.Copy(next, cur.Prices)
		}
		next[id] = price
		delta[string(id)] = price
	}
	if next == nil {
		c.mu.Unlock()
		return 0
	}
	fresh := *cur
	fresh.Prices = next
	c.snap = &fresh
	c.mu.Unlock()

	logger.Debugf("каталог: цены пополнены на %d позиций, всего %d", len(delta), len(next))
	c.schedulePersist()
	if !fromBroadcast {
		c.broadcastPrices(ctx, delta)
	}
	return len(delta)
}

// ReloadFromDisk перечитывает снимок, записанный лидером. Цены, успевшие
// прийти по шине после записи файла, сохраняются поверх прочитанных.
func (c *Catalog) ReloadFromDisk() error {
	var snap Snapshot
	if err := storage.ReadJSON(c.path, &snap); err != nil {
		return errors.Wrap(err, "reload snapshot")
	}
	if snap.FormatVersion != FormatVersion {
		return errors.Errorf("snapshot format %d, want %d", snap.FormatVersion, FormatVersion)
	}
	if snap.Prices == nil {
		snap.Prices = make(map[user.ItemID]int)
	}

	c.mu.Lock()
	if cur := c.snap; cur != nil && cur.GameVersion == snap.GameVersion {
		for id, p := range cur.Prices {
			if _, ok := snap.Prices[id]; !ok {
				snap.Prices[id] = p
			}
		}
	}
	c.snap = &snap
	c.mu.Unlock()

	logger.Debugf("каталог: снимок перечитан с диска, версия %s", snap.GameVersion)
	return nil
}

func (c *Catalog) loadFromDisk() error {
	var snap Snapshot
	if err := storage.ReadJSON(c.path, &snap); err != nil {
		return err
	}
	if snap.FormatVersion != FormatVersion {
		return errors.Errorf("snapshot format %d, want %d", snap.FormatVersion, FormatVersion)
	}
	if snap.Prices == nil {
		snap.Prices = make(map[user.ItemID]int)
	}
	c.mu.Lock()
	c.snap = &snap
	c.mu.Unlock()
	return nil
}

// schedulePersist откладывает запись снимка; пишет только лидер.
func (c *Catalog) schedulePersist() {
	if !c.id.IsLeader() {
		return
	}
	c.deb.Do(persistKey, c.persistNow)
}

func (c *Catalog) persistNow() {
	snap := c.Snapshot()
	if snap == nil {
		return
	}
	if err := storage.WriteJSONAtomic(c.path, snap); err != nil {
		logger.Errorf("каталог: снимок не записан на диск: %v", err)
		return
	}
	logger.Debugf("каталог: снимок записан, скинов %d, цен %d", len(snap.Skins), len(snap.Prices))
}

func (c *Catalog) broadcastReload(ctx context.Context) {
	if c.b == nil {
		return
	}
	if err := c.b.Broadcast(ctx, bus.CatalogReload{}); err != nil {
		logger.Warnf("каталог: реплики не оповещены об обновлении: %v", err)
	}
}

func (c *Catalog) broadcastPrices(ctx context.Context, delta map[string]int) {
	if c.b == nil || len(delta) == 0 {
		return
	}
	if err := c.b.Broadcast(ctx, bus.PriceUpdate{Prices: delta}); err != nil {
		logger.Warnf("каталог: дельта цен не разослана: %v", err)
	}
}
