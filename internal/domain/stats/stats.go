// Статистика использования магазина: кто смотрел витрину, сколько раз и
// какие предметы выпадали. Счётчики живут в общем хранилище посуточными
// ключами с TTL; при недоступном Redis шард копит цифры у себя и сбрасывает
// их в stats.json отложенной атомарной записью.
package stats

import (
	"context"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/concurrency"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/sharedstore"
	"valorant-skinbot/internal/infra/storage"
)

const (
	dateLayout = "2006-01-02"

	// persistDebounce — окно склейки локальных записей stats.json.
	persistDebounce = 5 * time.Second
	persistKey      = "stats.json"
)

func usersKey(date string) string { return "stats:" + date + ":users" }
func shopsKey(date string) string { return "stats:" + date + ":shops" }
func itemsKey(date string) string { return "stats:" + date + ":items" }

// ItemCount — предмет и сколько раз он встречался в ротациях за день.
type ItemCount struct {
	ItemID user.ItemID `json:"itemId"`
	Count  int64       `json:"count"`
}

// DaySummary — сводка за один день для операторской поверхности.
type DaySummary struct {
	Date        string      `json:"date"`
	ActiveUsers int64       `json:"activeUsers"`
	ShopFetches int64       `json:"shopFetches"`
	Items       []ItemCount `json:"items"`
}

// localDay — посуточный аккумулятор деградированного режима.
type localDay struct {
	Users map[user.Puuid]struct{}
	Shops int64
	Items map[user.ItemID]int64
}

func newLocalDay() *localDay {
	return &localDay{
		Users: make(map[user.Puuid]struct{}),
		Items: make(map[user.ItemID]int64),
	}
}

// statsFile — дисковая форма локального аккумулятора. Множества лежат
// отсортированными списками, чтобы файл был стабилен между записями.
type statsFile struct {
	Days map[string]dayFile `json:"days"`
}

type dayFile struct {
	Users []user.Puuid          `json:"users"`
	Shops int64                 `json:"shops"`
	Items map[user.ItemID]int64 `json:"items"`
}

// Tracker пишет и читает статистику. Все методы безопасны для конкурентного
// вызова; при выключенном trackStoreStats запись — no-op.
type Tracker struct {
	shared *sharedstore.Store
	clk    clock.Clock
	path   string
	deb    *concurrency.Debouncer

	mu   sync.Mutex
	days map[string]*localDay
}

// New создаёт трекер. shared может быть nil — тогда всё копится локально.
// Локальный аккумулятор поднимается из path, если файл уже есть.
func New(shared *sharedstore.Store, path string, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	t := &Tracker{
		shared: shared,
		clk:    clk,
		path:   path,
		deb:    concurrency.NewDebouncer(persistDebounce),
		days:   make(map[string]*localDay),
	}
	t.loadFromDisk()
	return t
}

// Start запускает отложенную запись. До Start (и после Stop) записи
// выполняются синхронно.
func (t *Tracker) Start(ctx context.Context) { t.deb.Start(ctx) }

// Stop сбрасывает отложенные записи на диск.
func (t *Tracker) Stop() { t.deb.Stop() }

// RecordShopFetch фиксирует один показ витрины: пользователь в множестве дня,
// инкремент счётчика, плюс по единице на каждый предмет ротации. Ошибки
// хранилища не всплывают наружу — показ витрины важнее статистики.
func (t *Tracker) RecordShopFetch(ctx context.Context, puuid user.Puuid, items []user.ItemID) {
	if !config.Runtime().TrackStoreStats {
		return
	}
	date := t.clk.Now().Format(dateLayout)
	if t.shared.Available() {
		err := t.recordShared(ctx, date, puuid, items)
		if err == nil {
			return
		}
		logger.Warnf("статистика: запись в общее хранилище не удалась, копим локально: %v", err)
	}
	t.recordLocal(date, puuid, items)
}

func (t *Tracker) recordShared(ctx context.Context, date string, puuid user.Puuid, items []user.ItemID) error {
	ttl := time.Duration(config.Runtime().StatsExpirationDays) * 24 * time.Hour

	if err := t.shared.SAdd(ctx, usersKey(date), string(puuid)); err != nil {
		return errors.Wrap(err, "users set")
	}
	if err := t.shared.Expire(ctx, usersKey(date), ttl); err != nil {
		return errors.Wrap(err, "users ttl")
	}
	if _, err := t.shared.Incr(ctx, shopsKey(date)); err != nil {
		return errors.Wrap(err, "shops counter")
	}
	if err := t.shared.Expire(ctx, shopsKey(date), ttl); err != nil {
		return errors.Wrap(err, "shops ttl")
	}
	for _, it := range items {
		if _, err := t.shared.HIncrBy(ctx, itemsKey(date), string(it), 1); err != nil {
			return errors.Wrap(err, "items hash")
		}
	}
	if len(items) > 0 {
		if err := t.shared.Expire(ctx, itemsKey(date), ttl); err != nil {
			return errors.Wrap(err, "items ttl")
		}
	}
	return nil
}

func (t *Tracker) recordLocal(date string, puuid user.Puuid, items []user.ItemID) {
	t.mu.Lock()
	day := t.days[date]
	if day == nil {
		day = newLocalDay()
		t.days[date] = day
	}
	day.Users[puuid] = struct{}{}
	day.Shops++
	for _, it := range items {
		day.Items[it]++
	}
	t.mu.Unlock()

	t.deb.Do(persistKey, t.persistNow)
}

// Summary возвращает сводку за date ("" — за сегодня). Источник — общее
// хранилище; при его недоступности отдаётся локальный аккумулятор шарда.
func (t *Tracker) Summary(ctx context.Context, date string) (*DaySummary, error) {
	if date == "" {
		date = t.clk.Now().Format(dateLayout)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, errors.Wrapf(err, "bad stats date %q", date)
	}

	if t.shared.Available() {
		sum, err := t.sharedSummary(ctx, date)
		if err == nil {
			return sum, nil
		}
		logger.Warnf("статистика: сводка из общего хранилища не удалась: %v", err)
	}
	return t.localSummary(date), nil
}

// ActiveUsers возвращает число уникальных пользователей за date ("" — сегодня).
func (t *Tracker) ActiveUsers(ctx context.Context, date string) (int64, error) {
	sum, err := t.Summary(ctx, date)
	if err != nil {
		return 0, err
	}
	return sum.ActiveUsers, nil
}

func (t *Tracker) sharedSummary(ctx context.Context, date string) (*DaySummary, error) {
	users, err := t.shared.SCard(ctx, usersKey(date))
	if err != nil {
		return nil, errors.Wrap(err, "users cardinality")
	}
	var shops int64
	raw, found, err := t.shared.Get(ctx, shopsKey(date))
	if err != nil {
		return nil, errors.Wrap(err, "shops counter")
	}
	if found {
		shops, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "shops counter value %q", raw)
		}
	}
	fields, err := t.shared.HGetAll(ctx, itemsKey(date))
	if err != nil {
		return nil, errors.Wrap(err, "items hash")
	}
	items := make([]ItemCount, 0, len(fields))
	for id, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "item %s count %q", id, v)
		}
		items = append(items, ItemCount{ItemID: user.ItemID(id), Count: n})
	}
	return &DaySummary{
		Date:        date,
		ActiveUsers: users,
		ShopFetches: shops,
		Items:       sortItems(items),
	}, nil
}

func (t *Tracker) localSummary(date string) *DaySummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := &DaySummary{Date: date}
	day := t.days[date]
	if day == nil {
		return sum
	}
	sum.ActiveUsers = int64(len(day.Users))
	sum.ShopFetches = day.Shops
	sum.Items = make([]ItemCount, 0, len(day.Items))
	for id, n := range day.Items {
		sum.Items = append(sum.Items, ItemCount{ItemID: id, Count: n})
	}
	sum.Items = sortItems(sum.Items)
	return sum
}

// sortItems упорядочивает по убыванию счётчика, при равенстве — по id.
func sortItems(items []ItemCount) []ItemCount {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].ItemID < items[j].ItemID
	})
	return items
}

func (t *Tracker) loadFromDisk() {
	var f statsFile
	if err := storage.ReadJSON(t.path, &f); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("статистика: локальный файл не прочитан: %v", err)
		}
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clk.Now().AddDate(0, 0, -config.Runtime().StatsExpirationDays).Format(dateLayout)
	for date, df := range f.Days {
		// Протухшие дни не поднимаем: TTL в Redis стирает их сам, локальный
		// файл чистится при загрузке.
		if date < cutoff {
			continue
		}
		day := newLocalDay()
		for _, p := range df.Users {
			day.Users[p] = struct{}{}
		}
		day.Shops = df.Shops
		for id, n := range df.Items {
			day.Items[id] = n
		}
		t.days[date] = day
	}
}

func (t *Tracker) persistNow() {
	t.mu.Lock()
	f := statsFile{Days: make(map[string]dayFile, len(t.days))}
	for date, day := range t.days {
		df := dayFile{
			Users: make([]user.Puuid, 0, len(day.Users)),
			Shops: day.Shops,
			Items: make(map[user.ItemID]int64, len(day.Items)),
		}
		for p := range day.Users {
			df.Users = append(df.Users, p)
		}
		sort.Slice(df.Users, func(i, j int) bool { return df.Users[i] < df.Users[j] })
		for id, n := range day.Items {
			df.Items[id] = n
		}
		f.Days[date] = df
	}
	t.mu.Unlock()

	if err := storage.WriteJSONAtomic(t.path, f); err != nil {
		logger.Errorf("статистика: локальный файл не записан: %v", err)
	}
}
