package alerts

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/cluster/bus"
	"valorant-skinbot/internal/domain/notify"
	"valorant-skinbot/internal/domain/shop"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/riot/rerr"
	"valorant-skinbot/internal/storage/users"

	"github.com/go-faster/errors"
)

const (
	testUserID  = user.UserID("440000000000000001")
	testUserID2 = user.UserID("440000000000000002")
	testPuuid   = user.Puuid("puuid-alerts-1")
	testPuuid2  = user.Puuid("puuid-alerts-2")
	testChannel = user.ChannelID("700000000000000001")
)

// fakeShop отдаёт заранее сложенные снимки витрин; очередь ошибок на ключе
// расходуется раньше снимка, что позволяет разыгрывать повторы.
type fakeShop struct {
	mu    sync.Mutex
	snaps map[string]*shop.Snapshot
	errs  map[string][]error
	calls map[string]int
}

func newFakeShop() *fakeShop {
	return &fakeShop{
		snaps: make(map[string]*shop.Snapshot),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func shopKey(id user.UserID, idx int) string {
	return string(id) + "#" + strconv.Itoa(idx)
}

func (f *fakeShop) FetchShop(_ context.Context, id user.UserID, idx int) (*shop.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := shopKey(id, idx)
	f.calls[key]++
	if q := f.errs[key]; len(q) > 0 {
		err := q[0]
		f.errs[key] = q[1:]
		return nil, err
	}
	if snap, ok := f.snaps[key]; ok {
		cp := *snap
		return &cp, nil
	}
	return &shop.Snapshot{}, nil
}

func (f *fakeShop) setSnap(id user.UserID, idx int, snap *shop.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[shopKey(id, idx)] = snap
}

func (f *fakeShop) queueErr(id user.UserID, idx int, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := shopKey(id, idx)
	f.errs[key] = append(f.errs[key], errs...)
}

func (f *fakeShop) callCount(id user.UserID, idx int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[shopKey(id, idx)]
}

// recordingPort копит уведомления; fail назначает каналу ошибку доставки.
type recordingPort struct {
	mu          sync.Mutex
	alerts      []notify.AlertNotice
	dailies     []notify.DailyShopNotice
	credentials []notify.CredentialsNotice
	inaccess    []notify.InaccessibleNotice
	chErr       map[user.ChannelID]error
	dmErr       error
}

func newRecordingPort() *recordingPort {
	return &recordingPort{chErr: make(map[user.ChannelID]error)}
}

func (p *recordingPort) fail(ch user.ChannelID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chErr[ch] = err
}

func (p *recordingPort) SendAlert(_ context.Context, n notify.AlertNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.chErr[n.ChannelID]; err != nil {
		return err
	}
	p.alerts = append(p.alerts, n)
	return nil
}

func (p *recordingPort) SendDailyShop(_ context.Context, n notify.DailyShopNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.chErr[n.ChannelID]; err != nil {
		return err
	}
	p.dailies = append(p.dailies, n)
	return nil
}

func (p *recordingPort) SendCredentialsExpired(_ context.Context, n notify.CredentialsNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.chErr[n.ChannelID]; err != nil {
		return err
	}
	p.credentials = append(p.credentials, n)
	return nil
}

func (p *recordingPort) NotifyChannelInaccessible(_ context.Context, n notify.InaccessibleNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inaccess = append(p.inaccess, n)
	return nil
}

func (p *recordingPort) OpenDM(_ context.Context, id user.UserID) (user.ChannelID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dmErr != nil {
		return "", p.dmErr
	}
	return user.ChannelID("dm:" + string(id)), nil
}

func (p *recordingPort) alertCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

type fakeStats struct {
	mu      sync.Mutex
	fetches []user.Puuid
}

func (s *fakeStats) RecordShopFetch(_ context.Context, puuid user.Puuid, _ []user.ItemID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, puuid)
}

type engineFixture struct {
	eng   *Engine
	store *users.Store
	sh    *fakeShop
	port  *recordingPort
	stats *fakeStats
	b     *bus.Bus
	clk   *clock.Fake
}

func newTestEngine(t *testing.T) *engineFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	store, err := users.Open(context.Background(), filepath.Join(t.TempDir(), "users.db"), clk)
	if err != nil {
		t.Fatalf("открытие хранилища: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &engineFixture{
		store: store,
		sh:    newFakeShop(),
		port:  newRecordingPort(),
		stats: &fakeStats{},
		b:     bus.New(cluster.NewIdentity(0, 1), nil),
		clk:   clk,
	}
	f.eng = New(store, f.sh, f.port, f.b, f.stats, cluster.NewIdentity(0, 1), clk)
	return f
}

func (f *engineFixture) seed(t *testing.T, u *user.User) {
	t.Helper()
	if err := f.store.SaveUser(context.Background(), u); err != nil {
		t.Fatalf("посев пользователя %s: %v", u.ID, err)
	}
}

func (f *engineFixture) mustGet(t *testing.T, id user.UserID) *user.User {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("чтение пользователя %s: %v", id, err)
	}
	if u == nil {
		t.Fatalf("пользователь %s пропал из хранилища", id)
	}
	return u
}

// alertUser собирает пользователя с одним авторизованным аккаунтом.
func alertUser(id user.UserID, puuid user.Puuid, alerts ...user.Alert) *user.User {
	return &user.User{
		ID:             id,
		CurrentAccount: 1,
		Accounts: []*user.Account{{
			Puuid:    puuid,
			Username: "Феникс#001",
			Region:   "eu",
			Auth:     &user.Auth{AccessToken: "at", EntitlementToken: "ent"},
			Alerts:   alerts,
		}},
	}
}

func daySnap(puuid user.Puuid, expires int64, cached bool, items ...user.ItemID) *shop.Snapshot {
	return &shop.Snapshot{Puuid: puuid, Offers: items, ExpiresAt: expires, Cached: cached}
}

func TestRunDeliversPositiveAlerts(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid,
		user.Alert{UUID: "skin-dagger", ChannelID: testChannel},
		user.Alert{UUID: "skin-karambit", ChannelID: testChannel},
	))
	expires := f.clk.Now().Add(8 * time.Hour).Unix()
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, expires, false, "skin-dagger", "skin-other"))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if len(f.port.alerts) != 1 {
		t.Fatalf("ожидалось одно оповещение, получено %d", len(f.port.alerts))
	}
	n := f.port.alerts[0]
	if n.UserID != testUserID || n.AccountIdx != 1 || n.ChannelID != testChannel {
		t.Fatalf("неверная адресация оповещения: %+v", n)
	}
	if len(n.ItemIDs) != 1 || n.ItemIDs[0] != "skin-dagger" {
		t.Fatalf("неверные предметы: %v", n.ItemIDs)
	}
	if n.ExpiresAt != expires {
		t.Fatalf("ExpiresAt = %d, ожидалось %d", n.ExpiresAt, expires)
	}
	if len(f.port.dailies) != 0 || len(f.port.credentials) != 0 {
		t.Fatalf("лишние уведомления: dailies=%d credentials=%d", len(f.port.dailies), len(f.port.credentials))
	}
	if len(f.stats.fetches) != 1 || f.stats.fetches[0] != testPuuid {
		t.Fatalf("учёт походов: %v", f.stats.fetches)
	}
}

func TestRunSkipsAccountsWithoutAlerts(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	u := alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel})
	u.Accounts = append(u.Accounts, &user.Account{
		Puuid:    testPuuid2,
		Username: "Феникс#002",
		Region:   "eu",
		Auth:     &user.Auth{AccessToken: "at2", EntitlementToken: "ent2"},
	})
	f.seed(t, u)

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if got := f.sh.callCount(testUserID, 1); got != 1 {
		t.Fatalf("аккаунт с подписками: %d походов, ожидался 1", got)
	}
	if got := f.sh.callCount(testUserID, 2); got != 0 {
		t.Fatalf("аккаунт без подписок не должен проверяться, походов: %d", got)
	}
}

func TestRunSendsDailyShopForCurrentAccount(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	dailyCh := user.ChannelID("700000000000000002")
	u := alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel})
	u.Accounts = append(u.Accounts, &user.Account{
		Puuid:    testPuuid2,
		Username: "Феникс#002",
		Region:   "eu",
		Auth:     &user.Auth{AccessToken: "at2", EntitlementToken: "ent2"},
	})
	u.CurrentAccount = 2
	u.Settings.DailyShopChannel = dailyCh
	f.seed(t, u)

	expires := f.clk.Now().Add(6 * time.Hour).Unix()
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, expires, false, "skin-none"))
	f.sh.setSnap(testUserID, 2, daySnap(testPuuid2, expires, false, "skin-a", "skin-b"))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if len(f.port.dailies) != 1 {
		t.Fatalf("ожидалась одна ежедневная витрина, получено %d", len(f.port.dailies))
	}
	d := f.port.dailies[0]
	if d.AccountIdx != 2 || d.ChannelID != dailyCh {
		t.Fatalf("витрина ушла не туда: %+v", d)
	}
	if len(d.Offers) != 2 || d.Offers[0] != "skin-a" || d.Offers[1] != "skin-b" {
		t.Fatalf("неверные офферы витрины: %v", d.Offers)
	}
	if len(f.port.alerts) != 0 {
		t.Fatalf("совпадений не было, а оповещений %d", len(f.port.alerts))
	}
}

func TestRunDedupsAlertsBeforeFetch(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid,
		user.Alert{UUID: "skin-dup", ChannelID: testChannel},
		user.Alert{UUID: "skin-dup", ChannelID: "700000000000000009"},
		user.Alert{UUID: "skin-b", ChannelID: testChannel},
	))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	got := f.mustGet(t, testUserID).Accounts[0].Alerts
	if len(got) != 2 {
		t.Fatalf("после дедупликации осталось %d подписок, ожидалось 2", len(got))
	}
	if got[0].UUID != "skin-dup" || got[0].ChannelID != testChannel {
		t.Fatalf("первое вхождение не сохранилось: %+v", got[0])
	}
	if got[1].UUID != "skin-b" {
		t.Fatalf("порядок подписок нарушен: %+v", got)
	}
}

func TestRunHonorsPartition(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	// Снежинки 100<<22 и 101<<22: при двух шардах уходят на шарды 0 и 1.
	shard0 := user.UserID("419430400")
	shard1 := user.UserID("423624704")
	f.seed(t, alertUser(shard0, "puuid-s0", user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.seed(t, alertUser(shard1, "puuid-s1", user.Alert{UUID: "skin-x", ChannelID: testChannel}))

	eng := New(f.store, f.sh, f.port, f.b, f.stats, cluster.NewIdentity(1, 2), f.clk)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if got := f.sh.callCount(shard0, 1); got != 0 {
		t.Fatalf("чужой пользователь проверен %d раз", got)
	}
	if got := f.sh.callCount(shard1, 1); got != 1 {
		t.Fatalf("свой пользователь проверен %d раз, ожидался 1", got)
	}
}

func TestFetchRetriesMaintenance(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.queueErr(testUserID, 1, rerr.ErrMaintenance, rerr.ErrMaintenance)
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-x"))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if got := f.sh.callCount(testUserID, 1); got != 3 {
		t.Fatalf("походов %d, ожидалось 3", got)
	}
	if len(f.clk.Sleeps) != 2 || f.clk.Sleeps[0] != maintenanceDelay || f.clk.Sleeps[1] != maintenanceDelay {
		t.Fatalf("паузы техработ: %v", f.clk.Sleeps)
	}
	if len(f.port.alerts) != 1 {
		t.Fatalf("после повторов оповещение не доставлено")
	}
}

func TestFetchRetriesRateLimit(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.queueErr(testUserID, 1, rerr.RateLimited(f.clk.Now().Add(90*time.Second)))
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-x"))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if len(f.clk.Sleeps) != 1 || f.clk.Sleeps[0] != 90*time.Second {
		t.Fatalf("пауза лимита: %v", f.clk.Sleeps)
	}
	if len(f.port.alerts) != 1 {
		t.Fatalf("после паузы оповещение не доставлено")
	}
}

func TestFetchRateLimitWithoutRetryAtUsesFallback(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.queueErr(testUserID, 1, rerr.RateLimited(time.Time{}))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if len(f.clk.Sleeps) != 1 || f.clk.Sleeps[0] != rateLimitFallback {
		t.Fatalf("ожидалась запасная пауза %s, паузы: %v", rateLimitFallback, f.clk.Sleeps)
	}
}

func TestFetchGivesUpAfterBoundedRetries(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.queueErr(testUserID, 1, rerr.ErrMaintenance, rerr.ErrMaintenance, rerr.ErrMaintenance)

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if got := f.sh.callCount(testUserID, 1); got != fetchAttempts {
		t.Fatalf("походов %d, ожидалось %d", got, fetchAttempts)
	}
	// После последней попытки пауза не выдерживается.
	if len(f.clk.Sleeps) != fetchAttempts-1 {
		t.Fatalf("пауз %d, ожидалось %d", len(f.clk.Sleeps), fetchAttempts-1)
	}
	if len(f.port.alerts) != 0 || len(f.port.credentials) != 0 {
		t.Fatalf("при исчерпанных повторах уведомлений быть не должно")
	}
}

func TestAuthFailureStrikesThenExpires(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))

	// Первый отказ: страйк фиксируется, привязка остаётся.
	f.sh.queueErr(testUserID, 1, rerr.ErrInvalidCredentials)
	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("первый прогон: %v", err)
	}
	acc := f.mustGet(t, testUserID).Accounts[0]
	if acc.AuthFailures != 1 {
		t.Fatalf("после первого отказа страйков %d, ожидался 1", acc.AuthFailures)
	}
	if acc.Auth == nil {
		t.Fatalf("привязка снята раньше исчерпания страйков")
	}
	if len(f.port.credentials) != 0 {
		t.Fatalf("уведомление ушло до исчерпания страйков")
	}

	// Второй отказ добирает до потолка: привязка снимается, уходит
	// одно уведомление.
	f.sh.queueErr(testUserID, 1, rerr.ErrInvalidCredentials)
	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("второй прогон: %v", err)
	}
	acc = f.mustGet(t, testUserID).Accounts[0]
	if acc.AuthFailures != 2 {
		t.Fatalf("страйков %d, ожидалось 2", acc.AuthFailures)
	}
	if acc.Auth != nil {
		t.Fatalf("привязка не снята после исчерпания страйков")
	}
	if acc.LastNoticeSeen != noticeCredentialsExpired {
		t.Fatalf("отметка уведомления не выставлена: %q", acc.LastNoticeSeen)
	}
	if len(f.port.credentials) != 1 {
		t.Fatalf("уведомлений %d, ожидалось 1", len(f.port.credentials))
	}
	if c := f.port.credentials[0]; c.ChannelID != testChannel || c.AccountIdx != 1 {
		t.Fatalf("неверная адресация уведомления: %+v", c)
	}

	// Третий отказ повторного уведомления не даёт.
	f.sh.queueErr(testUserID, 1, rerr.ErrInvalidCredentials)
	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("третий прогон: %v", err)
	}
	if len(f.port.credentials) != 1 {
		t.Fatalf("уведомление продублировано: %d", len(f.port.credentials))
	}
}

func TestAuthFailureNotifiesDailyShopChannel(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	dailyCh := user.ChannelID("700000000000000002")
	u := alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel})
	u.Accounts[0].AuthFailures = 1 // до потолка остаётся один страйк
	u.Settings.DailyShopChannel = dailyCh
	f.seed(t, u)
	f.sh.queueErr(testUserID, 1, rerr.ErrInvalidCredentials)

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if len(f.port.credentials) != 2 {
		t.Fatalf("уведомлений %d, ожидалось 2 (канал подписок и канал витрины)", len(f.port.credentials))
	}
	got := map[user.ChannelID]bool{}
	for _, c := range f.port.credentials {
		got[c.ChannelID] = true
	}
	if !got[testChannel] || !got[dailyCh] {
		t.Fatalf("уведомления ушли не в те каналы: %v", got)
	}
}

func TestSuccessResetsStrikes(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	u := alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel})
	u.Accounts[0].AuthFailures = 1
	f.seed(t, u)
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-none"))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	acc := f.mustGet(t, testUserID).Accounts[0]
	if acc.AuthFailures != 0 {
		t.Fatalf("страйки не сняты после успешного похода: %d", acc.AuthFailures)
	}
	if acc.Auth == nil {
		t.Fatalf("привязка потеряна при сбросе страйков")
	}
}

func TestDispatchRoutesViaBusToOwningShard(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-x"))
	f.port.fail(testChannel, notify.ErrNotOnThisShard)

	var (
		mu       sync.Mutex
		captured []bus.AlertDelivery
	)
	f.b.Handle(bus.KindAlertDelivery, func(_ context.Context, _ int, msg bus.Message) {
		if d, ok := msg.(bus.AlertDelivery); ok {
			mu.Lock()
			captured = append(captured, d)
			mu.Unlock()
		}
	})
	if err := f.b.RegisterOwned(context.Background(), string(testChannel)); err != nil {
		t.Fatalf("регистрация канала: %v", err)
	}

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(captured) != 1 {
		t.Fatalf("адресных доставок %d, ожидалась 1", len(captured))
	}
	d := captured[0]
	if d.ChannelID != string(testChannel) || d.UserID != string(testUserID) {
		t.Fatalf("неверная адресация: %+v", d)
	}
	if len(d.ItemIDs) != 1 || d.ItemIDs[0] != "skin-x" {
		t.Fatalf("неверные предметы: %v", d.ItemIDs)
	}
	if len(f.port.inaccess) != 0 {
		t.Fatalf("миграция запущена при живом владельце канала")
	}
}

func TestDispatchMigratesToDMWhenUnrouted(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid,
		user.Alert{UUID: "skin-x", ChannelID: testChannel},
		user.Alert{UUID: "skin-y", ChannelID: testChannel},
	))
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-x"))
	f.port.fail(testChannel, notify.ErrNotOnThisShard)
	// Канал не зарегистрирован ни на одном шарде: адресная отправка не
	// принимается, движок мигрирует оповещения в ЛС.

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	dm := user.ChannelID("dm:" + string(testUserID))
	if len(f.port.inaccess) != 1 {
		t.Fatalf("пояснений о миграции %d, ожидалось 1", len(f.port.inaccess))
	}
	in := f.port.inaccess[0]
	if in.ChannelID != testChannel || in.DMChannelID != dm {
		t.Fatalf("неверные каналы миграции: %+v", in)
	}
	if in.Reason != reasonUnrouted {
		t.Fatalf("причина миграции %q, ожидалась %q", in.Reason, reasonUnrouted)
	}
	if in.MigratedCount != 2 {
		t.Fatalf("перенесено подписок %d, ожидалось 2", in.MigratedCount)
	}

	for _, al := range f.mustGet(t, testUserID).Accounts[0].Alerts {
		if al.ChannelID != dm {
			t.Fatalf("подписка осталась на мёртвом канале: %+v", al)
		}
	}

	// Исходное оповещение доехало повторно, уже в ЛС.
	if len(f.port.alerts) != 1 {
		t.Fatalf("повторных доставок %d, ожидалась 1", len(f.port.alerts))
	}
	if n := f.port.alerts[0]; n.ChannelID != dm || len(n.ItemIDs) != 1 || n.ItemIDs[0] != "skin-x" {
		t.Fatalf("повторная доставка искажена: %+v", n)
	}
}

func TestDispatchMigratesDailyShopChannel(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	deadCh := user.ChannelID("700000000000000066")
	u := alertUser(testUserID, testPuuid)
	u.Settings.DailyShopChannel = deadCh
	f.seed(t, u)
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-a"))
	f.port.fail(deadCh, notify.ErrNotOnThisShard)

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	dm := user.ChannelID("dm:" + string(testUserID))
	if got := f.mustGet(t, testUserID).Settings.DailyShopChannel; got != dm {
		t.Fatalf("канал витрины не переехал: %q", got)
	}
	if len(f.port.inaccess) != 1 || f.port.inaccess[0].MigratedCount != 0 {
		t.Fatalf("пояснение о миграции искажено: %+v", f.port.inaccess)
	}
	if len(f.port.dailies) != 1 || f.port.dailies[0].ChannelID != dm {
		t.Fatalf("витрина не доехала в ЛС: %+v", f.port.dailies)
	}
}

func TestDispatchMigratesOnInaccessibleError(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-x"))
	f.port.fail(testChannel, &rerr.ChannelInaccessibleError{Reason: "forbidden"})

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if len(f.port.inaccess) != 1 {
		t.Fatalf("пояснений о миграции %d, ожидалось 1", len(f.port.inaccess))
	}
	if got := f.port.inaccess[0].Reason; got != "forbidden" {
		t.Fatalf("причина миграции %q, ожидалась диагностированная адаптером", got)
	}
}

func TestSequentialDelayAfterNetworkRoundTrip(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.seed(t, alertUser(testUserID2, testPuuid2, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-none"))
	f.sh.setSnap(testUserID2, 1, daySnap(testPuuid2, 0, false, "skin-none"))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	// Первый пользователь сходил в сеть → второй выдерживает паузу.
	want := config.Runtime().DelayBetweenAlerts
	if len(f.clk.Sleeps) != 1 || f.clk.Sleeps[0] != want {
		t.Fatalf("паузы между пользователями: %v, ожидалась одна по %s", f.clk.Sleeps, want)
	}
}

func TestSequentialNoDelayAfterCacheHits(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.seed(t, alertUser(testUserID2, testPuuid2, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, true, "skin-none"))
	f.sh.setSnap(testUserID2, 1, daySnap(testPuuid2, 0, true, "skin-none"))

	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("прогон: %v", err)
	}

	if len(f.clk.Sleeps) != 0 {
		t.Fatalf("после попаданий в кэш пауз быть не должно: %v", f.clk.Sleeps)
	}
}

func TestConcurrentRunProcessesAllUsers(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	ids := []user.UserID{
		"440000000000000001", "440000000000000002",
		"440000000000000003", "440000000000000004",
	}
	for i, id := range ids {
		puuid := user.Puuid("puuid-conc-" + strconv.Itoa(i))
		f.seed(t, alertUser(id, puuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
		f.sh.setSnap(id, 1, daySnap(puuid, 0, false, "skin-x"))
	}

	cfg := config.Runtime()
	cfg.AlertConcurrency = 3
	if err := f.eng.runConcurrent(context.Background(), ids, *cfg); err != nil {
		t.Fatalf("конкурентный прогон: %v", err)
	}

	if got := f.port.alertCount(); got != len(ids) {
		t.Fatalf("оповещений %d, ожидалось %d", got, len(ids))
	}
	for _, id := range ids {
		if got := f.sh.callCount(id, 1); got != 1 {
			t.Fatalf("пользователь %s проверен %d раз", id, got)
		}
	}
}

func TestDebugRunSingleUser(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.seed(t, alertUser(testUserID2, testPuuid2, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-x"))

	if err := f.eng.DebugRun(context.Background(), testUserID); err != nil {
		t.Fatalf("отладочный прогон: %v", err)
	}

	if got := f.sh.callCount(testUserID, 1); got != 1 {
		t.Fatalf("целевой пользователь проверен %d раз", got)
	}
	if got := f.sh.callCount(testUserID2, 1); got != 0 {
		t.Fatalf("соседний пользователь затронут: %d походов", got)
	}
	if len(f.port.alerts) != 1 {
		t.Fatalf("оповещение не доставлено")
	}

	if err := f.eng.DebugRun(context.Background(), "440999999999999999"); !errors.Is(err, rerr.ErrNotFound) {
		t.Fatalf("для незнакомого пользователя ожидался ErrNotFound, получено %v", err)
	}
}

func TestForceRunTriggersLocalScan(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))
	f.sh.setSnap(testUserID, 1, daySnap(testPuuid, 0, false, "skin-x"))
	f.eng.Register()

	if err := f.eng.ForceRun(context.Background()); err != nil {
		t.Fatalf("внеочередной запуск: %v", err)
	}

	// Обработчик шины запускает прогон в отдельной горутине.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.port.alertCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.port.alertCount(); got != 1 {
		t.Fatalf("оповещений %d, ожидалось 1", got)
	}
}

func TestRunSkipsWhenAlreadyRunning(t *testing.T) {
	t.Parallel()
	f := newTestEngine(t)
	f.seed(t, alertUser(testUserID, testPuuid, user.Alert{UUID: "skin-x", ChannelID: testChannel}))

	f.eng.running.Store(true)
	if err := f.eng.Run(context.Background()); err != nil {
		t.Fatalf("повторный запуск: %v", err)
	}
	f.eng.running.Store(false)

	if got := f.sh.callCount(testUserID, 1); got != 0 {
		t.Fatalf("наслоившийся прогон что-то сделал: %d походов", got)
	}
}
