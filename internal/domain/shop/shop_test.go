package shop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/domain/catalog"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/riot/client"
	"valorant-skinbot/internal/riot/rerr"
	"valorant-skinbot/internal/storage/users"
)

const (
	testUserID = user.UserID("440000000000000001")
	testPuuid  = user.Puuid("puuid-shop-1")
)

type fakeAuth struct {
	mu    sync.Mutex
	acc   *user.Account
	err   error
	calls int
}

func (f *fakeAuth) AuthUser(_ context.Context, _ user.UserID, _ int) (*user.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.acc, nil
}

func (f *fakeAuth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeUpstream struct {
	mu              sync.Mutex
	storefront      *client.StorefrontResponse
	offers          *client.OffersResponse
	storefrontCalls int
	offersCalls     int
}

func (f *fakeUpstream) Storefront(_ context.Context, _ client.AuthHeaders, _, _ string) (*client.StorefrontResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storefrontCalls++
	return f.storefront, nil
}

func (f *fakeUpstream) Offers(_ context.Context, _ client.AuthHeaders, _ string) (*client.OffersResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offersCalls++
	if f.offers == nil {
		return &client.OffersResponse{}, nil
	}
	return f.offers, nil
}

func (f *fakeUpstream) counts() (storefront, offers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storefrontCalls, f.offersCalls
}

type fakeSink struct {
	mu     sync.Mutex
	merged map[user.ItemID]int
}

func (f *fakeSink) MergePrices(_ context.Context, partial map[user.ItemID]int, _ bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.merged == nil {
		f.merged = make(map[user.ItemID]int)
	}
	n := 0
	for k, v := range partial {
		if _, ok := f.merged[k]; !ok {
			n++
		}
		f.merged[k] = v
	}
	return n
}

func (f *fakeSink) Snapshot() *catalog.Snapshot { return nil }

func (f *fakeSink) price(id user.ItemID) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.merged[id]
	return p, ok
}

// storefrontJSON — витрина в форме ответа апстрима: две дневных позиции,
// набор и открытый ночной рынок.
const storefrontJSON = `{
  "SkinsPanelLayout": {
    "SingleItemOffers": ["lvl-a", "lvl-b"],
    "SingleItemStoreOffers": [
      {"OfferID": "lvl-a", "Cost": {"85ad13f7-3d1b-5128-9eb2-7cd8ee0b5741": 2900}, "Rewards": [{"ItemTypeID": "skin_level", "ItemID": "lvl-a", "Quantity": 1}]},
      {"OfferID": "lvl-b", "Cost": {"85ad13f7-3d1b-5128-9eb2-7cd8ee0b5741": 1775}, "Rewards": [{"ItemTypeID": "skin_level", "ItemID": "lvl-b", "Quantity": 1}]}
    ],
    "SingleItemOffersRemainingDurationInSeconds": 3600
  },
  "FeaturedBundle": {
    "Bundles": [
      {
        "ID": "bundle-offer-1",
        "DataAssetID": "bundle-prime",
        "DurationRemainingInSeconds": 7200,
        "Items": [
          {"Item": {"ItemTypeID": "skin_level", "ItemID": "lvl-c", "Amount": 1}, "BasePrice": 2175, "CurrencyID": "85ad13f7-3d1b-5128-9eb2-7cd8ee0b5741", "DiscountPercent": 0.33, "DiscountedPrice": 1457},
          {"Item": {"ItemTypeID": "buddy_level", "ItemID": "lvl-buddy", "Amount": 2}, "BasePrice": 475, "CurrencyID": "85ad13f7-3d1b-5128-9eb2-7cd8ee0b5741", "DiscountPercent": 0.33, "DiscountedPrice": 318},
          {"Item": {"ItemTypeID": "spray", "ItemID": "spray-kc", "Amount": 1}, "BasePrice": 0, "CurrencyID": "f08d4ae3-939c-4576-ab26-09ce1f23bb37", "DiscountPercent": 0, "DiscountedPrice": 0}
        ]
      }
    ]
  },
  "BonusStore": {
    "BonusStoreOffers": [
      {
        "BonusOfferID": "bonus-1",
        "Offer": {"OfferID": "offer-night-1", "Cost": {"85ad13f7-3d1b-5128-9eb2-7cd8ee0b5741": 1775}, "Rewards": [{"ItemTypeID": "skin_level", "ItemID": "lvl-night", "Quantity": 1}]},
        "DiscountPercent": 40,
        "DiscountCosts": {"85ad13f7-3d1b-5128-9eb2-7cd8ee0b5741": 1065},
        "IsSeen": false
      }
    ],
    "BonusStoreRemainingDurationInSeconds": 1800
  }
}`

const emptyStorefrontJSON = `{
  "SkinsPanelLayout": {
    "SingleItemOffers": [],
    "SingleItemStoreOffers": [],
    "SingleItemOffersRemainingDurationInSeconds": 0
  },
  "FeaturedBundle": {"Bundles": []}
}`

// noPricesStorefrontJSON — устаревшая форма: позиции есть, офферов с ценами нет.
const noPricesStorefrontJSON = `{
  "SkinsPanelLayout": {
    "SingleItemOffers": ["lvl-a", "lvl-b"],
    "SingleItemStoreOffers": [],
    "SingleItemOffersRemainingDurationInSeconds": 3600
  },
  "FeaturedBundle": {"Bundles": []}
}`

func parseStorefront(t *testing.T, raw string) *client.StorefrontResponse {
	t.Helper()
	var sf client.StorefrontResponse
	if err := json.Unmarshal([]byte(raw), &sf); err != nil {
		t.Fatalf("unmarshal storefront fixture: %v", err)
	}
	return &sf
}

func newTestShop(t *testing.T, raw string) (*Service, *fakeAuth, *fakeUpstream, *fakeSink, *clock.Fake) {
	t.Helper()
	store, err := users.Open(context.Background(), t.TempDir()+"/users.db", nil)
	if err != nil {
		t.Fatalf("users.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	acc := &user.Account{Puuid: testPuuid, Username: "Хищник#777", Region: "eu"}
	u := &user.User{ID: testUserID, Accounts: []*user.Account{acc}, CurrentAccount: 1}
	if err := store.SaveUser(context.Background(), u); err != nil {
		t.Fatalf("SaveUser() error: %v", err)
	}

	az := &fakeAuth{acc: acc}
	up := &fakeUpstream{storefront: parseStorefront(t, raw)}
	sink := &fakeSink{}
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	// shared == nil: кэш живёт в локальном TTLCache, как при недоступном Redis.
	svc := New(store, az, up, sink, nil, clk)
	return svc, az, up, sink, clk
}

func TestFetchShopFetchesAndCaches(t *testing.T) {
	t.Parallel()

	svc, az, up, sink, clk := newTestShop(t, storefrontJSON)
	ctx := context.Background()

	snap, err := svc.FetchShop(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("FetchShop() = %v", err)
	}
	if snap.Cached {
		t.Fatalf("first fetch reported a cache hit")
	}
	if len(snap.Offers) != 2 || snap.Offers[0] != "lvl-a" || snap.Offers[1] != "lvl-b" {
		t.Fatalf("offers = %v", snap.Offers)
	}
	wantExpiry := clk.Now().Unix() + 3600
	if snap.ExpiresAt != wantExpiry {
		t.Fatalf("ExpiresAt = %d, want %d", snap.ExpiresAt, wantExpiry)
	}

	// Цены подсмотрены из всех частей витрины.
	for _, tc := range []struct {
		id   user.ItemID
		want int
	}{
		{"lvl-a", 2900},
		{"lvl-b", 1775},
		{"lvl-c", 2175},     // базовая цена предмета набора
		{"lvl-night", 1775}, // базовая цена ночного оффера
		{"lvl-buddy", 475},
	} {
		if p, ok := sink.price(tc.id); !ok || p != tc.want {
			t.Fatalf("merged price for %s = %d, %v, want %d", tc.id, p, ok, tc.want)
		}
	}
	if _, ok := sink.price("spray-kc"); ok {
		t.Fatalf("a non-VP bundle item leaked into merged prices")
	}

	// Повторный запрос идёт из кэша: ни авторизации, ни сети.
	again, err := svc.FetchShop(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("second FetchShop() = %v", err)
	}
	if !again.Cached {
		t.Fatalf("second fetch went to the upstream")
	}
	if got := az.callCount(); got != 1 {
		t.Fatalf("auth calls = %d, want 1", got)
	}
	if sf, _ := up.counts(); sf != 1 {
		t.Fatalf("storefront calls = %d, want 1", sf)
	}

	// Полный прайс-лист не понадобился: цены пришли вместе с витриной.
	if _, offers := up.counts(); offers != 0 {
		t.Fatalf("wholesale offers endpoint was called %d times", offers)
	}
}

func TestFetchShopRefetchesAfterRotation(t *testing.T) {
	t.Parallel()

	svc, _, up, _, clk := newTestShop(t, storefrontJSON)
	ctx := context.Background()

	if _, err := svc.FetchShop(ctx, testUserID, 0); err != nil {
		t.Fatalf("FetchShop() = %v", err)
	}
	clk.Advance(3700 * time.Second)

	snap, err := svc.FetchShop(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("FetchShop() after rotation = %v", err)
	}
	if snap.Cached {
		t.Fatalf("expired rotation was served from the cache")
	}
	if sf, _ := up.counts(); sf != 2 {
		t.Fatalf("storefront calls = %d, want 2", sf)
	}
}

func TestFetchShopZeroOffersIsNotAnError(t *testing.T) {
	t.Parallel()

	svc, _, up, _, _ := newTestShop(t, emptyStorefrontJSON)
	ctx := context.Background()

	snap, err := svc.FetchShop(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("FetchShop() on an empty storefront = %v", err)
	}
	if !snap.Empty() {
		t.Fatalf("snapshot is not empty: %v", snap.Offers)
	}

	// Пустая витрина не кэшируется — следующий запрос снова идёт в сеть.
	if _, err := svc.FetchShop(ctx, testUserID, 0); err != nil {
		t.Fatalf("second FetchShop() = %v", err)
	}
	if sf, _ := up.counts(); sf != 2 {
		t.Fatalf("storefront calls = %d, want 2", sf)
	}
}

func TestFetchNightMarket(t *testing.T) {
	t.Parallel()

	svc, _, _, _, clk := newTestShop(t, storefrontJSON)
	ctx := context.Background()

	nm, err := svc.FetchNightMarket(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("FetchNightMarket() = %v", err)
	}
	if !nm.Open() {
		t.Fatalf("night market is closed, offers = %v", nm.Offers)
	}
	off := nm.Offers[0]
	if off.ItemID != "lvl-night" || off.BasePrice != 1775 || off.DiscountedPrice != 1065 || off.DiscountPercent != 40 {
		t.Fatalf("night offer = %+v", off)
	}

	// Рынок закрылся раньше дневной ротации: кэш ещё жив, но офферов нет.
	clk.Advance(2000 * time.Second)
	nm, err = svc.FetchNightMarket(ctx, testUserID, 0)
	if err != nil {
		t.Fatalf("FetchNightMarket() after close = %v", err)
	}
	if nm.Open() {
		t.Fatalf("night market is still open after its expiry")
	}
	if !nm.Cached {
		t.Fatalf("closed market was not served from the cache")
	}
}

func TestFetchNightMarketClosed(t *testing.T) {
	t.Parallel()

	svc, _, _, _, _ := newTestShop(t, emptyStorefrontJSON)
	nm, err := svc.FetchNightMarket(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("FetchNightMarket() = %v", err)
	}
	if nm.Open() {
		t.Fatalf("night market reported open without a bonus store")
	}
}

func TestFetchBundles(t *testing.T) {
	t.Parallel()

	svc, _, _, _, clk := newTestShop(t, storefrontJSON)
	bundles, err := svc.FetchBundles(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("FetchBundles() = %v", err)
	}
	if len(bundles) != 1 {
		t.Fatalf("bundles = %d, want 1", len(bundles))
	}
	b := bundles[0]
	if b.ID != "bundle-prime" {
		t.Fatalf("bundle id = %s, want the DataAssetID", b.ID)
	}
	if b.BasePrice != 2175+475 || b.Price != 1457+318 {
		t.Fatalf("bundle totals = %d / %d", b.BasePrice, b.Price)
	}
	if len(b.Items) != 3 {
		t.Fatalf("bundle items = %d, want 3", len(b.Items))
	}
	if want := clk.Now().Unix() + 7200; b.ExpiresAt != want {
		t.Fatalf("bundle ExpiresAt = %d, want %d", b.ExpiresAt, want)
	}
}

func TestFetchShopWholesalePriceFallback(t *testing.T) {
	t.Parallel()

	svc, _, up, sink, _ := newTestShop(t, noPricesStorefrontJSON)
	up.offers = &client.OffersResponse{Offers: []client.StoreOffer{
		{OfferID: "lvl-a", Cost: map[string]int{vpCurrencyID: 2900}},
		{OfferID: "lvl-b", Cost: map[string]int{vpCurrencyID: 1775}},
	}}

	if _, err := svc.FetchShop(context.Background(), testUserID, 0); err != nil {
		t.Fatalf("FetchShop() = %v", err)
	}
	if _, offers := up.counts(); offers != 1 {
		t.Fatalf("wholesale offers calls = %d, want 1", offers)
	}
	if p, ok := sink.price("lvl-a"); !ok || p != 2900 {
		t.Fatalf("price from the wholesale list = %d, %v", p, ok)
	}
}

func TestFetchShopUnknownTargets(t *testing.T) {
	t.Parallel()

	svc, _, _, _, _ := newTestShop(t, storefrontJSON)
	ctx := context.Background()

	if _, err := svc.FetchShop(ctx, "990000000000000009", 0); !errors.Is(err, rerr.ErrNotRegistered) {
		t.Fatalf("unknown user error = %v, want ErrNotRegistered", err)
	}
	if _, err := svc.FetchShop(ctx, testUserID, 7); !errors.Is(err, rerr.ErrNotRegistered) {
		t.Fatalf("unknown account error = %v, want ErrNotRegistered", err)
	}
}

func TestFetchShopAuthFailurePropagates(t *testing.T) {
	t.Parallel()

	svc, az, up, _, _ := newTestShop(t, storefrontJSON)
	az.err = errors.Wrap(rerr.ErrInvalidCredentials, "stored login rejected")

	if _, err := svc.FetchShop(context.Background(), testUserID, 0); !errors.Is(err, rerr.ErrInvalidCredentials) {
		t.Fatalf("FetchShop() error = %v, want ErrInvalidCredentials", err)
	}
	if sf, _ := up.counts(); sf != 0 {
		t.Fatalf("storefront was fetched despite the auth failure")
	}
}

func TestHarvestPrices(t *testing.T) {
	t.Parallel()

	sf := parseStorefront(t, storefrontJSON)
	prices := harvestPrices(sf)

	cases := []struct {
		name string
		id   user.ItemID
		want int
		ok   bool
	}{
		{"single offer", "lvl-a", 2900, true},
		{"night market base price", "lvl-night", 1775, true},
		{"bundle item base price", "lvl-c", 2175, true},
		{"non-VP bundle item", "spray-kc", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, ok := prices[tc.id]
			if ok != tc.ok || p != tc.want {
				t.Fatalf("price[%s] = %d, %v, want %d, %v", tc.id, p, ok, tc.want, tc.ok)
			}
		})
	}
}
