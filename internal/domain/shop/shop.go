// Сервис витрин: кэш shopdata:{puuid} в общем хранилище, поход к апстриму
// на промахе и пополнение каталога ценами. При недоступном общем хранилище
// кэш деградирует до локального TTL-кэша процесса: соседние шарды друг друга
// не видят, но повторные запросы одного шарда в сеть не ходят.

package shop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/domain/catalog"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/concurrency"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/sharedstore"
	"valorant-skinbot/internal/riot/auth"
	"valorant-skinbot/internal/riot/client"
	"valorant-skinbot/internal/riot/rerr"
	"valorant-skinbot/internal/storage/users"
)

const (
	shopCachePrefix = "shopdata:"

	// shopCacheTTL — срок жизни записи кэша. Запись переживает саму ротацию
	// примерно на час: валидность по ExpiresAt проверяется при чтении, а TTL
	// лишь не даёт ключам копиться.
	shopCacheTTL = 25 * time.Hour
)

// authorizer — то, что витрине нужно от сервиса авторизации.
type authorizer interface {
	AuthUser(ctx context.Context, id user.UserID, accountIdx int) (*user.Account, error)
}

// storefrontClient — используемые витриной ручки апстрима.
type storefrontClient interface {
	Storefront(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.StorefrontResponse, error)
	Offers(ctx context.Context, auth client.AuthHeaders, region string) (*client.OffersResponse, error)
}

// priceSink — куда витрина сливает подсмотренные цены.
type priceSink interface {
	MergePrices(ctx context.Context, partial map[user.ItemID]int, fromBroadcast bool) int
	Snapshot() *catalog.Snapshot
}

// Service потокобезопасен.
type Service struct {
	users  *users.Store
	auth   authorizer
	cl     storefrontClient
	prices priceSink
	shared *sharedstore.Store
	clk    clock.Clock

	local *concurrency.TTLCache[user.Puuid, *cachedShop]
}

// New создаёт сервис витрин. shared и prices могут быть nil: без хранилища
// работает локальный кэш, без каталога цены просто не собираются.
func New(st *users.Store, az authorizer, cl storefrontClient, prices priceSink, shared *sharedstore.Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	return &Service{
		users:  st,
		auth:   az,
		cl:     cl,
		prices: prices,
		shared: shared,
		clk:    clk,
		local:  concurrency.NewTTLCache[user.Puuid, *cachedShop](shopCacheTTL),
	}
}

// FetchShop возвращает дневную ротацию аккаунта. Попадание в кэш не трогает
// ни авторизацию, ни сеть; промах обновляет токены через authorizer, ходит
// за витриной и вливает подсмотренные цены в каталог. Пустая ротация —
// валидный снимок, не ошибка.
func (s *Service) FetchShop(ctx context.Context, id user.UserID, accountIdx int) (*Snapshot, error) {
	acc, err := s.account(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	if sh, ok := s.fromCache(ctx, acc.Puuid); ok {
		daily := sh.Daily
		daily.Cached = true
		return &daily, nil
	}
	sh, err := s.fetchUpstream(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	return &sh.Daily, nil
}

// FetchNightMarket возвращает ночной рынок аккаунта. Закрытый рынок — это
// NightMarket с пустым списком офферов; Open() различает состояния.
func (s *Service) FetchNightMarket(ctx context.Context, id user.UserID, accountIdx int) (*NightMarket, error) {
	acc, err := s.account(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	if sh, ok := s.fromCache(ctx, acc.Puuid); ok {
		night := sh.Night
		night.Cached = true
		// Рынок мог закрыться раньше, чем истекла дневная ротация.
		if night.ExpiresAt > 0 && night.ExpiresAt <= s.clk.Now().Unix() {
			return &NightMarket{Puuid: acc.Puuid, Cached: true}, nil
		}
		return &night, nil
	}
	sh, err := s.fetchUpstream(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	return &sh.Night, nil
}

// FetchBundles возвращает наборы витрины.
func (s *Service) FetchBundles(ctx context.Context, id user.UserID, accountIdx int) ([]BundleOffer, error) {
	acc, err := s.account(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	if sh, ok := s.fromCache(ctx, acc.Puuid); ok {
		return sh.Bundles, nil
	}
	sh, err := s.fetchUpstream(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	return sh.Bundles, nil
}

// account резолвит аккаунт без обновления токенов: для чтения кэша свежая
// авторизация не нужна.
func (s *Service) account(ctx context.Context, id user.UserID, accountIdx int) (*user.Account, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil || len(u.Accounts) == 0 {
		return nil, errors.Wrapf(rerr.ErrNotRegistered, "user %s", id)
	}
	idx := accountIdx
	if idx == 0 {
		idx = u.CurrentAccountIndex()
	}
	acc := u.Account(idx)
	if acc == nil {
		return nil, errors.Wrapf(rerr.ErrNotRegistered, "user %s has no account %d", id, idx)
	}
	return acc, nil
}

func (s *Service) fetchUpstream(ctx context.Context, id user.UserID, accountIdx int) (*cachedShop, error) {
	acc, err := s.auth.AuthUser(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	sf, err := s.cl.Storefront(ctx, auth.Headers(acc), acc.Region, string(acc.Puuid))
	if err != nil {
		return nil, errors.Wrap(err, "fetch storefront")
	}

	now := s.clk.Now()
	sh := buildShop(acc.Puuid, sf, now)
	s.storeCache(ctx, acc.Puuid, sh)
	s.mergePrices(ctx, acc, sf)
	s.markFetched(ctx, acc, now)
	logger.Debugf("витрина %s: %d офферов, ночной рынок %v, наборов %d",
		acc.Puuid, len(sh.Daily.Offers), sh.Night.Open(), len(sh.Bundles))
	return sh, nil
}

// markFetched запоминает момент последнего успешного похода за витриной.
func (s *Service) markFetched(ctx context.Context, acc *user.Account, now time.Time) {
	acc.LastFetchedData = now.Unix()
	if err := s.users.UpdateSingleAccount(ctx, acc); err != nil {
		logger.Warnf("витрина: метка последнего похода для %s не сохранена: %v", acc.Puuid, err)
	}
}

// mergePrices вливает цены из витрины в каталог. Если среди дневных офферов
// остаются предметы без известной цены, добирается общий прайс-лист одним
// запросом.
func (s *Service) mergePrices(ctx context.Context, acc *user.Account, sf *client.StorefrontResponse) {
	if s.prices == nil {
		return
	}
	harvested := harvestPrices(sf)
	if s.missingOfferPrice(sf, harvested) {
		if po, err := s.cl.Offers(ctx, auth.Headers(acc), acc.Region); err != nil {
			logger.Debugf("витрина: общий прайс-лист не получен: %v", err)
		} else {
			for _, off := range po.Offers {
				if p := off.Cost[vpCurrencyID]; p > 0 && off.OfferID != "" {
					harvested[user.ItemID(off.OfferID)] = p
				}
			}
		}
	}
	if n := s.prices.MergePrices(ctx, harvested, false); n > 0 {
		logger.Debugf("витрина: каталог пополнен %d ценами", n)
	}
}

func (s *Service) missingOfferPrice(sf *client.StorefrontResponse, harvested map[user.ItemID]int) bool {
	snap := s.prices.Snapshot()
	for _, raw := range sf.SkinsPanelLayout.SingleItemOffers {
		id := user.ItemID(raw)
		if _, ok := harvested[id]; ok {
			continue
		}
		if _, ok := snap.PriceOf(id); !ok {
			return true
		}
	}
	return false
}

func shopCacheKey(puuid user.Puuid) string {
	return shopCachePrefix + string(puuid)
}

// fromCache читает витрину из общего хранилища, в деградированном режиме —
// из локального кэша. Запись с истёкшей ротацией считается промахом.
func (s *Service) fromCache(ctx context.Context, puuid user.Puuid) (*cachedShop, bool) {
	if !config.Runtime().UseShopCache {
		return nil, false
	}
	sh := s.readCacheEntry(ctx, puuid)
	if sh == nil {
		return nil, false
	}
	if sh.Daily.ExpiresAt > 0 && sh.Daily.ExpiresAt <= s.clk.Now().Unix() {
		return nil, false
	}
	return sh, true
}

func (s *Service) readCacheEntry(ctx context.Context, puuid user.Puuid) *cachedShop {
	if s.shared == nil || !s.shared.Available() {
		if sh, ok := s.local.Get(puuid); ok {
			return sh
		}
		return nil
	}
	raw, found, err := s.shared.Get(ctx, shopCacheKey(puuid))
	if err != nil {
		logger.Warnf("витрина: кэш не прочитан: %v", err)
		return nil
	}
	if !found {
		return nil
	}
	var sh cachedShop
	if err := json.Unmarshal([]byte(raw), &sh); err != nil {
		logger.Warnf("витрина: повреждённая запись кэша для %s: %v", puuid, err)
		return nil
	}
	return &sh
}

// storeCache пишет витрину в кэш. Пустая ротация не кэшируется: свежему
// аккаунту витрину могут включить в любой момент.
func (s *Service) storeCache(ctx context.Context, puuid user.Puuid, sh *cachedShop) {
	if !config.Runtime().UseShopCache || sh.Daily.Empty() {
		return
	}
	if s.shared == nil || !s.shared.Available() {
		s.local.Put(puuid, sh)
		return
	}
	raw, err := json.Marshal(sh)
	if err != nil {
		logger.Warnf("витрина: запись кэша не сериализована: %v", err)
		return
	}
	if err := s.shared.Set(ctx, shopCacheKey(puuid), string(raw), shopCacheTTL); err != nil {
		logger.Warnf("витрина: кэш не записан: %v", err)
	}
}
