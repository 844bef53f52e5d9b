// Package shop отдаёт личные витрины игроков: дневную ротацию, ночной рынок
// и наборы. Один поход за витриной к апстриму наполняет все три представления
// и попутно пополняет каталог подсмотренными ценами.
package shop

import (
	"time"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/riot/client"
)

// vpCurrencyID — UUID валюты VP в прайс-листах магазина.
const vpCurrencyID = "85ad13f7-3d1b-5128-9eb2-7cd8ee0b5741"

// Snapshot — дневная ротация витрины одного аккаунта. Cached сообщает,
// что снимок пришёл из кэша и похода в сеть не было: по этому признаку
// прогон алертов решает, выдерживать ли паузу перед следующим пользователем.
type Snapshot struct {
	Puuid     user.Puuid    `json:"puuid"`
	Offers    []user.ItemID `json:"offers"`
	ExpiresAt int64         `json:"expiresAt"`
	FetchedAt int64         `json:"fetchedAt"`
	Cached    bool          `json:"-"`
}

// Empty сообщает, что в ротации нет предметов. Пустая витрина — валидное
// состояние свежего аккаунта, а не ошибка.
func (s *Snapshot) Empty() bool { return s == nil || len(s.Offers) == 0 }

// NightMarketOffer — позиция ночного рынка со скидочной арифметикой.
type NightMarketOffer struct {
	ItemID          user.ItemID `json:"itemId"`
	BasePrice       int         `json:"basePrice"`
	DiscountPercent int         `json:"discountPercent"`
	DiscountedPrice int         `json:"discountedPrice"`
}

// NightMarket — ночной рынок аккаунта. Закрытый рынок представлен пустым
// списком офферов.
type NightMarket struct {
	Puuid     user.Puuid         `json:"puuid"`
	Offers    []NightMarketOffer `json:"offers"`
	ExpiresAt int64              `json:"expiresAt"`
	Cached    bool               `json:"-"`
}

// Open сообщает, идёт ли сейчас ночной рынок.
func (n *NightMarket) Open() bool { return n != nil && len(n.Offers) > 0 }

// BundleItemOffer — предмет набора: базовая и скидочная цены в VP.
type BundleItemOffer struct {
	ItemID    user.ItemID `json:"itemId"`
	BasePrice int         `json:"basePrice"`
	Price     int         `json:"price"`
	Amount    int         `json:"amount"`
}

// BundleOffer — набор витрины. ID — DataAssetID, им же ключуется таблица
// бандлов каталога.
type BundleOffer struct {
	ID        user.ItemID       `json:"id"`
	BasePrice int               `json:"basePrice"`
	Price     int               `json:"price"`
	Items     []BundleItemOffer `json:"items"`
	ExpiresAt int64             `json:"expiresAt"`
}

// cachedShop — запись кэша shopdata:{puuid}: все три представления витрины,
// собранные из одного ответа апстрима.
type cachedShop struct {
	Daily   Snapshot      `json:"daily"`
	Night   NightMarket   `json:"night"`
	Bundles []BundleOffer `json:"bundles"`
}

// buildShop собирает представления витрины из ответа апстрима.
func buildShop(puuid user.Puuid, sf *client.StorefrontResponse, now time.Time) *cachedShop {
	sh := &cachedShop{}
	unix := now.Unix()

	layout := sf.SkinsPanelLayout
	daily := Snapshot{Puuid: puuid, FetchedAt: unix}
	daily.Offers = make([]user.ItemID, 0, len(layout.SingleItemOffers))
	for _, id := range layout.SingleItemOffers {
		if id != "" {
			daily.Offers = append(daily.Offers, user.ItemID(id))
		}
	}
	if len(daily.Offers) == 0 {
		// Старые ответы не заполняют SingleItemOffers — берём из офферов.
		for _, off := range layout.SingleItemStoreOffers {
			if off.OfferID != "" {
				daily.Offers = append(daily.Offers, user.ItemID(off.OfferID))
			}
		}
	}
	if len(daily.Offers) > 0 && layout.SingleItemOffersRemainingDurationInSeconds > 0 {
		daily.ExpiresAt = unix + layout.SingleItemOffersRemainingDurationInSeconds
	}
	sh.Daily = daily

	night := NightMarket{Puuid: puuid}
	if bs := sf.BonusStore; bs != nil {
		night.Offers = make([]NightMarketOffer, 0, len(bs.BonusStoreOffers))
		for _, off := range bs.BonusStoreOffers {
			id := bonusItemID(off)
			if id == "" {
				continue
			}
			night.Offers = append(night.Offers, NightMarketOffer{
				ItemID:          id,
				BasePrice:       off.Offer.Cost[vpCurrencyID],
				DiscountPercent: off.DiscountPercent,
				DiscountedPrice: off.DiscountCosts[vpCurrencyID],
			})
		}
		if len(night.Offers) > 0 && bs.BonusStoreRemainingDurationInSeconds > 0 {
			night.ExpiresAt = unix + bs.BonusStoreRemainingDurationInSeconds
		}
	}
	sh.Night = night

	for _, b := range sf.FeaturedBundle.Bundles {
		id := b.DataAssetID
		if id == "" {
			id = b.ID
		}
		offer := BundleOffer{ID: user.ItemID(id)}
		if b.DurationRemainingInSeconds > 0 {
			offer.ExpiresAt = unix + b.DurationRemainingInSeconds
		}
		for _, it := range b.Items {
			offer.BasePrice += it.BasePrice
			offer.Price += it.DiscountedPrice
			offer.Items = append(offer.Items, BundleItemOffer{
				ItemID:    user.ItemID(it.Item.ItemID),
				BasePrice: it.BasePrice,
				Price:     it.DiscountedPrice,
				Amount:    it.Item.Amount,
			})
		}
		sh.Bundles = append(sh.Bundles, offer)
	}
	return sh
}

// bonusItemID достаёт идентификатор предмета ночного оффера: содержимое
// лежит в наградах, OfferID — запасной вариант.
func bonusItemID(off client.BonusStoreOffer) user.ItemID {
	for _, r := range off.Offer.Rewards {
		if r.ItemID != "" {
			return user.ItemID(r.ItemID)
		}
	}
	return user.ItemID(off.Offer.OfferID)
}

// harvestPrices собирает цены в VP из всех частей витрины: одиночные офферы
// и ночной рынок несут базовую цену напрямую, у предметов наборов берётся
// BasePrice в валюте VP.
func harvestPrices(sf *client.StorefrontResponse) map[user.ItemID]int {
	prices := make(map[user.ItemID]int)
	for _, off := range sf.SkinsPanelLayout.SingleItemStoreOffers {
		if p := off.Cost[vpCurrencyID]; p > 0 && off.OfferID != "" {
			prices[user.ItemID(off.OfferID)] = p
		}
	}
	if bs := sf.BonusStore; bs != nil {
		for _, off := range bs.BonusStoreOffers {
			id := bonusItemID(off)
			if p := off.Offer.Cost[vpCurrencyID]; p > 0 && id != "" {
				prices[id] = p
			}
		}
	}
	for _, b := range sf.FeaturedBundle.Bundles {
		for _, it := range b.Items {
			if it.CurrencyID != vpCurrencyID {
				continue
			}
			if it.BasePrice > 0 && it.Item.ItemID != "" {
				prices[user.ItemID(it.Item.ItemID)] = it.BasePrice
			}
		}
	}
	return prices
}
