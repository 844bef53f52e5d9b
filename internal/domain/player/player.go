// Запросы игровых данных по требованию: баланс кошелька, коллекция
// (экипировка) и рейтинговая карьера. Карьера и коллекция кэшируются в общем
// хранилище под career:{puuid} / loadout:{puuid}; кошелёк всегда свежий —
// баланс меняется каждой покупкой.
package player

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

// UUID валют кошелька.
const (
	vpCurrencyID       = "85ad13f7-3d1b-5128-9eb2-7cd8ee0b5741"
	radianiteID        = "e59aa87c-4cbf-517a-5983-6e81511be9b7"
	kingdomCreditsID   = "85ca954a-41f2-ce94-9b45-8ca3dd39a00d"
	competitiveQueueID = "competitive"
)

const (
	careerCachePrefix  = "career:"
	loadoutCachePrefix = "loadout:"
)

// Balance — балансы кошелька аккаунта.
type Balance struct {
	Puuid          user.Puuid `json:"puuid"`
	VP             int        `json:"vp"`
	Radianite      int        `json:"radianite"`
	KingdomCredits int        `json:"kingdomCredits"`
}

// EquippedGun — скин, надетый на оружие.
type EquippedGun struct {
	WeaponID    string      `json:"weaponId"`
	SkinID      string      `json:"skinId"`
	SkinLevelID user.ItemID `json:"skinLevelId"`
	ChromaID    string      `json:"chromaId"`
	BuddyID     user.ItemID `json:"buddyId,omitempty"`
}

// EquippedSpray — спрей в слоте колеса.
type EquippedSpray struct {
	SlotID  string      `json:"slotId"`
	SprayID user.ItemID `json:"sprayId"`
}

// Collection — текущая экипировка аккаунта.
type Collection struct {
	Puuid        user.Puuid      `json:"puuid"`
	Guns         []EquippedGun   `json:"guns"`
	Sprays       []EquippedSpray `json:"sprays"`
	CardID       user.ItemID     `json:"cardId"`
	TitleID      user.ItemID     `json:"titleId"`
	AccountLevel int             `json:"accountLevel"`
	Cached       bool            `json:"-"`
}

// CareerMatch — одна рейтинговая игра из ленты обновлений.
type CareerMatch struct {
	MatchID    string `json:"matchId"`
	StartedAt  int64  `json:"startedAt"`
	TierBefore int    `json:"tierBefore"`
	TierAfter  int    `json:"tierAfter"`
	RREarned   int    `json:"rrEarned"`
	RRAfter    int    `json:"rrAfter"`
}

// Career — рейтинговый срез аккаунта. Тиры — числа соревновательной шкалы;
// имена и цвета им даёт каталог на стороне отображения.
type Career struct {
	Puuid        user.Puuid    `json:"puuid"`
	CurrentTier  int           `json:"currentTier"`
	CurrentRR    int           `json:"currentRr"`
	PeakTier     int           `json:"peakTier"`
	PeakSeasonID string        `json:"peakSeasonId"`
	ActWins      int           `json:"actWins"`
	ActGames     int           `json:"actGames"`
	Matches      []CareerMatch `json:"matches"`
	Cached       bool          `json:"-"`
}

// authorizer — доступ к свежим токенам аккаунта.
type authorizer interface {
	AuthUser(ctx context.Context, id user.UserID, accountIdx int) (*user.Account, error)
}

// upstream — игровые эндпоинты, которые нужны этому сервису.
type upstream interface {
	Wallet(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.WalletResponse, error)
	Loadout(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.LoadoutResponse, error)
	MMR(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.MMRResponse, error)
	CompetitiveUpdates(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.CompetitiveUpdatesResponse, error)
}

// seasonSource отдаёт снимок каталога — по нему ищется текущий акт, когда
// лента рейтинговых игр пуста.
type seasonSource interface {
	Snapshot() *catalog.Snapshot
}

// Service отвечает на запросы игровых данных.
type Service struct {
	users   *users.Store
	auth    authorizer
	cl      upstream
	seasons seasonSource
	shared  *sharedstore.Store
	clk     clock.Clock

	localCareer  *concurrency.TTLCache[user.Puuid, *Career]
	localLoadout *concurrency.TTLCache[user.Puuid, *Collection]
}

// New создаёт сервис игровых данных. shared и seasons могут быть nil: без
// хранилища кэш локальный, без каталога пустая лента даёт нулевую карьеру.
func New(st *users.Store, az authorizer, cl upstream, seasons seasonSource, shared *sharedstore.Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	rc := config.Runtime()
	return &Service{
		users:        st,
		auth:         az,
		cl:           cl,
		seasons:      seasons,
		shared:       shared,
		clk:          clk,
		localCareer:  concurrency.NewTTLCache[user.Puuid, *Career](rc.CareerCacheExpiration),
		localLoadout: concurrency.NewTTLCache[user.Puuid, *Collection](rc.LoadoutCacheExpiration),
	}
}

// Balance возвращает балансы кошелька. Не кэшируется.
func (s *Service) Balance(ctx context.Context, id user.UserID, accountIdx int) (*Balance, error) {
	acc, err := s.auth.AuthUser(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	w, err := s.cl.Wallet(ctx, auth.Headers(acc), acc.Region, string(acc.Puuid))
	if err != nil {
		return nil, errors.Wrap(err, "fetch wallet")
	}
	return &Balance{
		Puuid:          acc.Puuid,
		VP:             w.Balances[vpCurrencyID],
		Radianite:      w.Balances[radianiteID],
		KingdomCredits: w.Balances[kingdomCreditsID],
	}, nil
}

// Collection возвращает экипировку аккаунта, кэш — loadout:{puuid}.
func (s *Service) Collection(ctx context.Context, id user.UserID, accountIdx int) (*Collection, error) {
	acc, err := s.account(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	if col := cacheRead[Collection](ctx, s.shared, s.localLoadout, loadoutCachePrefix, acc.Puuid); col != nil {
		hit := *col
		hit.Cached = true
		return &hit, nil
	}

	acc, err = s.auth.AuthUser(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	lo, err := s.cl.Loadout(ctx, auth.Headers(acc), acc.Region, string(acc.Puuid))
	if err != nil {
		return nil, errors.Wrap(err, "fetch loadout")
	}
	col := buildCollection(acc.Puuid, lo)
	cacheWrite(ctx, s.shared, s.localLoadout, loadoutCachePrefix, acc.Puuid, col, config.Runtime().LoadoutCacheExpiration)
	logger.Debugf("игрок: коллекция %s обновлена, %d стволов", acc.Puuid, len(col.Guns))
	return col, nil
}

// Career возвращает рейтинговый срез, кэш — career:{puuid}.
func (s *Service) Career(ctx context.Context, id user.UserID, accountIdx int) (*Career, error) {
	acc, err := s.account(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	if car := cacheRead[Career](ctx, s.shared, s.localCareer, careerCachePrefix, acc.Puuid); car != nil {
		hit := *car
		hit.Cached = true
		return &hit, nil
	}

	acc, err = s.auth.AuthUser(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	hdr := auth.Headers(acc)
	mmr, err := s.cl.MMR(ctx, hdr, acc.Region, string(acc.Puuid))
	if err != nil {
		return nil, errors.Wrap(err, "fetch mmr")
	}
	cu, err := s.cl.CompetitiveUpdates(ctx, hdr, acc.Region, string(acc.Puuid))
	if err != nil {
		return nil, errors.Wrap(err, "fetch competitive updates")
	}
	car := s.buildCareer(acc.Puuid, mmr, cu)
	cacheWrite(ctx, s.shared, s.localCareer, careerCachePrefix, acc.Puuid, car, config.Runtime().CareerCacheExpiration)
	logger.Debugf("игрок: карьера %s обновлена, тир %d", acc.Puuid, car.CurrentTier)
	return car, nil
}

// account разрешает номер аккаунта (0 — текущий) без обновления токенов.
func (s *Service) account(ctx context.Context, id user.UserID, accountIdx int) (*user.Account, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load user")
	}
	if u == nil || len(u.Accounts) == 0 {
		return nil, errors.Wrapf(rerr.ErrNotRegistered, "user %s", id)
	}
	if accountIdx == 0 {
		accountIdx = u.CurrentAccountIndex()
	}
	acc := u.Account(accountIdx)
	if acc == nil {
		return nil, errors.Wrapf(rerr.ErrNotRegistered, "user %s has no account %d", id, accountIdx)
	}
	return acc, nil
}

func buildCollection(puuid user.Puuid, lo *client.LoadoutResponse) *Collection {
	col := &Collection{
		Puuid:        puuid,
		Guns:         make([]EquippedGun, 0, len(lo.Guns)),
		Sprays:       make([]EquippedSpray, 0, len(lo.Sprays)),
		CardID:       user.ItemID(lo.Identity.PlayerCardID),
		TitleID:      user.ItemID(lo.Identity.PlayerTitleID),
		AccountLevel: lo.Identity.AccountLevel,
	}
	for _, g := range lo.Guns {
		col.Guns = append(col.Guns, EquippedGun{
			WeaponID:    g.ID,
			SkinID:      g.SkinID,
			SkinLevelID: user.ItemID(g.SkinLevelID),
			ChromaID:    g.ChromaID,
			BuddyID:     user.ItemID(g.CharmLevelID),
		})
	}
	for _, sp := range lo.Sprays {
		col.Sprays = append(col.Sprays, EquippedSpray{SlotID: sp.EquipSlotID, SprayID: user.ItemID(sp.SprayID)})
	}
	return col
}

func (s *Service) buildCareer(puuid user.Puuid, mmr *client.MMRResponse, cu *client.CompetitiveUpdatesResponse) *Career {
	car := &Career{Puuid: puuid}

	if len(cu.Matches) > 0 {
		// Лента отсортирована от свежих к старым: текущий тир — из первой.
		latest := cu.Matches[0]
		car.CurrentTier = latest.TierAfterUpdate
		car.CurrentRR = latest.RankedRatingAfterUpdate
		car.Matches = make([]CareerMatch, 0, len(cu.Matches))
		for _, m := range cu.Matches {
			car.Matches = append(car.Matches, CareerMatch{
				MatchID:    m.MatchID,
				StartedAt:  m.MatchStartTime,
				TierBefore: m.TierBeforeUpdate,
				TierAfter:  m.TierAfterUpdate,
				RREarned:   m.RankedRatingEarned,
				RRAfter:    m.RankedRatingAfterUpdate,
			})
		}
	}

	seasonal := mmr.QueueSkills[competitiveQueueID].SeasonalInfoBySeasonID
	for seasonID, info := range seasonal {
		if info.CompetitiveTier > car.PeakTier {
			car.PeakTier = info.CompetitiveTier
			car.PeakSeasonID = seasonID
		}
	}

	// Итоги текущего акта; он же страхует тир, когда рейтинговых игр ещё нет.
	if act, ok := s.currentAct(); ok {
		if info, found := seasonal[act.UUID]; found {
			car.ActWins = info.NumberOfWins
			car.ActGames = info.NumberOfGames
			if len(cu.Matches) == 0 {
				car.CurrentTier = info.CompetitiveTier
				car.CurrentRR = info.RankedRating
			}
		}
	}
	if car.CurrentTier > car.PeakTier {
		car.PeakTier = car.CurrentTier
	}
	return car
}

func (s *Service) currentAct() (catalog.Season, bool) {
	if s.seasons == nil {
		return catalog.Season{}, false
	}
	return s.seasons.Snapshot().CurrentAct(s.clk.Now())
}

// cacheRead достаёт кэшированное значение: из общего хранилища, а при его
// недоступности — из локального кэша шарда. Повреждённая запись считается
// промахом.
func cacheRead[T any](ctx context.Context, shared *sharedstore.Store, local *concurrency.TTLCache[user.Puuid, *T], prefix string, puuid user.Puuid) *T {
	if !shared.Available() {
		if v, ok := local.Get(puuid); ok {
			return v
		}
		return nil
	}
	raw, found, err := shared.Get(ctx, prefix+string(puuid))
	if err != nil {
		logger.Warnf("игрок: кэш %s не прочитан: %v", prefix, err)
		return nil
	}
	if !found {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		logger.Warnf("игрок: кэш %s повреждён: %v", prefix, err)
		return nil
	}
	return v
}

// cacheWrite кладёт значение в общее хранилище или, в деградированном
// режиме, в локальный кэш шарда.
func cacheWrite[T any](ctx context.Context, shared *sharedstore.Store, local *concurrency.TTLCache[user.Puuid, *T], prefix string, puuid user.Puuid, v *T, ttl time.Duration) {
	if !shared.Available() {
		local.Put(puuid, v)
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Warnf("игрок: кэш %s не сериализован: %v", prefix, err)
		return
	}
	if err := shared.Set(ctx, prefix+string(puuid), string(raw), ttl); err != nil {
		logger.Warnf("игрок: кэш %s не записан: %v", prefix, err)
	}
}
