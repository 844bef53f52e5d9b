package client

import (
	"context"
	"net/http"
	"net/url"

	"valorant-skinbot/internal/riot/rerr"

	"github.com/go-faster/errors"
)

// --- аутентификация ---

// ReauthorizeResult — ответ cookie-реавторизации: конечный редирект (токены
// в URL-фрагменте) и обновлённый набор cookie.
type ReauthorizeResult struct {
	Location   string
	SetCookies []string
}

// Reauthorize выполняет cookie-реавторизацию без следования редиректам:
// сам редирект и есть полезный ответ. Протухшие cookie дают ответ без
// Location — вызывающий трактует это как rerr.ErrInvalidCredentials.
func (c *Client) Reauthorize(ctx context.Context, cookies string) (ReauthorizeResult, error) {
	hdr := http.Header{}
	hdr.Set("Cookie", cookies)
	resp, _, err := c.do(ctx, request{
		op:       "cookie reauthorize",
		method:   http.MethodGet,
		url:      authReauthorizeURL,
		header:   hdr,
		noFollow: true,
	})
	if err != nil {
		return ReauthorizeResult{}, err
	}
	return ReauthorizeResult{
		Location:   resp.Header.Get("Location"),
		SetCookies: resp.Header.Values("Set-Cookie"),
	}, nil
}

// TokenResponse — ответ токен-эндпоинта.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// ExchangeRefreshToken меняет refresh-токен на свежую пару токенов.
// Апстрим может ротировать refresh-токен — вызывающий обязан сохранить
// возвращённый.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {authClientID},
	}
	return c.exchangeToken(ctx, "refresh token exchange", form)
}

// ExchangeAuthCode меняет код из callback-URL на пару токенов.
func (c *Client) ExchangeAuthCode(ctx context.Context, code string) (TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {authRedirectBase},
		"client_id":    {authClientID},
	}
	return c.exchangeToken(ctx, "auth code exchange", form)
}

func (c *Client) exchangeToken(ctx context.Context, op string, form url.Values) (TokenResponse, error) {
	var tr TokenResponse
	_, _, err := c.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		url:    authTokenURL,
		form:   form,
		out:    &tr,
	})
	if err != nil {
		return TokenResponse{}, err
	}
	if tr.Error != "" || tr.AccessToken == "" {
		return TokenResponse{}, errors.Wrap(rerr.ErrInvalidCredentials, op)
	}
	return tr, nil
}

// UserinfoResponse — паспорт аккаунта: puuid и игровое имя.
type UserinfoResponse struct {
	Sub  string `json:"sub"`
	Acct struct {
		GameName string `json:"game_name"`
		TagLine  string `json:"tag_line"`
	} `json:"acct"`
}

// Userinfo возвращает puuid и имя владельца access-токена.
func (c *Client) Userinfo(ctx context.Context, accessToken string) (UserinfoResponse, error) {
	var ui UserinfoResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch userinfo",
		method: http.MethodGet,
		url:    authUserinfoURL,
		auth:   &AuthHeaders{AccessToken: accessToken},
		out:    &ui,
	})
	if err != nil {
		return UserinfoResponse{}, err
	}
	if ui.Sub == "" {
		return UserinfoResponse{}, errors.Wrap(rerr.ErrInvalidCredentials, "fetch userinfo")
	}
	return ui, nil
}

// EntitlementToken получает entitlement-токен для access-токена. Обязателен
// к перевыпуску при каждой смене access-токена.
func (c *Client) EntitlementToken(ctx context.Context, accessToken string) (string, error) {
	var out struct {
		EntitlementsToken string `json:"entitlements_token"`
	}
	_, _, err := c.do(ctx, request{
		op:     "fetch entitlement token",
		method: http.MethodPost,
		url:    entitlementsURL,
		body:   struct{}{},
		auth:   &AuthHeaders{AccessToken: accessToken},
		out:    &out,
	})
	if err != nil {
		return "", err
	}
	if out.EntitlementsToken == "" {
		return "", errors.Wrap(rerr.ErrInvalidCredentials, "fetch entitlement token")
	}
	return out.EntitlementsToken, nil
}

// PlayerRegion определяет регион (live-affinity) владельца id-токена.
func (c *Client) PlayerRegion(ctx context.Context, idToken string) (string, error) {
	var out struct {
		Affinities struct {
			Live string `json:"live"`
		} `json:"affinities"`
	}
	_, _, err := c.do(ctx, request{
		op:     "resolve region",
		method: http.MethodPut,
		url:    geoURL,
		body:   map[string]string{"id_token": idToken},
		out:    &out,
	})
	if err != nil {
		return "", err
	}
	if out.Affinities.Live == "" {
		return "", errors.New("resolve region: empty live affinity")
	}
	return out.Affinities.Live, nil
}

// --- player-data ---

// Reward — содержимое оффера.
type Reward struct {
	ItemTypeID string `json:"ItemTypeID"`
	ItemID     string `json:"ItemID"`
	Quantity   int    `json:"Quantity"`
}

// StoreOffer — один оффер магазина с ценами по валютам.
type StoreOffer struct {
	OfferID string         `json:"OfferID"`
	Cost    map[string]int `json:"Cost"`
	Rewards []Reward       `json:"Rewards"`
}

// BundleItem — позиция набора со скидочной арифметикой.
type BundleItem struct {
	Item struct {
		ItemTypeID string `json:"ItemTypeID"`
		ItemID     string `json:"ItemID"`
		Amount     int    `json:"Amount"`
	} `json:"Item"`
	BasePrice       int     `json:"BasePrice"`
	CurrencyID      string  `json:"CurrencyID"`
	DiscountPercent float64 `json:"DiscountPercent"`
	DiscountedPrice int     `json:"DiscountedPrice"`
}

// Bundle — набор витрины.
type Bundle struct {
	ID                         string       `json:"ID"`
	DataAssetID                string       `json:"DataAssetID"`
	Items                      []BundleItem `json:"Items"`
	DurationRemainingInSeconds int64        `json:"DurationRemainingInSeconds"`
}

// BonusStoreOffer — позиция ночного рынка.
type BonusStoreOffer struct {
	BonusOfferID    string         `json:"BonusOfferID"`
	Offer           StoreOffer     `json:"Offer"`
	DiscountPercent int            `json:"DiscountPercent"`
	DiscountCosts   map[string]int `json:"DiscountCosts"`
	IsSeen          bool           `json:"IsSeen"`
}

// StorefrontResponse — личная витрина игрока.
type StorefrontResponse struct {
	SkinsPanelLayout struct {
		SingleItemOffers                           []string     `json:"SingleItemOffers"`
		SingleItemStoreOffers                      []StoreOffer `json:"SingleItemStoreOffers"`
		SingleItemOffersRemainingDurationInSeconds int64        `json:"SingleItemOffersRemainingDurationInSeconds"`
	} `json:"SkinsPanelLayout"`
	FeaturedBundle struct {
		Bundles []Bundle `json:"Bundles"`
	} `json:"FeaturedBundle"`
	BonusStore *struct {
		BonusStoreOffers                     []BonusStoreOffer `json:"BonusStoreOffers"`
		BonusStoreRemainingDurationInSeconds int64             `json:"BonusStoreRemainingDurationInSeconds"`
	} `json:"BonusStore"`
}

// Storefront запрашивает витрину игрока.
func (c *Client) Storefront(ctx context.Context, auth AuthHeaders, region, puuid string) (*StorefrontResponse, error) {
	var out StorefrontResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch storefront",
		method: http.MethodPost,
		url:    storefrontURL(region, puuid),
		body:   struct{}{},
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// WalletResponse — балансы по валютам (ключ — UUID валюты).
type WalletResponse struct {
	Balances map[string]int `json:"Balances"`
}

// Wallet запрашивает кошелёк игрока.
func (c *Client) Wallet(ctx context.Context, auth AuthHeaders, region, puuid string) (*WalletResponse, error) {
	var out WalletResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch wallet",
		method: http.MethodGet,
		url:    walletURL(region, puuid),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// OffersResponse — общий прайс-лист магазина.
type OffersResponse struct {
	Offers []StoreOffer `json:"Offers"`
}

// Offers запрашивает общий прайс-лист (цены одиночных предметов).
func (c *Client) Offers(ctx context.Context, auth AuthHeaders, region string) (*OffersResponse, error) {
	var out OffersResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch offers",
		method: http.MethodGet,
		url:    offersURL(region),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadoutGun / LoadoutSpray / LoadoutIdentity — экипировка игрока.
type LoadoutGun struct {
	ID           string `json:"ID"`
	SkinID       string `json:"SkinID"`
	SkinLevelID  string `json:"SkinLevelID"`
	ChromaID     string `json:"ChromaID"`
	CharmID      string `json:"CharmID,omitempty"`
	CharmLevelID string `json:"CharmLevelID,omitempty"`
}

type LoadoutSpray struct {
	EquipSlotID string `json:"EquipSlotID"`
	SprayID     string `json:"SprayID"`
}

type LoadoutIdentity struct {
	PlayerCardID  string `json:"PlayerCardID"`
	PlayerTitleID string `json:"PlayerTitleID"`
	AccountLevel  int    `json:"AccountLevel"`
}

// LoadoutResponse — текущая экипировка (коллекция) игрока.
type LoadoutResponse struct {
	Guns     []LoadoutGun    `json:"Guns"`
	Sprays   []LoadoutSpray  `json:"Sprays"`
	Identity LoadoutIdentity `json:"Identity"`
}

// Loadout запрашивает экипировку игрока.
func (c *Client) Loadout(ctx context.Context, auth AuthHeaders, region, puuid string) (*LoadoutResponse, error) {
	var out LoadoutResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch loadout",
		method: http.MethodGet,
		url:    loadoutURL(region, puuid),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SeasonalInfo — итог сезона в рейтинге.
type SeasonalInfo struct {
	SeasonID        string `json:"SeasonID"`
	NumberOfWins    int    `json:"NumberOfWins"`
	NumberOfGames   int    `json:"NumberOfGames"`
	CompetitiveTier int    `json:"CompetitiveTier"`
	RankedRating    int    `json:"RankedRating"`
}

// MMRResponse — рейтинговый профиль игрока по очередям.
type MMRResponse struct {
	Subject     string `json:"Subject"`
	QueueSkills map[string]struct {
		SeasonalInfoBySeasonID map[string]SeasonalInfo `json:"SeasonalInfoBySeasonID"`
	} `json:"QueueSkills"`
}

// MMR запрашивает рейтинговый профиль игрока.
func (c *Client) MMR(ctx context.Context, auth AuthHeaders, region, puuid string) (*MMRResponse, error) {
	var out MMRResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch mmr",
		method: http.MethodGet,
		url:    mmrURL(region, puuid),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompetitiveMatch — одна рейтинговая игра в ленте обновлений.
type CompetitiveMatch struct {
	MatchID                 string `json:"MatchID"`
	MatchStartTime          int64  `json:"MatchStartTime"`
	TierAfterUpdate         int    `json:"TierAfterUpdate"`
	TierBeforeUpdate        int    `json:"TierBeforeUpdate"`
	RankedRatingAfterUpdate int    `json:"RankedRatingAfterUpdate"`
	RankedRatingEarned      int    `json:"RankedRatingEarned"`
}

// CompetitiveUpdatesResponse — последние рейтинговые игры.
type CompetitiveUpdatesResponse struct {
	Subject string             `json:"Subject"`
	Matches []CompetitiveMatch `json:"Matches"`
}

// CompetitiveUpdates запрашивает последнюю рейтинговую игру игрока (текущий
// тир берётся из неё).
func (c *Client) CompetitiveUpdates(ctx context.Context, auth AuthHeaders, region, puuid string) (*CompetitiveUpdatesResponse, error) {
	var out CompetitiveUpdatesResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch competitive updates",
		method: http.MethodGet,
		url:    competitiveUpdatesURL(region, puuid),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MatchTeam — командный итог завершённого матча.
type MatchTeam struct {
	TeamID       string `json:"teamId"`
	Won          bool   `json:"won"`
	RoundsWon    int    `json:"roundsWon"`
	RoundsPlayed int    `json:"roundsPlayed"`
}

// MatchPlayer — участник завершённого матча.
type MatchPlayer struct {
	Subject string `json:"subject"`
	TeamID  string `json:"teamId"`
}

// MatchDetailsResponse — запись завершённого матча. В отличие от live-узлов
// этот эндпоинт отвечает ключами в camelCase.
type MatchDetailsResponse struct {
	MatchInfo struct {
		MatchID string `json:"matchId"`
		MapID   string `json:"mapId"`
		QueueID string `json:"queueID"`
	} `json:"matchInfo"`
	Players []MatchPlayer `json:"players"`
	Teams   []MatchTeam   `json:"teams"`
}

// MatchDetails запрашивает запись завершённого матча.
func (c *Client) MatchDetails(ctx context.Context, auth AuthHeaders, region, matchID string) (*MatchDetailsResponse, error) {
	var out MatchDetailsResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch match details",
		method: http.MethodGet,
		url:    matchDetailsURL(region, matchID),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// NameEntry — игровое имя по puuid.
type NameEntry struct {
	Subject  string `json:"Subject"`
	GameName string `json:"GameName"`
	TagLine  string `json:"TagLine"`
}

// PlayerNames возвращает имена пачки игроков одним запросом.
func (c *Client) PlayerNames(ctx context.Context, auth AuthHeaders, region string, puuids []string) ([]NameEntry, error) {
	var out []NameEntry
	_, _, err := c.do(ctx, request{
		op:     "fetch player names",
		method: http.MethodPut,
		url:    nameServiceURL(region),
		body:   puuids,
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- live-узлы ---

// PartyPlayerResponse — членство игрока в группе.
type PartyPlayerResponse struct {
	Subject        string `json:"Subject"`
	CurrentPartyID string `json:"CurrentPartyID"`
}

// PartyPlayer запрашивает идентификатор группы игрока.
func (c *Client) PartyPlayer(ctx context.Context, auth AuthHeaders, region, puuid string) (*PartyPlayerResponse, error) {
	var out PartyPlayerResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch party player",
		method: http.MethodGet,
		url:    partyPlayerURL(region, puuid),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PartyMember — участник группы.
type PartyMember struct {
	Subject string `json:"Subject"`
	IsOwner bool   `json:"IsOwner"`
}

// PartyResponse — состав и состояние группы.
type PartyResponse struct {
	ID              string        `json:"ID"`
	State           string        `json:"State"`
	Members         []PartyMember `json:"Members"`
	MatchmakingData struct {
		QueueID string `json:"QueueID"`
	} `json:"MatchmakingData"`
}

// Party запрашивает группу по идентификатору.
func (c *Client) Party(ctx context.Context, auth AuthHeaders, region, partyID string) (*PartyResponse, error) {
	var out PartyResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch party",
		method: http.MethodGet,
		url:    partyURL(region, partyID),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PlayerIdentity — карточка игрока в матче.
type PlayerIdentity struct {
	Subject          string `json:"Subject"`
	PlayerCardID     string `json:"PlayerCardID"`
	PlayerTitleID    string `json:"PlayerTitleID"`
	AccountLevel     int    `json:"AccountLevel"`
	Incognito        bool   `json:"Incognito"`
	HideAccountLevel bool   `json:"HideAccountLevel"`
}

// PregamePlayerResponse — привязка игрока к пику агентов.
type PregamePlayerResponse struct {
	Subject string `json:"Subject"`
	MatchID string `json:"MatchID"`
}

// PregameMatchPlayer — игрок на стадии пика.
type PregameMatchPlayer struct {
	Subject                 string         `json:"Subject"`
	CharacterID             string         `json:"CharacterID"`
	CharacterSelectionState string         `json:"CharacterSelectionState"`
	CompetitiveTier         int            `json:"CompetitiveTier"`
	PlayerIdentity          PlayerIdentity `json:"PlayerIdentity"`
}

// PregameMatchResponse — матч на стадии пика агентов.
type PregameMatchResponse struct {
	ID       string `json:"ID"`
	MapID    string `json:"MapID"`
	Mode     string `json:"Mode"`
	AllyTeam struct {
		TeamID  string               `json:"TeamID"`
		Players []PregameMatchPlayer `json:"Players"`
	} `json:"AllyTeam"`
}

// PregamePlayer запрашивает привязку игрока к стадии пика.
func (c *Client) PregamePlayer(ctx context.Context, auth AuthHeaders, region, puuid string) (*PregamePlayerResponse, error) {
	var out PregamePlayerResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch pregame player",
		method: http.MethodGet,
		url:    pregamePlayerURL(region, puuid),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PregameMatch запрашивает матч стадии пика.
func (c *Client) PregameMatch(ctx context.Context, auth AuthHeaders, region, matchID string) (*PregameMatchResponse, error) {
	var out PregameMatchResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch pregame match",
		method: http.MethodGet,
		url:    pregameMatchURL(region, matchID),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CoreGamePlayerResponse — привязка игрока к идущему матчу.
type CoreGamePlayerResponse struct {
	Subject string `json:"Subject"`
	MatchID string `json:"MatchID"`
}

// CoreGameMatchPlayer — игрок идущего матча.
type CoreGameMatchPlayer struct {
	Subject        string         `json:"Subject"`
	TeamID         string         `json:"TeamID"`
	CharacterID    string         `json:"CharacterID"`
	PlayerIdentity PlayerIdentity `json:"PlayerIdentity"`
}

// CoreGameMatchResponse — идущий матч.
type CoreGameMatchResponse struct {
	MatchID          string                `json:"MatchID"`
	State            string                `json:"State"`
	MapID            string                `json:"MapID"`
	ModeID           string                `json:"ModeID"`
	ProvisioningFlow string                `json:"ProvisioningFlow"`
	Players          []CoreGameMatchPlayer `json:"Players"`
}

// CoreGamePlayer запрашивает привязку игрока к идущему матчу.
func (c *Client) CoreGamePlayer(ctx context.Context, auth AuthHeaders, region, puuid string) (*CoreGamePlayerResponse, error) {
	var out CoreGamePlayerResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch core game player",
		method: http.MethodGet,
		url:    coreGamePlayerURL(region, puuid),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CoreGameMatch запрашивает идущий матч.
func (c *Client) CoreGameMatch(ctx context.Context, auth AuthHeaders, region, matchID string) (*CoreGameMatchResponse, error) {
	var out CoreGameMatchResponse
	_, _, err := c.do(ctx, request{
		op:     "fetch core game match",
		method: http.MethodGet,
		url:    coreGameMatchURL(region, matchID),
		auth:   &auth,
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- статический каталог ---

// FetchStatic запрашивает таблицу статического каталога по пути вида
// "/weapons/skins?language=all" и декодирует ответ в out.
func (c *Client) FetchStatic(ctx context.Context, path string, out any) error {
	_, _, err := c.do(ctx, request{
		op:     "fetch static " + path,
		method: http.MethodGet,
		url:    staticAPIBase + path,
		out:    out,
	})
	return err
}
