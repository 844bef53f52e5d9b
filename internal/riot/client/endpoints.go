package client

import (
	"encoding/base64"
	"encoding/json"
)

// Формы URL — проводной контракт и меняться не должны: совместимость с
// апстримом держится на точном совпадении путей и query.
const (
	// Аутентификация и сопутствующие сервисы.
	authAuthorizationURL = "https://auth.riotgames.com/api/v1/authorization"
	authReauthorizeURL   = "https://auth.riotgames.com/authorize" +
		"?client_id=play-valorant-web-prod" +
		"&nonce=1" +
		"&redirect_uri=https%3A%2F%2Fplayvalorant.com%2Fopt_in" +
		"&response_type=token%20id_token" +
		"&scope=account%20openid"
	authTokenURL     = "https://auth.riotgames.com/token"
	authUserinfoURL  = "https://auth.riotgames.com/userinfo"
	entitlementsURL  = "https://entitlements.auth.riotgames.com/api/token/v1"
	geoURL           = "https://riot-geo.pas.si.riotgames.com/pas/v1/product/valorant"
	authClientID     = "play-valorant-web-prod"
	authRedirectBase = "https://playvalorant.com/opt_in"

	// Статический каталог и манифест версии.
	staticAPIBase      = "https://valorant-api.com/v1"
	versionManifestURL = staticAPIBase + "/version"
)

// pdURL — player-data узел региона.
func pdURL(region, path string) string {
	return "https://pd." + region + ".a.pvp.net" + path
}

// glzURL — игровой (live) узел региона.
func glzURL(region, path string) string {
	return "https://glz-" + region + "-1." + region + ".a.pvp.net" + path
}

func storefrontURL(region, puuid string) string {
	return pdURL(region, "/store/v3/storefront/"+puuid)
}

func walletURL(region, puuid string) string {
	return pdURL(region, "/store/v1/wallet/"+puuid)
}

func offersURL(region string) string {
	return pdURL(region, "/store/v1/offers/")
}

func loadoutURL(region, puuid string) string {
	return pdURL(region, "/personalization/v2/players/"+puuid+"/playerloadout")
}

func mmrURL(region, puuid string) string {
	return pdURL(region, "/mmr/v1/players/"+puuid)
}

func competitiveUpdatesURL(region, puuid string) string {
	return pdURL(region, "/mmr/v1/players/"+puuid+"/competitiveupdates?startIndex=0&endIndex=1&queue=competitive")
}

func nameServiceURL(region string) string {
	return pdURL(region, "/name-service/v2/players")
}

func partyPlayerURL(region, puuid string) string {
	return glzURL(region, "/parties/v1/players/"+puuid)
}

func partyURL(region, partyID string) string {
	return glzURL(region, "/parties/v1/parties/"+partyID)
}

func pregamePlayerURL(region, puuid string) string {
	return glzURL(region, "/pregame/v1/players/"+puuid)
}

func pregameMatchURL(region, matchID string) string {
	return glzURL(region, "/pregame/v1/matches/"+matchID)
}

func coreGamePlayerURL(region, puuid string) string {
	return glzURL(region, "/core-game/v1/players/"+puuid)
}

func coreGameMatchURL(region, matchID string) string {
	return glzURL(region, "/core-game/v1/matches/"+matchID)
}

func matchDetailsURL(region, matchID string) string {
	return pdURL(region, "/match-details/v1/matches/"+matchID)
}

// clientPlatform — значение X-Riot-ClientPlatform: base64 от канонического
// JSON-описания платформы. Считается один раз при инициализации пакета.
var clientPlatform = func() string {
	payload, err := json.Marshal(struct {
		PlatformType      string `json:"platformType"`
		PlatformOS        string `json:"platformOS"`
		PlatformOSVersion string `json:"platformOSVersion"`
		PlatformChipset   string `json:"platformChipset"`
	}{
		PlatformType:      "PC",
		PlatformOS:        "Windows",
		PlatformOSVersion: "10.0.19042.1.256.64bit",
		PlatformChipset:   "Unknown",
	})
	if err != nil {
		panic(err) // статическая структура, маршалинг не может упасть
	}
	return base64.StdEncoding.EncodeToString(payload)
}()
