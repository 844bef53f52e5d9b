// Package catalog хранит статические таблицы игровых предметов: скины с
// уровнями, бандлы, редкости, брелоки, карточки, спреи, титулы, агентов,
// ранги, карты, режимы, сезоны и расписание боевого пропуска. Источник —
// публичный каталог valorant-api.com, запрошенный с language=all, поэтому
// каждая таблица несёт локализованные имена для всех поддерживаемых локалей.
//
// Снимок каталога неизменяем после публикации: любые обновления (refetch,
// слияние цен) создают новый *Snapshot и атомарно подменяют указатель.
// Код, получивший снимок, может читать его без синхронизации сколь угодно
// долго.
package catalog

import (
	"sort"
	"strings"
	"time"

	"valorant-skinbot/internal/domain/user"
)

// FormatVersion — версия формата skins.json. Несовпадение при загрузке с
// диска означает снимок старого формата: он отбрасывается и каталог
// перезапрашивается целиком.
const FormatVersion = 3

// canonicalLocale — локаль канонических имён; по ней же работает фолбэк,
// когда запрошенной локали в таблице нет.
const canonicalLocale = "en-US"

// LocalizedName — имя предмета по локалям ("ru-RU" → «Фантом»).
type LocalizedName map[string]string

// Get возвращает имя в запрошенной локали, при её отсутствии — каноническое,
// при отсутствии и его — первое по алфавиту локалей.
func (n LocalizedName) Get(locale string) string {
	if v, ok := n[locale]; ok && v != "" {
		return v
	}
	return n.Canonical()
}

// Canonical возвращает имя в канонической локали en-US.
func (n LocalizedName) Canonical() string {
	if v, ok := n[canonicalLocale]; ok && v != "" {
		return v
	}
	if len(n) == 0 {
		return ""
	}
	locales := make([]string, 0, len(n))
	for k, v := range n {
		if v != "" {
			locales = append(locales, k)
		}
	}
	if len(locales) == 0 {
		return ""
	}
	sort.Strings(locales)
	return n[locales[0]]
}

// Skin — скин оружия. UUID — идентификатор нулевого уровня: именно им
// оперируют витрина, ночной рынок и алерты пользователей. SkinUUID —
// родительский идентификатор в каталоге, нужен для сопоставления уровней
// и хром при разборе коллекции.
type Skin struct {
	UUID       user.ItemID   `json:"uuid"`
	SkinUUID   string        `json:"skinUuid"`
	Names      LocalizedName `json:"names"`
	Icon       string        `json:"icon,omitempty"`
	TierUUID   string        `json:"tierUuid,omitempty"`
	LevelCount int           `json:"levelCount"`
	Video      string        `json:"video,omitempty"`
}

// Bundle — набор предметов. UUID совпадает с DataAssetID витринного бандла.
type Bundle struct {
	UUID     user.ItemID   `json:"uuid"`
	Names    LocalizedName `json:"names"`
	SubNames LocalizedName `json:"subNames,omitempty"`
	Icon     string        `json:"icon,omitempty"`
}

// Rarity — контент-тир скина.
type Rarity struct {
	UUID    string        `json:"uuid"`
	Names   LocalizedName `json:"names"`
	DevName string        `json:"devName"`
	Rank    int           `json:"rank"`
	Color   string        `json:"color,omitempty"`
	Icon    string        `json:"icon,omitempty"`
}

// Buddy — брелок оружия, ключ — uuid нулевого уровня (им оперирует витрина).
type Buddy struct {
	UUID  user.ItemID   `json:"uuid"`
	Names LocalizedName `json:"names"`
	Icon  string        `json:"icon,omitempty"`
}

// Card — карточка игрока.
type Card struct {
	UUID     user.ItemID   `json:"uuid"`
	Names    LocalizedName `json:"names"`
	Icon     string        `json:"icon,omitempty"`
	SmallArt string        `json:"smallArt,omitempty"`
	WideArt  string        `json:"wideArt,omitempty"`
}

// Spray — спрей.
type Spray struct {
	UUID  user.ItemID   `json:"uuid"`
	Names LocalizedName `json:"names"`
	Icon  string        `json:"icon,omitempty"`
}

// Title — титул игрока; Text — сам отображаемый текст титула.
type Title struct {
	UUID  user.ItemID   `json:"uuid"`
	Names LocalizedName `json:"names"`
	Text  LocalizedName `json:"text,omitempty"`
}

// Agent — играбельный агент.
type Agent struct {
	UUID     string        `json:"uuid"`
	Names    LocalizedName `json:"names"`
	Icon     string        `json:"icon,omitempty"`
	Portrait string        `json:"portrait,omitempty"`
}

// CompetitiveTier — ступень рейтинга из актуального эпизода.
type CompetitiveTier struct {
	Tier  int           `json:"tier"`
	Names LocalizedName `json:"names"`
	Color string        `json:"color,omitempty"`
	Icon  string        `json:"icon,omitempty"`
}

// GameMap — игровая карта. MapURL — путь вида "/Game/Maps/Ascent/Ascent",
// которым карта обозначается в ответах матчевых ручек.
type GameMap struct {
	UUID   string        `json:"uuid"`
	Names  LocalizedName `json:"names"`
	MapURL string        `json:"mapUrl"`
	Icon   string        `json:"icon,omitempty"`
	Splash string        `json:"splash,omitempty"`
}

// GameMode — игровой режим. AssetPath нужен для сопоставления с ModeID
// из живого матча, см. Snapshot.ModeByID.
type GameMode struct {
	UUID      string        `json:"uuid"`
	Names     LocalizedName `json:"names"`
	AssetPath string        `json:"assetPath"`
	Icon      string        `json:"icon,omitempty"`
}

// seasonTypeAct — значение поля type у актов (в отличие от эпизодов,
// у которых поле пустое).
const seasonTypeAct = "EAresSeasonType::Act"

// Season — эпизод или акт.
type Season struct {
	UUID       string        `json:"uuid"`
	Names      LocalizedName `json:"names"`
	Type       string        `json:"type,omitempty"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	ParentUUID string        `json:"parentUuid,omitempty"`
}

// IsAct сообщает, является ли сезон актом.
func (s Season) IsAct() bool { return s.Type == seasonTypeAct }

// BattlePass — контракт боевого пропуска, привязанный к сезону.
type BattlePass struct {
	UUID       user.ItemID   `json:"uuid"`
	Names      LocalizedName `json:"names"`
	SeasonUUID string        `json:"seasonUuid"`
	Chapters   int           `json:"chapters"`
	Levels     int           `json:"levels"`
}

// Snapshot — полный снимок каталога. GameVersion — версия клиента игры, под
// которой таблицы были запрошены; её смена означает устаревший снимок.
// Снимок неизменяем: обновления публикуются подменой указателя целиком.
type Snapshot struct {
	FormatVersion int       `json:"formatVersion"`
	GameVersion   string    `json:"gameVersion"`
	FetchedAt     time.Time `json:"fetchedAt"`

	Skins    map[user.ItemID]Skin    `json:"skins"`
	Prices   map[user.ItemID]int     `json:"prices"`
	Bundles  map[user.ItemID]Bundle  `json:"bundles"`
	Rarities map[string]Rarity       `json:"rarities"`
	Buddies  map[user.ItemID]Buddy   `json:"buddies"`
	Cards    map[user.ItemID]Card    `json:"cards"`
	Sprays   map[user.ItemID]Spray   `json:"sprays"`
	Titles   map[user.ItemID]Title   `json:"titles"`
	Agents   map[string]Agent        `json:"agents"`
	Tiers    map[int]CompetitiveTier `json:"competitiveTiers"`
	Maps     []GameMap               `json:"maps"`
	Modes    []GameMode              `json:"gameModes"`
	Seasons  []Season                `json:"seasons"`
	Passes   []BattlePass            `json:"battlePasses"`
}

// SkinByID возвращает скин по идентификатору нулевого уровня.
func (s *Snapshot) SkinByID(id user.ItemID) (Skin, bool) {
	if s == nil {
		return Skin{}, false
	}
	sk, ok := s.Skins[id]
	return sk, ok
}

// BundleByID возвращает бандл по идентификатору.
func (s *Snapshot) BundleByID(id user.ItemID) (Bundle, bool) {
	if s == nil {
		return Bundle{}, false
	}
	b, ok := s.Bundles[id]
	return b, ok
}

// PriceOf возвращает известную цену предмета в VP.
func (s *Snapshot) PriceOf(id user.ItemID) (int, bool) {
	if s == nil {
		return 0, false
	}
	p, ok := s.Prices[id]
	return p, ok
}

// RarityOf возвращает контент-тир скина.
func (s *Snapshot) RarityOf(sk Skin) (Rarity, bool) {
	if s == nil || sk.TierUUID == "" {
		return Rarity{}, false
	}
	r, ok := s.Rarities[sk.TierUUID]
	return r, ok
}

// AgentByID возвращает агента по идентификатору. Матчевые ручки присылают
// идентификаторы в верхнем регистре, каталог хранит в нижнем.
func (s *Snapshot) AgentByID(id string) (Agent, bool) {
	if s == nil || id == "" {
		return Agent{}, false
	}
	a, ok := s.Agents[strings.ToLower(id)]
	return a, ok
}

// TierByNumber возвращает ступень рейтинга по номеру.
func (s *Snapshot) TierByNumber(tier int) (CompetitiveTier, bool) {
	if s == nil {
		return CompetitiveTier{}, false
	}
	t, ok := s.Tiers[tier]
	return t, ok
}

// MapByURL находит карту по пути из матчевой ручки.
func (s *Snapshot) MapByURL(mapURL string) (GameMap, bool) {
	if s == nil || mapURL == "" {
		return GameMap{}, false
	}
	for _, m := range s.Maps {
		if strings.EqualFold(m.MapURL, mapURL) {
			return m, true
		}
	}
	return GameMap{}, false
}

// ModeByID находит режим по идентификатору из живого матча. Матчевые ручки
// присылают путь ассета вида "/Game/GameModes/Bomb/BombGameMode.BombGameMode_C",
// а каталог хранит "ShooterGame/Content/GameModes/Bomb/BombGameMode", поэтому
// сопоставление идёт по хвосту пути без префикса и имени класса.
func (s *Snapshot) ModeByID(modeID string) (GameMode, bool) {
	if s == nil || modeID == "" {
		return GameMode{}, false
	}
	key := strings.TrimPrefix(modeID, "/Game/")
	if i := strings.IndexByte(key, '.'); i >= 0 {
		key = key[:i]
	}
	key = strings.ToLower(key)
	for _, m := range s.Modes {
		if strings.HasSuffix(strings.ToLower(m.AssetPath), key) {
			return m, true
		}
	}
	return GameMode{}, false
}

// SeasonByID возвращает сезон по идентификатору.
func (s *Snapshot) SeasonByID(uuid string) (Season, bool) {
	if s == nil {
		return Season{}, false
	}
	for _, sn := range s.Seasons {
		if sn.UUID == uuid {
			return sn, true
		}
	}
	return Season{}, false
}

// CurrentAct возвращает акт, идущий в момент now.
func (s *Snapshot) CurrentAct(now time.Time) (Season, bool) {
	if s == nil {
		return Season{}, false
	}
	for _, sn := range s.Seasons {
		if sn.IsAct() && !now.Before(sn.Start) && now.Before(sn.End) {
			return sn, true
		}
	}
	return Season{}, false
}

// PassBySeason возвращает боевой пропуск указанного сезона.
func (s *Snapshot) PassBySeason(seasonUUID string) (BattlePass, bool) {
	if s == nil {
		return BattlePass{}, false
	}
	for _, p := range s.Passes {
		if p.SeasonUUID == seasonUUID {
			return p, true
		}
	}
	return BattlePass{}, false
}
