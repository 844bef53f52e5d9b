// Разбор ответов valorant-api.com и сборка снимка каталога. Все таблицы
// запрашиваются с language=all: displayName в этом режиме — объект
// «локаль → имя», который ложится прямо в LocalizedName.

package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/riot/client"
)

// staticSource — то, что каталогу нужно от HTTP-клиента: статические таблицы
// и текущая версия клиента игры. Реализуется *client.Client.
type staticSource interface {
	FetchStatic(ctx context.Context, path string, out any) error
	Version() client.VersionInfo
}

const (
	pathSkins   = "/weapons/skins?language=all"
	pathTiers   = "/contenttiers?language=all"
	pathBundles = "/bundles?language=all"
	pathBuddies = "/buddies?language=all"
	pathCards   = "/playercards?language=all"
	pathSprays  = "/sprays?language=all"
	pathTitles  = "/playertitles?language=all"
	pathAgents  = "/agents?language=all&isPlayableCharacter=true"
	pathRanks   = "/competitivetiers?language=all"
	pathMaps    = "/maps?language=all"
	pathModes   = "/gamemodes?language=all"
	pathSeasons = "/seasons?language=all"
	pathPasses  = "/contracts?language=all"
)

// envelope — стандартная обёртка ответа valorant-api.
type envelope[T any] struct {
	Status int `json:"status"`
	Data   []T `json:"data"`
}

type skinDTO struct {
	UUID            string        `json:"uuid"`
	DisplayName     LocalizedName `json:"displayName"`
	ContentTierUUID string        `json:"contentTierUuid"`
	DisplayIcon     string        `json:"displayIcon"`
	Levels          []struct {
		UUID          string `json:"uuid"`
		DisplayIcon   string `json:"displayIcon"`
		StreamedVideo string `json:"streamedVideo"`
	} `json:"levels"`
	Chromas []struct {
		FullRender string `json:"fullRender"`
	} `json:"chromas"`
}

type tierDTO struct {
	UUID           string        `json:"uuid"`
	DisplayName    LocalizedName `json:"displayName"`
	DevName        string        `json:"devName"`
	Rank           int           `json:"rank"`
	HighlightColor string        `json:"highlightColor"`
	DisplayIcon    string        `json:"displayIcon"`
}

type bundleDTO struct {
	UUID               string        `json:"uuid"`
	DisplayName        LocalizedName `json:"displayName"`
	DisplayNameSubText LocalizedName `json:"displayNameSubText"`
	DisplayIcon        string        `json:"displayIcon"`
}

type buddyDTO struct {
	UUID        string        `json:"uuid"`
	DisplayName LocalizedName `json:"displayName"`
	DisplayIcon string        `json:"displayIcon"`
	Levels      []struct {
		UUID string `json:"uuid"`
	} `json:"levels"`
}

type cardDTO struct {
	UUID        string        `json:"uuid"`
	DisplayName LocalizedName `json:"displayName"`
	DisplayIcon string        `json:"displayIcon"`
	SmallArt    string        `json:"smallArt"`
	WideArt     string        `json:"wideArt"`
}

type sprayDTO struct {
	UUID                string        `json:"uuid"`
	DisplayName         LocalizedName `json:"displayName"`
	FullTransparentIcon string        `json:"fullTransparentIcon"`
	DisplayIcon         string        `json:"displayIcon"`
}

type titleDTO struct {
	UUID        string        `json:"uuid"`
	DisplayName LocalizedName `json:"displayName"`
	TitleText   LocalizedName `json:"titleText"`
}

type agentDTO struct {
	UUID         string        `json:"uuid"`
	DisplayName  LocalizedName `json:"displayName"`
	DisplayIcon  string        `json:"displayIcon"`
	FullPortrait string        `json:"fullPortrait"`
}

type rankTableDTO struct {
	UUID  string `json:"uuid"`
	Tiers []struct {
		Tier      int           `json:"tier"`
		TierName  LocalizedName `json:"tierName"`
		Color     string        `json:"color"`
		SmallIcon string        `json:"smallIcon"`
	} `json:"tiers"`
}

type mapDTO struct {
	UUID         string        `json:"uuid"`
	DisplayName  LocalizedName `json:"displayName"`
	MapURL       string        `json:"mapUrl"`
	ListViewIcon string        `json:"listViewIcon"`
	Splash       string        `json:"splash"`
}

type modeDTO struct {
	UUID        string        `json:"uuid"`
	DisplayName LocalizedName `json:"displayName"`
	DisplayIcon string        `json:"displayIcon"`
	AssetPath   string        `json:"assetPath"`
}

type seasonDTO struct {
	UUID        string        `json:"uuid"`
	DisplayName LocalizedName `json:"displayName"`
	Type        string        `json:"type"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	ParentUUID  string        `json:"parentUuid"`
}

type contractDTO struct {
	UUID        string        `json:"uuid"`
	DisplayName LocalizedName `json:"displayName"`
	Content     struct {
		RelationType string `json:"relationType"`
		RelationUUID string `json:"relationUuid"`
		Chapters     []struct {
			Levels []struct {
				XP int `json:"xp"`
			} `json:"levels"`
		} `json:"chapters"`
	} `json:"content"`
}

// fetchSnapshot запрашивает все таблицы каталога и собирает снимок.
// Запросы идут последовательно: полный refetch случается только при смене
// версии игры, и тринадцать вызовов подряд дешевле, чем отдельный пул.
func fetchSnapshot(ctx context.Context, src staticSource, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		FormatVersion: FormatVersion,
		GameVersion:   src.Version().ClientVersion,
		FetchedAt:     now,
		Prices:        make(map[user.ItemID]int),
	}
	steps := []struct {
		name string
		fn   func(context.Context, staticSource, *Snapshot) error
	}{
		{"skins", fetchSkins},
		{"content tiers", fetchTiers},
		{"bundles", fetchBundles},
		{"buddies", fetchBuddies},
		{"player cards", fetchCards},
		{"sprays", fetchSprays},
		{"player titles", fetchTitles},
		{"agents", fetchAgents},
		{"competitive tiers", fetchRanks},
		{"maps", fetchMaps},
		{"game modes", fetchModes},
		{"seasons", fetchSeasons},
		{"battle passes", fetchPasses},
	}
	for _, step := range steps {
		if err := step.fn(ctx, src, snap); err != nil {
			return nil, errors.Wrapf(err, "%s table", step.name)
		}
	}
	return snap, nil
}

func fetchSkins(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[skinDTO]
	if err := src.FetchStatic(ctx, pathSkins, &resp); err != nil {
		return err
	}
	snap.Skins = make(map[user.ItemID]Skin, len(resp.Data))
	for _, d := range resp.Data {
		if len(d.Levels) == 0 {
			continue
		}
		// Витрина оперирует uuid нулевого уровня, поэтому он и есть ключ.
		id := user.ItemID(d.Levels[0].UUID)
		icon := d.DisplayIcon
		if icon == "" {
			icon = d.Levels[0].DisplayIcon
		}
		if icon == "" && len(d.Chromas) > 0 {
			icon = d.Chromas[0].FullRender
		}
		video := ""
		for _, lvl := range d.Levels {
			if lvl.StreamedVideo != "" {
				video = lvl.StreamedVideo
			}
		}
		snap.Skins[id] = Skin{
			UUID:       id,
			SkinUUID:   d.UUID,
			Names:      d.DisplayName,
			Icon:       icon,
			TierUUID:   d.ContentTierUUID,
			LevelCount: len(d.Levels),
			Video:      video,
		}
	}
	return nil
}

func fetchTiers(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[tierDTO]
	if err := src.FetchStatic(ctx, pathTiers, &resp); err != nil {
		return err
	}
	snap.Rarities = make(map[string]Rarity, len(resp.Data))
	for _, d := range resp.Data {
		snap.Rarities[d.UUID] = Rarity{
			UUID:    d.UUID,
			Names:   d.DisplayName,
			DevName: d.DevName,
			Rank:    d.Rank,
			Color:   d.HighlightColor,
			Icon:    d.DisplayIcon,
		}
	}
	return nil
}

func fetchBundles(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[bundleDTO]
	if err := src.FetchStatic(ctx, pathBundles, &resp); err != nil {
		return err
	}
	snap.Bundles = make(map[user.ItemID]Bundle, len(resp.Data))
	for _, d := range resp.Data {
		id := user.ItemID(d.UUID)
		snap.Bundles[id] = Bundle{
			UUID:     id,
			Names:    d.DisplayName,
			SubNames: d.DisplayNameSubText,
			Icon:     d.DisplayIcon,
		}
	}
	return nil
}

func fetchBuddies(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[buddyDTO]
	if err := src.FetchStatic(ctx, pathBuddies, &resp); err != nil {
		return err
	}
	snap.Buddies = make(map[user.ItemID]Buddy, len(resp.Data))
	for _, d := range resp.Data {
		// Как и у скинов, в витрине брелок представлен uuid нулевого уровня.
		raw := d.UUID
		if len(d.Levels) > 0 && d.Levels[0].UUID != "" {
			raw = d.Levels[0].UUID
		}
		id := user.ItemID(raw)
		snap.Buddies[id] = Buddy{UUID: id, Names: d.DisplayName, Icon: d.DisplayIcon}
	}
	return nil
}

func fetchCards(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[cardDTO]
	if err := src.FetchStatic(ctx, pathCards, &resp); err != nil {
		return err
	}
	snap.Cards = make(map[user.ItemID]Card, len(resp.Data))
	for _, d := range resp.Data {
		id := user.ItemID(d.UUID)
		snap.Cards[id] = Card{
			UUID:     id,
			Names:    d.DisplayName,
			Icon:     d.DisplayIcon,
			SmallArt: d.SmallArt,
			WideArt:  d.WideArt,
		}
	}
	return nil
}

func fetchSprays(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[sprayDTO]
	if err := src.FetchStatic(ctx, pathSprays, &resp); err != nil {
		return err
	}
	snap.Sprays = make(map[user.ItemID]Spray, len(resp.Data))
	for _, d := range resp.Data {
		icon := d.FullTransparentIcon
		if icon == "" {
			icon = d.DisplayIcon
		}
		id := user.ItemID(d.UUID)
		snap.Sprays[id] = Spray{UUID: id, Names: d.DisplayName, Icon: icon}
	}
	return nil
}

func fetchTitles(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[titleDTO]
	if err := src.FetchStatic(ctx, pathTitles, &resp); err != nil {
		return err
	}
	snap.Titles = make(map[user.ItemID]Title, len(resp.Data))
	for _, d := range resp.Data {
		// Скрытый пустой титул приходит без имени — его в каталоге не держим.
		if len(d.DisplayName) == 0 {
			continue
		}
		id := user.ItemID(d.UUID)
		snap.Titles[id] = Title{UUID: id, Names: d.DisplayName, Text: d.TitleText}
	}
	return nil
}

func fetchAgents(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[agentDTO]
	if err := src.FetchStatic(ctx, pathAgents, &resp); err != nil {
		return err
	}
	snap.Agents = make(map[string]Agent, len(resp.Data))
	for _, d := range resp.Data {
		snap.Agents[d.UUID] = Agent{
			UUID:     d.UUID,
			Names:    d.DisplayName,
			Icon:     d.DisplayIcon,
			Portrait: d.FullPortrait,
		}
	}
	return nil
}

func fetchRanks(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[rankTableDTO]
	if err := src.FetchStatic(ctx, pathRanks, &resp); err != nil {
		return err
	}
	snap.Tiers = make(map[int]CompetitiveTier)
	if len(resp.Data) == 0 {
		return nil
	}
	// Каталог отдаёт таблицы всех эпизодов; актуальная — последняя.
	table := resp.Data[len(resp.Data)-1]
	for _, t := range table.Tiers {
		snap.Tiers[t.Tier] = CompetitiveTier{
			Tier:  t.Tier,
			Names: t.TierName,
			Color: t.Color,
			Icon:  t.SmallIcon,
		}
	}
	return nil
}

func fetchMaps(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[mapDTO]
	if err := src.FetchStatic(ctx, pathMaps, &resp); err != nil {
		return err
	}
	snap.Maps = make([]GameMap, 0, len(resp.Data))
	for _, d := range resp.Data {
		snap.Maps = append(snap.Maps, GameMap{
			UUID:   d.UUID,
			Names:  d.DisplayName,
			MapURL: d.MapURL,
			Icon:   d.ListViewIcon,
			Splash: d.Splash,
		})
	}
	return nil
}

func fetchModes(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[modeDTO]
	if err := src.FetchStatic(ctx, pathModes, &resp); err != nil {
		return err
	}
	snap.Modes = make([]GameMode, 0, len(resp.Data))
	for _, d := range resp.Data {
		snap.Modes = append(snap.Modes, GameMode{
			UUID:      d.UUID,
			Names:     d.DisplayName,
			AssetPath: d.AssetPath,
			Icon:      d.DisplayIcon,
		})
	}
	return nil
}

func fetchSeasons(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[seasonDTO]
	if err := src.FetchStatic(ctx, pathSeasons, &resp); err != nil {
		return err
	}
	snap.Seasons = make([]Season, 0, len(resp.Data))
	for _, d := range resp.Data {
		snap.Seasons = append(snap.Seasons, Season{
			UUID:       d.UUID,
			Names:      d.DisplayName,
			Type:       d.Type,
			Start:      d.StartTime,
			End:        d.EndTime,
			ParentUUID: d.ParentUUID,
		})
	}
	return nil
}

func fetchPasses(ctx context.Context, src staticSource, snap *Snapshot) error {
	var resp envelope[contractDTO]
	if err := src.FetchStatic(ctx, pathPasses, &resp); err != nil {
		return err
	}
	snap.Passes = nil
	for _, d := range resp.Data {
		// Боевые пропуски — контракты, привязанные к сезону; агентские
		// контракты и события в расписание не входят.
		if d.Content.RelationType != "Season" || d.Content.RelationUUID == "" {
			continue
		}
		levels := 0
		for _, ch := range d.Content.Chapters {
			levels += len(ch.Levels)
		}
		snap.Passes = append(snap.Passes, BattlePass{
			UUID:       user.ItemID(d.UUID),
			Names:      d.DisplayName,
			SeasonUUID: d.Content.RelationUUID,
			Chapters:   len(d.Content.Chapters),
			Levels:     levels,
		})
	}
	return nil
}
