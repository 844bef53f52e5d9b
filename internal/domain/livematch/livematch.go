// Живой взгляд на текущее состояние аккаунта: группа, стадия пика агентов
// или идущий матч. Три состояния опрашиваются параллельно, при пересечении
// действует приоритет игра > пик > группа. Участники обогащаются именами,
// агентами и рейтингом веером одиночных запросов: отказ любого из них
// оставляет участника без ранга или под позиционным именем, но не роняет
// сборку целиком.
package livematch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/domain/catalog"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/riot/auth"
	"valorant-skinbot/internal/riot/client"
	"valorant-skinbot/internal/riot/rerr"
)

const (
	competitiveQueueID = "competitive"

	// provisioningMatchmaking — матч, собранный матчмейкингом. Кастомные
	// игры записей последних матчей не получают.
	provisioningMatchmaking = "Matchmaking"
)

// Stage — стадия, в которой находится аккаунт.
type Stage string

const (
	StageNone    Stage = "none"
	StageParty   Stage = "party"
	StagePregame Stage = "pregame"
	StageIngame  Stage = "ingame"
)

// Rank — рейтинговая сводка участника. nil у Participant.Rank означает, что
// запрос профиля не удался.
type Rank struct {
	Tier         int    `json:"tier"`
	TierName     string `json:"tierName,omitempty"`
	RR           int    `json:"rr"`
	PeakTier     int    `json:"peakTier"`
	PeakTierName string `json:"peakTierName,omitempty"`
	PeakSeason   string `json:"peakSeason,omitempty"`
	UnrankedAct  bool   `json:"unrankedAct,omitempty"`
	WinRate      int    `json:"winRate"`
	Games        int    `json:"games"`
}

// LastMatch — счёт раундов последней рейтинговой игры глазами участника.
type LastMatch struct {
	MatchID    string `json:"matchId"`
	AllyScore  int    `json:"allyScore"`
	EnemyScore int    `json:"enemyScore"`
}

// Participant — обогащённый участник группы или матча.
type Participant struct {
	Puuid        user.Puuid `json:"puuid"`
	Name         string     `json:"name"`
	Incognito    bool       `json:"incognito,omitempty"`
	AgentID      string     `json:"agentId,omitempty"`
	AgentName    string     `json:"agentName,omitempty"`
	TeamID       string     `json:"teamId,omitempty"`
	AccountLevel int        `json:"accountLevel,omitempty"`
	LevelHidden  bool       `json:"levelHidden,omitempty"`
	PartyOwner   bool       `json:"partyOwner,omitempty"`
	Rank         *Rank      `json:"rank,omitempty"`
	Last         *LastMatch `json:"last,omitempty"`
}

// PartyView — группа вне матча.
type PartyView struct {
	ID      string        `json:"id"`
	State   string        `json:"state"`
	QueueID string        `json:"queueId,omitempty"`
	Members []Participant `json:"members"`
}

// MatchView — матч на стадии пика или идущий. На стадии пика видна только
// своя команда, Enemy пуст.
type MatchView struct {
	MatchID  string        `json:"matchId"`
	MapID    string        `json:"mapId,omitempty"`
	MapName  string        `json:"mapName,omitempty"`
	ModeID   string        `json:"modeId,omitempty"`
	ModeName string        `json:"modeName,omitempty"`
	Ally     []Participant `json:"ally"`
	Enemy    []Participant `json:"enemy,omitempty"`
}

// View — собранная картина состояния аккаунта. Заполнено поле своей стадии.
type View struct {
	Stage Stage      `json:"stage"`
	Puuid user.Puuid `json:"puuid"`
	Party *PartyView `json:"party,omitempty"`
	Match *MatchView `json:"match,omitempty"`
}

// authorizer — доступ к свежим токенам аккаунта.
type authorizer interface {
	AuthUser(ctx context.Context, id user.UserID, accountIdx int) (*user.Account, error)
}

// upstream — игровые эндпоинты, которые нужны агрегатору.
type upstream interface {
	PartyPlayer(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.PartyPlayerResponse, error)
	Party(ctx context.Context, auth client.AuthHeaders, region, partyID string) (*client.PartyResponse, error)
	PregamePlayer(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.PregamePlayerResponse, error)
	PregameMatch(ctx context.Context, auth client.AuthHeaders, region, matchID string) (*client.PregameMatchResponse, error)
	CoreGamePlayer(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.CoreGamePlayerResponse, error)
	CoreGameMatch(ctx context.Context, auth client.AuthHeaders, region, matchID string) (*client.CoreGameMatchResponse, error)
	PlayerNames(ctx context.Context, auth client.AuthHeaders, region string, puuids []string) ([]client.NameEntry, error)
	MMR(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.MMRResponse, error)
	CompetitiveUpdates(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.CompetitiveUpdatesResponse, error)
	MatchDetails(ctx context.Context, auth client.AuthHeaders, region, matchID string) (*client.MatchDetailsResponse, error)
}

// tableSource отдаёт снимок каталога со статическими таблицами: агенты,
// ранги, карты, режимы, сезоны. Снимок подменяется каталогом при смене
// версии игры, поэтому агрегатор берёт его заново на каждый запрос.
type tableSource interface {
	Snapshot() *catalog.Snapshot
}

// Service собирает живой взгляд на состояние аккаунта.
type Service struct {
	auth   authorizer
	cl     upstream
	tables tableSource
	clk    clock.Clock
}

// New создаёт агрегатор. tables может быть nil: имена агентов, карт и
// рангов тогда остаются пустыми.
func New(az authorizer, cl upstream, tables tableSource, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	return &Service{auth: az, cl: cl, tables: tables, clk: clk}
}

// Resolve определяет стадию аккаунта и собирает картину для неё.
func (s *Service) Resolve(ctx context.Context, id user.UserID, accountIdx int) (*View, error) {
	acc, err := s.auth.AuthUser(ctx, id, accountIdx)
	if err != nil {
		return nil, err
	}
	hdr := auth.Headers(acc)
	puuid := string(acc.Puuid)
	snap := s.snapshot()

	var (
		wg                        sync.WaitGroup
		partyID, preID, coreID    string
		partyErr, preErr, coreErr error
	)
	wg.Go(func() {
		partyID, partyErr = probe(func() (string, error) {
			r, err := s.cl.PartyPlayer(ctx, hdr, acc.Region, puuid)
			if err != nil {
				return "", err
			}
			return r.CurrentPartyID, nil
		})
	})
	wg.Go(func() {
		preID, preErr = probe(func() (string, error) {
			r, err := s.cl.PregamePlayer(ctx, hdr, acc.Region, puuid)
			if err != nil {
				return "", err
			}
			return r.MatchID, nil
		})
	})
	wg.Go(func() {
		coreID, coreErr = probe(func() (string, error) {
			r, err := s.cl.CoreGamePlayer(ctx, hdr, acc.Region, puuid)
			if err != nil {
				return "", err
			}
			return r.MatchID, nil
		})
	})
	wg.Wait()

	switch {
	case coreID != "":
		return s.ingameView(ctx, hdr, acc, snap, coreID)
	case preID != "":
		return s.pregameView(ctx, hdr, acc, snap, preID)
	case partyID != "":
		return s.partyView(ctx, hdr, acc, snap, partyID)
	}
	for _, err := range []error{coreErr, preErr, partyErr} {
		if err != nil {
			return nil, errors.Wrap(err, "resolve live state")
		}
	}
	logger.Debugf("матч: %s вне игры", acc.Puuid)
	return &View{Stage: StageNone, Puuid: acc.Puuid}, nil
}

// probe нормализует ответ определителя состояния: 404 означает «не в этом
// состоянии» и ошибкой не считается.
func probe(fetch func() (string, error)) (string, error) {
	id, err := fetch()
	if err != nil {
		if errors.Is(err, rerr.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (s *Service) ingameView(ctx context.Context, hdr client.AuthHeaders, acc *user.Account, snap *catalog.Snapshot, matchID string) (*View, error) {
	m, err := s.cl.CoreGameMatch(ctx, hdr, acc.Region, matchID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch core game")
	}
	rows := make([]row, 0, len(m.Players))
	for _, p := range m.Players {
		rows = append(rows, row{
			puuid:     user.Puuid(p.Subject),
			agentID:   p.CharacterID,
			teamID:    p.TeamID,
			level:     p.PlayerIdentity.AccountLevel,
			hideLevel: p.PlayerIdentity.HideAccountLevel,
			incognito: p.PlayerIdentity.Incognito,
		})
	}
	withScores := m.ProvisioningFlow == provisioningMatchmaking
	parts := s.enrich(ctx, hdr, acc.Region, snap, acc.Puuid, rows, withScores)

	mv := &MatchView{MatchID: matchID, MapID: m.MapID, ModeID: m.ModeID}
	if gm, ok := snap.MapByURL(m.MapID); ok {
		mv.MapName = gm.Names.Canonical()
	}
	if md, ok := snap.ModeByID(m.ModeID); ok {
		mv.ModeName = md.Names.Canonical()
	}
	allyTeam := ""
	for _, r := range rows {
		if r.puuid == acc.Puuid {
			allyTeam = r.teamID
			break
		}
	}
	for i, p := range parts {
		if allyTeam == "" || rows[i].teamID == allyTeam {
			mv.Ally = append(mv.Ally, p)
		} else {
			mv.Enemy = append(mv.Enemy, p)
		}
	}
	logger.Debugf("матч: %s в игре %s, игроков %d", acc.Puuid, matchID, len(parts))
	return &View{Stage: StageIngame, Puuid: acc.Puuid, Match: mv}, nil
}

// pregameView собирает стадию пика. Матчевая ручка на этой стадии отдаёт
// только свою команду; тир из её записи прикрывает рейтинговый профиль,
// когда тот отстаёт или недоступен.
func (s *Service) pregameView(ctx context.Context, hdr client.AuthHeaders, acc *user.Account, snap *catalog.Snapshot, matchID string) (*View, error) {
	m, err := s.cl.PregameMatch(ctx, hdr, acc.Region, matchID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch pregame")
	}
	rows := make([]row, 0, len(m.AllyTeam.Players))
	for _, p := range m.AllyTeam.Players {
		rows = append(rows, row{
			puuid:     user.Puuid(p.Subject),
			agentID:   p.CharacterID,
			teamID:    m.AllyTeam.TeamID,
			tier:      p.CompetitiveTier,
			level:     p.PlayerIdentity.AccountLevel,
			hideLevel: p.PlayerIdentity.HideAccountLevel,
			incognito: p.PlayerIdentity.Incognito,
		})
	}
	parts := s.enrich(ctx, hdr, acc.Region, snap, acc.Puuid, rows, true)

	mv := &MatchView{MatchID: matchID, MapID: m.MapID, ModeID: m.Mode, Ally: parts}
	if gm, ok := snap.MapByURL(m.MapID); ok {
		mv.MapName = gm.Names.Canonical()
	}
	if md, ok := snap.ModeByID(m.Mode); ok {
		mv.ModeName = md.Names.Canonical()
	}
	logger.Debugf("матч: %s на пике агентов %s", acc.Puuid, matchID)
	return &View{Stage: StagePregame, Puuid: acc.Puuid, Match: mv}, nil
}

func (s *Service) partyView(ctx context.Context, hdr client.AuthHeaders, acc *user.Account, snap *catalog.Snapshot, partyID string) (*View, error) {
	pr, err := s.cl.Party(ctx, hdr, acc.Region, partyID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch party")
	}
	rows := make([]row, 0, len(pr.Members))
	for _, mb := range pr.Members {
		rows = append(rows, row{puuid: user.Puuid(mb.Subject), owner: mb.IsOwner})
	}
	parts := s.enrich(ctx, hdr, acc.Region, snap, acc.Puuid, rows, false)
	pv := &PartyView{
		ID:      partyID,
		State:   pr.State,
		QueueID: pr.MatchmakingData.QueueID,
		Members: parts,
	}
	logger.Debugf("матч: %s в группе %s из %d", acc.Puuid, partyID, len(parts))
	return &View{Stage: StageParty, Puuid: acc.Puuid, Party: pv}, nil
}

// row — участник до обогащения.
type row struct {
	puuid     user.Puuid
	agentID   string
	teamID    string
	tier      int // тир из записи пика, когда есть
	level     int
	hideLevel bool
	incognito bool
	owner     bool
}

// enrich собирает участников: имена одной пачкой, рейтинг каждого отдельным
// запросом; неудача одиночного запроса оставляет участника без ранга. При
// withScores дополнительно поднимаются записи последних рейтинговых игр.
func (s *Service) enrich(ctx context.Context, hdr client.AuthHeaders, region string, snap *catalog.Snapshot, viewer user.Puuid, rows []row, withScores bool) []Participant {
	if len(rows) == 0 {
		return []Participant{}
	}
	names := make(map[string]client.NameEntry, len(rows))
	ranks := make([]*Rank, len(rows))
	lasts := make([]*LastMatch, len(rows))

	var wg sync.WaitGroup
	wg.Go(func() {
		puuids := make([]string, len(rows))
		for i, r := range rows {
			puuids[i] = string(r.puuid)
		}
		entries, err := s.cl.PlayerNames(ctx, hdr, region, puuids)
		if err != nil {
			logger.Warnf("матч: имена не получены: %v", err)
			return
		}
		for _, e := range entries {
			names[e.Subject] = e
		}
	})
	for i := range rows {
		wg.Go(func() {
			ranks[i] = s.rank(ctx, hdr, region, snap, rows[i].puuid)
		})
	}
	if withScores {
		wg.Go(func() {
			s.lastMatches(ctx, hdr, region, rows, lasts)
		})
	}
	wg.Wait()

	parts := make([]Participant, len(rows))
	for i, r := range rows {
		parts[i] = assemble(snap, viewer, r, i, names, ranks[i], lasts[i])
	}
	return parts
}

// rank собирает рейтинговую сводку участника. nil — запрос не удался.
func (s *Service) rank(ctx context.Context, hdr client.AuthHeaders, region string, snap *catalog.Snapshot, puuid user.Puuid) *Rank {
	mmr, err := s.cl.MMR(ctx, hdr, region, string(puuid))
	if err != nil {
		logger.Debugf("матч: рейтинг %s не получен: %v", puuid, err)
		return nil
	}
	return buildRank(snap, mmr, s.clk.Now())
}

// buildRank интерпретирует сезонную таблицу рейтинга. Текущий тир — из
// записи идущего акта, пик — максимум по всем сезонам. Когда в идущем акте
// игр нет, а в прошлых сезонах есть, участник помечается как без ранга в
// этом сезоне, счёт побед при этом берётся из последнего сезона с играми.
func buildRank(snap *catalog.Snapshot, mmr *client.MMRResponse, now time.Time) *Rank {
	rank := &Rank{}
	seasonal := mmr.QueueSkills[competitiveQueueID].SeasonalInfoBySeasonID

	for seasonID, info := range seasonal {
		if info.CompetitiveTier > rank.PeakTier {
			rank.PeakTier = info.CompetitiveTier
			rank.PeakSeason = seasonLabel(snap, seasonID)
		}
	}

	actID := ""
	if act, ok := snap.CurrentAct(now); ok {
		actID = act.UUID
	}
	if info, ok := seasonal[actID]; ok && info.NumberOfGames > 0 {
		rank.Tier = info.CompetitiveTier
		rank.RR = info.RankedRating
		rank.Games = info.NumberOfGames
		rank.WinRate = winRate(info.NumberOfWins, info.NumberOfGames)
	} else if playedBefore(seasonal, actID) {
		rank.UnrankedAct = true
		if latest, ok := latestPlayedSeason(snap, seasonal, actID); ok {
			rank.Games = latest.NumberOfGames
			rank.WinRate = winRate(latest.NumberOfWins, latest.NumberOfGames)
		}
	}

	rank.TierName = tierName(snap, rank.Tier)
	rank.PeakTierName = tierName(snap, rank.PeakTier)
	return rank
}

// playedBefore сообщает, есть ли сыгранные игры в сезонах кроме идущего акта.
func playedBefore(seasonal map[string]client.SeasonalInfo, actID string) bool {
	for seasonID, info := range seasonal {
		if seasonID != actID && info.NumberOfGames > 0 {
			return true
		}
	}
	return false
}

// latestPlayedSeason находит последний по началу сезон с сыгранными играми,
// не считая идущего акта. Сезоны, неизвестные каталогу, пропускаются.
func latestPlayedSeason(snap *catalog.Snapshot, seasonal map[string]client.SeasonalInfo, skipID string) (client.SeasonalInfo, bool) {
	var (
		best   client.SeasonalInfo
		bestAt time.Time
		found  bool
	)
	for seasonID, info := range seasonal {
		if seasonID == skipID || info.NumberOfGames == 0 {
			continue
		}
		season, ok := snap.SeasonByID(seasonID)
		if !ok {
			continue
		}
		if !found || season.Start.After(bestAt) {
			best = info
			bestAt = season.Start
			found = true
		}
	}
	return best, found
}

// lastMatches поднимает счёт последней рейтинговой игры каждого участника:
// первая волна — лента обновлений каждого, вторая — записи матчей, каждый
// уникальный матч запрашивается не более одного раза.
func (s *Service) lastMatches(ctx context.Context, hdr client.AuthHeaders, region string, rows []row, lasts []*LastMatch) {
	matchIDs := make([]string, len(rows))
	var wg sync.WaitGroup
	for i := range rows {
		wg.Go(func() {
			cu, err := s.cl.CompetitiveUpdates(ctx, hdr, region, string(rows[i].puuid))
			if err != nil {
				logger.Debugf("матч: лента %s не получена: %v", rows[i].puuid, err)
				return
			}
			if len(cu.Matches) > 0 {
				matchIDs[i] = cu.Matches[0].MatchID
			}
		})
	}
	wg.Wait()

	uniq := make([]string, 0, len(rows))
	slot := make(map[string]int, len(rows))
	for _, id := range matchIDs {
		if id == "" {
			continue
		}
		if _, ok := slot[id]; ok {
			continue
		}
		slot[id] = len(uniq)
		uniq = append(uniq, id)
	}
	fetched := make([]*client.MatchDetailsResponse, len(uniq))
	for i, id := range uniq {
		wg.Go(func() {
			md, err := s.cl.MatchDetails(ctx, hdr, region, id)
			if err != nil {
				logger.Debugf("матч: запись матча %s не получена: %v", id, err)
				return
			}
			fetched[i] = md
		})
	}
	wg.Wait()

	for i, r := range rows {
		id := matchIDs[i]
		if id == "" {
			continue
		}
		md := fetched[slot[id]]
		if md == nil {
			continue
		}
		if ally, enemy, ok := roundScores(md, string(r.puuid)); ok {
			lasts[i] = &LastMatch{MatchID: id, AllyScore: ally, EnemyScore: enemy}
		}
	}
}

// roundScores — счёт раундов завершённого матча глазами участника.
func roundScores(md *client.MatchDetailsResponse, puuid string) (ally, enemy int, ok bool) {
	team := ""
	for _, p := range md.Players {
		if p.Subject == puuid {
			team = p.TeamID
			break
		}
	}
	if team == "" {
		return 0, 0, false
	}
	for _, t := range md.Teams {
		if t.TeamID == team {
			ally = t.RoundsWon
		} else {
			enemy = t.RoundsWon
		}
	}
	return ally, enemy, true
}

// assemble собирает итоговую строку участника. Своё имя видно всегда;
// инкогнито чужих прикрывается именем агента, а когда агент ещё не выбран —
// позиционной заменой. Отсутствие имени в ответе сервиса имён закрывается
// так же. Скрытый уровень чужого аккаунта обнуляется.
func assemble(snap *catalog.Snapshot, viewer user.Puuid, r row, slot int, names map[string]client.NameEntry, rank *Rank, last *LastMatch) Participant {
	p := Participant{
		Puuid:        r.puuid,
		Incognito:    r.incognito,
		AgentID:      r.agentID,
		TeamID:       r.teamID,
		AccountLevel: r.level,
		LevelHidden:  r.hideLevel,
		PartyOwner:   r.owner,
		Rank:         rank,
		Last:         last,
	}
	if ag, ok := snap.AgentByID(r.agentID); ok {
		p.AgentName = ag.Names.Canonical()
	}
	if e, ok := names[string(r.puuid)]; ok && e.GameName != "" {
		p.Name = e.GameName + "#" + e.TagLine
	}
	if r.incognito && r.puuid != viewer {
		p.Name = ""
	}
	if p.Name == "" {
		p.Name = p.AgentName
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("Player %d", slot+1)
	}
	if r.hideLevel && r.puuid != viewer {
		p.AccountLevel = 0
	}
	if rank != nil && rank.Tier == 0 && r.tier > 0 {
		rank.Tier = r.tier
		rank.TierName = tierName(snap, r.tier)
		rank.UnrankedAct = false
	}
	return p
}

// seasonLabel — человекочитаемая метка сезона: имена эпизода и акта, когда
// каталог знает обоих, иначе что известно.
func seasonLabel(snap *catalog.Snapshot, seasonID string) string {
	season, ok := snap.SeasonByID(seasonID)
	if !ok {
		return ""
	}
	label := season.Names.Canonical()
	if parent, ok := snap.SeasonByID(season.ParentUUID); ok {
		label = parent.Names.Canonical() + " " + label
	}
	return label
}

func tierName(snap *catalog.Snapshot, tier int) string {
	if t, ok := snap.TierByNumber(tier); ok {
		return t.Names.Canonical()
	}
	return ""
}

// winRate — процент побед, округлённый до целого.
func winRate(wins, games int) int {
	if games == 0 {
		return 0
	}
	return (wins*100 + games/2) / games
}

func (s *Service) snapshot() *catalog.Snapshot {
	if s.tables == nil {
		return nil
	}
	return s.tables.Snapshot()
}
