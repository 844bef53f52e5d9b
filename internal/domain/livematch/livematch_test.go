package livematch

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
)

const (
	testUserID  = "440000000000000001"
	viewerPuuid = "puuid-viewer"
	matePuuid   = "puuid-mate"
	enemyPuuid  = "puuid-enemy-1"
	enemyPuuid2 = "puuid-enemy-2"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

// fakeAuth отдаёт фиксированный аккаунт без похода в хранилище.
type fakeAuth struct {
	acc *user.Account
	err error
}

func (f *fakeAuth) AuthUser(ctx context.Context, id user.UserID, accountIdx int) (*user.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.acc, nil
}

// fakeUpstream — управляемый апстрим: незаданные состояния отвечают 404,
// все вызовы считаются по именам ручек.
type fakeUpstream struct {
	mu sync.Mutex

	partyID   string
	pregameID string
	coreID    string

	party   *client.PartyResponse
	pregame *client.PregameMatchResponse
	core    *client.CoreGameMatchResponse

	names    []client.NameEntry
	namesErr error

	mmr     map[string]*client.MMRResponse
	mmrErr  map[string]error
	updates map[string][]client.CompetitiveMatch
	details map[string]*client.MatchDetailsResponse

	coreProbeErr error
	calls        map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		mmr:     make(map[string]*client.MMRResponse),
		mmrErr:  make(map[string]error),
		updates: make(map[string][]client.CompetitiveMatch),
		details: make(map[string]*client.MatchDetailsResponse),
		calls:   make(map[string]int),
	}
}

func (f *fakeUpstream) setParty(id string, resp *client.PartyResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partyID, f.party = id, resp
}

func (f *fakeUpstream) setPregame(id string, resp *client.PregameMatchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pregameID, f.pregame = id, resp
}

func (f *fakeUpstream) setCore(id string, resp *client.CoreGameMatchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coreID, f.core = id, resp
}

func (f *fakeUpstream) setNames(entries ...client.NameEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = entries
}

func (f *fakeUpstream) failNames(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namesErr = err
}

func (f *fakeUpstream) setMMR(puuid string, resp *client.MMRResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mmr[puuid] = resp
}

func (f *fakeUpstream) failMMR(puuid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mmrErr[puuid] = err
}

func (f *fakeUpstream) setUpdates(puuid string, matches ...client.CompetitiveMatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[puuid] = matches
}

func (f *fakeUpstream) setDetails(id string, resp *client.MatchDetailsResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[id] = resp
}

func (f *fakeUpstream) failCoreProbe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coreProbeErr = err
}

func (f *fakeUpstream) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeUpstream) PartyPlayer(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.PartyPlayerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["partyPlayer"]++
	if f.partyID == "" {
		return nil, rerr.ErrNotFound
	}
	return &client.PartyPlayerResponse{Subject: puuid, CurrentPartyID: f.partyID}, nil
}

func (f *fakeUpstream) Party(ctx context.Context, auth client.AuthHeaders, region, partyID string) (*client.PartyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["party"]++
	if f.party == nil {
		return nil, rerr.ErrNotFound
	}
	return f.party, nil
}

func (f *fakeUpstream) PregamePlayer(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.PregamePlayerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["pregamePlayer"]++
	if f.pregameID == "" {
		return nil, rerr.ErrNotFound
	}
	return &client.PregamePlayerResponse{Subject: puuid, MatchID: f.pregameID}, nil
}

func (f *fakeUpstream) PregameMatch(ctx context.Context, auth client.AuthHeaders, region, matchID string) (*client.PregameMatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["pregameMatch"]++
	if f.pregame == nil {
		return nil, rerr.ErrNotFound
	}
	return f.pregame, nil
}

func (f *fakeUpstream) CoreGamePlayer(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.CoreGamePlayerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["corePlayer"]++
	if f.coreProbeErr != nil {
		return nil, f.coreProbeErr
	}
	if f.coreID == "" {
		return nil, rerr.ErrNotFound
	}
	return &client.CoreGamePlayerResponse{Subject: puuid, MatchID: f.coreID}, nil
}

func (f *fakeUpstream) CoreGameMatch(ctx context.Context, auth client.AuthHeaders, region, matchID string) (*client.CoreGameMatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["coreMatch"]++
	if f.core == nil {
		return nil, rerr.ErrNotFound
	}
	return f.core, nil
}

func (f *fakeUpstream) PlayerNames(ctx context.Context, auth client.AuthHeaders, region string, puuids []string) ([]client.NameEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["names"]++
	if f.namesErr != nil {
		return nil, f.namesErr
	}
	return f.names, nil
}

func (f *fakeUpstream) MMR(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.MMRResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["mmr"]++
	if err, ok := f.mmrErr[puuid]; ok {
		return nil, err
	}
	if m, ok := f.mmr[puuid]; ok {
		return m, nil
	}
	return &client.MMRResponse{Subject: puuid}, nil
}

func (f *fakeUpstream) CompetitiveUpdates(ctx context.Context, auth client.AuthHeaders, region, puuid string) (*client.CompetitiveUpdatesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["updates"]++
	return &client.CompetitiveUpdatesResponse{Subject: puuid, Matches: f.updates[puuid]}, nil
}

func (f *fakeUpstream) MatchDetails(ctx context.Context, auth client.AuthHeaders, region, matchID string) (*client.MatchDetailsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["details"]++
	if md, ok := f.details[matchID]; ok {
		return md, nil
	}
	return nil, rerr.ErrNotFound
}

type fakeTables struct {
	snap *catalog.Snapshot
}

func (f *fakeTables) Snapshot() *catalog.Snapshot { return f.snap }

// testSnapshot собирает каталог со статическими таблицами: два акта одного
// эпизода, идёт второй.
func testSnapshot() *catalog.Snapshot {
	return &catalog.Snapshot{
		Agents: map[string]catalog.Agent{
			"agent-jett": {UUID: "agent-jett", Names: catalog.LocalizedName{"en-US": "Jett"}},
			"agent-sova": {UUID: "agent-sova", Names: catalog.LocalizedName{"en-US": "Sova"}},
		},
		Tiers: map[int]catalog.CompetitiveTier{
			0:  {Tier: 0, Names: catalog.LocalizedName{"en-US": "UNRANKED"}},
			15: {Tier: 15, Names: catalog.LocalizedName{"en-US": "Platinum 1"}},
			18: {Tier: 18, Names: catalog.LocalizedName{"en-US": "Diamond 1"}},
			21: {Tier: 21, Names: catalog.LocalizedName{"en-US": "Ascendant 1"}},
		},
		Maps: []catalog.GameMap{
			{UUID: "map-ascent", Names: catalog.LocalizedName{"en-US": "Ascent"}, MapURL: "/Game/Maps/Ascent/Ascent"},
		},
		Modes: []catalog.GameMode{
			{UUID: "mode-bomb", Names: catalog.LocalizedName{"en-US": "Standard"}, AssetPath: "ShooterGame/Content/GameModes/Bomb/BombGameMode"},
		},
		Seasons: []catalog.Season{
			{UUID: "ep1", Names: catalog.LocalizedName{"en-US": "EPISODE 1"}},
			{
				UUID: "ep1a1", Names: catalog.LocalizedName{"en-US": "ACT 1"},
				Type:  "EAresSeasonType::Act",
				Start: testNow.AddDate(0, -3, 0), End: testNow.AddDate(0, 0, -10),
				ParentUUID: "ep1",
			},
			{
				UUID: "ep1a2", Names: catalog.LocalizedName{"en-US": "ACT 2"},
				Type:  "EAresSeasonType::Act",
				Start: testNow.AddDate(0, 0, -10), End: testNow.AddDate(0, 1, 0),
				ParentUUID: "ep1",
			},
		},
	}
}

func testAccount() *user.Account {
	return &user.Account{
		Puuid:    viewerPuuid,
		Username: "Викинг#007",
		Region:   "eu",
		Auth:     &user.Auth{AccessToken: "at", EntitlementToken: "ent"},
	}
}

type fixture struct {
	svc *Service
	up  *fakeUpstream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	up := newFakeUpstream()
	svc := New(&fakeAuth{acc: testAccount()}, up, &fakeTables{snap: testSnapshot()}, clock.NewFake(testNow))
	return &fixture{svc: svc, up: up}
}

// mmrProfile собирает рейтинговый профиль через JSON: анонимную структуру
// QueueSkills иначе не заполнить.
func mmrProfile(t *testing.T, seasonal map[string]client.SeasonalInfo) *client.MMRResponse {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"QueueSkills": map[string]any{
			"competitive": map[string]any{"SeasonalInfoBySeasonID": seasonal},
		},
	})
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	var out client.MMRResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal profile: %v", err)
	}
	return &out
}

func corePlayer(puuid, team, agent string) client.CoreGameMatchPlayer {
	return client.CoreGameMatchPlayer{Subject: puuid, TeamID: team, CharacterID: agent}
}

func coreMatch(players ...client.CoreGameMatchPlayer) *client.CoreGameMatchResponse {
	return &client.CoreGameMatchResponse{
		MatchID:          "core-1",
		MapID:            "/Game/Maps/Ascent/Ascent",
		ModeID:           "/Game/GameModes/Bomb/BombGameMode.BombGameMode_C",
		ProvisioningFlow: "Matchmaking",
		Players:          players,
	}
}

func nameEntry(puuid, name, tag string) client.NameEntry {
	return client.NameEntry{Subject: puuid, GameName: name, TagLine: tag}
}

func participantByPuuid(t *testing.T, parts []Participant, puuid user.Puuid) Participant {
	t.Helper()
	for _, p := range parts {
		if p.Puuid == puuid {
			return p
		}
	}
	t.Fatalf("участник %s не найден", puuid)
	return Participant{}
}

func TestResolvePrefersIngame(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.up.setParty("party-1", &client.PartyResponse{ID: "party-1"})
	f.up.setPregame("pre-1", &client.PregameMatchResponse{ID: "pre-1"})
	f.up.setCore("core-1", coreMatch(corePlayer(viewerPuuid, "Blue", "AGENT-JETT")))

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.Stage != StageIngame {
		t.Fatalf("Stage = %s, want %s", v.Stage, StageIngame)
	}
	if v.Match == nil || v.Match.MatchID != "core-1" {
		t.Fatalf("Match = %+v, want core-1", v.Match)
	}
	if n := f.up.callCount("pregameMatch"); n != 0 {
		t.Fatalf("запись пика запрошена %d раз при идущей игре", n)
	}
	if n := f.up.callCount("party"); n != 0 {
		t.Fatalf("группа запрошена %d раз при идущей игре", n)
	}
}

func TestResolvePartyOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pr := &client.PartyResponse{
		ID:    "party-1",
		State: "MATCHMAKING",
		Members: []client.PartyMember{
			{Subject: viewerPuuid, IsOwner: true},
			{Subject: matePuuid},
		},
	}
	pr.MatchmakingData.QueueID = "competitive"
	f.up.setParty("party-1", pr)
	f.up.setNames(nameEntry(viewerPuuid, "Викинг", "007"), nameEntry(matePuuid, "Сова", "RU1"))
	f.up.setMMR(matePuuid, mmrProfile(t, map[string]client.SeasonalInfo{
		"ep1a2": {SeasonID: "ep1a2", CompetitiveTier: 15, RankedRating: 37, NumberOfGames: 20, NumberOfWins: 13},
	}))

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.Stage != StageParty {
		t.Fatalf("Stage = %s, want %s", v.Stage, StageParty)
	}
	if v.Party.QueueID != "competitive" || v.Party.State != "MATCHMAKING" {
		t.Fatalf("party = %+v", v.Party)
	}
	owner := participantByPuuid(t, v.Party.Members, viewerPuuid)
	if !owner.PartyOwner || owner.Name != "Викинг#007" {
		t.Fatalf("owner = %+v", owner)
	}
	mate := participantByPuuid(t, v.Party.Members, matePuuid)
	if mate.Rank == nil || mate.Rank.Tier != 15 || mate.Rank.TierName != "Platinum 1" {
		t.Fatalf("mate.Rank = %+v", mate.Rank)
	}
	if n := f.up.callCount("updates"); n != 0 {
		t.Fatalf("лента запрошена %d раз для группы", n)
	}
}

func TestResolveNoneWhenIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.Stage != StageNone || v.Party != nil || v.Match != nil {
		t.Fatalf("view = %+v, want пустую стадию", v)
	}
	if v.Puuid != viewerPuuid {
		t.Fatalf("Puuid = %s", v.Puuid)
	}
}

func TestResolveProbeFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.up.failCoreProbe(errors.New("upstream down"))

	if _, err := f.svc.Resolve(context.Background(), testUserID, 0); err == nil {
		t.Fatal("ожидалась ошибка определителя состояния")
	}
}

func TestIngameTeamSplitAndTables(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.up.setCore("core-1", coreMatch(
		corePlayer(viewerPuuid, "Blue", "AGENT-JETT"),
		corePlayer(matePuuid, "Blue", "AGENT-SOVA"),
		corePlayer(enemyPuuid, "Red", "AGENT-JETT"),
		corePlayer(enemyPuuid2, "Red", "AGENT-SOVA"),
	))
	f.up.setNames(
		nameEntry(viewerPuuid, "Викинг", "007"),
		nameEntry(matePuuid, "Сова", "RU1"),
		nameEntry(enemyPuuid, "Щит", "EU2"),
		nameEntry(enemyPuuid2, "Меч", "EU3"),
	)

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m := v.Match
	if m.MapName != "Ascent" || m.ModeName != "Standard" {
		t.Fatalf("таблицы не применились: map %q mode %q", m.MapName, m.ModeName)
	}
	if len(m.Ally) != 2 || len(m.Enemy) != 2 {
		t.Fatalf("ally %d, enemy %d", len(m.Ally), len(m.Enemy))
	}
	for _, p := range m.Ally {
		if p.TeamID != "Blue" {
			t.Fatalf("в своей команде чужой: %+v", p)
		}
	}
	if ag := participantByPuuid(t, m.Ally, viewerPuuid).AgentName; ag != "Jett" {
		t.Fatalf("AgentName = %q, want Jett", ag)
	}
}

func TestIngameIncognitoAndHiddenLevel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	self := corePlayer(viewerPuuid, "Blue", "AGENT-JETT")
	self.PlayerIdentity = client.PlayerIdentity{Incognito: true, AccountLevel: 100, HideAccountLevel: true}
	mate := corePlayer(matePuuid, "Blue", "AGENT-SOVA")
	mate.PlayerIdentity = client.PlayerIdentity{Incognito: true, AccountLevel: 70}
	hidden := corePlayer(enemyPuuid, "Red", "")
	hidden.PlayerIdentity = client.PlayerIdentity{Incognito: true}
	open := corePlayer(enemyPuuid2, "Red", "AGENT-JETT")
	open.PlayerIdentity = client.PlayerIdentity{AccountLevel: 250, HideAccountLevel: true}
	f.up.setCore("core-1", coreMatch(self, mate, hidden, open))
	f.up.setNames(
		nameEntry(viewerPuuid, "Викинг", "007"),
		nameEntry(matePuuid, "Сова", "RU1"),
		nameEntry(enemyPuuid, "Щит", "EU2"),
		nameEntry(enemyPuuid2, "Меч", "EU3"),
	)

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	all := append(append([]Participant{}, v.Match.Ally...), v.Match.Enemy...)

	me := participantByPuuid(t, all, viewerPuuid)
	if me.Name != "Викинг#007" || me.AccountLevel != 100 {
		t.Fatalf("своя строка прикрыта: %+v", me)
	}
	masked := participantByPuuid(t, all, matePuuid)
	if masked.Name != "Sova" {
		t.Fatalf("инкогнито с агентом: Name = %q, want Sova", masked.Name)
	}
	anon := participantByPuuid(t, all, enemyPuuid)
	if anon.Name != "Player 3" {
		t.Fatalf("инкогнито без агента: Name = %q, want Player 3", anon.Name)
	}
	lvl := participantByPuuid(t, all, enemyPuuid2)
	if lvl.Name != "Меч#EU3" || lvl.AccountLevel != 0 || !lvl.LevelHidden {
		t.Fatalf("скрытый уровень: %+v", lvl)
	}
}

func TestRankFanOutAllSettled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.up.setCore("core-1", coreMatch(
		corePlayer(viewerPuuid, "Blue", "AGENT-JETT"),
		corePlayer(matePuuid, "Blue", "AGENT-SOVA"),
	))
	f.up.failMMR(matePuuid, errors.New("profile timeout"))

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p := participantByPuuid(t, v.Match.Ally, viewerPuuid); p.Rank == nil {
		t.Fatal("ранг наблюдателя потерян")
	}
	if p := participantByPuuid(t, v.Match.Ally, matePuuid); p.Rank != nil {
		t.Fatalf("ранг при отказе профиля: %+v", p.Rank)
	}
}

func TestNamesFailureFallsBackToAgents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.up.setCore("core-1", coreMatch(
		corePlayer(viewerPuuid, "Blue", "AGENT-JETT"),
		corePlayer(matePuuid, "Blue", ""),
	))
	f.up.failNames(errors.New("name service down"))

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p := participantByPuuid(t, v.Match.Ally, viewerPuuid); p.Name != "Jett" {
		t.Fatalf("Name = %q, want Jett", p.Name)
	}
	if p := participantByPuuid(t, v.Match.Ally, matePuuid); p.Name != "Player 2" {
		t.Fatalf("Name = %q, want Player 2", p.Name)
	}
}

func TestBuildRankCurrentAct(t *testing.T) {
	t.Parallel()
	mmr := mmrProfile(t, map[string]client.SeasonalInfo{
		"ep1a2": {SeasonID: "ep1a2", CompetitiveTier: 15, RankedRating: 37, NumberOfGames: 20, NumberOfWins: 13},
		"ep1a1": {SeasonID: "ep1a1", CompetitiveTier: 18, NumberOfGames: 30, NumberOfWins: 12},
	})

	r := buildRank(testSnapshot(), mmr, testNow)
	if r.Tier != 15 || r.TierName != "Platinum 1" || r.RR != 37 {
		t.Fatalf("текущий тир: %+v", r)
	}
	if r.Games != 20 || r.WinRate != 65 {
		t.Fatalf("итоги акта: games %d, winrate %d", r.Games, r.WinRate)
	}
	if r.PeakTier != 18 || r.PeakTierName != "Diamond 1" || r.PeakSeason != "EPISODE 1 ACT 1" {
		t.Fatalf("пик: %+v", r)
	}
	if r.UnrankedAct {
		t.Fatal("UnrankedAct при играх в идущем акте")
	}
}

func TestBuildRankUnrankedThisSeason(t *testing.T) {
	t.Parallel()
	mmr := mmrProfile(t, map[string]client.SeasonalInfo{
		"ep1a1": {SeasonID: "ep1a1", CompetitiveTier: 21, NumberOfGames: 40, NumberOfWins: 22},
	})

	r := buildRank(testSnapshot(), mmr, testNow)
	if !r.UnrankedAct {
		t.Fatal("UnrankedAct не отмечен")
	}
	if r.Tier != 0 || r.TierName != "UNRANKED" {
		t.Fatalf("текущий тир: %+v", r)
	}
	if r.PeakTier != 21 || r.PeakSeason != "EPISODE 1 ACT 1" {
		t.Fatalf("пик: %+v", r)
	}
	if r.Games != 40 || r.WinRate != 55 {
		t.Fatalf("итоги последнего сезона: games %d, winrate %d", r.Games, r.WinRate)
	}
}

func TestBuildRankFreshAccount(t *testing.T) {
	t.Parallel()
	r := buildRank(testSnapshot(), &client.MMRResponse{Subject: viewerPuuid}, testNow)
	if r.Tier != 0 || r.PeakTier != 0 || r.UnrankedAct || r.Games != 0 {
		t.Fatalf("пустой профиль: %+v", r)
	}
	if r.TierName != "UNRANKED" {
		t.Fatalf("TierName = %q", r.TierName)
	}
}

func TestLastMatchSharedRecordDedup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.up.setCore("core-1", coreMatch(
		corePlayer(viewerPuuid, "Blue", "AGENT-JETT"),
		corePlayer(matePuuid, "Blue", "AGENT-SOVA"),
		corePlayer(enemyPuuid, "Red", "AGENT-JETT"),
	))
	// наблюдатель и напарник играли прошлую игру друг против друга
	f.up.setUpdates(viewerPuuid, client.CompetitiveMatch{MatchID: "m-1"})
	f.up.setUpdates(matePuuid, client.CompetitiveMatch{MatchID: "m-1"})
	f.up.setUpdates(enemyPuuid, client.CompetitiveMatch{MatchID: "m-2"})
	m1 := &client.MatchDetailsResponse{
		Players: []client.MatchPlayer{
			{Subject: viewerPuuid, TeamID: "Blue"},
			{Subject: matePuuid, TeamID: "Red"},
		},
		Teams: []client.MatchTeam{
			{TeamID: "Blue", Won: true, RoundsWon: 13},
			{TeamID: "Red", RoundsWon: 7},
		},
	}
	m2 := &client.MatchDetailsResponse{
		Players: []client.MatchPlayer{{Subject: enemyPuuid, TeamID: "Red"}},
		Teams: []client.MatchTeam{
			{TeamID: "Blue", Won: true, RoundsWon: 13},
			{TeamID: "Red", RoundsWon: 11},
		},
	}
	f.up.setDetails("m-1", m1)
	f.up.setDetails("m-2", m2)

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n := f.up.callCount("details"); n != 2 {
		t.Fatalf("записей матчей запрошено %d, want 2", n)
	}
	all := append(append([]Participant{}, v.Match.Ally...), v.Match.Enemy...)
	if p := participantByPuuid(t, all, viewerPuuid); p.Last == nil || p.Last.AllyScore != 13 || p.Last.EnemyScore != 7 {
		t.Fatalf("счёт наблюдателя: %+v", p.Last)
	}
	if p := participantByPuuid(t, all, matePuuid); p.Last == nil || p.Last.AllyScore != 7 || p.Last.EnemyScore != 13 {
		t.Fatalf("счёт напарника из общей записи: %+v", p.Last)
	}
	if p := participantByPuuid(t, all, enemyPuuid); p.Last == nil || p.Last.AllyScore != 11 || p.Last.EnemyScore != 13 {
		t.Fatalf("счёт соперника: %+v", p.Last)
	}
}

func TestCustomGameSkipsLastMatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	core := coreMatch(corePlayer(viewerPuuid, "Blue", "AGENT-JETT"))
	core.ProvisioningFlow = "CustomGame"
	f.up.setCore("core-1", core)
	f.up.setUpdates(viewerPuuid, client.CompetitiveMatch{MatchID: "m-1"})

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n := f.up.callCount("updates"); n != 0 {
		t.Fatalf("лента запрошена %d раз в кастомной игре", n)
	}
	if p := participantByPuuid(t, v.Match.Ally, viewerPuuid); p.Last != nil {
		t.Fatalf("Last = %+v, want nil", p.Last)
	}
}

func TestPregameAllyOnlyWithTierFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pre := &client.PregameMatchResponse{
		ID:    "pre-1",
		MapID: "/Game/Maps/Ascent/Ascent",
		Mode:  "/Game/GameModes/Bomb/BombGameMode.BombGameMode_C",
	}
	pre.AllyTeam.TeamID = "Blue"
	pre.AllyTeam.Players = []client.PregameMatchPlayer{
		{Subject: viewerPuuid, CharacterID: "AGENT-JETT", CompetitiveTier: 15},
		{Subject: matePuuid, CompetitiveTier: 18},
	}
	f.up.setPregame("pre-1", pre)

	v, err := f.svc.Resolve(context.Background(), testUserID, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.Stage != StagePregame {
		t.Fatalf("Stage = %s", v.Stage)
	}
	if len(v.Match.Enemy) != 0 {
		t.Fatalf("на пике видна чужая команда: %+v", v.Match.Enemy)
	}
	if v.Match.MapName != "Ascent" {
		t.Fatalf("MapName = %q", v.Match.MapName)
	}
	// рейтинговый профиль пуст, тир приходит из записи пика
	mate := participantByPuuid(t, v.Match.Ally, matePuuid)
	if mate.Rank == nil || mate.Rank.Tier != 18 || mate.Rank.TierName != "Diamond 1" {
		t.Fatalf("тир из записи пика не применился: %+v", mate.Rank)
	}
}

// stepClock выдаёт паузы только по команде теста: каждый step отпускает
// ровно одну паузу наблюдателя.
type stepClock struct {
	now   time.Time
	steps chan struct{}
}

func newStepClock() *stepClock {
	return &stepClock{now: testNow, steps: make(chan struct{})}
}

func (c *stepClock) Now() time.Time                  { return c.now }
func (c *stepClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.steps:
		return nil
	}
}

func (c *stepClock) step(t *testing.T) {
	t.Helper()
	select {
	case c.steps <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("наблюдатель не дошёл до паузы")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("не дождались: %s", what)
}

type pollerFixture struct {
	p   *Poller
	up  *fakeUpstream
	clk *stepClock
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	up := newFakeUpstream()
	clk := newStepClock()
	svc := New(&fakeAuth{acc: testAccount()}, up, &fakeTables{snap: testSnapshot()}, clk)
	return &pollerFixture{p: NewPoller(svc), up: up, clk: clk}
}

func pregameStage() *client.PregameMatchResponse {
	pre := &client.PregameMatchResponse{ID: "pre-1"}
	pre.AllyTeam.TeamID = "Blue"
	pre.AllyTeam.Players = []client.PregameMatchPlayer{{Subject: viewerPuuid, CharacterID: "AGENT-JETT"}}
	return pre
}

func TestPollerUpgradesToIngame(t *testing.T) {
	t.Parallel()
	f := newPollerFixture(t)
	f.up.setPregame("pre-1", pregameStage())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *View, 1)
	f.p.Watch(ctx, testUserID, 0, func(v *View) { got <- v })

	f.clk.step(t)
	waitFor(t, "первый опрос", func() bool { return f.up.callCount("pregameMatch") >= 1 })
	f.up.setPregame("", nil)
	f.up.setCore("core-1", coreMatch(corePlayer(viewerPuuid, "Blue", "AGENT-JETT")))
	f.clk.step(t)

	select {
	case v := <-got:
		if v.Stage != StageIngame || v.Match == nil {
			t.Fatalf("upgrade view = %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("колбэк начала матча не вызван")
	}
	waitFor(t, "снятие наблюдения", func() bool { return f.p.Watching() == 0 })
}

func TestPollerCancelStopsWatch(t *testing.T) {
	t.Parallel()
	f := newPollerFixture(t)
	f.up.setPregame("pre-1", pregameStage())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *View, 1)
	f.p.Watch(ctx, testUserID, 0, func(v *View) { got <- v })

	f.clk.step(t)
	waitFor(t, "первый опрос", func() bool { return f.up.callCount("pregamePlayer") >= 1 })
	f.p.Cancel(testUserID)
	waitFor(t, "снятие наблюдения", func() bool { return f.p.Watching() == 0 })

	select {
	case v := <-got:
		t.Fatalf("колбэк после Cancel: %+v", v)
	default:
	}
}

func TestPollerStopsWhenMatchGone(t *testing.T) {
	t.Parallel()
	f := newPollerFixture(t)
	f.up.setPregame("pre-1", pregameStage())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *View, 1)
	f.p.Watch(ctx, testUserID, 0, func(v *View) { got <- v })

	f.clk.step(t)
	waitFor(t, "первый опрос", func() bool { return f.up.callCount("pregameMatch") >= 1 })
	f.up.setPregame("", nil)
	f.clk.step(t)

	waitFor(t, "снятие наблюдения", func() bool { return f.p.Watching() == 0 })
	select {
	case v := <-got:
		t.Fatalf("колбэк при отменённом пике: %+v", v)
	default:
	}
}

func TestPollerStopsOnExpiredCredentials(t *testing.T) {
	t.Parallel()
	up := newFakeUpstream()
	clk := newStepClock()
	svc := New(&fakeAuth{err: rerr.ErrInvalidCredentials}, up, &fakeTables{snap: testSnapshot()}, clk)
	p := NewPoller(svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *View, 1)
	p.Watch(ctx, testUserID, 0, func(v *View) { got <- v })

	clk.step(t)
	waitFor(t, "снятие наблюдения", func() bool { return p.Watching() == 0 })
	select {
	case v := <-got:
		t.Fatalf("колбэк при протухших токенах: %+v", v)
	default:
	}
}

func TestPollerRewatchReplacesPrevious(t *testing.T) {
	t.Parallel()
	f := newPollerFixture(t)
	f.up.setPregame("pre-1", pregameStage())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.p.Watch(ctx, testUserID, 0, func(*View) {})
	f.p.Watch(ctx, testUserID, 0, func(*View) {})
	if n := f.p.Watching(); n != 1 {
		t.Fatalf("Watching = %d, want 1", n)
	}
	f.p.Cancel(testUserID)
	waitFor(t, "снятие наблюдения", func() bool { return f.p.Watching() == 0 })
}
