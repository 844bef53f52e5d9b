package catalog

import (
	"testing"
	"time"
)

func TestLocalizedNameGet(t *testing.T) {
	t.Parallel()

	names := LocalizedName{
		"en-US": "Prime Vandal",
		"ru-RU": "Прайм Вандал",
	}

	cases := []struct {
		name   string
		locale string
		want   string
	}{
		{"exact locale", "ru-RU", "Прайм Вандал"},
		{"missing locale falls back to canonical", "de-DE", "Prime Vandal"},
		{"canonical locale", "en-US", "Prime Vandal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := names.Get(tc.locale); got != tc.want {
				t.Fatalf("Get(%q) = %q, want %q", tc.locale, got, tc.want)
			}
		})
	}
}

func TestLocalizedNameCanonicalWithoutEnglish(t *testing.T) {
	t.Parallel()

	names := LocalizedName{"ru-RU": "Фантом", "de-DE": "Phantom"}
	// Без en-US берётся первая локаль по алфавиту — выбор стабилен между вызовами.
	if got := names.Canonical(); got != "Phantom" {
		t.Fatalf("Canonical() = %q, want %q", got, "Phantom")
	}

	if got := (LocalizedName{}).Canonical(); got != "" {
		t.Fatalf("Canonical() on empty map = %q, want empty", got)
	}
}

func TestSnapshotModeByID(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		Modes: []GameMode{
			{UUID: "mode-bomb", Names: LocalizedName{"en-US": "Standard"}, AssetPath: "ShooterGame/Content/GameModes/Bomb/BombGameMode"},
			{UUID: "mode-deathmatch", Names: LocalizedName{"en-US": "Deathmatch"}, AssetPath: "ShooterGame/Content/GameModes/Deathmatch/DeathmatchGameMode"},
		},
	}

	mode, ok := snap.ModeByID("/Game/GameModes/Bomb/BombGameMode.BombGameMode_C")
	if !ok || mode.UUID != "mode-bomb" {
		t.Fatalf("ModeByID(bomb) = %+v, %v, want mode-bomb", mode, ok)
	}
	if _, ok := snap.ModeByID("/Game/GameModes/Swift/SwiftGameMode.SwiftGameMode_C"); ok {
		t.Fatalf("ModeByID matched a mode that is not in the table")
	}
	if _, ok := snap.ModeByID(""); ok {
		t.Fatalf("ModeByID(\"\") reported a match")
	}
}

func TestSnapshotMapByURL(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		Maps: []GameMap{
			{UUID: "map-ascent", Names: LocalizedName{"en-US": "Ascent"}, MapURL: "/Game/Maps/Ascent/Ascent"},
		},
	}

	m, ok := snap.MapByURL("/game/maps/ascent/ascent")
	if !ok || m.UUID != "map-ascent" {
		t.Fatalf("MapByURL is expected to match case-insensitively, got %+v, %v", m, ok)
	}
	if _, ok := snap.MapByURL("/Game/Maps/Bonsai/Bonsai"); ok {
		t.Fatalf("MapByURL matched an unknown map")
	}
}

func TestSnapshotCurrentAct(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		Seasons: []Season{
			{UUID: "episode-7", Names: LocalizedName{"en-US": "Episode 7"}, Start: start, End: end},
			{UUID: "act-2", Names: LocalizedName{"en-US": "Act II"}, Type: seasonTypeAct, Start: start, End: end, ParentUUID: "episode-7"},
		},
	}

	act, ok := snap.CurrentAct(start.Add(24 * time.Hour))
	if !ok || act.UUID != "act-2" {
		t.Fatalf("CurrentAct mid-season = %+v, %v, want act-2", act, ok)
	}
	// Конец акта — исключающая граница.
	if _, ok := snap.CurrentAct(end); ok {
		t.Fatalf("CurrentAct at the act end reported a running act")
	}
	if _, ok := snap.CurrentAct(start.Add(-time.Hour)); ok {
		t.Fatalf("CurrentAct before the act start reported a running act")
	}
}

func TestSnapshotNilReceiverLookups(t *testing.T) {
	t.Parallel()

	var snap *Snapshot
	if _, ok := snap.SkinByID("x"); ok {
		t.Fatalf("SkinByID on nil snapshot reported a hit")
	}
	if _, ok := snap.BundleByID("x"); ok {
		t.Fatalf("BundleByID on nil snapshot reported a hit")
	}
	if _, ok := snap.PriceOf("x"); ok {
		t.Fatalf("PriceOf on nil snapshot reported a hit")
	}
	if _, ok := snap.CurrentAct(time.Now()); ok {
		t.Fatalf("CurrentAct on nil snapshot reported a hit")
	}
	if got := snap.SearchSkins("phantom", "en-US", 5); got != nil {
		t.Fatalf("SearchSkins on nil snapshot = %v, want nil", got)
	}
}

func TestSnapshotPassBySeason(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{
		Passes: []BattlePass{
			{UUID: "pass-a2", Names: LocalizedName{"en-US": "Act II Pass"}, SeasonUUID: "act-2", Chapters: 10, Levels: 50},
		},
	}
	pass, ok := snap.PassBySeason("act-2")
	if !ok || pass.Levels != 50 {
		t.Fatalf("PassBySeason(act-2) = %+v, %v, want 50 levels", pass, ok)
	}
	if _, ok := snap.PassBySeason("act-3"); ok {
		t.Fatalf("PassBySeason matched an unknown season")
	}
}
