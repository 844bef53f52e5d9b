package debug

import (
	"testing"

	"valorant-skinbot/internal/domain/user"
)

func TestRedactedMasksEveryToken(t *testing.T) {
	t.Parallel()

	orig := &user.User{
		ID: "440000000000000001",
		Accounts: []*user.Account{{
			Puuid:    "puuid-1",
			Username: "Jett#EU1",
			Region:   "eu",
			Auth: &user.Auth{
				Cookies:                "ssid=secret-cookie",
				RefreshToken:           "secret-refresh",
				RefreshTokenObtainedAt: 1756100000,
				AccessToken:            "secret-access",
				IDToken:                "secret-id",
				EntitlementToken:       "secret-entitlement",
			},
		}},
		CurrentAccount: 1,
	}

	red := Redacted(orig)
	a := red.Accounts[0].Auth
	for name, got := range map[string]string{
		"cookies":     a.Cookies,
		"refresh":     a.RefreshToken,
		"access":      a.AccessToken,
		"id":          a.IDToken,
		"entitlement": a.EntitlementToken,
	} {
		if got != masked {
			t.Fatalf("поле %s не замаскировано: %q", name, got)
		}
	}
	// Не-секретные поля сохраняются как есть.
	if a.RefreshTokenObtainedAt != 1756100000 {
		t.Fatalf("метка времени искажена: %d", a.RefreshTokenObtainedAt)
	}

	// Оригинал не тронут: маскируется только копия.
	if orig.Accounts[0].Auth.RefreshToken != "secret-refresh" {
		t.Fatal("редактирование затронуло оригинал")
	}
}

func TestRedactedKeepsEmptyFieldsEmpty(t *testing.T) {
	t.Parallel()

	orig := &user.User{
		ID: "440000000000000002",
		Accounts: []*user.Account{
			{Puuid: "p1", Username: "NoAuth#NA1", Auth: nil},
			{Puuid: "p2", Username: "CookieOnly#NA1", Auth: &user.Auth{Cookies: "jar"}},
		},
	}

	red := Redacted(orig)
	if red.Accounts[0].Auth != nil {
		t.Fatal("nil Auth должен остаться nil")
	}
	second := red.Accounts[1].Auth
	if second.Cookies != masked {
		t.Fatalf("cookies не замаскированы: %q", second.Cookies)
	}
	if second.RefreshToken != "" || second.AccessToken != "" {
		t.Fatal("пустые поля не должны получать маску")
	}
}

func TestRedactedNil(t *testing.T) {
	t.Parallel()

	if Redacted(nil) != nil {
		t.Fatal("nil пользователь должен давать nil")
	}
}
