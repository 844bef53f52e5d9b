package config

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeRuntimeDefaults(t *testing.T) {
	t.Parallel()

	rc, warns := normalizeRuntime(runtimeFile{})

	if rc.Shards != "auto" {
		t.Fatalf("Shards = %q, want %q", rc.Shards, "auto")
	}
	if rc.MaxAccountsPerUser != 5 {
		t.Fatalf("MaxAccountsPerUser = %d, want 5", rc.MaxAccountsPerUser)
	}
	if rc.DelayBetweenAlerts != 5*time.Second {
		t.Fatalf("DelayBetweenAlerts = %v, want 5s", rc.DelayBetweenAlerts)
	}
	if rc.TokenRefreshBuffer != 10*time.Minute {
		t.Fatalf("TokenRefreshBuffer = %v, want 10m", rc.TokenRefreshBuffer)
	}
	// Дефолтно-включённые тумблеры должны подняться и на пустом файле.
	if !rc.UseShopCache || !rc.AutoRefreshTokens || !rc.DeferInteractions || !rc.TrackStoreStats {
		t.Fatalf("default-on toggles lost: %+v", rc)
	}
	if rc.UseLoginQueue || rc.MaintenanceMode {
		t.Fatalf("default-off toggles raised: %+v", rc)
	}
	if len(warns) == 0 {
		t.Fatal("expected warnings for empty runtime file")
	}
}

func TestNormalizeRuntimeExplicitOff(t *testing.T) {
	t.Parallel()

	no := false
	rc, _ := normalizeRuntime(runtimeFile{UseShopCache: &no, AutoRefreshTokens: &no})

	if rc.UseShopCache {
		t.Fatal("UseShopCache: explicit false overridden by default")
	}
	if rc.AutoRefreshTokens {
		t.Fatal("AutoRefreshTokens: explicit false overridden by default")
	}
}

func TestNormalizeRuntimeBadValues(t *testing.T) {
	t.Parallel()

	rc, warns := normalizeRuntime(runtimeFile{
		DelayBetweenAlerts: "soon",
		AlertConcurrency:   -3,
	})

	if rc.DelayBetweenAlerts != 5*time.Second {
		t.Fatalf("DelayBetweenAlerts = %v, want default 5s", rc.DelayBetweenAlerts)
	}
	if rc.AlertConcurrency != 1 {
		t.Fatalf("AlertConcurrency = %d, want default 1", rc.AlertConcurrency)
	}

	joined := strings.Join(warns, "\n")
	if !strings.Contains(joined, "delayBetweenAlerts") || !strings.Contains(joined, "alertConcurrency") {
		t.Fatalf("warnings missing offending keys: %v", warns)
	}
}

func TestNormalizeRuntimeDayDurations(t *testing.T) {
	t.Parallel()

	rc, _ := normalizeRuntime(runtimeFile{CareerCacheExpiration: "2d"})
	if rc.CareerCacheExpiration != 48*time.Hour {
		t.Fatalf("CareerCacheExpiration = %v, want 48h", rc.CareerCacheExpiration)
	}
}

func TestSetRuntimeKeyRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown key", key: "noSuchKey", value: "1"},
		{name: "int key gets text", key: "maxAccountsPerUser", value: "many"},
		{name: "bool key gets number", key: "useLoginQueue", value: "2"},
		{name: "duration key gets garbage", key: "rateLimitCap", value: "soon"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := SetRuntimeKey(tc.key, tc.value); err == nil {
				t.Fatalf("SetRuntimeKey(%q, %q) = nil, want error", tc.key, tc.value)
			}
		})
	}
}
