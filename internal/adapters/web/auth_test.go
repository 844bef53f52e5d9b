package web

import (
	"testing"
	"time"
)

func TestTokenMatches(t *testing.T) {
	t.Parallel()

	am := NewAuthManager("op-secret", time.Hour)
	if !am.TokenMatches("op-secret") {
		t.Fatal("valid token rejected")
	}
	if am.TokenMatches("wrong") {
		t.Fatal("wrong token accepted")
	}
	if am.TokenMatches("") {
		t.Fatal("empty token accepted")
	}

	// Без настроенного операторского токена не совпадает ничего.
	bare := NewAuthManager("", time.Hour)
	if bare.TokenMatches("") || bare.TokenMatches("op-secret") {
		t.Fatal("manager without token must reject everything")
	}
}

func TestValidateTokenCreatesWorkingSession(t *testing.T) {
	t.Parallel()

	am := NewAuthManager("op-secret", time.Hour)

	if _, ok := am.ValidateToken("wrong"); ok {
		t.Fatal("wrong token produced a session")
	}

	sid, ok := am.ValidateToken("op-secret")
	if !ok || sid == "" {
		t.Fatalf("ValidateToken: ok=%t sid=%q", ok, sid)
	}
	if !am.ValidateSession(sid) {
		t.Fatal("fresh session rejected")
	}
	if am.ValidateSession("no-such-session") {
		t.Fatal("unknown session accepted")
	}
}

func TestExpiredSessionIsDropped(t *testing.T) {
	t.Parallel()

	am := NewAuthManager("op-secret", time.Nanosecond)
	sid, ok := am.ValidateToken("op-secret")
	if !ok {
		t.Fatal("ValidateToken failed")
	}

	time.Sleep(time.Millisecond)
	if am.ValidateSession(sid) {
		t.Fatal("expired session accepted")
	}
	// Истёкшая сессия удаляется при первой же проверке.
	if len(am.sessions) != 0 {
		t.Fatalf("sessions after expiry = %d", len(am.sessions))
	}
}

func TestCleanExpiredSessions(t *testing.T) {
	t.Parallel()

	am := NewAuthManager("op-secret", time.Nanosecond)
	for range 3 {
		if _, ok := am.ValidateToken("op-secret"); !ok {
			t.Fatal("ValidateToken failed")
		}
	}

	time.Sleep(time.Millisecond)
	am.CleanExpiredSessions()
	if len(am.sessions) != 0 {
		t.Fatalf("sessions after cleanup = %d", len(am.sessions))
	}

	// Живые сессии очистку переживают.
	longLived := NewAuthManager("op-secret", time.Hour)
	sid, _ := longLived.ValidateToken("op-secret")
	longLived.CleanExpiredSessions()
	if !longLived.ValidateSession(sid) {
		t.Fatal("live session removed by cleanup")
	}
}

func TestInvalidateSession(t *testing.T) {
	t.Parallel()

	am := NewAuthManager("op-secret", time.Hour)
	sid, _ := am.ValidateToken("op-secret")

	am.InvalidateSession(sid)
	if am.ValidateSession(sid) {
		t.Fatal("invalidated session accepted")
	}
}
