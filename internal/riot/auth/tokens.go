package auth

import (
	"net/url"
	"strings"
	"time"

	"valorant-skinbot/internal/riot/rerr"

	"github.com/go-faster/errors"
	jwt "github.com/golang-jwt/jwt/v5"
)

// tokenRemaining читает срок действия access-токена из exp-клейма. Подпись
// не проверяется: токен для нас непрозрачен, интересен только срок жизни.
// false — срок извлечь не удалось, токен считается истёкшим.
func tokenRemaining(token string, now time.Time) (time.Duration, bool) {
	if token == "" {
		return 0, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return 0, false
	}
	if claims.ExpiresAt == nil {
		return 0, false
	}
	return claims.ExpiresAt.Time.Sub(now), true
}

// tokensFromRedirect разбирает URL-фрагмент конечного редиректа авторизации.
// Редирект без access-токена означает отвергнутые cookie. Содержимое
// редиректа в тексты ошибок не попадает: во фрагменте лежат сами токены.
func tokensFromRedirect(location string) (access, idToken string, err error) {
	if location == "" {
		return "", "", errors.Wrap(rerr.ErrInvalidCredentials, "reauthorize response has no redirect")
	}
	u, perr := url.Parse(location)
	if perr != nil {
		return "", "", errors.Wrap(rerr.ErrInvalidCredentials, "malformed reauthorize redirect")
	}
	vals, perr := url.ParseQuery(u.Fragment)
	if perr != nil {
		return "", "", errors.Wrap(rerr.ErrInvalidCredentials, "malformed reauthorize redirect")
	}
	access = vals.Get("access_token")
	if access == "" {
		return "", "", errors.Wrap(rerr.ErrInvalidCredentials, "reauthorize redirect carries no tokens")
	}
	return access, vals.Get("id_token"), nil
}

// codeFromCallback достаёт параметр code из callback-URL авторизации.
// Сам URL в тексты ошибок не попадает.
func codeFromCallback(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.Wrap(rerr.ErrInvalidCredentials, "malformed callback url")
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", errors.Wrap(rerr.ErrInvalidCredentials, "callback url carries no code")
	}
	return code, nil
}

// mergeCookies вливает заголовки Set-Cookie в сериализованный cookie-джар:
// совпавшие по имени значения заменяются (апстрим ротирует ssid), новые
// дописываются, порядок первых появлений сохраняется.
func mergeCookies(jar string, setCookies []string) string {
	var order []string
	vals := map[string]string{}
	add := func(pair string) {
		pair = strings.TrimSpace(pair)
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return
		}
		if _, seen := vals[k]; !seen {
			order = append(order, k)
		}
		vals[k] = v
	}
	for _, pair := range strings.Split(jar, ";") {
		add(pair)
	}
	for _, sc := range setCookies {
		head, _, _ := strings.Cut(sc, ";")
		add(head)
	}
	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, k+"="+vals[k])
	}
	return strings.Join(parts, "; ")
}
