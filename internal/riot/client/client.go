// Пакет client — единственная дверь к апстриму. Через него проходят все
// запросы: аутентификация, player-data, live-узлы и статический каталог.
// Обязанности:
//   - пул соединений с прижатым TLS (минимум 1.3, явный порядок кривых);
//   - гейт лимитов до каждого запроса и запись блока после 429;
//   - сглаживание всплесков per-host лимитером ниже потолка пула;
//   - единая точка превращения ответов в таксономию ошибок rerr;
//   - заголовки платформы и версии клиента (версия обновляется по расписанию
//     и разъезжается по шардам шиной).
//
// Никакой компонент не ходит в апстрим мимо этого пакета.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/ratelimit"
	"valorant-skinbot/internal/riot/rerr"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"
)

const (
	// maxConnsPerHost ограничивает и пул, и burst per-host лимитера.
	maxConnsPerHost = 10
	// requestTimeout — верхняя граница на весь запрос; дедлайны вызывающих
	// контекстов могут быть короче.
	requestTimeout = 30 * time.Second
	// perHostInterval — межзапросный интервал сглаживания (8 rps на хост).
	perHostInterval = 125 * time.Millisecond
	// maxResponseBytes — предохранитель от бесконечных тел; каталожные
	// таблицы укладываются с запасом.
	maxResponseBytes = 32 << 20
)

// AuthHeaders — пара токенов для авторизованных запросов к player-data и
// live-узлам. Значения в логи не попадают.
type AuthHeaders struct {
	AccessToken      string
	EntitlementToken string
}

// Client — HTTP-клиент апстрима с гейтом лимитов и версионными заголовками.
type Client struct {
	follow     *http.Client // обычный режим
	noRedirect *http.Client // реавторизация: редирект — это и есть ответ
	gate       *ratelimit.Gate

	version versionState

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New собирает клиент поверх гейта лимитов. Гейт обязателен: обход гейта —
// прямой путь к бану всего пула адресов.
func New(gate *ratelimit.Gate) *Client {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519, tls.CurveP256, tls.CurveP384, tls.CurveP521,
		},
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
	}
	return &Client{
		follow: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		noRedirect: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		gate:     gate,
		limiters: make(map[string]*rate.Limiter),
	}
}

// request — описание одного запроса к апстриму.
type request struct {
	op     string // имя операции для ошибок и логов
	method string
	url    string

	body any        // JSON-тело (сериализуется); исключает form
	form url.Values // форма токен-эндпоинта; исключает body

	header http.Header  // дополнительные заголовки (Cookie, Authorization)
	auth   *AuthHeaders // Bearer + entitlements + платформа/версия

	noFollow bool // не ходить по редиректам; 3xx считается успехом
	out      any  // куда декодировать JSON успешного ответа
}

// do выполняет запрос: гейт → лимитер → отправка → классификация ответа.
// Возвращает ответ с уже прочитанным и закрытым телом (для доступа к
// заголовкам) и сырые байты тела.
func (c *Client) do(ctx context.Context, r request) (*http.Response, []byte, error) {
	u, err := url.Parse(r.url)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: parse url", r.op)
	}
	host := u.Host

	// Гейт до отправки: горячий хост не получает ни одного запроса.
	if retryAt, limited := c.gate.Check(ctx, host); limited {
		return nil, nil, rerr.RateLimited(retryAt)
	}
	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil, nil, err
	}

	var bodyReader io.Reader
	contentType := ""
	switch {
	case r.form != nil:
		bodyReader = strings.NewReader(r.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.body != nil:
		payload, err := json.Marshal(r.body)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s: encode body", r.op)
		}
		bodyReader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, bodyReader)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: build request", r.op)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if ua := c.version.userAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.auth != nil {
		if r.auth.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+r.auth.AccessToken)
		}
		if r.auth.EntitlementToken != "" {
			req.Header.Set("X-Riot-Entitlements-JWT", r.auth.EntitlementToken)
		}
		req.Header.Set("X-Riot-ClientPlatform", clientPlatform)
		if v := c.version.clientVersion(); v != "" {
			req.Header.Set("X-Riot-ClientVersion", v)
		}
	}

	hc := c.follow
	if r.noFollow {
		hc = c.noRedirect
	}
	if config.Runtime().LogURLs {
		logger.Debugf("upstream: %s %s %s", r.op, r.method, r.url)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, rerr.Transport(r.op, err)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, rerr.Transport(r.op, errors.Wrap(err, "read body"))
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		retryAt := c.gate.RetryAtFrom(host, resp)
		c.gate.Record(ctx, host, retryAt)
		return resp, raw, rerr.RateLimited(retryAt)
	case status >= 200 && status < 300,
		r.noFollow && status >= 300 && status < 400:
		c.gate.Succeeded(host)
	default:
		return resp, raw, decodeError(r.op, status, raw)
	}

	if r.out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, r.out); err != nil {
			logger.Debugf("upstream: %s: malformed body (%d bytes)", r.op, len(raw))
			return resp, raw, rerr.Transport(r.op, errors.Wrap(err, "decode response"))
		}
	}
	return resp, raw, nil
}

// limiter возвращает сглаживающий лимитер хоста, создавая при первом обращении.
func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(perHostInterval), maxConnsPerHost)
		c.limiters[host] = l
	}
	return l
}

// upstreamError — стандартная форма тела ошибки player-data узлов.
type upstreamError struct {
	HTTPStatus int    `json:"httpStatus"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
}

// oauthError — форма ошибки токен-эндпоинта.
type oauthError struct {
	Error string `json:"error"`
}

// decodeError — единственное место превращения неуспешного ответа в
// таксономию rerr. Сначала смотрим машинные коды в теле, затем статус.
func decodeError(op string, status int, body []byte) error {
	var ue upstreamError
	if err := json.Unmarshal(body, &ue); err == nil && ue.ErrorCode != "" {
		switch ue.ErrorCode {
		case "SCHEDULED_DOWNTIME", "PLATFORM_DOWNTIME":
			return errors.Wrap(rerr.ErrMaintenance, op)
		case "BAD_CLAIMS", "CREDENTIALS_EXPIRED", "INVALID_AUTHORIZATION", "AUTHENTICATION_ERROR":
			return errors.Wrap(rerr.ErrInvalidCredentials, op)
		case "RESOURCE_NOT_FOUND", "MATCH_NOT_FOUND", "PLAYER_DOES_NOT_EXIST":
			return errors.Wrap(rerr.ErrNotFound, op)
		}
	}
	var oe oauthError
	if err := json.Unmarshal(body, &oe); err == nil {
		switch oe.Error {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return errors.Wrap(rerr.ErrInvalidCredentials, op)
		}
	}

	switch {
	case status == http.StatusUnauthorized:
		return errors.Wrap(rerr.ErrInvalidCredentials, op)
	case status == http.StatusNotFound:
		return errors.Wrap(rerr.ErrNotFound, op)
	case status == http.StatusForbidden:
		// Сюда доходит только 403 без машинного кода — пограничный фаервол
		// отвечает HTML-страницей.
		return errors.Wrap(rerr.ErrBlocked, op)
	case status >= 500:
		return rerr.Transport(op, errors.Errorf("upstream status %d", status))
	}
	return errors.Errorf("%s: unexpected status %d", op, status)
}
