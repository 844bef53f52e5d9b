// Package auth ведёт жизненный цикл токенов привязанных аккаунтов: проверку
// срока действия, обновление по refresh-токену с запасным cookie-путём и
// обмен cookie-джара либо кода авторизации на новую привязку.
//
// Операции входа могут сериализоваться кластерно (useLoginQueue): элементы
// очереди идут через разделяемое хранилище, разбирает её в один момент
// времени ровно один шард. При недоступном хранилище операции выполняются
// напрямую.
//
// Значения токенов и cookie не попадают ни в логи, ни в тексты ошибок.
package auth

import (
	"context"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/sharedstore"
	"valorant-skinbot/internal/riot/client"
	"valorant-skinbot/internal/riot/rerr"
	"valorant-skinbot/internal/storage/users"

	"github.com/go-faster/errors"
)

// upstream — подмножество операций riot-клиента, занятых в обмене токенов.
type upstream interface {
	Reauthorize(ctx context.Context, cookies string) (client.ReauthorizeResult, error)
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (client.TokenResponse, error)
	ExchangeAuthCode(ctx context.Context, code string) (client.TokenResponse, error)
	Userinfo(ctx context.Context, accessToken string) (client.UserinfoResponse, error)
	EntitlementToken(ctx context.Context, accessToken string) (string, error)
	PlayerRegion(ctx context.Context, idToken string) (string, error)
}

// Service — ядро аутентификации. Потокобезопасен; конкурентные обновления
// одного аккаунта не случаются, потому что команды пользователя привязаны
// к его шарду.
type Service struct {
	users  *users.Store
	up     upstream
	shared *sharedstore.Store
	clk    clock.Clock
}

// New собирает ядро аутентификации. shared может быть nil — очередь логинов
// тогда не используется, nil clk означает системные часы.
func New(store *users.Store, cl *client.Client, shared *sharedstore.Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	return &Service{users: store, up: cl, shared: shared, clk: clk}
}

// Headers собирает заголовки авторизации апстрима из сохранённых токенов.
func Headers(a *user.Account) client.AuthHeaders {
	if a == nil || a.Auth == nil {
		return client.AuthHeaders{}
	}
	return client.AuthHeaders{
		AccessToken:      a.Auth.AccessToken,
		EntitlementToken: a.Auth.EntitlementToken,
	}
}

// AuthUser гарантирует аккаунту годный access-токен: либо сохранённый ещё
// жив, либо пара обновляется и сохраняется. accountIdx — 1-based номер
// аккаунта, 0 означает текущий. Возвращает аккаунт со свежим Auth.
func (s *Service) AuthUser(ctx context.Context, id user.UserID, accountIdx int) (*user.Account, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.Wrapf(rerr.ErrNotRegistered, "user %s", id)
	}
	if accountIdx == 0 {
		accountIdx = u.CurrentAccountIndex()
	}
	acc := u.Account(accountIdx)
	if acc == nil {
		return nil, errors.Wrapf(rerr.ErrNotRegistered, "user %s has no account #%d", id, accountIdx)
	}
	if err := s.ensureFreshAuth(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// DeleteUserAuth выводит аккаунт из системы: Auth обнуляется, аккаунт и его
// оповещения остаются. Идемпотентен.
func (s *Service) DeleteUserAuth(ctx context.Context, acc *user.Account) error {
	if acc == nil {
		return nil
	}
	acc.Auth = nil
	if err := s.users.UpdateAccountAuth(ctx, acc.Puuid, nil); err != nil {
		if errors.Is(err, users.ErrAccountNotFound) {
			return nil
		}
		return errors.Wrapf(err, "clear auth of %s", acc.Puuid)
	}
	return nil
}

// ensureFreshAuth отвечает на вопрос «можно ли прямо сейчас идти в апстрим
// с сохранёнными токенами» и при необходимости запускает обновление.
func (s *Service) ensureFreshAuth(ctx context.Context, acc *user.Account) error {
	if acc.Auth == nil {
		return errors.Wrapf(rerr.ErrInvalidCredentials, "account %s has no stored login", acc.Puuid)
	}
	cfg := config.Runtime()
	// При выключенном autoRefreshTokens токен живёт до фактического
	// истечения, буфер упреждающего обновления не применяется.
	buffer := cfg.TokenRefreshBuffer
	if !cfg.AutoRefreshTokens {
		buffer = 0
	}
	remaining, ok := tokenRemaining(acc.Auth.AccessToken, s.clk.Now())
	if ok && remaining > buffer && acc.Auth.EntitlementToken != "" {
		return nil
	}
	return s.refreshAuth(ctx, acc)
}

// refreshAuth добывает свежую пару токенов всеми доступными путями и
// сохраняет результат. Терминальная неудача обнуляет Auth; аккаунт и
// оповещения остаются.
func (s *Service) refreshAuth(ctx context.Context, acc *user.Account) error {
	refreshRejected := false
	if acc.Auth.HasRefreshToken() {
		next, err := s.refreshViaRefreshToken(ctx, acc.Auth)
		switch {
		case err == nil:
			acc.Auth = next
			return s.persistAuth(ctx, acc)
		case errors.Is(err, rerr.ErrInvalidCredentials):
			// Отвергнутый апстримом refresh-токен вычищается сразу, даже
			// если cookie-путь ниже сработает: повторять его безнадёжно.
			acc.Auth.RefreshToken = ""
			acc.Auth.RefreshTokenObtainedAt = 0
			refreshRejected = true
		default:
			return err
		}
	}
	if acc.Auth.HasCookies() {
		next, err := s.refreshViaCookies(ctx, acc.Auth)
		switch {
		case err == nil:
			acc.Auth = next
			return s.persistAuth(ctx, acc)
		case errors.Is(err, rerr.ErrInvalidCredentials):
			// Оба пути исчерпаны, ниже терминальная ветка.
		default:
			if refreshRejected {
				// Вычищенный refresh-токен фиксируется и при временном сбое
				// cookie-пути: следующая попытка не должна его повторять.
				if perr := s.persistAuth(ctx, acc); perr != nil {
					logger.Warnf("auth: аккаунт %s: вычищенный refresh-токен не сохранён: %v", acc.Puuid, perr)
				}
			}
			return err
		}
	}
	acc.Auth = nil
	if err := s.users.UpdateAccountAuth(ctx, acc.Puuid, nil); err != nil && !errors.Is(err, users.ErrAccountNotFound) {
		logger.Warnf("auth: аккаунт %s: не удалось обнулить данные входа: %v", acc.Puuid, err)
	}
	logger.Infof("auth: у аккаунта %s истекли данные входа", acc.Puuid)
	return errors.Wrap(rerr.ErrInvalidCredentials, "refresh paths exhausted")
}

// refreshViaRefreshToken обменивает refresh-токен на свежую пару. Ротация
// refresh-токена фиксируется вместе с моментом получения.
func (s *Service) refreshViaRefreshToken(ctx context.Context, auth *user.Auth) (*user.Auth, error) {
	tr, err := s.up.ExchangeRefreshToken(ctx, auth.RefreshToken)
	if err != nil {
		return nil, err
	}
	next := auth.Clone()
	next.AccessToken = tr.AccessToken
	next.IDToken = tr.IDToken
	if tr.RefreshToken != "" && tr.RefreshToken != next.RefreshToken {
		next.RefreshToken = tr.RefreshToken
		next.RefreshTokenObtainedAt = s.clk.Now().Unix()
	}
	ent, err := s.up.EntitlementToken(ctx, next.AccessToken)
	if err != nil {
		return nil, err
	}
	next.EntitlementToken = ent
	return next, nil
}

// refreshViaCookies повторяет авторизацию по cookie-джару. Обновлённые
// Set-Cookie вливаются в джар: апстрим ротирует ssid при каждом заходе.
func (s *Service) refreshViaCookies(ctx context.Context, auth *user.Auth) (*user.Auth, error) {
	res, err := s.up.Reauthorize(ctx, auth.Cookies)
	if err != nil {
		return nil, err
	}
	access, idTok, err := tokensFromRedirect(res.Location)
	if err != nil {
		return nil, err
	}
	next := auth.Clone()
	next.Cookies = mergeCookies(auth.Cookies, res.SetCookies)
	next.AccessToken = access
	next.IDToken = idTok
	ent, err := s.up.EntitlementToken(ctx, access)
	if err != nil {
		return nil, err
	}
	next.EntitlementToken = ent
	return next, nil
}

func (s *Service) persistAuth(ctx context.Context, acc *user.Account) error {
	if err := s.users.UpdateAccountAuth(ctx, acc.Puuid, acc.Auth); err != nil {
		return errors.Wrapf(err, "persist tokens of %s", acc.Puuid)
	}
	logger.Debugf("auth: аккаунт %s получил свежие токены", acc.Puuid)
	return nil
}

// redeemCookiesDirect — прямое исполнение входа по cookie-джару.
func (s *Service) redeemCookiesDirect(ctx context.Context, id user.UserID, cookies string) (*user.Account, error) {
	res, err := s.up.Reauthorize(ctx, cookies)
	if err != nil {
		return nil, err
	}
	access, idTok, err := tokensFromRedirect(res.Location)
	if err != nil {
		return nil, err
	}
	auth := &user.Auth{
		Cookies:     mergeCookies(cookies, res.SetCookies),
		AccessToken: access,
		IDToken:     idTok,
	}
	return s.finishLogin(ctx, id, auth)
}

// redeemCodeDirect — прямое исполнение входа по callback-URL с кодом.
func (s *Service) redeemCodeDirect(ctx context.Context, id user.UserID, callbackURL string) (*user.Account, error) {
	code, err := codeFromCallback(callbackURL)
	if err != nil {
		return nil, err
	}
	tr, err := s.up.ExchangeAuthCode(ctx, code)
	if err != nil {
		return nil, err
	}
	auth := &user.Auth{
		RefreshToken:           tr.RefreshToken,
		RefreshTokenObtainedAt: s.clk.Now().Unix(),
		AccessToken:            tr.AccessToken,
		IDToken:                tr.IDToken,
	}
	return s.finishLogin(ctx, id, auth)
}

// finishLogin доводит свежую пару токенов до привязки: паспорт аккаунта,
// регион, entitlement-токен, создание либо обновление записи пользователя.
func (s *Service) finishLogin(ctx context.Context, id user.UserID, auth *user.Auth) (*user.Account, error) {
	ui, err := s.up.Userinfo(ctx, auth.AccessToken)
	if err != nil {
		return nil, err
	}
	region, err := s.up.PlayerRegion(ctx, auth.IDToken)
	if err != nil {
		return nil, err
	}
	ent, err := s.up.EntitlementToken(ctx, auth.AccessToken)
	if err != nil {
		return nil, err
	}
	auth.EntitlementToken = ent

	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = &user.User{ID: id}
	}
	acc := &user.Account{
		Puuid:    user.Puuid(ui.Sub),
		Username: riotID(ui),
		Region:   region,
		Auth:     auth,
	}
	if _, existing := u.AccountByPuuid(acc.Puuid); existing != nil {
		// Повторный вход в уже привязанный аккаунт: оповещения и отметки
		// сохраняются, страйки и маркер протухших данных снимаются.
		acc.Alerts = existing.Alerts
		acc.LastFetchedData = existing.LastFetchedData
		acc.LastSawEasterEgg = existing.LastSawEasterEgg
		if existing.Auth != nil {
			// Второй вариант входа не затирается: cookie-джар и
			// refresh-токен живут независимо, запасной путь остаётся.
			if auth.Cookies == "" {
				auth.Cookies = existing.Auth.Cookies
			}
			if auth.RefreshToken == "" {
				auth.RefreshToken = existing.Auth.RefreshToken
				auth.RefreshTokenObtainedAt = existing.Auth.RefreshTokenObtainedAt
			}
		}
	} else if len(u.Accounts) >= config.Runtime().MaxAccountsPerUser {
		return nil, &rerr.TooManyAccountsError{Cap: config.Runtime().MaxAccountsPerUser}
	}
	u.UpsertAccount(acc)
	if err := s.users.SaveUser(ctx, u); err != nil {
		return nil, errors.Wrapf(err, "save user %s after login", id)
	}
	logger.Infof("auth: пользователь %s привязал аккаунт %s (%s)", id, acc.Puuid, region)
	return acc, nil
}

// riotID собирает видимое имя из паспорта. Пустое имя допустимо: апстрим
// отдаёт его до первого входа в игру.
func riotID(ui client.UserinfoResponse) string {
	if ui.Acct.GameName == "" {
		return ""
	}
	return ui.Acct.GameName + "#" + ui.Acct.TagLine
}
