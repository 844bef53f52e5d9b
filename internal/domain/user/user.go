// Package user — доменные модели привязанных игровых аккаунтов.
// Пользователь чат-платформы владеет упорядоченным списком аккаунтов Riot,
// у каждого аккаунта — свои токены и набор оповещений о скинах. Здесь же
// функции глубокого клонирования: снимки из кэша чтения не должны разделять
// память с состоянием, которое мутирует хранилище.
package user

import (
	"encoding/json"

	"valorant-skinbot/internal/shared"
)

// Идентификаторы внешних систем. Снежинки чат-платформы и UUID'ы Riot
// держим строками: арифметика над ними не нужна нигде, кроме шардирования,
// а строковая форма совпадает с проводной.
type (
	// UserID — снежинка пользователя чат-платформы.
	UserID string
	// Puuid — идентификатор игрока на стороне Riot.
	Puuid string
	// ItemID — идентификатор предмета каталога (скин, бандл).
	ItemID string
	// ChannelID — снежинка канала доставки уведомлений.
	ChannelID string
)

// User — корень агрегата: аккаунты, номер текущего и настройки.
// Создаётся первым успешным логином, умирает с последним аккаунтом.
type User struct {
	ID UserID `json:"id"`
	// Accounts упорядочен; позиции аккаунтов видны пользователю как номера 1..N.
	Accounts []*Account `json:"accounts"`
	// CurrentAccount — 1-based номер активного аккаунта.
	CurrentAccount int      `json:"current_account"`
	Settings       Settings `json:"settings"`
}

// Account — один привязанный аккаунт Riot.
type Account struct {
	Puuid    Puuid  `json:"puuid"`
	Username string `json:"username"`
	Region   string `json:"region"`
	// Auth отсутствует (nil) после выхода или после исчерпания страйков;
	// оповещения при этом сохраняются.
	Auth   *Auth   `json:"auth,omitempty"`
	Alerts []Alert `json:"alerts"`
	// AuthFailures — подряд идущие неудачи обновления токена, не больше
	// authFailureStrikes.
	AuthFailures int `json:"auth_failures"`
	// LastFetchedData — unix-метка последнего успешного похода за витриной.
	LastFetchedData int64 `json:"last_fetched_data"`
	// LastNoticeSeen — маркер последнего служебного уведомления (например,
	// о протухших учётных данных), чтобы не повторять его между запусками.
	LastNoticeSeen   string `json:"last_notice_seen,omitempty"`
	LastSawEasterEgg int64  `json:"last_saw_easter_egg,omitempty"`
}

// Auth — токены аккаунта. Заполнен хотя бы один из вариантов: cookie-джар
// либо refresh-токен; оба умеют порождать свежие access-токены. При наличии
// обоих предпочитается refresh-токен, cookie-путь остаётся запасным.
// Значения токенов в логи не попадают никогда.
type Auth struct {
	// Cookies — сериализованный в строку заголовка cookie-джар (cookie-вариант).
	Cookies string `json:"cookies,omitempty"`
	// RefreshToken и момент его получения (code-вариант). Токен может
	// ротироваться при каждом обмене.
	RefreshToken           string `json:"refresh_token,omitempty"`
	RefreshTokenObtainedAt int64  `json:"refresh_token_obtained_at,omitempty"`

	// Общие поля обоих вариантов.
	AccessToken      string `json:"access_token,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	EntitlementToken string `json:"entitlement_token,omitempty"`
}

// Alert — подписка «предмет появился в витрине → написать в канал».
// Внутри аккаунта действует семантика множества по UUID предмета.
type Alert struct {
	UUID      ItemID    `json:"uuid"`
	ChannelID ChannelID `json:"channel_id"`
}

// HasCookies сообщает, заполнен ли cookie-вариант.
func (a *Auth) HasCookies() bool { return a != nil && a.Cookies != "" }

// HasRefreshToken сообщает, заполнен ли code-вариант.
func (a *Auth) HasRefreshToken() bool { return a != nil && a.RefreshToken != "" }

// HasAuth сообщает, есть ли у аккаунта хоть какой-то способ получить токены.
func (a *Account) HasAuth() bool {
	return a != nil && (a.Auth.HasCookies() || a.Auth.HasRefreshToken())
}

// AlertItems возвращает набор предметов, на которые подписан аккаунт.
func (a *Account) AlertItems() map[ItemID]struct{} {
	if a == nil || len(a.Alerts) == 0 {
		return nil
	}
	items := make(map[ItemID]struct{}, len(a.Alerts))
	for _, al := range a.Alerts {
		items[al.UUID] = struct{}{}
	}
	return items
}

// ReplaceAlertChannel переписывает канал доставки у всех оповещений,
// указывавших на from (миграция в личные сообщения). Возвращает число
// переписанных оповещений.
func (a *Account) ReplaceAlertChannel(from, to ChannelID) int {
	if a == nil {
		return 0
	}
	replaced := 0
	for i := range a.Alerts {
		if a.Alerts[i].ChannelID == from {
			a.Alerts[i].ChannelID = to
			replaced++
		}
	}
	return replaced
}

// Account возвращает аккаунт по 1-based номеру или nil.
func (u *User) Account(idx int) *Account {
	if u == nil {
		return nil
	}
	acc, _ := shared.GetAt(u.Accounts, idx-1)
	return acc
}

// Current возвращает активный аккаунт или nil, если аккаунтов нет.
func (u *User) Current() *Account {
	return u.Account(u.CurrentAccountIndex())
}

// CurrentAccountIndex возвращает номер активного аккаунта, приведённый к
// диапазону [1, len(accounts)]. Нормализация прячет последствия удаления
// аккаунтов: номер не может указывать в пустоту.
func (u *User) CurrentAccountIndex() int {
	if u == nil || len(u.Accounts) == 0 {
		return 0
	}
	idx := u.CurrentAccount
	if idx < 1 {
		return 1
	}
	if idx > len(u.Accounts) {
		return len(u.Accounts)
	}
	return idx
}

// AccountByPuuid ищет аккаунт по Puuid; возвращает его 1-based номер и
// указатель либо (0, nil).
func (u *User) AccountByPuuid(p Puuid) (int, *Account) {
	if u == nil {
		return 0, nil
	}
	for i, a := range u.Accounts {
		if a != nil && a.Puuid == p {
			return i + 1, a
		}
	}
	return 0, nil
}

// UpsertAccount добавляет аккаунт либо заменяет существующий с тем же Puuid,
// делает его текущим и возвращает 1-based номер. Лимит числа аккаунтов
// проверяет вызывающий до записи.
func (u *User) UpsertAccount(a *Account) int {
	if u == nil || a == nil {
		return 0
	}
	if idx, _ := u.AccountByPuuid(a.Puuid); idx > 0 {
		u.Accounts[idx-1] = a
		u.CurrentAccount = idx
		return idx
	}
	u.Accounts = append(u.Accounts, a)
	u.CurrentAccount = len(u.Accounts)
	return u.CurrentAccount
}

// RemoveAccountByPuuid удаляет аккаунт, сохраняя порядок остальных, и
// поджимает CurrentAccount. Возвращает true, если аккаунт был найден.
func (u *User) RemoveAccountByPuuid(p Puuid) bool {
	idx, _ := u.AccountByPuuid(p)
	if idx == 0 {
		return false
	}
	u.Accounts = append(u.Accounts[:idx-1], u.Accounts[idx:]...)
	switch {
	case len(u.Accounts) == 0:
		u.CurrentAccount = 0
	case u.CurrentAccount > idx || u.CurrentAccount > len(u.Accounts):
		u.CurrentAccount--
	}
	if u.CurrentAccount < 1 && len(u.Accounts) > 0 {
		u.CurrentAccount = 1
	}
	return true
}

// Clone делает глубокую копию агрегата: кэш чтения выдаёт копии, чтобы
// мутации вызывающих не просочились в разделяемый снимок.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	clone := *u
	if len(u.Accounts) > 0 {
		clone.Accounts = make([]*Account, len(u.Accounts))
		for i, a := range u.Accounts {
			clone.Accounts[i] = a.Clone()
		}
	}
	clone.Settings = u.Settings.Clone()
	return &clone
}

// Clone возвращает независимую копию аккаунта вместе с Auth и оповещениями.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Auth = a.Auth.Clone()
	clone.Alerts = cloneAlerts(a.Alerts)
	return &clone
}

// Clone копирует Auth. Внутри только строки, достаточно копии значения.
func (a *Auth) Clone() *Auth {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// cloneAlerts — поверхностной копии достаточно: Alert — value-тип без указателей.
func cloneAlerts(in []Alert) []Alert {
	if len(in) == 0 {
		return nil
	}
	out := make([]Alert, len(in))
	copy(out, in)
	return out
}

// cloneRaw копирует сырые JSON-значения неизвестных ключей настроек.
func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
