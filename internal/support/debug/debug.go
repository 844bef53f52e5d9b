// Package debug — вспомогательные утилиты для отладки бота.
// Здесь сосредоточены печать доменных объектов в консоль и тонкая обёртка над
// структурированным логированием. Цели:
//   - быстро осматривать пользователей и их аккаунты при разборе инцидентов;
//   - писать структурные записи в общий лог только при активном DEBUG;
//   - никогда не показывать значения токенов: поля маскируются до печати.
//
// Пакет не влияет на бизнес-логику и может быть выключен в проде переключателем DEBUG.
package debug

import (
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/pr"

	"go.uber.org/zap"
)

// DEBUG — глобальный переключатель режима отладки. Когда false, печатающие
// функции пакета молчат. Выставляется при старте приложения из уровня логирования.
var DEBUG = true

// masked подставляется вместо значений токенов. Сами значения в вывод не
// попадают никогда; маска сохраняет видимой лишь заполненность поля.
const masked = "<redacted>"

// Redacted возвращает глубокую копию пользователя с замаскированными токенами.
// Форма Auth остаётся видимой (какой вариант заполнен), значения — нет.
// Используется всеми местами, печатающими пользователя целиком.
func Redacted(u *user.User) *user.User {
	clone := u.Clone()
	if clone == nil {
		return nil
	}
	for _, acc := range clone.Accounts {
		if acc == nil || acc.Auth == nil {
			continue
		}
		a := acc.Auth
		if a.Cookies != "" {
			a.Cookies = masked
		}
		if a.RefreshToken != "" {
			a.RefreshToken = masked
		}
		if a.AccessToken != "" {
			a.AccessToken = masked
		}
		if a.IDToken != "" {
			a.IDToken = masked
		}
		if a.EntitlementToken != "" {
			a.EntitlementToken = masked
		}
	}
	return clone
}

// PrintUser печатает пользователя в консоль: однострочная сводка по аккаунтам
// плюс полный pretty-дамп замаскированной копии. Молчит при DEBUG=false.
func PrintUser(prefix string, u *user.User) {
	if !DEBUG {
		return
	}
	if u == nil {
		pr.Printf("[%s] user: <nil>\n", prefix)
		return
	}
	pr.Printf("[%s] user %s: accounts=%d current=%d locale=%q\n",
		prefix, u.ID, len(u.Accounts), u.CurrentAccountIndex(), u.Settings.Locale)
	for i, acc := range u.Accounts {
		if acc == nil {
			continue
		}
		pr.Printf("  #%d %s region=%s auth=%v strikes=%d alerts=%d\n",
			i+1, acc.Username, acc.Region, acc.HasAuth(), acc.AuthFailures, len(acc.Alerts))
	}
	pr.PP(Redacted(u))
}

// Debug пишет запись уровня Debug в общий лог только при активном DEBUG.
// Поля передаются как zap.Field для структурированного вывода.
func Debug(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Debug(msg, fields...)
	}
}

// Info пишет информационную запись при активном DEBUG. Поля — произвольные.
func Info(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Info(msg, fields...)
	}
}

// Warn пишет предупреждение в лог, если DEBUG=true.
func Warn(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Warn(msg, fields...)
	}
}

// Error пишет ошибку в лог при активном DEBUG, не паникует и не прерывает выполнение.
func Error(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Error(msg, fields...)
	}
}
