// Package locale разрешает предпочитаемую локаль по разнородным источникам:
// явный тег внешнего взаимодействия, номер пользователя (локаль читается из
// его настроек), уже загруженный пользователь либо ничего. Источник сводится
// к тегу BCP 47, затем подбирается ближайшая поддерживаемая локаль; всё
// неразборчивое даёт локаль по умолчанию.
package locale

import (
	"context"

	"golang.org/x/text/language"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/logger"
)

// Default — локаль по умолчанию; под ней же каталог хранит канонические
// имена.
const Default = "en-US"

// supported — локали, для которых каталог несёт имена (language=all).
// Первая — локаль по умолчанию, на неё же падает подбор при промахе.
var supported = []language.Tag{
	language.MustParse(Default),
	language.MustParse("ar-AE"),
	language.MustParse("de-DE"),
	language.MustParse("es-ES"),
	language.MustParse("es-MX"),
	language.MustParse("fr-FR"),
	language.MustParse("id-ID"),
	language.MustParse("it-IT"),
	language.MustParse("ja-JP"),
	language.MustParse("ko-KR"),
	language.MustParse("pl-PL"),
	language.MustParse("pt-BR"),
	language.MustParse("ru-RU"),
	language.MustParse("th-TH"),
	language.MustParse("tr-TR"),
	language.MustParse("vi-VN"),
	language.MustParse("zh-CN"),
	language.MustParse("zh-TW"),
}

var matcher = language.NewMatcher(supported)

// Match подбирает ближайшую поддерживаемую локаль для тега BCP 47: "ru"
// становится ru-RU, "en-GB" — en-US. Пустой или непарсящийся тег даёт
// локаль по умолчанию.
func Match(raw string) language.Tag {
	if raw == "" {
		return supported[0]
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return supported[0]
	}
	// Тег от Match бывает с расширениями, индекс же всегда указывает на
	// чистый элемент поддерживаемого набора.
	_, idx, _ := matcher.Match(tag)
	return supported[idx]
}

// userStore — чтение пользователя для числового источника.
type userStore interface {
	GetUser(ctx context.Context, id user.UserID) (*user.User, error)
}

// Source — источник локали.
type Source interface {
	locale(ctx context.Context, st userStore) string
}

type externalSource struct{ tag string }

func (s externalSource) locale(context.Context, userStore) string { return s.tag }

type numericSource struct{ id user.UserID }

func (s numericSource) locale(ctx context.Context, st userStore) string {
	if st == nil {
		return ""
	}
	u, err := st.GetUser(ctx, s.id)
	if err != nil {
		logger.Warnf("локаль: пользователь %s не прочитан: %v", s.id, err)
		return ""
	}
	if u == nil {
		return ""
	}
	return u.Settings.Locale
}

type objectSource struct{ u *user.User }

func (s objectSource) locale(context.Context, userStore) string {
	if s.u == nil {
		return ""
	}
	return s.u.Settings.Locale
}

type absentSource struct{}

func (absentSource) locale(context.Context, userStore) string { return "" }

// External — явный тег от внешней стороны.
func External(tag string) Source { return externalSource{tag: tag} }

// Numeric — локаль из настроек пользователя по его номеру.
func Numeric(id user.UserID) Source { return numericSource{id: id} }

// Object — локаль уже загруженного пользователя.
func Object(u *user.User) Source { return objectSource{u: u} }

// Absent — источника нет, берётся локаль по умолчанию.
func Absent() Source { return absentSource{} }

// Resolver сводит источники локали к поддерживаемому тегу.
type Resolver struct {
	users userStore
}

// NewResolver создаёт резолвер. st может быть nil: числовые источники тогда
// дают локаль по умолчанию.
func NewResolver(st userStore) *Resolver {
	return &Resolver{users: st}
}

// Resolve возвращает ближайшую поддерживаемую локаль источника.
func (r *Resolver) Resolve(ctx context.Context, src Source) language.Tag {
	raw := ""
	if src != nil {
		raw = src.locale(ctx, r.users)
	}
	return Match(raw)
}

// Key — строковая форма Resolve, ключ для локализованных имён каталога.
func (r *Resolver) Key(ctx context.Context, src Source) string {
	return r.Resolve(ctx, src).String()
}
