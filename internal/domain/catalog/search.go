// Нечёткий поиск по именам скинов и бандлов. Запрос и имена приводятся к
// единой форме с учётом локали вызывающего: сворачивание регистра правилами
// языка (golang.org/x/text/cases), снятие диакритики разложением NFD и
// удалением комбинируемых знаков, схлопывание пробелов. Совпадения ранжируются
// тремя ступенями: точное имя, вхождение с начала слова, расстояние
// Левенштейна в пределах допуска.

package catalog

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"valorant-skinbot/internal/domain/user"
)

// Match — результат поиска. Name — имя в локали запроса, Canonical —
// каноническое имя (en-US): оно стабильно между локалями и годится как
// идентификатор в ответах пользователю.
type Match struct {
	ID        user.ItemID
	Name      string
	Canonical string
}

const (
	rankExact = iota
	rankWordPrefix
	rankFuzzy
)

// SearchSkins ищет скины по имени. Возвращает не более limit совпадений,
// лучшие первыми; limit <= 0 означает «без ограничения».
func (s *Snapshot) SearchSkins(query, locale string, limit int) []Match {
	if s == nil {
		return nil
	}
	cands := make([]nameCandidate, 0, len(s.Skins))
	for id, sk := range s.Skins {
		cands = append(cands, nameCandidate{id: id, names: sk.Names})
	}
	return searchNames(cands, query, locale, limit)
}

// SearchBundles ищет бандлы по имени.
func (s *Snapshot) SearchBundles(query, locale string, limit int) []Match {
	if s == nil {
		return nil
	}
	cands := make([]nameCandidate, 0, len(s.Bundles))
	for id, b := range s.Bundles {
		cands = append(cands, nameCandidate{id: id, names: b.Names})
	}
	return searchNames(cands, query, locale, limit)
}

type nameCandidate struct {
	id    user.ItemID
	names LocalizedName
}

type scoredMatch struct {
	match Match
	rank  int
	dist  int
	key   string // нормализованное имя — детерминирует порядок при равенстве
}

func searchNames(cands []nameCandidate, query, locale string, limit int) []Match {
	tag := language.Make(locale) // некорректная локаль складывается в und
	qn := normalizeName(query, tag)
	if qn == "" {
		return nil
	}
	tolerance := editTolerance(qn)

	scored := make([]scoredMatch, 0, 8)
	for _, cand := range cands {
		local := cand.names.Get(locale)
		canonical := cand.names.Canonical()

		best, ok := scoreName(qn, normalizeName(local, tag), tolerance)
		// Каноническое имя сопоставляется тоже: запрос на английском должен
		// находить предмет и у пользователя с русской локалью.
		if canonical != local {
			if alt, altOK := scoreName(qn, normalizeName(canonical, tag), tolerance); altOK && (!ok || less(alt, best)) {
				best, ok = alt, true
			}
		}
		if !ok {
			continue
		}
		if local == "" {
			local = canonical
		}
		best.match = Match{ID: cand.id, Name: local, Canonical: canonical}
		scored = append(scored, best)
	}

	sort.Slice(scored, func(i, j int) bool { return less(scored[i], scored[j]) })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]Match, len(scored))
	for i, sc := range scored {
		out[i] = sc.match
	}
	return out
}

func less(a, b scoredMatch) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	if len(a.key) != len(b.key) {
		return len(a.key) < len(b.key)
	}
	return a.key < b.key
}

// scoreName оценивает соответствие нормализованного имени запросу.
func scoreName(query, name string, tolerance int) (scoredMatch, bool) {
	if name == "" {
		return scoredMatch{}, false
	}
	if name == query {
		return scoredMatch{rank: rankExact, key: name}, true
	}
	if containsAtWordStart(name, query) {
		// Чем меньше лишнего текста вокруг вхождения, тем выше результат.
		return scoredMatch{rank: rankWordPrefix, dist: len(name) - len(query), key: name}, true
	}
	if d := levenshtein.ComputeDistance(query, name); d <= tolerance {
		return scoredMatch{rank: rankFuzzy, dist: d, key: name}, true
	}
	return scoredMatch{}, false
}

// editTolerance — допуск опечаток в зависимости от длины запроса.
func editTolerance(query string) int {
	switch n := utf8.RuneCountInString(query); {
	case n <= 3:
		return 1
	case n <= 6:
		return 2
	default:
		return 3
	}
}

// containsAtWordStart сообщает, входит ли needle в haystack начиная с границы
// слова: "vandal" находит "prime vandal", а "rime" не находит.
func containsAtWordStart(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	from := 0
	for {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return false
		}
		pos := from + i
		if pos == 0 {
			return true
		}
		prev, _ := utf8.DecodeLastRuneInString(haystack[:pos])
		if !unicode.IsLetter(prev) && !unicode.IsDigit(prev) {
			return true
		}
		from = pos + 1
	}
}

// normalizeName приводит имя к поисковой форме: раскладывает в NFD, удаляет
// комбинируемые знаки (диакритику), сворачивает регистр правилами локали и
// схлопывает пробелы.
func normalizeName(s string, tag language.Tag) string {
	if s == "" {
		return ""
	}
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(chain, s)
	if err != nil {
		folded = s
	}
	lowered := cases.Lower(tag).String(folded)
	return strings.Join(strings.Fields(lowered), " ")
}
