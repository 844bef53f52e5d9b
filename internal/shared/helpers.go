// Package shared — небольшие общие утилиты без внешних зависимостей.
// Содержит обобщённые функции для работы со слайсами и числовыми диапазонами.
// Фокус: безопасные операции без паник, сохранение порядка и простая семантика.
package shared

import "math/rand/v2"

// Unique возвращает срез уникальных значений, сохраняя порядок первого появления.
// Работает для любых типов с сравнимостью (comparable). Сложность O(n) по времени
// и O(n) по памяти на карту «виденных» значений. Порядок стабильный.
func Unique[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// UniqueBy возвращает срез уникальных значений по ключу key, сохраняя порядок
// первого появления. Используется для дедупликации алертов по идентификатору
// предмета: сами значения сравнимыми быть не обязаны, достаточно ключа.
func UniqueBy[T any, K comparable](in []T, key func(T) K) []T {
	seen := make(map[K]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		k := key(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Chunk разбивает срез на последовательные куски длиной не более size.
// Последний кусок может быть короче. Возвращаемые куски ссылаются на память
// исходного среза (без копирования). Для size <= 0 возвращается одна часть
// со всем содержимым. Пустой вход даёт пустой результат.
func Chunk[T any](in []T, size int) [][]T {
	if len(in) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{in}
	}
	out := make([][]T, 0, (len(in)+size-1)/size)
	for start := 0; start < len(in); start += size {
		end := min(start+size, len(in))
		out = append(out, in[start:end])
	}
	return out
}

// GetAt безопасно возвращает элемент слайса по индексу i. В случае выхода за
// границы возвращает нулевое значение типа T и false, без паники. Полезно как
// неболезненная альтернатива ручным проверкам длины перед обращением.
func GetAt[T any](s []T, i int) (T, bool) {
	if i < 0 || i >= len(s) {
		var zero T
		return zero, false
	}
	return s[i], true
}

// Random возвращает псевдослучайное целое в диапазоне [fromMin, toMax] включительно.
// Если fromMin >= toMax, возвращается fromMin. Используется math/rand/v2; криптостойкость
// не требуется, поэтому пометка #nosec G404 осознанна.
func Random(fromMin, toMax int) int {
	if fromMin >= toMax {
		return fromMin
	}
	// Смещение на +fromMin после IntN(toMax-fromMin+1) даёт включительный верхний предел.
	return rand.IntN(toMax-fromMin+1) + fromMin // #nosec G404
}

// Jitter возвращает множитель в диапазоне [1-spread, 1+spread] для размытия
// интервалов повторов. Отрицательный spread трактуется как ноль.
func Jitter(spread float64) float64 {
	if spread <= 0 {
		return 1
	}
	return 1 - spread + rand.Float64()*2*spread // #nosec G404
}
