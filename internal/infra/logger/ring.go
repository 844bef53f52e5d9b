package logger

import (
	"strings"
	"sync"
)

// ringWriter — потокобезопасный кольцевой буфер строк, реализующий io.Writer.
// Каждая запись разбивается по переводам строки; при переполнении старейшие
// строки вытесняются. Write никогда не возвращает ошибку: потеря хвоста буфера
// допустима, пересылка логов не должна мешать самому логированию.
type ringWriter struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newRingWriter(maxLines int) *ringWriter {
	if maxLines <= 0 {
		maxLines = ringCapacity
	}
	return &ringWriter{max: maxLines}
}

// Write принимает форматированный вывод zap-ядра.
func (r *ringWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		r.lines = append(r.lines, line)
	}
	if over := len(r.lines) - r.max; over > 0 {
		r.lines = append(r.lines[:0:0], r.lines[over:]...)
	}
	return len(p), nil
}

// Recent возвращает копию до n последних строк, буфер не изменяется.
func (r *ringWriter) Recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.lines) {
		n = len(r.lines)
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}

// Drain забирает все накопленные строки и очищает буфер.
func (r *ringWriter) Drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.lines
	r.lines = nil
	return out
}
