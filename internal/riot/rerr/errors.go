// Пакет rerr — единая таксономия ошибок работы с апстримом и доменных отказов.
// Классы:
//   - временные: лимит запросов (RateLimitedError), техработы (ErrMaintenance),
//     сетевой сбой (TransportError) — вызывающий решает, ждать или отдавать
//     наверх;
//   - постоянные: отклонённые учётные данные (ErrInvalidCredentials), блок
//     пограничного фаервола (ErrBlocked) — повторять бессмысленно;
//   - доменные: «не зарегистрирован», «не найдено», дубль алерта, недоступный
//     канал, лимиты аккаунтов;
//   - инфраструктурные: недоступность общего хранилища.
//
// Проверка класса — errors.Is для сентинелей и errors.As для типизированных
// ошибок с полезной нагрузкой. Тексты ошибок предназначены для логов;
// локализованные сообщения пользователю строит слой locale.
package rerr

import (
	"strconv"
	"time"

	"github.com/go-faster/errors"
)

// Сентинели без полезной нагрузки.
var (
	// ErrMaintenance — апстрим отвечает кодом техработ. Планировщик алертов
	// усыпляет прогон и повторяет; остальные пути отдают ошибку наверх.
	ErrMaintenance = errors.New("upstream maintenance")

	// ErrInvalidCredentials — сохранённая авторизация отклонена апстримом.
	// Обработчик обязан сбросить Auth аккаунта; алерты при этом сохраняются.
	ErrInvalidCredentials = errors.New("credentials rejected")

	// ErrBlocked — пограничный фаервол апстрима отверг запрос (обычно по
	// заголовкам или адресу). Не повторяется; диагностика — задача оператора.
	ErrBlocked = errors.New("blocked by upstream edge")

	// ErrNotRegistered — у пользователя нет привязанного аккаунта.
	ErrNotRegistered = errors.New("user is not registered")

	// ErrNotFound — сущность (предмет, матч, аккаунт) не найдена.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateAlert — алерт на этот предмет уже стоит (семантика
	// множества по UUID внутри аккаунта).
	ErrDuplicateAlert = errors.New("alert already exists")

	// ErrSharedStoreUnavailable — операция требовала общее хранилище, а оно
	// недоступно и деградация для этой операции не предусмотрена.
	ErrSharedStoreUnavailable = errors.New("shared store unavailable")
)

// RateLimitedError — апстрим (или локальный гейт) просит подождать до RetryAt.
type RateLimitedError struct {
	RetryAt time.Time
}

func (e *RateLimitedError) Error() string {
	return "rate limited until " + e.RetryAt.UTC().Format(time.RFC3339)
}

// RateLimited строит RateLimitedError. Нулевое время допустимо и означает
// «момент неизвестен, подождите немного».
func RateLimited(retryAt time.Time) error {
	return &RateLimitedError{RetryAt: retryAt}
}

// RetryAtOf достаёт момент повтора из цепочки ошибок.
func RetryAtOf(err error) (time.Time, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAt, true
	}
	return time.Time{}, false
}

// TransportError — сбой доставки запроса: DNS, TCP, TLS, обрыв тела ответа.
// Клиент апстрима сам не повторяет; Op называет операцию для логов.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport failure: " + e.Op
	}
	return "transport failure: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport оборачивает err транспортным классом.
func Transport(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// ChannelInaccessibleError — канал доставки недоступен; Reason — машинный
// код причины (его локализует слой уведомлений).
type ChannelInaccessibleError struct {
	Reason string
}

func (e *ChannelInaccessibleError) Error() string {
	return "channel inaccessible: " + e.Reason
}

// TooManyAccountsError — достигнут потолок аккаунтов на пользователя.
type TooManyAccountsError struct {
	Cap int
}

func (e *TooManyAccountsError) Error() string {
	return "account limit reached (" + strconv.Itoa(e.Cap) + ")"
}

// AccountNumberTooHighError — запрошен номер аккаунта за пределами списка.
type AccountNumberTooHighError struct {
	Cap int
}

func (e *AccountNumberTooHighError) Error() string {
	return "account number exceeds " + strconv.Itoa(e.Cap)
}

// IsTransient сообщает, имеет ли смысл повтор: лимит, техработы и транспорт —
// временные; всё остальное — нет.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMaintenance) {
		return true
	}
	var (
		rl *RateLimitedError
		tr *TransportError
	)
	return errors.As(err, &rl) || errors.As(err, &tr)
}
