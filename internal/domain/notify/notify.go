// Порт уведомлений: единственная дверь, через которую движок оповещений
// говорит с презентационным адаптером. Реализация, не владеющая целевым
// каналом, отвечает ErrNotOnThisShard — тогда отправитель идёт через
// адресную доставку шины к шарду-владельцу.
package notify

import (
	"context"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/domain/user"
)

// ErrNotOnThisShard возвращает реализация порта, когда целевой канал живёт
// на другом шарде.
var ErrNotOnThisShard = errors.New("channel is not on this shard")

// AlertNotice — сработавшее оповещение: предметы из подписок пользователя,
// оказавшиеся в сегодняшней ротации.
type AlertNotice struct {
	UserID     user.UserID
	AccountIdx int
	ChannelID  user.ChannelID
	ItemIDs    []user.ItemID
	// ExpiresAt — unix-секунды конца ротации; презентация показывает таймер.
	ExpiresAt int64
}

// DailyShopNotice — ежедневная витрина текущего аккаунта.
type DailyShopNotice struct {
	UserID     user.UserID
	AccountIdx int
	ChannelID  user.ChannelID
	Offers     []user.ItemID
	ExpiresAt  int64
}

// CredentialsNotice — учётные данные аккаунта протухли, оповещения стоят.
type CredentialsNotice struct {
	UserID     user.UserID
	AccountIdx int
	ChannelID  user.ChannelID
}

// InaccessibleNotice — канал доставки безвозвратно недоступен; оповещения
// переехали в личные сообщения.
type InaccessibleNotice struct {
	UserID user.UserID
	// ChannelID — недоступный канал, DMChannelID — куда переехали оповещения.
	ChannelID     user.ChannelID
	DMChannelID   user.ChannelID
	Reason        string
	MigratedCount int
}

// Port реализуется презентационным адаптером. Каждый метод может вернуть
// ErrNotOnThisShard; остальные ошибки считаются ошибками доставки.
type Port interface {
	SendAlert(ctx context.Context, n AlertNotice) error
	SendDailyShop(ctx context.Context, n DailyShopNotice) error
	SendCredentialsExpired(ctx context.Context, n CredentialsNotice) error
	NotifyChannelInaccessible(ctx context.Context, n InaccessibleNotice) error
	// OpenDM открывает (или находит) личный канал пользователя — точку
	// назначения миграции оповещений из недоступного канала.
	OpenDM(ctx context.Context, id user.UserID) (user.ChannelID, error)
}
