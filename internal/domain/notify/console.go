package notify

import (
	"context"
	"strings"
	"time"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/logger"
)

// Console — порт-заглушка для запуска без чат-адаптера: уведомления уходят
// в структурированный лог. Владеет любым каналом, поэтому никогда не
// отвечает ErrNotOnThisShard и адресная доставка через шину не включается.
type Console struct{}

// NewConsole создаёт консольный порт.
func NewConsole() *Console { return &Console{} }

func (c *Console) SendAlert(_ context.Context, n AlertNotice) error {
	logger.Infof("оповещение → канал %s: пользователь %s, аккаунт #%d, предметы [%s], ротация до %s",
		n.ChannelID, n.UserID, n.AccountIdx, joinItems(n.ItemIDs), formatExpiry(n.ExpiresAt))
	return nil
}

func (c *Console) SendDailyShop(_ context.Context, n DailyShopNotice) error {
	logger.Infof("ежедневная витрина → канал %s: пользователь %s, аккаунт #%d, офферы [%s], ротация до %s",
		n.ChannelID, n.UserID, n.AccountIdx, joinItems(n.Offers), formatExpiry(n.ExpiresAt))
	return nil
}

func (c *Console) SendCredentialsExpired(_ context.Context, n CredentialsNotice) error {
	logger.Infof("учётные данные протухли → канал %s: пользователь %s, аккаунт #%d",
		n.ChannelID, n.UserID, n.AccountIdx)
	return nil
}

func (c *Console) NotifyChannelInaccessible(_ context.Context, n InaccessibleNotice) error {
	logger.Infof("канал %s недоступен (%s): пользователь %s, %d оповещений переехало в %s",
		n.ChannelID, n.Reason, n.UserID, n.MigratedCount, n.DMChannelID)
	return nil
}

// OpenDM возвращает синтетический личный канал — стабильный для пользователя,
// чтобы миграция оповещений работала и без чат-адаптера.
func (c *Console) OpenDM(_ context.Context, id user.UserID) (user.ChannelID, error) {
	return user.ChannelID("dm:" + string(id)), nil
}

func joinItems(ids []user.ItemID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

func formatExpiry(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}
