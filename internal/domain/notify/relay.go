package notify

import (
	"context"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/cluster/bus"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/logger"
)

// Relay принимает адресные доставки из шины и вручает их локальному порту.
// Локальная диспетчеризация SendToKey проходит через тот же путь, поэтому
// отправителя здесь не фильтруем: сообщение от самого себя — это доставка
// в локально принадлежащий канал.
type Relay struct {
	b    *bus.Bus
	port Port
}

// NewRelay создаёт ретранслятор поверх шины и локального порта.
func NewRelay(b *bus.Bus, port Port) *Relay {
	return &Relay{b: b, port: port}
}

// Register подписывает ретранслятор на доставочные сообщения шины.
func (r *Relay) Register() {
	r.b.Handle(bus.KindAlertDelivery, r.onAlert)
	r.b.Handle(bus.KindDailyShopDelivery, r.onDailyShop)
	r.b.Handle(bus.KindCredentialsExpired, r.onCredentials)
}

func (r *Relay) onAlert(ctx context.Context, from int, msg bus.Message) {
	var d bus.AlertDelivery
	switch m := msg.(type) {
	case *bus.AlertDelivery:
		d = *m
	case bus.AlertDelivery:
		d = m
	default:
		return
	}
	items := make([]user.ItemID, len(d.ItemIDs))
	for i, id := range d.ItemIDs {
		items[i] = user.ItemID(id)
	}
	err := r.port.SendAlert(ctx, AlertNotice{
		UserID:     user.UserID(d.UserID),
		AccountIdx: d.AccountIdx,
		ChannelID:  user.ChannelID(d.ChannelID),
		ItemIDs:    items,
		ExpiresAt:  d.ExpiresAt,
	})
	r.logDeliveryErr("оповещение", from, d.ChannelID, err)
}

func (r *Relay) onDailyShop(ctx context.Context, from int, msg bus.Message) {
	var d bus.DailyShopDelivery
	switch m := msg.(type) {
	case *bus.DailyShopDelivery:
		d = *m
	case bus.DailyShopDelivery:
		d = m
	default:
		return
	}
	offers := make([]user.ItemID, len(d.Offers))
	for i, id := range d.Offers {
		offers[i] = user.ItemID(id)
	}
	err := r.port.SendDailyShop(ctx, DailyShopNotice{
		UserID:     user.UserID(d.UserID),
		AccountIdx: d.AccountIdx,
		ChannelID:  user.ChannelID(d.ChannelID),
		Offers:     offers,
		ExpiresAt:  d.ExpiresAt,
	})
	r.logDeliveryErr("ежедневная витрина", from, d.ChannelID, err)
}

func (r *Relay) onCredentials(ctx context.Context, from int, msg bus.Message) {
	var d bus.CredentialsExpired
	switch m := msg.(type) {
	case *bus.CredentialsExpired:
		d = *m
	case bus.CredentialsExpired:
		d = m
	default:
		return
	}
	err := r.port.SendCredentialsExpired(ctx, CredentialsNotice{
		UserID:     user.UserID(d.UserID),
		AccountIdx: d.AccountIdx,
		ChannelID:  user.ChannelID(d.ChannelID),
	})
	r.logDeliveryErr("уведомление о входе", from, d.ChannelID, err)
}

func (r *Relay) logDeliveryErr(what string, from int, channel string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrNotOnThisShard) {
		// Реестр владения указал на нас, а адаптер канал не знает: запись
		// успела протухнуть или канал переехал. Доставка теряется.
		logger.Warnf("доставка (%s) от шарда %d: канал %s не на этом шарде, запись владения устарела", what, from, channel)
		return
	}
	logger.Warnf("доставка (%s) от шарда %d в канал %s не удалась: %v", what, from, channel, err)
}
