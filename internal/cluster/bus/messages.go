package bus

import (
	"encoding/json"

	"github.com/go-faster/errors"
)

// Kind — тег сообщения шины. Набор закрытый: декодер отвергает неизвестные
// теги, чтобы рассинхронизация версий шардов всплывала сразу, а не глоталась.
type Kind string

const (
	KindAllShardsReady     Kind = "all_shards_ready"
	KindConfigReload       Kind = "config_reload"
	KindCatalogReload      Kind = "catalog_reload"
	KindPriceUpdate        Kind = "price_update"
	KindEmojiCatalogWarm   Kind = "emoji_catalog_warm"
	KindSettingsInvalidate Kind = "settings_invalidate"
	KindAlertDelivery      Kind = "alert_delivery"
	KindDailyShopDelivery  Kind = "daily_shop_delivery"
	KindCredentialsExpired Kind = "credentials_expired"
	KindForceCheckAlerts   Kind = "force_check_alerts"
	KindLogLines           Kind = "log_lines"
	KindVersionData        Kind = "version_data"
	KindProcessExit        Kind = "process_exit"
)

// Message — полезная нагрузка сообщения шины. Реализации перечислены ниже;
// сторонних вариантов не бывает.
type Message interface {
	Kind() Kind
}

// Envelope — конверт сообщения на проводе. Seq монотонно растёт в рамках
// отправителя, получатели опираются на это только в тестах.
type Envelope struct {
	Sender  int             `json:"sender"`
	Seq     uint64          `json:"seq"`
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AllShardsReady рассылает лидер, когда все шарды отметились готовыми.
type AllShardsReady struct{}

// ConfigReload просит каждый шард перечитать файл конфигурации.
type ConfigReload struct{}

// CatalogReload просит каждый шард перечитать каталог предметов с диска.
type CatalogReload struct{}

// PriceUpdate разносит цены, подсмотренные в витринах пользователей.
type PriceUpdate struct {
	Prices map[string]int `json:"prices"` // id предмета -> цена в VP
}

// EmojiCatalogWarm — лидер загрузил эмодзи, остальные целиком заменяют
// свой реестр присланным снимком.
type EmojiCatalogWarm struct {
	Emojis []EmojiEntry `json:"emojis"`
}

// EmojiEntry — одна запись реестра эмодзи на проводе.
type EmojiEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// SettingsInvalidate сбрасывает кэш настроек пользователя на всех шардах.
type SettingsInvalidate struct {
	UserID string `json:"user_id"`
}

// AlertDelivery — адресная доставка сработавшего оповещения шарду,
// владеющему каналом.
type AlertDelivery struct {
	ChannelID  string   `json:"channel_id"`
	UserID     string   `json:"user_id"`
	AccountIdx int      `json:"account_idx"`
	ItemIDs    []string `json:"item_ids"`
	ExpiresAt  int64    `json:"expires_at"` // unix-секунды конца ротации
}

// DailyShopDelivery — адресная доставка ежедневной витрины.
type DailyShopDelivery struct {
	ChannelID  string   `json:"channel_id"`
	UserID     string   `json:"user_id"`
	AccountIdx int      `json:"account_idx"`
	Offers     []string `json:"offers"`
	ExpiresAt  int64    `json:"expires_at"`
}

// CredentialsExpired — адресное уведомление о протухших учётных данных.
type CredentialsExpired struct {
	ChannelID  string `json:"channel_id"`
	UserID     string `json:"user_id"`
	AccountIdx int    `json:"account_idx"`
}

// ForceCheckAlerts запускает внеочередной проход проверки оповещений.
type ForceCheckAlerts struct{}

// LogLines — пачка строк лога для трансляции в служебный канал.
type LogLines struct {
	Lines []string `json:"lines"`
}

// VersionData — лидер обновил версию игры; остальные принимают её без
// собственного похода к манифесту.
type VersionData struct {
	ClientVersion string `json:"client_version"`
	UserAgent     string `json:"user_agent"`
}

// ProcessExit — кластер останавливается, шард должен корректно завершиться.
type ProcessExit struct{}

func (AllShardsReady) Kind() Kind     { return KindAllShardsReady }
func (ConfigReload) Kind() Kind       { return KindConfigReload }
func (CatalogReload) Kind() Kind      { return KindCatalogReload }
func (PriceUpdate) Kind() Kind        { return KindPriceUpdate }
func (EmojiCatalogWarm) Kind() Kind   { return KindEmojiCatalogWarm }
func (SettingsInvalidate) Kind() Kind { return KindSettingsInvalidate }
func (AlertDelivery) Kind() Kind      { return KindAlertDelivery }
func (DailyShopDelivery) Kind() Kind  { return KindDailyShopDelivery }
func (CredentialsExpired) Kind() Kind { return KindCredentialsExpired }
func (ForceCheckAlerts) Kind() Kind   { return KindForceCheckAlerts }
func (LogLines) Kind() Kind           { return KindLogLines }
func (VersionData) Kind() Kind        { return KindVersionData }
func (ProcessExit) Kind() Kind        { return KindProcessExit }

// encodeEnvelope упаковывает сообщение в конверт и сериализует его.
func encodeEnvelope(sender int, seq uint64, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	raw, err := json.Marshal(Envelope{
		Sender:  sender,
		Seq:     seq,
		Type:    msg.Kind(),
		Payload: payload,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return raw, nil
}

// decodeEnvelope разбирает конверт и полезную нагрузку. Неизвестный тег —
// ошибка, а не тихий пропуск.
func decodeEnvelope(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, errors.Wrap(err, "unmarshal envelope")
	}
	msg, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return env, nil, err
	}
	return env, msg, nil
}

func decodePayload(kind Kind, payload json.RawMessage) (Message, error) {
	unmarshal := func(dst Message) (Message, error) {
		if len(payload) == 0 {
			return dst, nil
		}
		if err := json.Unmarshal(payload, dst); err != nil {
			return nil, errors.Wrapf(err, "unmarshal %s payload", kind)
		}
		return dst, nil
	}

	switch kind {
	case KindAllShardsReady:
		return AllShardsReady{}, nil
	case KindConfigReload:
		return ConfigReload{}, nil
	case KindCatalogReload:
		return CatalogReload{}, nil
	case KindPriceUpdate:
		return unmarshal(&PriceUpdate{})
	case KindEmojiCatalogWarm:
		return unmarshal(&EmojiCatalogWarm{})
	case KindSettingsInvalidate:
		return unmarshal(&SettingsInvalidate{})
	case KindAlertDelivery:
		return unmarshal(&AlertDelivery{})
	case KindDailyShopDelivery:
		return unmarshal(&DailyShopDelivery{})
	case KindCredentialsExpired:
		return unmarshal(&CredentialsExpired{})
	case KindForceCheckAlerts:
		return ForceCheckAlerts{}, nil
	case KindLogLines:
		return unmarshal(&LogLines{})
	case KindVersionData:
		return unmarshal(&VersionData{})
	case KindProcessExit:
		return ProcessExit{}, nil
	default:
		return nil, errors.Errorf("unknown bus message type %q", kind)
	}
}
