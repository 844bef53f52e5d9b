package user

import (
	"encoding/json"

	"github.com/go-faster/errors"
)

// Имена известных ключей настроек. Совпадают с проводной формой и с тем,
// что лежит в колонке settings, — менять нельзя.
const (
	settingDailyShop         = "dailyShop"
	settingLocale            = "locale"
	settingOthersCanViewShop = "othersCanViewShop"
	settingOthersCanViewColl = "othersCanViewColl"
	settingHideIgn           = "hideIgn"
)

// Settings — карта настроек пользователя. Известные ключи разобраны в поля;
// неизвестные сохраняются как есть и переживают круговую сериализацию:
// старые процессы не должны терять ключи, записанные новыми.
// Отсутствующий ключ означает значение по умолчанию (пустая строка, false).
type Settings struct {
	// DailyShopChannel — канал ежедневной витрины; пустая строка — выключено.
	DailyShopChannel ChannelID
	// Locale — предпочитаемая локаль (BCP 47) либо пустая строка.
	Locale            string
	OthersCanViewShop bool
	OthersCanViewColl bool
	HideIgn           bool

	extra map[string]json.RawMessage
}

// HasDailyShop сообщает, включена ли ежедневная витрина.
func (s Settings) HasDailyShop() bool { return s.DailyShopChannel != "" }

// Clone возвращает независимую копию, включая сырые неизвестные ключи.
func (s Settings) Clone() Settings {
	clone := s
	clone.extra = cloneRaw(s.extra)
	return clone
}

// MarshalJSON собирает карту обратно: значения по умолчанию опускаются,
// неизвестные ключи вставляются без изменений.
func (s Settings) MarshalJSON() ([]byte, error) {
	merged := make(map[string]json.RawMessage, len(s.extra)+5)
	for k, v := range s.extra {
		merged[k] = v
	}

	putString := func(key, value string) {
		if value == "" {
			delete(merged, key)
			return
		}
		raw, _ := json.Marshal(value)
		merged[key] = raw
	}
	putBool := func(key string, value bool) {
		if !value {
			delete(merged, key)
			return
		}
		merged[key] = json.RawMessage("true")
	}

	putString(settingDailyShop, string(s.DailyShopChannel))
	putString(settingLocale, s.Locale)
	putBool(settingOthersCanViewShop, s.OthersCanViewShop)
	putBool(settingOthersCanViewColl, s.OthersCanViewColl)
	putBool(settingHideIgn, s.HideIgn)

	return json.Marshal(merged)
}

// UnmarshalJSON разбирает известные ключи в поля, остаток складывает в extra.
func (s *Settings) UnmarshalJSON(data []byte) error {
	*s = Settings{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, "settings")
	}

	takeString := func(key string, dst *string) error {
		raw, ok := m[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return errors.Wrapf(err, "settings key %s", key)
		}
		delete(m, key)
		return nil
	}
	takeBool := func(key string, dst *bool) error {
		raw, ok := m[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return errors.Wrapf(err, "settings key %s", key)
		}
		delete(m, key)
		return nil
	}

	var daily string
	if err := takeString(settingDailyShop, &daily); err != nil {
		return err
	}
	s.DailyShopChannel = ChannelID(daily)
	if err := takeString(settingLocale, &s.Locale); err != nil {
		return err
	}
	if err := takeBool(settingOthersCanViewShop, &s.OthersCanViewShop); err != nil {
		return err
	}
	if err := takeBool(settingOthersCanViewColl, &s.OthersCanViewColl); err != nil {
		return err
	}
	if err := takeBool(settingHideIgn, &s.HideIgn); err != nil {
		return err
	}

	if len(m) > 0 {
		s.extra = m
	}
	return nil
}
