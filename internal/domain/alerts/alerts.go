// Package alerts — движок ежедневной проверки оповещений. По расписанию
// каждый шард прогоняет свою партицию пользователей: сверяет дневные ротации
// привязанных аккаунтов с подписками, шлёт ежедневную витрину и адресные
// оповещения, а протухшие привязки переводит в режим «ждём повторного входа».
//
// Доставка идёт по цепочке: локальный порт → адресная отправка шарду-владельцу
// канала → миграция оповещений в личные сообщения, когда канал не обслуживает
// ни один шард.
package alerts

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/cluster/bus"
	"valorant-skinbot/internal/domain/notify"
	"valorant-skinbot/internal/domain/shop"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/riot/rerr"
	"valorant-skinbot/internal/shared"
	"valorant-skinbot/internal/storage/users"
)

const (
	// batchSize — сколько пользователей попадает в одну батч-область записи
	// при последовательном прогоне.
	batchSize = 50

	// fetchAttempts ограничивает повторы похода за витриной при техработах
	// и лимите запросов. Исчерпали — аккаунт подождёт следующего прогона.
	fetchAttempts = 3

	// maintenanceDelay — пауза перед повтором при техработах апстрима.
	maintenanceDelay = 15 * time.Minute

	// rateLimitFallback — пауза при лимите без внятного момента повтора.
	rateLimitFallback = 30 * time.Second

	// noticeCredentialsExpired — отметка в LastNoticeSeen: пользователь уже
	// получил уведомление о протухшей привязке. Снимается при повторном входе.
	noticeCredentialsExpired = "credentials-expired"

	// reasonUnrouted — машинный код причины миграции, когда канал не
	// обслуживает ни один шард кластера.
	reasonUnrouted = "unrouted"
)

// shopFetcher — то, что движку нужно от сервиса витрин.
type shopFetcher interface {
	FetchShop(ctx context.Context, id user.UserID, accountIdx int) (*shop.Snapshot, error)
}

// statsSink — учёт успешных походов за витриной. Может быть nil.
type statsSink interface {
	RecordShopFetch(ctx context.Context, puuid user.Puuid, items []user.ItemID)
}

// Engine потокобезопасен; одновременно идёт не больше одного полного прогона.
type Engine struct {
	users *users.Store
	shop  shopFetcher
	port  notify.Port
	b     *bus.Bus
	stats statsSink
	id    cluster.Identity
	clk   clock.Clock

	running atomic.Bool
}

// New собирает движок оповещений. stats может быть nil — учёт тогда не
// ведётся; nil clk означает системные часы.
func New(st *users.Store, sf shopFetcher, port notify.Port, b *bus.Bus, stats statsSink, id cluster.Identity, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	return &Engine{
		users: st,
		shop:  sf,
		port:  port,
		b:     b,
		stats: stats,
		id:    id,
		clk:   clk,
	}
}

// Register вешает обработчик внеочередного прогона на шину. Сообщение
// force_check_alerts приходит и от соседних шардов, и при локальной рассылке.
func (e *Engine) Register() {
	e.b.Handle(bus.KindForceCheckAlerts, func(ctx context.Context, from int, _ bus.Message) {
		logger.Infof("alerts: внеочередной прогон по требованию шарда %d", from)
		go func() {
			if err := e.Run(ctx); err != nil {
				logger.Warnf("alerts: внеочередной прогон прерван: %v", err)
			}
		}()
	})
}

// ForceRun запускает внеочередной прогон на всех шардах кластера: рассылка
// доходит и до самого отправителя.
func (e *Engine) ForceRun(ctx context.Context) error {
	return e.b.Broadcast(ctx, bus.ForceCheckAlerts{})
}

// Run выполняет полный прогон своей партиции. Наслоение прогонов исключено:
// при уже идущем прогоне повторный вызов выходит сразу. Ошибку возвращает
// только отмена контекста и недоступность списка пользователей — отказ на
// отдельном пользователе прогон не останавливает.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		logger.Infof("alerts: прогон уже идёт, повторный запуск пропущен")
		return nil
	}
	defer e.running.Store(false)

	cfg := config.Runtime()
	ids, err := e.users.UserIDsWithAlertsOrDailyShop(ctx)
	if err != nil {
		return errors.Wrap(err, "list notifiable users")
	}
	part := make([]user.UserID, 0, len(ids))
	for _, id := range ids {
		if e.id.OwnsID(string(id)) {
			part = append(part, id)
		}
	}
	if len(part) == 0 {
		logger.Infof("alerts: шард %s: в партиции нет пользователей", e.id)
		return nil
	}

	started := e.clk.Now()
	logger.Infof("alerts: шард %s: прогон по %d пользователям, конкурентность %d", e.id, len(part), cfg.AlertConcurrency)
	if cfg.AlertConcurrency > 1 {
		err = e.runConcurrent(ctx, part, *cfg)
	} else {
		err = e.runSequential(ctx, part, *cfg)
	}
	if err != nil {
		return err
	}
	logger.Infof("alerts: шард %s: прогон завершён за %s", e.id, e.clk.Since(started).Round(time.Millisecond))
	return nil
}

// DebugRun прогоняет одного пользователя вне расписания. Партиция не
// проверяется: оператор сам решает, на каком шарде запускать.
func (e *Engine) DebugRun(ctx context.Context, id user.UserID) error {
	u, err := e.users.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if u == nil {
		return errors.Wrapf(rerr.ErrNotFound, "user %s", id)
	}
	logger.Infof("alerts: отладочный прогон пользователя %s, аккаунтов: %d", id, len(u.Accounts))
	bctx := e.users.BeginBatchWrites(ctx)
	e.processUser(bctx, id, false, *config.Runtime())
	return e.users.CommitBatchWrites(bctx)
}

// runSequential обходит партицию по одному пользователю, порциями по
// batchSize внутри общей батч-области записи. Флаг shouldWait несёт через
// границу пользователей признак «только что был реальный поход в сеть».
func (e *Engine) runSequential(ctx context.Context, part []user.UserID, cfg config.RuntimeConfig) error {
	shouldWait := false
	for _, batch := range shared.Chunk(part, batchSize) {
		bctx := e.users.BeginBatchWrites(ctx)
		for _, id := range batch {
			if err := ctx.Err(); err != nil {
				e.commitBatch(bctx)
				return err
			}
			shouldWait = e.processUser(bctx, id, shouldWait, cfg)
		}
		e.commitBatch(bctx)
	}
	return nil
}

// runConcurrent обходит партицию с ограниченной параллельностью: одна общая
// батч-область записи, у каждой задачи своя область кэша чтения.
func (e *Engine) runConcurrent(ctx context.Context, part []user.UserID, cfg config.RuntimeConfig) error {
	bctx := e.users.BeginBatchWrites(ctx)
	sem := make(chan struct{}, cfg.AlertConcurrency)
	var wg sync.WaitGroup
	var ctxErr error
	for _, id := range part {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
		if ctxErr != nil {
			break
		}
		wg.Go(func() {
			defer func() { <-sem }()
			cctx := e.users.BeginUserCacheScope(bctx)
			defer e.users.EndUserCacheScope(cctx)
			e.processUser(cctx, id, false, cfg)
		})
	}
	wg.Wait()
	e.commitBatch(bctx)
	return ctxErr
}

func (e *Engine) commitBatch(ctx context.Context) {
	if err := e.users.CommitBatchWrites(ctx); err != nil {
		logger.Errorf("alerts: батч записей не зафиксирован: %v", err)
	}
}

// processUser выполняет проверку всех аккаунтов пользователя. Возвращает
// признак «следующему пользователю стоит выждать паузу»: true после похода
// в сеть, false после чистого попадания в кэш, вход без изменений — когда
// походов не было вовсе.
func (e *Engine) processUser(ctx context.Context, id user.UserID, shouldWait bool, cfg config.RuntimeConfig) bool {
	u, err := e.users.GetUser(ctx, id)
	if err != nil {
		logger.Warnf("alerts: пользователь %s не прочитан: %v", id, err)
		return shouldWait
	}
	if u == nil || len(u.Accounts) == 0 {
		return shouldWait
	}

	lastMiss := shouldWait
	slept := false
	currentIdx := u.CurrentAccountIndex()
	daily := u.Settings.HasDailyShop()
	// pending: канал → номер первого аккаунта с протухшей привязкой.
	// Одно уведомление на канал, сколько бы аккаунтов ни отвалилось.
	pending := make(map[user.ChannelID]int)

	for i, acc := range u.Accounts {
		idx := i + 1
		if acc == nil {
			continue
		}
		if len(acc.Alerts) == 0 && (!daily || idx != currentIdx) {
			continue
		}

		if removed := dedupAlerts(acc); removed > 0 {
			logger.Debugf("alerts: аккаунт %s: убрано дублей подписок: %d", acc.Puuid, removed)
			if err := e.users.UpdateSingleAccount(ctx, acc); err != nil {
				logger.Warnf("alerts: аккаунт %s: подписки без дублей не сохранены: %v", acc.Puuid, err)
			}
		}

		if shouldWait && !slept {
			if err := e.clk.Sleep(ctx, cfg.DelayBetweenAlerts); err != nil {
				return lastMiss
			}
			slept = true
		}

		snap, ferr := e.fetchWithRetry(ctx, u.ID, idx)
		switch {
		case ferr == nil:
			lastMiss = !snap.Cached
			e.onFetchSuccess(ctx, u, idx, acc, snap, daily && idx == currentIdx)
		case errors.Is(ferr, rerr.ErrInvalidCredentials):
			lastMiss = true
			dailyCh := user.ChannelID("")
			if daily && idx == currentIdx {
				dailyCh = u.Settings.DailyShopChannel
			}
			e.onAuthFailure(ctx, u, idx, acc, cfg.AuthFailureStrikes, dailyCh, pending)
		case errors.Is(ferr, context.Canceled) || errors.Is(ferr, context.DeadlineExceeded):
			return lastMiss
		default:
			lastMiss = true
			logger.Warnf("alerts: пользователь %s, аккаунт #%d: витрина не получена: %v", u.ID, idx, ferr)
		}
	}

	for ch, idx := range pending {
		e.dispatchCredentials(ctx, u, idx, ch)
	}
	return lastMiss
}

// fetchWithRetry ходит за витриной с ограниченными повторами: техработы и
// лимит запросов пережидаются, остальные ошибки отдаются сразу. После
// последней неудачной попытки пауза не выдерживается.
func (e *Engine) fetchWithRetry(ctx context.Context, id user.UserID, accountIdx int) (*shop.Snapshot, error) {
	var lastErr error
	for attempt := range fetchAttempts {
		snap, err := e.shop.FetchShop(ctx, id, accountIdx)
		if err == nil {
			return snap, nil
		}
		lastErr = err

		var wait time.Duration
		switch retryAt, limited := rerr.RetryAtOf(err); {
		case errors.Is(err, rerr.ErrMaintenance):
			wait = maintenanceDelay
			logger.Infof("alerts: апстрим на техработах, пауза %s", wait)
		case limited:
			wait = retryAt.Sub(e.clk.Now())
			if wait <= 0 {
				wait = rateLimitFallback
			}
			logger.Infof("alerts: лимит запросов, пауза %s", wait.Round(time.Second))
		default:
			return nil, err
		}
		if attempt == fetchAttempts-1 {
			break
		}
		if serr := e.clk.Sleep(ctx, wait); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

// onFetchSuccess обрабатывает полученную ротацию: учёт, снятие страйков,
// ежедневная витрина текущего аккаунта и адресные оповещения по совпадениям.
func (e *Engine) onFetchSuccess(ctx context.Context, u *user.User, idx int, acc *user.Account, snap *shop.Snapshot, sendDaily bool) {
	if e.stats != nil {
		e.stats.RecordShopFetch(ctx, acc.Puuid, snap.Offers)
	}
	if acc.AuthFailures > 0 {
		// Успешный поход снимает страйки. Auth-данные берём из базы: слой
		// авторизации мог только что обновить токены в своей копии аккаунта.
		e.refreshAccountState(ctx, u.ID, acc)
		if acc.AuthFailures > 0 {
			acc.AuthFailures = 0
			if err := e.users.UpdateSingleAccount(ctx, acc); err != nil {
				logger.Warnf("alerts: аккаунт %s: сброс страйков не сохранён: %v", acc.Puuid, err)
			}
		}
	}

	if sendDaily {
		e.dispatchDailyShop(ctx, u, idx, snap)
	}

	for _, hit := range positiveAlerts(acc, snap) {
		e.dispatchAlert(ctx, u, idx, hit.channel, hit.items, snap.ExpiresAt)
	}
}

// onAuthFailure фиксирует отклонённый вход. Пока аккаунт не выбрал страйки
// и привязка цела, прогон ограничивается счётчиком: апстрим изредка отвергает
// формально свежий токен. Исчерпание страйков (или уже обнулённая слоем
// авторизации привязка) — терминальное состояние: Auth обнуляется, каналы
// аккаунта попадают в очередь уведомлений о протухших учётных данных.
func (e *Engine) onAuthFailure(ctx context.Context, u *user.User, idx int, acc *user.Account, strikes int, dailyCh user.ChannelID, pending map[user.ChannelID]int) {
	e.refreshAccountState(ctx, u.ID, acc)
	acc.AuthFailures = min(acc.AuthFailures+1, strikes)

	if acc.Auth != nil && acc.AuthFailures < strikes {
		if err := e.users.UpdateSingleAccount(ctx, acc); err != nil {
			logger.Warnf("alerts: аккаунт %s: страйк не сохранён: %v", acc.Puuid, err)
		}
		logger.Infof("alerts: аккаунт %s пользователя %s: вход отклонён, страйк %d/%d", acc.Puuid, u.ID, acc.AuthFailures, strikes)
		return
	}

	acc.Auth = nil
	first := acc.LastNoticeSeen != noticeCredentialsExpired
	if first {
		acc.LastNoticeSeen = noticeCredentialsExpired
	}
	if err := e.users.UpdateSingleAccount(ctx, acc); err != nil {
		logger.Warnf("alerts: аккаунт %s: сброс привязки не сохранён: %v", acc.Puuid, err)
	}
	if !first {
		return
	}
	for _, al := range acc.Alerts {
		if al.ChannelID == "" {
			continue
		}
		if _, ok := pending[al.ChannelID]; !ok {
			pending[al.ChannelID] = idx
		}
	}
	if dailyCh != "" {
		if _, ok := pending[dailyCh]; !ok {
			pending[dailyCh] = idx
		}
	}
	logger.Infof("alerts: у аккаунта %s пользователя %s истекли данные входа", acc.Puuid, u.ID)
}

// refreshAccountState подтягивает в копию движка актуальные auth-данные и
// счётчик страйков из базы: пока шёл поход за витриной, слой авторизации
// мог обновить либо обнулить привязку, и точечная запись устаревшей копии
// воскресила бы старые токены.
func (e *Engine) refreshAccountState(ctx context.Context, id user.UserID, acc *user.Account) {
	fresh, err := e.users.GetUser(ctx, id)
	if err != nil || fresh == nil {
		return
	}
	if _, fa := fresh.AccountByPuuid(acc.Puuid); fa != nil {
		acc.Auth = fa.Auth
		acc.AuthFailures = fa.AuthFailures
	}
}

// --- доставка уведомлений ---

func (e *Engine) dispatchAlert(ctx context.Context, u *user.User, idx int, ch user.ChannelID, items []user.ItemID, expiresAt int64) {
	msg := bus.AlertDelivery{
		ChannelID:  string(ch),
		UserID:     string(u.ID),
		AccountIdx: idx,
		ItemIDs:    itemStrings(items),
		ExpiresAt:  expiresAt,
	}
	e.dispatch(ctx, u, ch, msg, func(target user.ChannelID) error {
		return e.port.SendAlert(ctx, notify.AlertNotice{
			UserID:     u.ID,
			AccountIdx: idx,
			ChannelID:  target,
			ItemIDs:    items,
			ExpiresAt:  expiresAt,
		})
	})
}

func (e *Engine) dispatchDailyShop(ctx context.Context, u *user.User, idx int, snap *shop.Snapshot) {
	ch := u.Settings.DailyShopChannel
	msg := bus.DailyShopDelivery{
		ChannelID:  string(ch),
		UserID:     string(u.ID),
		AccountIdx: idx,
		Offers:     itemStrings(snap.Offers),
		ExpiresAt:  snap.ExpiresAt,
	}
	e.dispatch(ctx, u, ch, msg, func(target user.ChannelID) error {
		return e.port.SendDailyShop(ctx, notify.DailyShopNotice{
			UserID:     u.ID,
			AccountIdx: idx,
			ChannelID:  target,
			Offers:     snap.Offers,
			ExpiresAt:  snap.ExpiresAt,
		})
	})
}

func (e *Engine) dispatchCredentials(ctx context.Context, u *user.User, idx int, ch user.ChannelID) {
	msg := bus.CredentialsExpired{
		ChannelID:  string(ch),
		UserID:     string(u.ID),
		AccountIdx: idx,
	}
	e.dispatch(ctx, u, ch, msg, func(target user.ChannelID) error {
		return e.port.SendCredentialsExpired(ctx, notify.CredentialsNotice{
			UserID:     u.ID,
			AccountIdx: idx,
			ChannelID:  target,
		})
	})
}

// dispatch проводит уведомление по цепочке доставки. send строит и шлёт
// уведомление в указанный канал через локальный порт — он же используется
// для повторной доставки после миграции в личные сообщения.
func (e *Engine) dispatch(ctx context.Context, u *user.User, ch user.ChannelID, msg bus.Message, send func(target user.ChannelID) error) {
	err := send(ch)
	if err == nil {
		return
	}
	if errors.Is(err, notify.ErrNotOnThisShard) {
		accepted, berr := e.b.SendToKey(ctx, string(ch), msg)
		if berr != nil {
			logger.Warnf("alerts: канал %s: адресная отправка не удалась: %v", ch, berr)
			return
		}
		if accepted {
			return
		}
		e.migrateToDM(ctx, u, ch, reasonUnrouted, send)
		return
	}
	var inacc *rerr.ChannelInaccessibleError
	if errors.As(err, &inacc) {
		e.migrateToDM(ctx, u, ch, inacc.Reason, send)
		return
	}
	logger.Warnf("alerts: канал %s: доставка не удалась: %v", ch, err)
}

// migrateToDM переводит оповещения безвозвратно недоступного канала в личные
// сообщения: один транзакционный пересчёт каналов, пояснение пользователю и
// повторная доставка исходного уведомления уже в ЛС.
func (e *Engine) migrateToDM(ctx context.Context, u *user.User, ch user.ChannelID, reason string, send func(target user.ChannelID) error) {
	dm, err := e.port.OpenDM(ctx, u.ID)
	if err != nil {
		logger.Warnf("alerts: пользователь %s: ЛС не открыт, миграция с канала %s отложена: %v", u.ID, ch, err)
		return
	}
	if dm == "" || dm == ch {
		logger.Warnf("alerts: пользователь %s: мигрировать оповещения с канала %s некуда", u.ID, ch)
		return
	}

	moved := 0
	for _, acc := range u.Accounts {
		moved += acc.ReplaceAlertChannel(ch, dm)
	}
	if u.Settings.DailyShopChannel == ch {
		u.Settings.DailyShopChannel = dm
	}
	if err := e.users.SaveUser(ctx, u); err != nil {
		logger.Errorf("alerts: пользователь %s: миграция каналов не сохранена: %v", u.ID, err)
		return
	}
	logger.Infof("alerts: пользователь %s: канал %s недоступен (%s), подписок переведено в ЛС: %d", u.ID, ch, reason, moved)

	if nerr := e.port.NotifyChannelInaccessible(ctx, notify.InaccessibleNotice{
		UserID:        u.ID,
		ChannelID:     ch,
		DMChannelID:   dm,
		Reason:        reason,
		MigratedCount: moved,
	}); nerr != nil {
		logger.Warnf("alerts: пользователь %s: пояснение о миграции не доставлено: %v", u.ID, nerr)
	}
	if serr := send(dm); serr != nil {
		logger.Warnf("alerts: пользователь %s: повторная доставка в ЛС не удалась: %v", u.ID, serr)
	}
}

// --- подписки и совпадения ---

// channelHits — совпадения одного канала в порядке подписок пользователя.
type channelHits struct {
	channel user.ChannelID
	items   []user.ItemID
}

// positiveAlerts пересекает подписки аккаунта с ротацией и группирует
// совпадения по каналам, сохраняя порядок первого появления.
func positiveAlerts(acc *user.Account, snap *shop.Snapshot) []channelHits {
	if snap.Empty() || len(acc.Alerts) == 0 {
		return nil
	}
	offers := make(map[user.ItemID]struct{}, len(snap.Offers))
	for _, id := range snap.Offers {
		offers[id] = struct{}{}
	}
	var (
		order []user.ChannelID
		byCh  = make(map[user.ChannelID][]user.ItemID)
	)
	for _, al := range acc.Alerts {
		if _, ok := offers[al.UUID]; !ok {
			continue
		}
		if _, seen := byCh[al.ChannelID]; !seen {
			order = append(order, al.ChannelID)
		}
		byCh[al.ChannelID] = append(byCh[al.ChannelID], al.UUID)
	}
	hits := make([]channelHits, 0, len(order))
	for _, ch := range order {
		hits = append(hits, channelHits{channel: ch, items: byCh[ch]})
	}
	return hits
}

// dedupAlerts убирает дубли подписок по UUID предмета, оставляя первое
// вхождение. Возвращает число удалённых записей.
func dedupAlerts(acc *user.Account) int {
	if len(acc.Alerts) < 2 {
		return 0
	}
	kept := shared.UniqueBy(acc.Alerts, func(al user.Alert) user.ItemID { return al.UUID })
	removed := len(acc.Alerts) - len(kept)
	acc.Alerts = kept
	return removed
}

func itemStrings(items []user.ItemID) []string {
	out := make([]string, 0, len(items))
	for _, id := range items {
		out = append(out, string(id))
	}
	return out
}
