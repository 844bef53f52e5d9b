package auth

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/config"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/sharedstore"
	"valorant-skinbot/internal/riot/rerr"

	"github.com/go-faster/errors"
)

// Ключи очереди логинов в разделяемом хранилище.
const (
	keyLoginCounter   = "auth:counter"
	keyLoginQueue     = "auth:queue"
	keyProcessingLock = "auth:processing_lock"
	keyProcessing     = "auth:processing"

	loginResultPrefix = "auth:result:"
)

const (
	// processingLockTTL — срок владения обработкой; владелец продлевает
	// его каждый тик.
	processingLockTTL = 2 * time.Minute
	// loginResultTTL — сколько результат ждёт своего опрашивающего.
	loginResultTTL = 5 * time.Minute
	// staleLoginAge — возраст отметки обработки, после которого операция
	// считается брошенной упавшим шардом.
	staleLoginAge = 5 * time.Minute
)

// Операции очереди логинов.
const (
	opRedeemCookies = "redeem_cookies"
	opRedeemCode    = "redeem_code"
)

// loginJob — элемент очереди логинов. Payload несёт cookie-джар либо
// callback-URL и в логи не попадает.
type loginJob struct {
	C       int64  `json:"c"`
	Op      string `json:"op"`
	UserID  string `json:"user_id"`
	Payload string `json:"payload"`
}

// loginResult — межшардовое представление исхода операции. Ошибка едет
// классом, чтобы errors.Is и errors.As работали и на шарде-отправителе.
type loginResult struct {
	OK       bool   `json:"ok"`
	Puuid    string `json:"puuid,omitempty"`
	Username string `json:"username,omitempty"`
	Region   string `json:"region,omitempty"`

	ErrKind     string `json:"err_kind,omitempty"`
	ErrMessage  string `json:"err_message,omitempty"`
	RetryAtUnix int64  `json:"retry_at_unix,omitempty"`
	Cap         int    `json:"cap,omitempty"`
}

// Классы ошибок loginResult.
const (
	errKindRateLimited     = "rate_limited"
	errKindMaintenance     = "maintenance"
	errKindInvalidCreds    = "invalid_credentials"
	errKindBlocked         = "blocked"
	errKindTooManyAccounts = "too_many_accounts"
	errKindTransport       = "transport"
	errKindOther           = "other"
)

// encodeLoginResult сериализует исход операции для передачи между шардами.
func encodeLoginResult(acc *user.Account, opErr error) string {
	var res loginResult
	switch {
	case opErr == nil:
		res.OK = true
		if acc != nil {
			res.Puuid = string(acc.Puuid)
			res.Username = acc.Username
			res.Region = acc.Region
		}
	default:
		var (
			rl  *rerr.RateLimitedError
			tma *rerr.TooManyAccountsError
			tr  *rerr.TransportError
		)
		switch {
		case errors.As(opErr, &rl):
			res.ErrKind = errKindRateLimited
			res.RetryAtUnix = rl.RetryAt.Unix()
		case errors.Is(opErr, rerr.ErrMaintenance):
			res.ErrKind = errKindMaintenance
		case errors.Is(opErr, rerr.ErrInvalidCredentials):
			res.ErrKind = errKindInvalidCreds
		case errors.Is(opErr, rerr.ErrBlocked):
			res.ErrKind = errKindBlocked
		case errors.As(opErr, &tma):
			res.ErrKind = errKindTooManyAccounts
			res.Cap = tma.Cap
		case errors.As(opErr, &tr):
			res.ErrKind = errKindTransport
			res.ErrMessage = tr.Error()
		default:
			res.ErrKind = errKindOther
			res.ErrMessage = opErr.Error()
		}
	}
	raw, err := json.Marshal(res)
	if err != nil {
		logger.Warnf("auth: результат операции не сериализован: %v", err)
		return `{"ok":false,"err_kind":"other","err_message":"internal encode failure"}`
	}
	return string(raw)
}

func decodeLoginResult(raw string) (loginResult, error) {
	var res loginResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return loginResult{}, errors.Wrap(err, "decode login result")
	}
	return res, nil
}

// err восстанавливает ошибку соответствующего класса.
func (r loginResult) err() error {
	switch r.ErrKind {
	case "":
		return nil
	case errKindRateLimited:
		return rerr.RateLimited(time.Unix(r.RetryAtUnix, 0))
	case errKindMaintenance:
		return rerr.ErrMaintenance
	case errKindInvalidCreds:
		return rerr.ErrInvalidCredentials
	case errKindBlocked:
		return rerr.ErrBlocked
	case errKindTooManyAccounts:
		return &rerr.TooManyAccountsError{Cap: r.Cap}
	case errKindTransport:
		return rerr.Transport("queued login", errors.New(r.ErrMessage))
	default:
		if r.ErrMessage != "" {
			return errors.New(r.ErrMessage)
		}
		return errors.New("login failed")
	}
}

func loginResultKey(c int64) string    { return loginResultPrefix + strconv.FormatInt(c, 10) }
func loginCounterField(c int64) string { return strconv.FormatInt(c, 10) }

// RedeemCookies обменивает cookie-джар на привязку аккаунта. При включённой
// очереди логинов операция сериализуется кластерно; недоступное хранилище
// откатывает на прямой вызов.
func (s *Service) RedeemCookies(ctx context.Context, id user.UserID, cookies string) (*user.Account, error) {
	return s.runLogin(ctx, loginJob{Op: opRedeemCookies, UserID: string(id), Payload: cookies})
}

// RedeemCodeCallback разбирает callback-URL авторизации, меняет код на
// токены и сохраняет refresh-токен в привязке.
func (s *Service) RedeemCodeCallback(ctx context.Context, id user.UserID, callbackURL string) (*user.Account, error) {
	return s.runLogin(ctx, loginJob{Op: opRedeemCode, UserID: string(id), Payload: callbackURL})
}

func (s *Service) runLogin(ctx context.Context, job loginJob) (*user.Account, error) {
	if !config.Runtime().UseLoginQueue || !s.shared.Available() {
		return s.executeLogin(ctx, job)
	}
	return s.runQueuedLogin(ctx, job)
}

func (s *Service) executeLogin(ctx context.Context, job loginJob) (*user.Account, error) {
	switch job.Op {
	case opRedeemCookies:
		return s.redeemCookiesDirect(ctx, user.UserID(job.UserID), job.Payload)
	case opRedeemCode:
		return s.redeemCodeDirect(ctx, user.UserID(job.UserID), job.Payload)
	default:
		return nil, errors.Errorf("unknown login operation %q", job.Op)
	}
}

// runQueuedLogin ставит операцию в межшардовую очередь и ждёт результата
// с темпом loginQueuePollRate. Сбой хранилища до постановки откатывает на
// прямой вызов; ожидание ограничено контекстом вызывающего.
func (s *Service) runQueuedLogin(ctx context.Context, job loginJob) (*user.Account, error) {
	c, err := s.shared.Incr(ctx, keyLoginCounter)
	if err != nil {
		logger.Warnf("auth: очередь логинов недоступна, операция выполняется напрямую: %v", err)
		return s.executeLogin(ctx, job)
	}
	job.C = c
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, errors.Wrap(err, "marshal login job")
	}
	if err := s.shared.LPush(ctx, keyLoginQueue, string(raw)); err != nil {
		logger.Warnf("auth: очередь логинов недоступна, операция выполняется напрямую: %v", err)
		return s.executeLogin(ctx, job)
	}
	logger.Debugf("auth: операция %d (%s) поставлена в очередь логинов", c, job.Op)

	for {
		if err := s.clk.Sleep(ctx, config.Runtime().LoginQueuePollRate); err != nil {
			return nil, err
		}
		st, err := s.PollLogin(ctx, c)
		if err != nil {
			return nil, err
		}
		if !st.Processed {
			continue
		}
		if st.Err != nil {
			return nil, st.Err
		}
		return s.reloadAccount(ctx, user.UserID(job.UserID), st), nil
	}
}

// LoginStatus — ответ на опрос очереди логинов.
type LoginStatus struct {
	// Processed — результат готов и изъят из хранилища.
	Processed bool
	// Remaining — сколько операций ещё ждут в очереди; грубая оценка позиции.
	Remaining int64

	// Поля ниже заполнены только при Processed: паспорт привязанного
	// аккаунта либо ошибка операции.
	Puuid    user.Puuid
	Username string
	Region   string
	Err      error
}

// PollLogin снимает результат операции c, если тот готов. Результат
// одноразовый: первый успешный опрос забирает его из хранилища.
func (s *Service) PollLogin(ctx context.Context, c int64) (LoginStatus, error) {
	raw, found, err := s.shared.GetDel(ctx, loginResultKey(c))
	if err != nil {
		return LoginStatus{}, errors.Wrap(err, "poll login result")
	}
	remaining, lerr := s.shared.LLen(ctx, keyLoginQueue)
	if lerr != nil {
		remaining = 0
	}
	if !found {
		return LoginStatus{Remaining: remaining}, nil
	}
	res, err := decodeLoginResult(raw)
	if err != nil {
		return LoginStatus{}, err
	}
	return LoginStatus{
		Processed: true,
		Remaining: remaining,
		Puuid:     user.Puuid(res.Puuid),
		Username:  res.Username,
		Region:    res.Region,
		Err:       res.err(),
	}, nil
}

// reloadAccount перечитывает привязку из разделяемой базы: запись сделал
// обрабатывающий шард, локальный кэш-скоуп мог запомнить состояние до неё.
func (s *Service) reloadAccount(ctx context.Context, id user.UserID, st LoginStatus) *user.Account {
	s.users.InvalidateUserCache(ctx, id)
	u, err := s.users.GetUser(ctx, id)
	if err == nil && u != nil {
		if _, acc := u.AccountByPuuid(st.Puuid); acc != nil {
			return acc
		}
	}
	// Запись ещё не видна — отдаём паспорт из результата.
	return &user.Account{Puuid: st.Puuid, Username: st.Username, Region: st.Region}
}

// RunLoginQueue — цикл обработки очереди логинов; поднимается на каждом
// шарде, но разбирает очередь в один момент времени лишь владелец
// блокировки. Возвращается по отмене контекста.
func (s *Service) RunLoginQueue(ctx context.Context) {
	var lock *sharedstore.Lock
	release := func() {
		if lock == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = lock.Release(rctx)
		cancel()
		lock = nil
		logger.Infof("auth: шард отдал обработку очереди логинов")
	}
	defer release()

	for {
		if err := s.clk.Sleep(ctx, config.Runtime().LoginQueueInterval); err != nil {
			return
		}
		if !config.Runtime().UseLoginQueue || !s.shared.Available() {
			release()
			continue
		}
		if lock != nil {
			ok, err := lock.Refresh(ctx)
			if err != nil || !ok {
				// Блокировка потеряна; снимать чужую нельзя.
				lock = nil
			}
		}
		if lock == nil {
			l, ok, err := s.shared.AcquireLock(ctx, keyProcessingLock, processingLockTTL)
			if err != nil || !ok {
				continue
			}
			lock = l
			logger.Infof("auth: шард взял обработку очереди логинов")
		}
		s.processNextLogin(ctx)
		s.sweepStaleLogins(ctx)
	}
}

// processNextLogin снимает одну операцию из очереди и исполняет её. Темп
// задаёт loginQueueInterval: одна операция на тик, логины размазаны во
// времени по всему кластеру.
func (s *Service) processNextLogin(ctx context.Context) {
	raw, found, err := s.shared.RPop(ctx, keyLoginQueue)
	if err != nil || !found {
		return
	}
	var job loginJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Содержимое элемента не логируется: в нём секреты.
		logger.Warnf("auth: повреждённый элемент очереди логинов: %v", err)
		return
	}
	mark := map[string]string{loginCounterField(job.C): strconv.FormatInt(s.clk.Now().Unix(), 10)}
	if err := s.shared.HSet(ctx, keyProcessing, mark); err != nil {
		logger.Warnf("auth: отметка обработки операции %d не записана: %v", job.C, err)
	}
	acc, opErr := s.executeLogin(ctx, job)
	if err := s.shared.Set(ctx, loginResultKey(job.C), encodeLoginResult(acc, opErr), loginResultTTL); err != nil {
		logger.Warnf("auth: результат операции %d не записан: %v", job.C, err)
	}
	if err := s.shared.HDel(ctx, keyProcessing, loginCounterField(job.C)); err != nil {
		logger.Warnf("auth: отметка обработки операции %d не снята: %v", job.C, err)
	}
	if opErr != nil {
		logger.Infof("auth: операция %d (%s) завершилась ошибкой: %v", job.C, job.Op, opErr)
		return
	}
	logger.Debugf("auth: операция %d (%s) обработана", job.C, job.Op)
}

// sweepStaleLogins снимает операции, зависшие в обработке дольше
// staleLoginAge: упавший посреди логина шард не должен держать
// опрашивающего вечно.
func (s *Service) sweepStaleLogins(ctx context.Context) {
	entries, err := s.shared.HGetAll(ctx, keyProcessing)
	if err != nil || len(entries) == 0 {
		return
	}
	cutoff := s.clk.Now().Add(-staleLoginAge).Unix()
	for field, rawTS := range entries {
		ts, perr := strconv.ParseInt(rawTS, 10, 64)
		if perr == nil && ts > cutoff {
			continue
		}
		if err := s.shared.HDel(ctx, keyProcessing, field); err != nil {
			continue
		}
		c, perr := strconv.ParseInt(field, 10, 64)
		if perr != nil {
			continue
		}
		stalled := encodeLoginResult(nil, errors.New("login stalled in processing"))
		if err := s.shared.Set(ctx, loginResultKey(c), stalled, loginResultTTL); err != nil {
			logger.Warnf("auth: результат снятой операции %d не записан: %v", c, err)
		}
		logger.Warnf("auth: операция %d зависла в обработке и снята", c)
	}
}
