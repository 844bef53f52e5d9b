// Пакет users — постоянное хранилище пользователей и привязанных Riot-аккаунтов
// поверх SQLite (файл users.db в каталоге данных). В этом пакете:
//   - Store — открытие базы, миграция схемы и CRUD-операции;
//   - батч-область записи (scopes.go) — буферизация SaveUser с флашем одной
//     транзакцией;
//   - область кэша чтения (scopes.go) — повторные GetUser внутри области
//     возвращают один и тот же снапшот.
//
// База общая для всех шардов на машине: режим WAL разрешает параллельных
// читателей, busy_timeout сглаживает конкуренцию писателей между процессами.
// Внутри процесса писатель ровно один — запись сериализуется writeMu.
//
// JSON-колонки (settings, alerts, auth) хранятся как TEXT. Повреждённое
// значение отдельной колонки не валит чтение: поле обнуляется, в лог уходит
// предупреждение без содержимого колонки (auth содержит токены).
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"

	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/storage"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-faster/errors"
	_ "modernc.org/sqlite"
)

const (
	tableUsers    = "users"
	tableAccounts = "accounts"

	// busyTimeoutMS — сколько соединение ждёт снятия блокировки базы другим
	// процессом, прежде чем вернуть SQLITE_BUSY.
	busyTimeoutMS = 5000
)

// ErrAccountNotFound возвращается точечными операциями над аккаунтом, когда
// строки с таким puuid в базе нет.
var ErrAccountNotFound = errors.New("account not found")

// schemaStatements выполняются при каждом открытии базы. Все операторы
// идемпотентны, поэтому отдельного трекинга версий схемы не требуется.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		currentAccount INTEGER NOT NULL DEFAULT 0,
		settings       TEXT NOT NULL DEFAULT '{}',
		createdAt      INTEGER NOT NULL,
		updatedAt      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		puuid            TEXT PRIMARY KEY,
		userId           TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		position         INTEGER NOT NULL DEFAULT 1,
		username         TEXT NOT NULL DEFAULT '',
		region           TEXT NOT NULL DEFAULT '',
		auth             TEXT,
		alerts           TEXT NOT NULL DEFAULT '[]',
		authFailures     INTEGER NOT NULL DEFAULT 0,
		lastFetchedData  INTEGER NOT NULL DEFAULT 0,
		lastNoticeSeen   TEXT NOT NULL DEFAULT '',
		lastSawEasterEgg INTEGER NOT NULL DEFAULT 0,
		createdAt        INTEGER NOT NULL,
		updatedAt        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS accounts_userId ON accounts(userId)`,
}

// Store — обёртка над users.db. Все методы потокобезопасны; модифицирующие
// операции сериализуются writeMu, чтение идёт через пул соединений.
type Store struct {
	db  *sql.DB
	gdb *goqu.Database
	clk clock.Clock

	path string

	// writeMu — единственный писатель внутри процесса. Конкуренцию между
	// процессами разруливают WAL и busy_timeout на уровне SQLite.
	writeMu sync.Mutex
}

// Open открывает (при необходимости создавая) базу по пути path и приводит
// схему к актуальной. Часы clk используются для меток createdAt/updatedAt;
// nil означает системные часы.
func Open(ctx context.Context, path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.NewSystem(nil)
	}
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "prepare data dir")
	}

	// Прагмы задаются в DSN, чтобы действовать на каждое соединение пула:
	// journal_mode — свойство файла, но busy_timeout и foreign_keys — свойства
	// соединения и без DSN применились бы только к одному из них.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(" + strconv.Itoa(busyTimeoutMS) + ")" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", path)
	}

	s := &Store{
		db:   db,
		gdb:  goqu.New("sqlite3", db),
		clk:  clk,
		path: path,
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debugf("users store: opened %s", path)
	return s, nil
}

// Close закрывает пул соединений. Идемпотентен.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureSchema применяет schemaStatements. Выполняется под writeMu: открытие
// нескольких шардов на одной машине не должно наслаивать CREATE друг на друга.
func (s *Store) ensureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}

// GetUser возвращает пользователя с полным списком аккаунтов в пользовательском
// порядке. Отсутствие пользователя — не ошибка: возвращается (nil, nil).
// Внутри области кэша чтения повторные вызовы отдают копии одного снапшота.
func (s *Store) GetUser(ctx context.Context, id user.UserID) (*user.User, error) {
	cache := cacheFrom(ctx)
	if cache != nil {
		if u, ok := cache.get(id); ok {
			return u.Clone(), nil
		}
	}

	u, err := s.loadUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.put(id, u.Clone())
	}
	return u, nil
}

// loadUser читает пользователя напрямую из базы, минуя кэш-область.
func (s *Store) loadUser(ctx context.Context, id user.UserID) (*user.User, error) {
	var urow userRow
	found, err := s.gdb.From(tableUsers).
		Select(userColumns()...).
		Where(goqu.Ex{"id": string(id)}).
		ScanStructContext(ctx, &urow)
	if err != nil {
		return nil, errors.Wrapf(err, "select user %s", id)
	}
	if !found {
		return nil, nil
	}

	var arows []accountRow
	err = s.gdb.From(tableAccounts).
		Select(accountColumns()...).
		Where(goqu.Ex{"userId": string(id)}).
		Order(goqu.C("position").Asc(), goqu.C("puuid").Asc()).
		ScanStructsContext(ctx, &arows)
	if err != nil {
		return nil, errors.Wrapf(err, "select accounts of %s", id)
	}
	return buildUser(urow, arows), nil
}

// SaveUser сохраняет пользователя целиком: строку users, все аккаунты и их
// порядок. Аккаунты, отсутствующие в u.Accounts, удаляются из базы. Внутри
// батч-области вызов буферизуется (последняя запись по id побеждает) и попадает
// в базу при CommitBatchWrites.
func (s *Store) SaveUser(ctx context.Context, u *user.User) error {
	if u == nil || u.ID == "" {
		return errors.New("save user: empty user")
	}
	if b := batchFrom(ctx); b != nil {
		b.stash(u)
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		return s.saveUserTx(ctx, tx, u)
	})
	if err != nil {
		return err
	}
	// Прямая запись — уже зафиксированное состояние: снапшот в кэш-области
	// обновляется, чтобы собственные чтения вызывающего не отставали.
	if cache := cacheFrom(ctx); cache != nil {
		cache.put(u.ID, u.Clone())
	}
	return nil
}

// saveUserTx выполняет фактическую запись пользователя внутри транзакции tx.
func (s *Store) saveUserTx(ctx context.Context, tx *goqu.TxDatabase, u *user.User) error {
	now := s.clk.Now().Unix()

	settingsJSON, err := marshalSettings(u.Settings)
	if err != nil {
		return errors.Wrapf(err, "encode settings of %s", u.ID)
	}

	// users: update-then-insert. ON CONFLICT не используем сознательно — так
	// createdAt гарантированно выставляется только при первой записи.
	res, err := tx.Update(tableUsers).
		Set(goqu.Record{
			"currentAccount": u.CurrentAccount,
			"settings":       settingsJSON,
			"updatedAt":      now,
		}).
		Where(goqu.Ex{"id": string(u.ID)}).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "update user %s", u.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.Insert(tableUsers).
			Rows(goqu.Record{
				"id":             string(u.ID),
				"currentAccount": u.CurrentAccount,
				"settings":       settingsJSON,
				"createdAt":      now,
				"updatedAt":      now,
			}).
			Executor().ExecContext(ctx)
		if err != nil {
			return errors.Wrapf(err, "insert user %s", u.ID)
		}
	}

	// Зачистка аккаунтов, которых больше нет у пользователя.
	puuids := make([]string, 0, len(u.Accounts))
	for _, a := range u.Accounts {
		if a != nil && a.Puuid != "" {
			puuids = append(puuids, string(a.Puuid))
		}
	}
	delWhere := goqu.Ex{"userId": string(u.ID)}
	if len(puuids) > 0 {
		delWhere["puuid"] = goqu.Op{"notIn": puuids}
	}
	if _, err := tx.Delete(tableAccounts).Where(delWhere).Executor().ExecContext(ctx); err != nil {
		return errors.Wrapf(err, "prune accounts of %s", u.ID)
	}

	for i, a := range u.Accounts {
		if a == nil || a.Puuid == "" {
			continue
		}
		if err := s.upsertAccountTx(ctx, tx, u.ID, i+1, a, now); err != nil {
			return err
		}
	}
	return nil
}

// upsertAccountTx записывает один аккаунт с позицией position (1-базная).
func (s *Store) upsertAccountTx(ctx context.Context, tx *goqu.TxDatabase, owner user.UserID, position int, a *user.Account, now int64) error {
	authVal, err := marshalAuth(a.Auth)
	if err != nil {
		return errors.Wrapf(err, "encode auth of %s", a.Puuid)
	}
	alertsJSON, err := marshalAlerts(a.Alerts)
	if err != nil {
		return errors.Wrapf(err, "encode alerts of %s", a.Puuid)
	}

	rec := goqu.Record{
		"userId":           string(owner),
		"position":         position,
		"username":         a.Username,
		"region":           a.Region,
		"auth":             authVal,
		"alerts":           alertsJSON,
		"authFailures":     a.AuthFailures,
		"lastFetchedData":  a.LastFetchedData,
		"lastNoticeSeen":   a.LastNoticeSeen,
		"lastSawEasterEgg": a.LastSawEasterEgg,
		"updatedAt":        now,
	}
	res, err := tx.Update(tableAccounts).
		Set(rec).
		Where(goqu.Ex{"puuid": string(a.Puuid)}).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "update account %s", a.Puuid)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	rec["puuid"] = string(a.Puuid)
	rec["createdAt"] = now
	if _, err := tx.Insert(tableAccounts).Rows(rec).Executor().ExecContext(ctx); err != nil {
		return errors.Wrapf(err, "insert account %s", a.Puuid)
	}
	return nil
}

// UpdateSingleAccount точечно переписывает один существующий аккаунт, не трогая
// соседние аккаунты и строку пользователя. Позиция аккаунта сохраняется.
// Пишет мимо батч-области: точечные операции не буферизуются.
func (s *Store) UpdateSingleAccount(ctx context.Context, a *user.Account) error {
	if a == nil || a.Puuid == "" {
		return errors.New("update account: empty account")
	}
	authVal, err := marshalAuth(a.Auth)
	if err != nil {
		return errors.Wrapf(err, "encode auth of %s", a.Puuid)
	}
	alertsJSON, err := marshalAlerts(a.Alerts)
	if err != nil {
		return errors.Wrapf(err, "encode alerts of %s", a.Puuid)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.gdb.Update(tableAccounts).
		Set(goqu.Record{
			"username":         a.Username,
			"region":           a.Region,
			"auth":             authVal,
			"alerts":           alertsJSON,
			"authFailures":     a.AuthFailures,
			"lastFetchedData":  a.LastFetchedData,
			"lastNoticeSeen":   a.LastNoticeSeen,
			"lastSawEasterEgg": a.LastSawEasterEgg,
			"updatedAt":        s.clk.Now().Unix(),
		}).
		Where(goqu.Ex{"puuid": string(a.Puuid)}).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "update account %s", a.Puuid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	s.invalidateOwner(ctx, string(a.Puuid))
	return nil
}

// UpdateAccountAuth переписывает только авторизационный блок аккаунта.
// auth == nil означает сброс привязки (после исчерпания попыток обновления).
func (s *Store) UpdateAccountAuth(ctx context.Context, puuid user.Puuid, auth *user.Auth) error {
	if puuid == "" {
		return errors.New("update auth: empty puuid")
	}
	authVal, err := marshalAuth(auth)
	if err != nil {
		return errors.Wrapf(err, "encode auth of %s", puuid)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.gdb.Update(tableAccounts).
		Set(goqu.Record{
			"auth":      authVal,
			"updatedAt": s.clk.Now().Unix(),
		}).
		Where(goqu.Ex{"puuid": string(puuid)}).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "update auth of %s", puuid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	s.invalidateOwner(ctx, string(puuid))
	return nil
}

// DeleteUser удаляет пользователя вместе с аккаунтами (каскад по userId).
// Идемпотентен.
func (s *Store) DeleteUser(ctx context.Context, id user.UserID) error {
	if id == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		// Каскад настроен, но явное удаление не зависит от состояния прагмы
		// foreign_keys у чужих процессов.
		if _, err := tx.Delete(tableAccounts).Where(goqu.Ex{"userId": string(id)}).Executor().ExecContext(ctx); err != nil {
			return errors.Wrapf(err, "delete accounts of %s", id)
		}
		if _, err := tx.Delete(tableUsers).Where(goqu.Ex{"id": string(id)}).Executor().ExecContext(ctx); err != nil {
			return errors.Wrapf(err, "delete user %s", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cache := cacheFrom(ctx); cache != nil {
		cache.drop(id)
	}
	return nil
}

// DeleteAccount удаляет один аккаунт по puuid. Строку пользователя не трогает:
// решение об удалении опустевшего пользователя принимает вызывающий слой.
// Идемпотентен.
func (s *Store) DeleteAccount(ctx context.Context, puuid user.Puuid) error {
	if puuid == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.invalidateOwner(ctx, string(puuid))
	if _, err := s.gdb.Delete(tableAccounts).Where(goqu.Ex{"puuid": string(puuid)}).Executor().ExecContext(ctx); err != nil {
		return errors.Wrapf(err, "delete account %s", puuid)
	}
	return nil
}

// AllUserIDs возвращает идентификаторы всех пользователей в устойчивом порядке.
func (s *Store) AllUserIDs(ctx context.Context) ([]user.UserID, error) {
	var raw []string
	err := s.gdb.From(tableUsers).
		Select("id").
		Order(goqu.C("id").Asc()).
		ScanValsContext(ctx, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "select user ids")
	}
	return toUserIDs(raw), nil
}

// UserIDsWithAlertsOrDailyShop возвращает пользователей, которых вообще имеет
// смысл рассматривать при ежедневной проверке: у них есть хотя бы один алерт
// или настроен канал ежедневного магазина. Фильтр выполняется на стороне SQL,
// чтобы не поднимать в память всех пользователей.
func (s *Store) UserIDsWithAlertsOrDailyShop(ctx context.Context) ([]user.UserID, error) {
	var raw []string
	err := s.gdb.From(tableUsers).
		Select("id").
		Where(goqu.Or(
			goqu.L("COALESCE(json_extract(settings, '$.dailyShop'), '') != ''"),
			goqu.L("EXISTS (SELECT 1 FROM accounts WHERE accounts.userId = users.id AND accounts.alerts NOT IN ('', '[]'))"),
		)).
		Order(goqu.C("id").Asc()).
		ScanValsContext(ctx, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "select notifiable user ids")
	}
	return toUserIDs(raw), nil
}

// withTx оборачивает fn в транзакцию с откатом при ошибке.
func (s *Store) withTx(ctx context.Context, fn func(tx *goqu.TxDatabase) error) error {
	tx, err := s.gdb.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warnf("users store: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// invalidateOwner сбрасывает из кэш-области пользователя, владеющего аккаунтом
// puuid, чтобы следующий GetUser внутри области увидел точечную запись.
func (s *Store) invalidateOwner(ctx context.Context, puuid string) {
	cache := cacheFrom(ctx)
	if cache == nil {
		return
	}
	var owner string
	found, err := s.gdb.From(tableAccounts).
		Select("userId").
		Where(goqu.Ex{"puuid": puuid}).
		ScanValContext(ctx, &owner)
	if err != nil || !found {
		return
	}
	cache.drop(user.UserID(owner))
}

// --- строки таблиц и конвертация в домен ---

type userRow struct {
	ID             string `db:"id"`
	CurrentAccount int    `db:"currentAccount"`
	Settings       string `db:"settings"`
	CreatedAt      int64  `db:"createdAt"`
	UpdatedAt      int64  `db:"updatedAt"`
}

type accountRow struct {
	Puuid            string         `db:"puuid"`
	UserID           string         `db:"userId"`
	Position         int            `db:"position"`
	Username         string         `db:"username"`
	Region           string         `db:"region"`
	Auth             sql.NullString `db:"auth"`
	Alerts           string         `db:"alerts"`
	AuthFailures     int            `db:"authFailures"`
	LastFetchedData  int64          `db:"lastFetchedData"`
	LastNoticeSeen   string         `db:"lastNoticeSeen"`
	LastSawEasterEgg int64          `db:"lastSawEasterEgg"`
	CreatedAt        int64          `db:"createdAt"`
	UpdatedAt        int64          `db:"updatedAt"`
}

func userColumns() []any {
	return []any{"id", "currentAccount", "settings", "createdAt", "updatedAt"}
}

func accountColumns() []any {
	return []any{
		"puuid", "userId", "position", "username", "region", "auth", "alerts",
		"authFailures", "lastFetchedData", "lastNoticeSeen", "lastSawEasterEgg",
		"createdAt", "updatedAt",
	}
}

// buildUser собирает доменного пользователя из строк базы. Повреждённый JSON
// отдельного поля заменяется нулевым значением с предупреждением в логе;
// содержимое поля в лог не попадает.
func buildUser(urow userRow, arows []accountRow) *user.User {
	u := &user.User{
		ID:             user.UserID(urow.ID),
		CurrentAccount: urow.CurrentAccount,
	}
	if err := json.Unmarshal([]byte(urow.Settings), &u.Settings); err != nil {
		logger.Warnf("users store: settings of %s corrupted: %v", urow.ID, err)
		u.Settings = user.Settings{}
	}
	if len(arows) > 0 {
		u.Accounts = make([]*user.Account, 0, len(arows))
	}
	for _, ar := range arows {
		u.Accounts = append(u.Accounts, buildAccount(ar))
	}
	return u
}

func buildAccount(ar accountRow) *user.Account {
	a := &user.Account{
		Puuid:            user.Puuid(ar.Puuid),
		Username:         ar.Username,
		Region:           ar.Region,
		AuthFailures:     ar.AuthFailures,
		LastFetchedData:  ar.LastFetchedData,
		LastNoticeSeen:   ar.LastNoticeSeen,
		LastSawEasterEgg: ar.LastSawEasterEgg,
	}
	if ar.Auth.Valid && ar.Auth.String != "" {
		var auth user.Auth
		if err := json.Unmarshal([]byte(ar.Auth.String), &auth); err != nil {
			// Текст ошибки не содержит значения колонки: в auth лежат токены.
			logger.Warnf("users store: auth of %s corrupted, dropping: %v", ar.Puuid, err)
		} else {
			a.Auth = &auth
		}
	}
	if ar.Alerts != "" {
		if err := json.Unmarshal([]byte(ar.Alerts), &a.Alerts); err != nil {
			logger.Warnf("users store: alerts of %s corrupted: %v", ar.Puuid, err)
			a.Alerts = nil
		}
	}
	return a
}

func marshalSettings(st user.Settings) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalAuth(a *user.Auth) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func marshalAlerts(alerts []user.Alert) (string, error) {
	if len(alerts) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(alerts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toUserIDs(raw []string) []user.UserID {
	ids := make([]user.UserID, 0, len(raw))
	for _, r := range raw {
		ids = append(ids, user.UserID(r))
	}
	return ids
}
