// Package cli — интерактивная командная консоль для управления ботом.
// Сервис стартует фоном, читает команды из readline и транслирует их в
// commands.Executor; сам он ничего не знает о внутренностях подсистем.
// Поддерживается корректная интеграция в lifecycle: Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"valorant-skinbot/internal/domain/commands"
	"valorant-skinbot/internal/domain/stats"
	"valorant-skinbot/internal/domain/user"
	"valorant-skinbot/internal/infra/logger"
	"valorant-skinbot/internal/infra/pr"
	"valorant-skinbot/internal/support/debug"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show shard status: nodes, bus routes, catalog, schedule"},
	{name: "stats", description: "Show shop statistics for today and yesterday"},
	{name: "config", description: "Manage runtime config: config read | reload | set <key> <value>"},
	{name: "forcealerts", description: "Trigger an alert sweep on every shard"},
	{name: "debugalerts", description: "Run the alert pipeline for one user: debugalerts <userID>"},
	{name: "user", description: "Print a user aggregate with masked tokens: user <userID>"},
	{name: "login", description: "Link an account from a cookie jar: login <userID> <cookies>"},
	{name: "redeem", description: "Link an account from an auth callback URL: redeem <userID> <url>"},
	{name: "logout", description: "Unlink an account by its number: logout <userID> <account#>"},
	{name: "maintenance", description: "Toggle maintenance mode: maintenance on|off [status text]"},
	{name: "version", description: "Print application and game client versions"},
	{name: "stop", description: "Stop CLI and terminate the service"},
}

// Таймауты команд: быстрые читающие команды, сетевые операции привязки и
// отладочный прогон, который ходит в сеть за витринами.
const (
	shortTimeout  = 5 * time.Second
	mediumTimeout = 30 * time.Second
	longTimeout   = 120 * time.Second
)

// topItems ограничивает список предметов в выводе команды stats.
const topItems = 5

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop(). Потокобезопасность обеспечивается
// дисциплиной запуска/остановки и отсутствием внешних мутаций.
type Service struct {
	exec      commands.Executor  // исполнитель операторских команд
	stopApp   context.CancelFunc // внешняя отмена приложения (команда stop и Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	wg        sync.WaitGroup     // ожидание завершения фоновой горутины run
	onceStart sync.Once          // идемпотентный запуск
	onceStop  sync.Once          // идемпотентная остановка
}

// NewService создаёт CLI-сервис. Параметр stopApp используется как «глобальная»
// остановка приложения (команда stop, Ctrl-C на пустой строке).
func NewService(exec commands.Executor, stopApp context.CancelFunc) *Service {
	return &Service{exec: exec, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются. Контекст используется как родительский для run-цикла.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI. Печатает подсказки, устанавливает обработчики
// клавиш и в цикле читает команды построчно, передавая их в handleCommand().
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	// Устанавливаем промпт и выводим краткую справку, чтобы оператор не блуждал в темноте.
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	// Главный цикл чтения команд. Выход — по отмене контекста или по EOF от readline.
	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		// Блокирующее чтение одной строки с учётом интерактивных обработчиков клавиш.
		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения (stopApp) и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки (как в типичных CLI).
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	// Сохраняем предыдущий listener, чтобы не ломать поведение по умолчанию.
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		// Быстрая справка по командам по нажатию '?'.
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		// Ctrl-C (ETX): особое поведение — либо остановка приложения, либо очистка строки.
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			// Clear the line if not empty (typical readline behavior)
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее действие.
// Возвращает true, если команда инициирует завершение CLI ("stop").
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "stats":
		s.handleStats()
	case "config":
		s.handleConfig(fields[1:])
	case "forcealerts":
		s.handleForceAlerts()
	case "debugalerts":
		s.handleDebugAlerts(fields[1:])
	case "user":
		s.handleUser(fields[1:])
	case "login":
		s.handleLogin(fields[1:])
	case "redeem":
		s.handleRedeem(fields[1:])
	case "logout":
		s.handleLogout(fields[1:])
	case "maintenance":
		s.handleMaintenance(fields[1:])
	case "version":
		s.handleVersion()
	case "stop", "exit": // exit принимается как привычный синоним
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", fields[0])
	}
	return false
}

// handleStatus печатает сводку по шарду: роль, аптайм, узлы жизненного цикла,
// маршруты на шине и ближайшие запуски планировщика. Карты выводятся в
// отсортированном порядке, чтобы вывод был стабилен между вызовами.
func (s *Service) handleStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	res, err := s.exec.Status(ctx)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}

	role := "replica"
	if res.Leader {
		role = "leader"
	}
	pr.Printf("Shard %d/%d (%s), uptime %s\n", res.ShardID, res.ShardCount, role, res.Uptime)
	pr.Printf("Users: %d, owned routes: %d, shared store up: %t\n", res.Users, res.OwnedRoutes, res.SharedUp)
	if res.GameVersion != "" {
		pr.Printf("Catalog: %d skins, game %s, fetched %s\n",
			res.CatalogSkins, res.GameVersion, formatTime(res.CatalogFetchedAt, res.Location))
	}
	for _, name := range slices.Sorted(maps.Keys(res.Nodes)) {
		pr.Printf("  node %-12s %s\n", name, res.Nodes[name])
	}
	for _, name := range slices.Sorted(maps.Keys(res.NextRuns)) {
		pr.Printf("  task %-16s next %s\n", name, formatTime(res.NextRuns[name], res.Location))
	}
}

// handleStats печатает суточную статистику витрин за сегодня и вчера.
func (s *Service) handleStats() {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	res, err := s.exec.Stats(ctx)
	if err != nil {
		pr.ErrPrintln("stats error:", err)
		return
	}
	for _, day := range []*stats.DaySummary{res.Today, res.Yesterday} {
		if day == nil {
			continue
		}
		pr.Printf("%s: users=%d fetches=%d\n", day.Date, day.ActiveUsers, day.ShopFetches)
		top := day.Items
		if len(top) > topItems {
			top = top[:topItems]
		}
		for _, it := range top {
			pr.Printf("  %s x%d\n", it.ItemID, it.Count)
		}
	}
}

// handleConfig обслуживает подкоманды работы с рантайм-конфигурацией.
func (s *Service) handleConfig(args []string) {
	if len(args) == 0 {
		pr.Println("usage: config read | reload | set <key> <value>")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	switch args[0] {
	case "read":
		dump, err := s.exec.ConfigDump(ctx)
		if err != nil {
			pr.ErrPrintln("config read error:", err)
			return
		}
		pr.Print(dump)
	case "reload":
		res, err := s.exec.ReloadConfig(ctx)
		if err != nil {
			pr.ErrPrintln("config reload error:", err)
			return
		}
		for _, w := range res.Warnings {
			pr.Println("warning:", w)
		}
		pr.Println("config reloaded")
	case "set":
		if len(args) < 3 {
			pr.Println("usage: config set <key> <value>")
			return
		}
		// Значение может содержать пробелы (например, cron-выражение).
		value := strings.Join(args[2:], " ")
		if err := s.exec.SetConfigKey(ctx, args[1], value); err != nil {
			pr.ErrPrintln("config set error:", err)
			return
		}
		pr.Printf("config %s updated\n", args[1])
	default:
		pr.Println("unknown config action:", args[0])
	}
}

// handleForceAlerts рассылает запрос внеочередного прогона на все шарды.
func (s *Service) handleForceAlerts() {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	if err := s.exec.ForceAlerts(ctx); err != nil {
		pr.ErrPrintln("forcealerts error:", err)
		return
	}
	pr.Println("Alert sweep requested on every shard.")
}

// handleDebugAlerts запускает пайплайн оповещений для одного пользователя.
func (s *Service) handleDebugAlerts(args []string) {
	if len(args) != 1 {
		pr.Println("usage: debugalerts <userID>")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), longTimeout)
	defer cancel()

	pr.Println("Running the alert pipeline, this may take a while...")
	if err := s.exec.DebugAlerts(ctx, user.UserID(args[0])); err != nil {
		pr.ErrPrintln("debugalerts error:", err)
		return
	}
	pr.Println("Debug run finished, see the log for details.")
}

// handleUser печатает агрегат пользователя. Токены в консоль не попадают:
// печатается маскированная копия.
func (s *Service) handleUser(args []string) {
	if len(args) != 1 {
		pr.Println("usage: user <userID>")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	u, err := s.exec.ShowUser(ctx, user.UserID(args[0]))
	if err != nil {
		pr.ErrPrintln("user error:", err)
		return
	}
	pr.PP(debug.Redacted(u))
}

// handleLogin привязывает аккаунт по cookie-джару. Строка cookie может
// содержать пробелы после «;», поэтому хвост аргументов склеивается обратно.
// Сами значения cookie ни в вывод, ни в логи не попадают.
func (s *Service) handleLogin(args []string) {
	if len(args) < 2 {
		pr.Println("usage: login <userID> <cookies>")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mediumTimeout)
	defer cancel()

	cookies := strings.Join(args[1:], " ")
	res, err := s.exec.Login(ctx, user.UserID(args[0]), cookies)
	if err != nil {
		pr.ErrPrintln("login error:", err)
		return
	}
	pr.Printf("Linked %s (%s), accounts now: %d\n", res.Username, res.Region, res.Accounts)
}

// handleRedeem привязывает аккаунт по callback-URL авторизации.
func (s *Service) handleRedeem(args []string) {
	if len(args) != 2 {
		pr.Println("usage: redeem <userID> <callbackURL>")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mediumTimeout)
	defer cancel()

	res, err := s.exec.Redeem(ctx, user.UserID(args[0]), args[1])
	if err != nil {
		pr.ErrPrintln("redeem error:", err)
		return
	}
	pr.Printf("Linked %s (%s), accounts now: %d\n", res.Username, res.Region, res.Accounts)
}

// handleLogout отвязывает аккаунт по его номеру из вывода команды user.
func (s *Service) handleLogout(args []string) {
	if len(args) != 2 {
		pr.Println("usage: logout <userID> <account#>")
		return
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil || idx < 1 {
		pr.Println("account# must be a positive number")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	res, err := s.exec.Logout(ctx, user.UserID(args[0]), idx)
	if err != nil {
		pr.ErrPrintln("logout error:", err)
		return
	}
	if res.UserDeleted {
		pr.Printf("Unlinked %s; user removed with the last account\n", res.Username)
		return
	}
	pr.Printf("Unlinked %s, accounts left: %d\n", res.Username, res.Remaining)
}

// handleMaintenance переключает режим обслуживания. Текст статуса опционален
// и может содержать пробелы.
func (s *Service) handleMaintenance(args []string) {
	if len(args) == 0 || (args[0] != "on" && args[0] != "off") {
		pr.Println("usage: maintenance on|off [status text]")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	on := args[0] == "on"
	text := strings.Join(args[1:], " ")
	if err := s.exec.Maintenance(ctx, on, text); err != nil {
		pr.ErrPrintln("maintenance error:", err)
		return
	}
	if on {
		pr.Println("Maintenance mode enabled.")
		return
	}
	pr.Println("Maintenance mode disabled.")
}

// handleVersion печатает версию сборки и известную версию клиента игры.
func (s *Service) handleVersion() {
	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	res, err := s.exec.Version(ctx)
	if err != nil {
		pr.ErrPrintln("version error:", err)
		return
	}
	if res.GameVersion != "" {
		pr.Printf("%s v%s (game %s)\n", res.Name, res.Version, res.GameVersion)
		return
	}
	pr.Printf("%s v%s\n", res.Name, res.Version)
}

// formatTime приводит метку к таймзоне отображения; нулевое время — "<never>".
func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "<never>"
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.RFC3339)
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-12s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
