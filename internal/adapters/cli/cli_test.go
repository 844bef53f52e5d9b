package cli

import (
	"context"
	"strings"
	"testing"

	"valorant-skinbot/internal/domain/commands"
	"valorant-skinbot/internal/domain/user"
)

type maintenanceCall struct {
	on   bool
	text string
}

type logoutCall struct {
	id  user.UserID
	idx int
}

type fakeExecutor struct {
	forced   int
	debugged []user.UserID
	shown    []user.UserID
	setKeys  [][2]string
	reloads  int
	logins   [][2]string // userID, cookies
	redeems  [][2]string // userID, callbackURL
	logouts  []logoutCall
	maint    []maintenanceCall
}

func (f *fakeExecutor) Status(ctx context.Context) (*commands.StatusResult, error) {
	return &commands.StatusResult{}, nil
}

func (f *fakeExecutor) Stats(ctx context.Context) (*commands.StatsResult, error) {
	return &commands.StatsResult{}, nil
}

func (f *fakeExecutor) ForceAlerts(ctx context.Context) error {
	f.forced++
	return nil
}

func (f *fakeExecutor) DebugAlerts(ctx context.Context, id user.UserID) error {
	f.debugged = append(f.debugged, id)
	return nil
}

func (f *fakeExecutor) ShowUser(ctx context.Context, id user.UserID) (*user.User, error) {
	f.shown = append(f.shown, id)
	return &user.User{ID: id}, nil
}

func (f *fakeExecutor) ReloadConfig(ctx context.Context) (*commands.ReloadResult, error) {
	f.reloads++
	return &commands.ReloadResult{}, nil
}

func (f *fakeExecutor) SetConfigKey(ctx context.Context, key, value string) error {
	f.setKeys = append(f.setKeys, [2]string{key, value})
	return nil
}

func (f *fakeExecutor) ConfigDump(ctx context.Context) (string, error) { return "{}\n", nil }

func (f *fakeExecutor) Login(ctx context.Context, id user.UserID, cookies string) (*commands.LoginResult, error) {
	f.logins = append(f.logins, [2]string{string(id), cookies})
	return &commands.LoginResult{Username: "Fresh#EUW", Region: "eu", Accounts: 1}, nil
}

func (f *fakeExecutor) Redeem(ctx context.Context, id user.UserID, callbackURL string) (*commands.LoginResult, error) {
	f.redeems = append(f.redeems, [2]string{string(id), callbackURL})
	return &commands.LoginResult{Username: "Fresh#EUW", Region: "eu", Accounts: 1}, nil
}

func (f *fakeExecutor) Logout(ctx context.Context, id user.UserID, accountIdx int) (*commands.LogoutResult, error) {
	f.logouts = append(f.logouts, logoutCall{id: id, idx: accountIdx})
	return &commands.LogoutResult{Username: "Fresh#EUW", Remaining: 0, UserDeleted: true}, nil
}

func (f *fakeExecutor) Maintenance(ctx context.Context, on bool, text string) error {
	f.maint = append(f.maint, maintenanceCall{on: on, text: text})
	return nil
}

func (f *fakeExecutor) Version(ctx context.Context) (*commands.VersionResult, error) {
	return &commands.VersionResult{Name: "skinbot", Version: "0.0.0"}, nil
}

func TestHandleCommandRouting(t *testing.T) {
	t.Parallel()

	fe := &fakeExecutor{}
	stopped := false
	s := NewService(fe, func() { stopped = true })

	if s.handleCommand("forcealerts") {
		t.Fatal("forcealerts must not request exit")
	}
	s.handleCommand("debugalerts 440000000000000042")
	s.handleCommand("user 440000000000000042")
	s.handleCommand("config reload")
	s.handleCommand("")        // пустая строка игнорируется
	s.handleCommand("zzz")     // неизвестная команда не падает
	s.handleCommand("user")    // без аргумента — только usage
	s.handleCommand("  help ") // лишние пробелы срезаются

	if fe.forced != 1 {
		t.Fatalf("force calls = %d", fe.forced)
	}
	if len(fe.debugged) != 1 || fe.debugged[0] != "440000000000000042" {
		t.Fatalf("debugged = %v", fe.debugged)
	}
	if len(fe.shown) != 1 {
		t.Fatalf("shown = %v", fe.shown)
	}
	if fe.reloads != 1 {
		t.Fatalf("reloads = %d", fe.reloads)
	}
	if stopped {
		t.Fatal("stopApp fired before stop command")
	}

	if !s.handleCommand("stop") {
		t.Fatal("stop must request exit")
	}
	if !stopped {
		t.Fatal("stop must call stopApp")
	}
	// exit — синоним stop.
	if !s.handleCommand("exit") {
		t.Fatal("exit must behave like stop")
	}
}

func TestConfigSetJoinsSpacedValue(t *testing.T) {
	t.Parallel()

	fe := &fakeExecutor{}
	s := NewService(fe, nil)

	// Cron-выражение содержит пробелы и должно дойти одним значением.
	s.handleCommand("config set refreshSkins 10 0 0 * * *")
	if len(fe.setKeys) != 1 {
		t.Fatalf("set calls = %v", fe.setKeys)
	}
	if fe.setKeys[0][0] != "refreshSkins" || fe.setKeys[0][1] != "10 0 0 * * *" {
		t.Fatalf("set args = %v", fe.setKeys[0])
	}

	// Недостаточно аргументов — вызова нет.
	s.handleCommand("config set refreshSkins")
	if len(fe.setKeys) != 1 {
		t.Fatalf("incomplete set must not reach executor: %v", fe.setKeys)
	}
}

func TestAccountCommandsParseArguments(t *testing.T) {
	t.Parallel()

	fe := &fakeExecutor{}
	s := NewService(fe, nil)

	// Cookie-джар содержит пробел после «;» и должен дойти одной строкой.
	s.handleCommand("login 440000000000000042 ssid=abc; clid=ew1")
	if len(fe.logins) != 1 {
		t.Fatalf("login calls = %v", fe.logins)
	}
	if fe.logins[0][0] != "440000000000000042" || fe.logins[0][1] != "ssid=abc; clid=ew1" {
		t.Fatalf("login args = %v", fe.logins[0])
	}

	s.handleCommand("redeem 440000000000000042 https://playvalorant.com/opt_in?code=abc")
	if len(fe.redeems) != 1 || fe.redeems[0][1] != "https://playvalorant.com/opt_in?code=abc" {
		t.Fatalf("redeem calls = %v", fe.redeems)
	}
	// redeem принимает ровно два аргумента.
	s.handleCommand("redeem 440000000000000042")
	if len(fe.redeems) != 1 {
		t.Fatalf("incomplete redeem must not reach executor: %v", fe.redeems)
	}

	s.handleCommand("logout 440000000000000042 2")
	if len(fe.logouts) != 1 || fe.logouts[0].idx != 2 {
		t.Fatalf("logout calls = %v", fe.logouts)
	}
	// Номер аккаунта обязан быть положительным числом.
	s.handleCommand("logout 440000000000000042 two")
	s.handleCommand("logout 440000000000000042 0")
	if len(fe.logouts) != 1 {
		t.Fatalf("bad account numbers must not reach executor: %v", fe.logouts)
	}
}

func TestMaintenanceCommandParsing(t *testing.T) {
	t.Parallel()

	fe := &fakeExecutor{}
	s := NewService(fe, nil)

	s.handleCommand("maintenance on Shop is down until 18:00 UTC")
	s.handleCommand("maintenance off")
	s.handleCommand("maintenance sideways") // не on/off — только usage

	if len(fe.maint) != 2 {
		t.Fatalf("maintenance calls = %v", fe.maint)
	}
	if !fe.maint[0].on || fe.maint[0].text != "Shop is down until 18:00 UTC" {
		t.Fatalf("maintenance on = %+v", fe.maint[0])
	}
	if fe.maint[1].on || fe.maint[1].text != "" {
		t.Fatalf("maintenance off = %+v", fe.maint[1])
	}
}

func TestHelpLinesCoverEveryCommand(t *testing.T) {
	t.Parallel()

	lines := buildCommandHelpLines(commandDescriptors)
	if len(lines) != len(commandDescriptors)+1 {
		t.Fatalf("help lines = %d, want %d", len(lines), len(commandDescriptors)+1)
	}
	joined := strings.Join(lines, "\n")
	for _, d := range commandDescriptors {
		if !strings.Contains(joined, d.name) {
			t.Fatalf("help misses command %s", d.name)
		}
	}
}
