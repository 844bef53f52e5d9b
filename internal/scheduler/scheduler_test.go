package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAssembleSkipsEmptySlots(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) {}
	specs := []entrySpec{
		{name: "a", expr: "0 0 0 * * *", task: noop},
		{name: "b", expr: "", task: noop},
		{name: "c", expr: "0 0 0 * * *", task: nil},
	}
	c, names, err := assemble(context.Background(), time.UTC, specs)
	if err != nil {
		t.Fatalf("сборка: %v", err)
	}
	defer c.Stop()
	if len(names) != 1 {
		t.Errorf("запланировано %d задач, ожидалась 1", len(names))
	}
}

func TestAssembleRejectsBadExpression(t *testing.T) {
	t.Parallel()

	specs := []entrySpec{{name: "broken", expr: "каждый вторник", task: func(context.Context) {}}}
	if _, _, err := assemble(context.Background(), time.UTC, specs); err == nil {
		t.Fatal("кривое выражение должно валить сборку")
	}
}

func TestStartStopRestart(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) {}
	s := New(Tasks{
		RefreshSkins:     noop,
		CheckGameVersion: noop,
		RefreshPrices:    noop,
		UpdateUserAgent:  noop,
		ForwardLogs:      noop,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("запуск: %v", err)
	}
	defer s.Stop()

	runs := s.NextRuns()
	if len(runs) != 5 {
		t.Fatalf("в расписании %d задач, ожидалось 5: %v", len(runs), runs)
	}
	for name, next := range runs {
		if next.IsZero() {
			t.Errorf("у задачи %s нет времени запуска", name)
		}
	}

	// Повторный Start пересобирает расписание на свежей конфигурации.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("перезапуск: %v", err)
	}
	if got := len(s.NextRuns()); got != 5 {
		t.Errorf("после перезапуска %d задач", got)
	}

	s.Stop()
	if got := len(s.NextRuns()); got != 0 {
		t.Errorf("после останова в расписании %d задач", got)
	}
	s.Stop() // повторный останов безвреден
}

func TestLeaderOnlySlotsStayNil(t *testing.T) {
	t.Parallel()

	s := New(Tasks{RefreshSkins: func(context.Context) {}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("запуск: %v", err)
	}
	defer s.Stop()

	runs := s.NextRuns()
	if len(runs) != 1 {
		t.Fatalf("в расписании %d задач, ожидалась 1: %v", len(runs), runs)
	}
	if _, ok := runs["refreshSkins"]; !ok {
		t.Errorf("refreshSkins не запланирован: %v", runs)
	}
}

func TestTaskSurvivesPanic(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	var calls atomic.Int32
	specs := []entrySpec{{
		name: "tick",
		expr: "* * * * * *",
		task: func(context.Context) {
			if calls.Add(1) == 1 {
				panic("первый запуск падает")
			}
			select {
			case fired <- struct{}{}:
			default:
			}
		},
	}}
	c, _, err := assemble(context.Background(), time.UTC, specs)
	if err != nil {
		t.Fatalf("сборка: %v", err)
	}
	c.Start()
	defer c.Stop()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("задача не пережила панику первого запуска")
	}
}
