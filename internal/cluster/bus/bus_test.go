package bus_test

import (
	"context"
	"testing"

	"valorant-skinbot/internal/cluster"
	"valorant-skinbot/internal/cluster/bus"
)

// Без общего хранилища шина работает в локальном режиме: эти тесты покрывают
// именно его, сетевые пути требуют живого Redis.

func newLocalBus(t *testing.T) *bus.Bus {
	t.Helper()
	return bus.New(cluster.NewIdentity(0, 1), nil)
}

func TestBroadcastDeliversLocallyInOrder(t *testing.T) {
	t.Parallel()

	b := newLocalBus(t)

	var got []string
	b.Handle(bus.KindSettingsInvalidate, func(_ context.Context, from int, msg bus.Message) {
		if from != 0 {
			t.Errorf("from = %d, want 0", from)
		}
		got = append(got, msg.(*bus.SettingsInvalidate).UserID)
	})

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		if err := b.Broadcast(context.Background(), &bus.SettingsInvalidate{UserID: id}); err != nil {
			t.Fatalf("Broadcast() = %v, want nil", err)
		}
	}

	want := []string{"1", "2", "3", "4", "5"}
	if len(got) != len(want) {
		t.Fatalf("delivered %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestSendToKeyLocalOwner(t *testing.T) {
	t.Parallel()

	b := newLocalBus(t)
	if err := b.RegisterOwned(context.Background(), "chan:42"); err != nil {
		t.Fatalf("RegisterOwned() = %v, want nil", err)
	}

	delivered := false
	b.Handle(bus.KindAlertDelivery, func(_ context.Context, _ int, msg bus.Message) {
		delivered = true
		if got := msg.(*bus.AlertDelivery).ChannelID; got != "42" {
			t.Errorf("ChannelID = %q, want %q", got, "42")
		}
	})

	accepted, err := b.SendToKey(context.Background(), "chan:42", &bus.AlertDelivery{ChannelID: "42"})
	if err != nil {
		t.Fatalf("SendToKey() = %v, want nil", err)
	}
	if !accepted || !delivered {
		t.Fatalf("SendToKey accepted=%v delivered=%v, want true/true", accepted, delivered)
	}
}

func TestSendToKeyUnknownOwner(t *testing.T) {
	t.Parallel()

	b := newLocalBus(t)
	b.Handle(bus.KindAlertDelivery, func(_ context.Context, _ int, _ bus.Message) {
		t.Error("handler invoked for an unowned key")
	})

	accepted, err := b.SendToKey(context.Background(), "chan:7", &bus.AlertDelivery{ChannelID: "7"})
	if err != nil {
		t.Fatalf("SendToKey() = %v, want nil", err)
	}
	if accepted {
		t.Fatalf("SendToKey accepted an unowned key")
	}
}

func TestUnregisterOwned(t *testing.T) {
	t.Parallel()

	b := newLocalBus(t)
	ctx := context.Background()

	if err := b.RegisterOwned(ctx, "chan:1", "chan:2"); err != nil {
		t.Fatalf("RegisterOwned() = %v, want nil", err)
	}
	if got := b.OwnedCount(); got != 2 {
		t.Fatalf("OwnedCount() = %d, want 2", got)
	}

	if err := b.UnregisterOwned(ctx, "chan:1"); err != nil {
		t.Fatalf("UnregisterOwned() = %v, want nil", err)
	}
	if accepted, _ := b.SendToKey(ctx, "chan:1", &bus.ForceCheckAlerts{}); accepted {
		t.Fatalf("SendToKey accepted a key after UnregisterOwned")
	}
	if accepted, _ := b.SendToKey(ctx, "chan:2", &bus.ForceCheckAlerts{}); !accepted {
		t.Fatalf("SendToKey rejected a key that is still owned")
	}
}

func TestDispatchSurvivesHandlerPanic(t *testing.T) {
	t.Parallel()

	b := newLocalBus(t)
	b.Handle(bus.KindProcessExit, func(_ context.Context, _ int, _ bus.Message) {
		panic("boom")
	})
	secondRan := false
	b.Handle(bus.KindProcessExit, func(_ context.Context, _ int, _ bus.Message) {
		secondRan = true
	})

	if err := b.Broadcast(context.Background(), bus.ProcessExit{}); err != nil {
		t.Fatalf("Broadcast() = %v, want nil", err)
	}
	if !secondRan {
		t.Fatalf("second handler did not run after the first panicked")
	}
}
