package ratelimit_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"valorant-skinbot/internal/infra/clock"
	"valorant-skinbot/internal/infra/ratelimit"
)

// Шлюз без общего хранилища работает на локальном кэше — ровно этот режим
// и проверяется.

func newGate(t *testing.T) (*ratelimit.Gate, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Now())
	return ratelimit.New(nil, clk), clk
}

func TestCheckUnknownHost(t *testing.T) {
	t.Parallel()

	g, _ := newGate(t)
	if _, limited := g.Check(context.Background(), "pd.eu.a.pvp.net"); limited {
		t.Fatalf("Check() on an unknown host reported a limit")
	}
}

func TestRecordThenCheck(t *testing.T) {
	t.Parallel()

	g, clk := newGate(t)
	ctx := context.Background()
	host := "auth.riotgames.com"

	retryAt := clk.Now().Add(5 * time.Second)
	g.Record(ctx, host, retryAt)

	got, limited := g.Check(ctx, host)
	if !limited {
		t.Fatalf("Check() after Record = not limited, want limited")
	}
	if !got.Equal(retryAt) {
		t.Fatalf("Check() retryAt = %v, want %v", got, retryAt)
	}

	clk.Advance(6 * time.Second)
	if _, limited := g.Check(ctx, host); limited {
		t.Fatalf("Check() after the block expired still reports a limit")
	}
}

func TestRetryAtFromHeaders(t *testing.T) {
	t.Parallel()

	g, clk := newGate(t)
	now := clk.Now()

	cases := []struct {
		name   string
		header http.Header
		want   time.Time
	}{
		{
			"retry-after seconds",
			http.Header{"Retry-After": []string{"30"}},
			now.Add(30 * time.Second),
		},
		{
			"x-ratelimit-reset delta",
			http.Header{"X-Ratelimit-Reset": []string{"12"}},
			now.Add(12 * time.Second),
		},
		{
			"x-ratelimit-reset epoch seconds",
			http.Header{"X-Ratelimit-Reset": []string{"1756166400"}},
			time.Unix(1756166400, 0),
		},
		{
			"x-ratelimit-reset epoch millis",
			http.Header{"X-Ratelimit-Reset": []string{"1756166400000"}},
			time.UnixMilli(1756166400000),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := &http.Response{Header: tc.header}
			got := g.RetryAtFrom("pd.eu.a.pvp.net", resp)
			if !got.Equal(tc.want) {
				t.Fatalf("RetryAtFrom() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBackoffGrowsWithStrikes(t *testing.T) {
	t.Parallel()

	g, clk := newGate(t)
	ctx := context.Background()
	host := "glz-eu-1.eu.a.pvp.net"
	now := clk.Now()

	first := g.RetryAtFrom(host, nil).Sub(now)
	g.Record(ctx, host, now.Add(first))

	second := g.RetryAtFrom(host, nil).Sub(now)
	g.Record(ctx, host, now.Add(second))

	third := g.RetryAtFrom(host, nil).Sub(now)

	// Джиттер ±15% не перекрывает удвоение между ступенями.
	if second <= first || third <= second {
		t.Fatalf("backoff did not grow: %v, %v, %v", first, second, third)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	g, clk := newGate(t)
	ctx := context.Background()
	host := "shared.eu.a.pvp.net"
	now := clk.Now()

	for range 25 {
		g.Record(ctx, host, now.Add(time.Second))
	}

	delay := g.RetryAtFrom(host, nil).Sub(now)
	if delay > 10*time.Minute {
		t.Fatalf("backoff = %v, want at most the 10m cap", delay)
	}
}

func TestSucceededResetsStrikes(t *testing.T) {
	t.Parallel()

	g, clk := newGate(t)
	ctx := context.Background()
	host := "pd.na.a.pvp.net"
	now := clk.Now()

	for range 5 {
		g.Record(ctx, host, now.Add(time.Second))
	}
	grown := g.RetryAtFrom(host, nil).Sub(now)

	g.Succeeded(host)
	reset := g.RetryAtFrom(host, nil).Sub(now)

	if reset >= grown {
		t.Fatalf("backoff after Succeeded = %v, want below %v", reset, grown)
	}
}
