package shared_test

import (
	"reflect"
	"testing"

	"valorant-skinbot/internal/shared"
)

func TestUnique(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   []int
		want []int
	}{
		{name: "empty", in: nil, want: []int{}},
		{name: "no dups", in: []int{3, 1, 2}, want: []int{3, 1, 2}},
		{name: "keeps first occurrence", in: []int{1, 2, 1, 3, 2}, want: []int{1, 2, 3}},
		{name: "all same", in: []int{7, 7, 7}, want: []int{7}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := shared.Unique(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Unique(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestUniqueBy(t *testing.T) {
	t.Parallel()

	type alert struct {
		UUID    string
		Channel string
	}

	in := []alert{
		{UUID: "skin-1", Channel: "ch-1"},
		{UUID: "skin-2", Channel: "ch-1"},
		{UUID: "skin-1", Channel: "ch-2"}, // дубликат по UUID, другой канал
	}
	got := shared.UniqueBy(in, func(a alert) string { return a.UUID })
	want := []alert{
		{UUID: "skin-1", Channel: "ch-1"},
		{UUID: "skin-2", Channel: "ch-1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("UniqueBy() = %#v, want %#v", got, want)
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   []int
		size int
		want [][]int
	}{
		{name: "empty", in: nil, size: 3, want: nil},
		{name: "smaller than size", in: []int{1, 2}, size: 3, want: [][]int{{1, 2}}},
		{name: "exact multiple", in: []int{1, 2, 3, 4}, size: 2, want: [][]int{{1, 2}, {3, 4}}},
		{name: "remainder", in: []int{1, 2, 3, 4, 5}, size: 2, want: [][]int{{1, 2}, {3, 4}, {5}}},
		{name: "non-positive size", in: []int{1, 2, 3}, size: 0, want: [][]int{{1, 2, 3}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := shared.Chunk(tc.in, tc.size)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Chunk(%v, %d) = %v, want %v", tc.in, tc.size, got, tc.want)
			}
		})
	}
}

func TestGetAt(t *testing.T) {
	t.Parallel()

	s := []string{"a", "b", "c"}

	cases := []struct {
		name   string
		idx    int
		want   string
		wantOK bool
	}{
		{name: "first", idx: 0, want: "a", wantOK: true},
		{name: "last", idx: 2, want: "c", wantOK: true},
		{name: "negative", idx: -1, want: "", wantOK: false},
		{name: "past end", idx: 3, want: "", wantOK: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := shared.GetAt(s, tc.idx)
			if got != tc.want || ok != tc.wantOK {
				t.Fatalf("GetAt(%v, %d) = (%q, %v), want (%q, %v)", s, tc.idx, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestRandomBounds(t *testing.T) {
	t.Parallel()

	for range 100 {
		got := shared.Random(3, 7)
		if got < 3 || got > 7 {
			t.Fatalf("Random(3, 7) = %d, out of range", got)
		}
	}
	if got := shared.Random(5, 5); got != 5 {
		t.Fatalf("Random(5, 5) = %d, want 5", got)
	}
	if got := shared.Random(9, 2); got != 9 {
		t.Fatalf("Random(9, 2) = %d, want 9", got)
	}
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	for range 100 {
		got := shared.Jitter(0.15)
		if got < 0.85 || got > 1.15 {
			t.Fatalf("Jitter(0.15) = %v, out of range", got)
		}
	}
	if got := shared.Jitter(-1); got != 1 {
		t.Fatalf("Jitter(-1) = %v, want 1", got)
	}
}
