package scheduler

import (
	"testing"
	"time"
)

func TestCadencePrev(t *testing.T) {
	c := Cadence{Every: time.Hour, At: 5 * time.Minute}

	cases := []struct {
		at   time.Time
		want time.Time
	}{
		{time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC)},
		{time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC), time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC)},
		{time.Date(2024, 3, 1, 14, 2, 0, 0, time.UTC), time.Date(2024, 3, 1, 13, 5, 0, 0, time.UTC)},
		{time.Date(2024, 3, 1, 0, 1, 0, 0, time.UTC), time.Date(2024, 2, 29, 23, 5, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := c.Prev(tc.at); !got.Equal(tc.want) {
			t.Errorf("Prev(%v) = %v, want %v", tc.at, got, tc.want)
		}
	}
}

func TestCadenceNext(t *testing.T) {
	c := Cadence{Every: 24 * time.Hour, At: 30 * time.Minute}
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	want := time.Date(2024, 3, 2, 0, 30, 0, 0, time.UTC)
	if got := c.Next(at); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", at, got, want)
	}
}

func TestBoundariesBetween(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC)
	to := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)

	got := boundariesBetween(from, to, time.Hour)
	want := []time.Time{
		time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d boundaries, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("boundary %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBoundariesBetweenEmptyWindow(t *testing.T) {
	at := time.Date(2024, 3, 1, 1, 10, 0, 0, time.UTC)
	if got := boundariesBetween(at, at.Add(30*time.Minute), time.Hour); len(got) != 0 {
		t.Errorf("expected no boundaries, got %v", got)
	}
}

func TestContiguousRuns(t *testing.T) {
	h := func(hour int) time.Time {
		return time.Date(2024, 3, 1, hour, 0, 0, 0, time.UTC)
	}

	runs := contiguousRuns([]time.Time{h(1), h(2), h(3), h(7), h(10), h(11)}, time.Hour)
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3: %v", len(runs), runs)
	}
	if !runs[0][0].Equal(h(1)) || !runs[0][1].Equal(h(3)) {
		t.Errorf("run 0 = %v, want [%v %v]", runs[0], h(1), h(3))
	}
	if !runs[1][0].Equal(h(7)) || !runs[1][1].Equal(h(7)) {
		t.Errorf("run 1 = %v, want single boundary %v", runs[1], h(7))
	}
	if !runs[2][0].Equal(h(10)) || !runs[2][1].Equal(h(11)) {
		t.Errorf("run 2 = %v, want [%v %v]", runs[2], h(10), h(11))
	}
}

func TestContiguousRunsEmpty(t *testing.T) {
	if runs := contiguousRuns(nil, time.Hour); runs != nil {
		t.Errorf("expected nil, got %v", runs)
	}
}
