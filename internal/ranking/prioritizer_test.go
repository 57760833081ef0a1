package ranking

import (
	"math"
	"testing"
	"time"

	"github.com/abelbrown/relayfeed/internal/feeds"
)

var testNow = time.Unix(1_700_000_000, 0)

func note(id, author string, age time.Duration, pow int) feeds.Note {
	return feeds.Note{ID: id, Author: author, CreatedAt: testNow.Add(-age), PowBits: pow}
}

func TestScoreFormula(t *testing.T) {
	p := NewPrioritizer(Config{PowCoefficient: 0.7, FreshnessCoefficient: 0.3, HalfLife: time.Hour})

	n := note("a", "x", time.Hour, 7)
	got := p.Score(n, testNow)
	want := 0.7*math.Log2(8) + 0.3*math.Exp(-1)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %f, want %f", got, want)
	}
}

func TestScoreZeroPowIsNeutral(t *testing.T) {
	p := NewPrioritizer(DefaultConfig())

	n := note("a", "x", 0, 0)
	got := p.Score(n, testNow)
	if math.IsInf(got, 0) || math.IsNaN(got) {
		t.Fatalf("zero PoW must not produce %f", got)
	}
	// Only freshness remains: 0.3 * exp(0)
	if math.Abs(got-0.3) > 1e-9 {
		t.Errorf("Score = %f, want 0.3", got)
	}
}

func TestScoreFutureTimestampIsMaximallyFresh(t *testing.T) {
	p := NewPrioritizer(DefaultConfig())

	future := note("f", "x", -2*time.Hour, 0)
	fresh := note("n", "x", 0, 0)
	if p.Score(future, testNow) != p.Score(fresh, testNow) {
		t.Errorf("future note should score like a brand new one: %f vs %f",
			p.Score(future, testNow), p.Score(fresh, testNow))
	}
}

func TestScoreMonotonicInAge(t *testing.T) {
	p := NewPrioritizer(DefaultConfig())

	for _, pow := range []int{0, 3, 16} {
		prev := math.Inf(1)
		for _, age := range []time.Duration{0, time.Minute, time.Hour, 24 * time.Hour, 30 * 24 * time.Hour} {
			s := p.Score(note("a", "x", age, pow), testNow)
			if s > prev {
				t.Errorf("pow=%d: score increased with age at %v (%f > %f)", pow, age, s, prev)
			}
			prev = s
		}
	}
}

func TestPowIsLogCompressed(t *testing.T) {
	p := NewPrioritizer(Config{PowCoefficient: 1, FreshnessCoefficient: 0, HalfLife: time.Hour})

	s8 := p.Estimate(8, 0)
	s64 := p.Estimate(64, 0)
	if s64 >= 8*s8 {
		t.Errorf("8x PoW should not give 8x score: %f vs %f", s64, s8)
	}
}

func TestPrioritizeSortsDescending(t *testing.T) {
	p := NewPrioritizer(DefaultConfig())

	notes := []feeds.Note{
		note("old", "a", 72*time.Hour, 0),
		note("pow", "b", 10*time.Hour, 20),
		note("new", "c", 0, 0),
	}

	got := p.Prioritize(notes, testNow)
	ids := feeds.IDs(got)
	want := []string{"pow", "new", "old"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Priority > got[i-1].Priority {
			t.Errorf("not descending at %d: %f > %f", i, got[i].Priority, got[i-1].Priority)
		}
	}

	// Input untouched
	if notes[0].ID != "old" || notes[0].Priority != 0 {
		t.Error("Prioritize must not mutate its input")
	}
}

func TestPrioritizeTiesKeepInputOrder(t *testing.T) {
	p := NewPrioritizer(DefaultConfig())

	notes := []feeds.Note{
		note("first", "a", time.Hour, 4),
		note("second", "b", time.Hour, 4),
		note("third", "c", time.Hour, 4),
	}
	ids := feeds.IDs(p.Prioritize(notes, testNow))
	if ids[0] != "first" || ids[1] != "second" || ids[2] != "third" {
		t.Errorf("ties should keep input order, got %v", ids)
	}
}

func TestTrim(t *testing.T) {
	notes := []feeds.Note{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	for _, k := range []int{0, 1, 3, 10} {
		got := Trim(notes, k)
		wantLen := k
		if wantLen > len(notes) {
			wantLen = len(notes)
		}
		if len(got) != wantLen {
			t.Errorf("Trim(%d) len = %d, want %d", k, len(got), wantLen)
		}
		for i := range got {
			if got[i].ID != notes[i].ID {
				t.Errorf("Trim(%d) is not a prefix: %v", k, feeds.IDs(got))
			}
		}
	}
	if got := Trim(notes, -1); len(got) != 0 {
		t.Errorf("negative max should trim everything, got %d", len(got))
	}
}

func TestLimitPerAuthor(t *testing.T) {
	notes := []feeds.Note{
		{ID: "a1", Author: "alice"},
		{ID: "b1", Author: "bob"},
		{ID: "a2", Author: "alice"},
		{ID: "a3", Author: "alice"},
		{ID: "b2", Author: "bob"},
		{ID: "c1", Author: "carol"},
	}

	got := feeds.IDs(LimitPerAuthor(notes, 2))
	want := []string{"a1", "b1", "a2", "b2", "c1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if len(LimitPerAuthor(notes, 0)) != 0 {
		t.Error("maxPerAuthor 0 should keep nothing")
	}
}
