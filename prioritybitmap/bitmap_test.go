package prioritybitmap

import (
	"math/rand"
	"testing"
)

func expectHighest(t *testing.T, m *Map, want uint32) {
	t.Helper()
	if got := m.Highest(); got != want {
		t.Fatalf("Highest() = %d; want %d", got, want)
	}
}

func TestEmptyMapReturnsNone(t *testing.T) {
	var m Map
	expectHighest(t, &m, None)
	if !m.IsEmpty() {
		t.Fatal("zero map should be empty")
	}
}

func TestSetClearSingle(t *testing.T) {
	for _, p := range []uint32{0, 1, 63, 64, 65, 255, 1000, Limit - 1} {
		var m Map
		m.Set(p)
		expectHighest(t, &m, p)
		if !m.IsSet(p) {
			t.Fatalf("priority %d should be set", p)
		}
		m.Clear(p)
		expectHighest(t, &m, None)
	}
}

func TestMajorBitSurvivesWhileWordNonEmpty(t *testing.T) {
	var m Map
	m.Set(70)
	m.Set(71)
	m.Clear(70)
	expectHighest(t, &m, 71)
	m.Clear(71)
	if !m.IsEmpty() {
		t.Fatal("major bit must clear once the minor word drains")
	}
}

func TestInfoDecomposition(t *testing.T) {
	info := NewInfo(130)
	if info.Major != 2 || info.Minor != 2 || info.MajorBit != 4 || info.MinorBit != 4 {
		t.Fatalf("unexpected info %+v", info)
	}
}

// For every random subset S, Highest equals min(S) and None for the empty set.
func TestHighestIsMinimumOfSubset(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 500; round++ {
		var m Map
		set := map[uint32]bool{}
		n := rng.Intn(40)
		limit := uint32(256)
		if round%5 == 0 {
			limit = Limit
		}
		for i := 0; i < n; i++ {
			p := uint32(rng.Intn(int(limit)))
			set[p] = true
			m.Set(p)
		}
		want := None
		for p := range set {
			if p < want {
				want = p
			}
		}
		expectHighest(t, &m, want)

		for p := range set {
			m.Clear(p)
		}
		expectHighest(t, &m, None)
	}
}

func TestInterleavedSetClear(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var m Map
	present := make([]bool, 256)
	for i := 0; i < 5000; i++ {
		p := uint32(rng.Intn(256))
		if present[p] {
			m.Clear(p)
			present[p] = false
		} else {
			m.Set(p)
			present[p] = true
		}
		want := None
		for q, ok := range present {
			if ok {
				want = uint32(q)
				break
			}
		}
		expectHighest(t, &m, want)
	}
}

func BenchmarkHighest(b *testing.B) {
	var m Map
	m.Set(200)
	m.Set(17)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Highest()
	}
}
