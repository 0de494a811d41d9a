package pqueue

import (
	"math/rand"
	"sort"
	"testing"
)

func pushOrFatal(t *testing.T, q *Queue, h Handle, key uint64, app bool) {
	t.Helper()
	if err := q.Push(h, key, app); err != nil {
		t.Fatalf("Push(%d, %d) failed: %v", h, key, err)
	}
}

func expectPop(t *testing.T, q *Queue, wantH Handle, wantKey uint64) {
	t.Helper()
	h, k := q.PopMin()
	if h != wantH || k != wantKey {
		t.Fatalf("PopMin = (%d,%d); want (%d,%d)", h, k, wantH, wantKey)
	}
}

func TestEmptyQueue(t *testing.T) {
	q := New(4)
	if h, _ := q.PeepMin(); h != Nil {
		t.Fatal("PeepMin on empty queue must return Nil")
	}
	if h, _ := q.PopMin(); h != Nil {
		t.Fatal("PopMin on empty queue must return Nil")
	}
	if h, _ := q.PeepMax(); h != Nil {
		t.Fatal("PeepMax on empty queue must return Nil")
	}
}

func TestPushErrors(t *testing.T) {
	q := New(2)
	if err := q.Push(2, 1, true); err != ErrHandle {
		t.Fatalf("want ErrHandle, got %v", err)
	}
	pushOrFatal(t, q, 0, 1, true)
	if err := q.Push(0, 1, true); err != ErrPresent {
		t.Fatalf("want ErrPresent, got %v", err)
	}
	if err := q.Remove(1); err != ErrAbsent {
		t.Fatalf("want ErrAbsent, got %v", err)
	}
}

func TestAppendKeepsFIFOAmongEquals(t *testing.T) {
	q := New(8)
	pushOrFatal(t, q, 3, 5, true)
	pushOrFatal(t, q, 1, 5, true)
	pushOrFatal(t, q, 2, 3, true)
	pushOrFatal(t, q, 0, 5, true)
	expectPop(t, q, 2, 3)
	expectPop(t, q, 3, 5)
	expectPop(t, q, 1, 5)
	expectPop(t, q, 0, 5)
}

func TestPrependGoesInFrontOfEquals(t *testing.T) {
	q := New(8)
	pushOrFatal(t, q, 0, 5, true)
	pushOrFatal(t, q, 1, 5, true)
	pushOrFatal(t, q, 2, 5, false)
	expectPop(t, q, 2, 5)
	expectPop(t, q, 0, 5)
	expectPop(t, q, 1, 5)
}

func TestPeepMaxFindsLatestLargest(t *testing.T) {
	q := New(8)
	pushOrFatal(t, q, 0, 1, true)
	pushOrFatal(t, q, 1, 9, true)
	pushOrFatal(t, q, 2, 9, true)
	pushOrFatal(t, q, 3, 4, true)
	if h, k := q.PeepMax(); h != 2 || k != 9 {
		t.Fatalf("PeepMax = (%d,%d); want (2,9)", h, k)
	}
}

func TestMoveKeyAndRemove(t *testing.T) {
	q := New(8)
	for h := Handle(0); h < 5; h++ {
		pushOrFatal(t, q, h, uint64(10+h), true)
	}
	if err := q.MoveKey(4, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(0); err != nil {
		t.Fatal(err)
	}
	if q.Contains(0) {
		t.Fatal("removed handle still queued")
	}
	if k, ok := q.Key(4); !ok || k != 1 {
		t.Fatalf("Key(4) = %d,%v", k, ok)
	}
	expectPop(t, q, 4, 1)
	expectPop(t, q, 1, 11)
	expectPop(t, q, 2, 12)
	expectPop(t, q, 3, 13)
}

func TestGrow(t *testing.T) {
	q := New(1)
	pushOrFatal(t, q, 0, 7, true)
	q.Grow(4)
	pushOrFatal(t, q, 3, 2, true)
	expectPop(t, q, 3, 2)
	expectPop(t, q, 0, 7)
}

type ref struct {
	h   Handle
	key uint64
	seq int
}

// Random pushes/removals must always drain in (key, insertion) order.
func TestRandomAgainstSortedModel(t *testing.T) {
	const n = 128
	rng := rand.New(rand.NewSource(5))
	q := New(n)
	model := map[Handle]ref{}
	seq := 0
	for step := 0; step < 4000; step++ {
		h := Handle(rng.Intn(n))
		if q.Contains(h) {
			if err := q.Remove(h); err != nil {
				t.Fatal(err)
			}
			delete(model, h)
			continue
		}
		key := uint64(rng.Intn(16))
		pushOrFatal(t, q, h, key, true)
		model[h] = ref{h, key, seq}
		seq++
	}
	var want []ref
	for _, r := range model {
		want = append(want, r)
	}
	sort.Slice(want, func(i, j int) bool {
		if want[i].key != want[j].key {
			return want[i].key < want[j].key
		}
		return want[i].seq < want[j].seq
	})
	for _, r := range want {
		expectPop(t, q, r.h, r.key)
	}
	if !q.Empty() {
		t.Fatalf("queue should be drained, size=%d", q.Size())
	}
}
