package recorder

import "testing"

func TestRingKeepsNewestInOrder(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Drain()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("drain: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain: %v", got)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("ring not empty after drain")
	}
	r.Push(9)
	if got := r.Drain(); len(got) != 1 || got[0] != 9 {
		t.Fatalf("reuse after drain: %v", got)
	}
}

func TestZeroCapacityRingDropsEverything(t *testing.T) {
	r := NewRing[string](0)
	r.Push("a")
	if r.Len() != 0 || len(r.Drain()) != 0 {
		t.Fatalf("zero capacity ring should stay empty")
	}
}
