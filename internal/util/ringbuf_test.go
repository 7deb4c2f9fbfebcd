package util

import "testing"

func TestRingBufferKeepsNewest(t *testing.T) {
	r := NewRingBuffer[int](3)

	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("fresh buffer snapshot = %v", got)
	}

	r.Push(1)
	r.Push(2)
	if got := r.Len(); got != 2 {
		t.Errorf("len = %d, want 2", got)
	}

	// Overflow: 1 and 2 fall off, the newest three remain in order.
	r.Push(3)
	r.Push(4)
	r.Push(5)

	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if r.Len() != 3 {
		t.Errorf("len = %d, want 3", r.Len())
	}
}
