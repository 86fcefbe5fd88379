package store

import "testing"

func TestReverse32_Involution(t *testing.T) {
	var h [32]byte
	for i := range h {
		h[i] = byte(i)
	}
	if reverse32(reverse32(h)) != h {
		t.Fatalf("expected reversing twice to return the original hash")
	}
}

func TestToDBHash_FromDBHash_RoundTrip(t *testing.T) {
	var h [32]byte
	for i := range h {
		h[i] = byte(31 - i)
	}
	stored := toDBHash(h)
	if len(stored) != 32 {
		t.Fatalf("expected a 32-byte stored hash, got %d", len(stored))
	}
	if got := fromDBHash(stored); got != h {
		t.Fatalf("round trip mismatch: got %x, want %x", got, h)
	}
}

func TestToDBHashes(t *testing.T) {
	in := [][32]byte{{1}, {2}, {3}}
	out := toDBHashes(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d converted hashes, got %d", len(in), len(out))
	}
	for i, h := range in {
		if got := fromDBHash(out[i]); got != h {
			t.Errorf("hash %d round trip mismatch: got %x, want %x", i, got, h)
		}
	}
}

func TestUnionInt32Tags_DeduplicatesAndSorts(t *testing.T) {
	a := []int32{3100, 1099}
	b := []int32{1099, 4099}
	got := unionInt32Tags(a, b)
	want := []int32{1099, 3100, 4099}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSameInt32s(t *testing.T) {
	if !sameInt32s([]int32{1, 2, 3}, []int32{1, 2, 3}) {
		t.Fatalf("expected identical slices to compare equal")
	}
	if sameInt32s([]int32{1, 2}, []int32{1, 2, 3}) {
		t.Fatalf("expected slices of different lengths to compare unequal")
	}
	if sameInt32s([]int32{1, 2, 3}, []int32{1, 2, 4}) {
		t.Fatalf("expected slices differing in one element to compare unequal")
	}
}
