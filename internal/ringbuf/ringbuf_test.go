package ringbuf

import (
	"testing"
)

func TestSet_AddContains(t *testing.T) {
	s := New[string](4)

	if !s.Add("a") {
		t.Fatal("add a should succeed")
	}
	if !s.Add("b") {
		t.Fatal("add b should succeed")
	}
	if s.Add("a") {
		t.Fatal("duplicate add should return false")
	}

	if s.Len() != 2 {
		t.Fatalf("expected len=2, got %d", s.Len())
	}
	if !s.Contains("a") || !s.Contains("b") {
		t.Fatal("expected both keys present")
	}
	if s.Contains("c") {
		t.Fatal("c was never added")
	}
}

func TestSet_EvictsOldestAtCapacity(t *testing.T) {
	s := New[int](3)
	for i := 1; i <= 3; i++ {
		s.Add(i)
	}

	// Full: inserting 4 evicts 1
	s.Add(4)

	if s.Contains(1) {
		t.Error("oldest key should have been evicted")
	}
	for _, k := range []int{2, 3, 4} {
		if !s.Contains(k) {
			t.Errorf("expected %d present", k)
		}
	}
	if s.Len() != 3 {
		t.Errorf("expected len=3, got %d", s.Len())
	}
	if s.Evicted() != 1 {
		t.Errorf("expected 1 eviction, got %d", s.Evicted())
	}
	if oldest, _ := s.Oldest(); oldest != 2 {
		t.Errorf("expected oldest=2, got %d", oldest)
	}

	// Evicted key can be re-added and becomes newest
	if !s.Add(1) {
		t.Fatal("re-adding an evicted key should succeed")
	}
	if s.Contains(2) {
		t.Error("2 should now be evicted")
	}
}

func TestSet_DuplicateDoesNotRefresh(t *testing.T) {
	s := New[int](2)
	s.Add(1)
	s.Add(2)
	s.Add(1) // no-op, 1 stays oldest
	s.Add(3)

	if s.Contains(1) {
		t.Error("duplicate add must not move the key to the front")
	}
}

func TestSet_WrapAround(t *testing.T) {
	const capacity = 10
	s := New[int](capacity)
	for i := 0; i < 1000; i++ {
		s.Add(i)
	}
	if s.Len() != capacity {
		t.Fatalf("expected len=%d, got %d", capacity, s.Len())
	}
	for i := 990; i < 1000; i++ {
		if !s.Contains(i) {
			t.Errorf("expected %d in window", i)
		}
	}
	if s.Contains(989) {
		t.Error("989 should be outside the window")
	}
	if s.Evicted() != 990 {
		t.Errorf("expected 990 evictions, got %d", s.Evicted())
	}
}

func TestSet_StructKey(t *testing.T) {
	type entry struct {
		ts    int64
		price float64
	}
	s := New[entry](2)
	s.Add(entry{1, 100})
	if !s.Contains(entry{1, 100}) {
		t.Fatal("struct key lookup failed")
	}
	if s.Contains(entry{1, 100.5}) {
		t.Fatal("different price must not match")
	}
}

func TestSet_MinimumCapacity(t *testing.T) {
	s := New[int](0)
	if s.Cap() != 1 {
		t.Fatalf("expected cap=1, got %d", s.Cap())
	}
	s.Add(1)
	s.Add(2)
	if s.Contains(1) || !s.Contains(2) {
		t.Error("capacity-1 set should hold only the newest key")
	}
}
