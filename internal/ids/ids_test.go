package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestStableIsDeterministic(t *testing.T) {
	a := Stable("task-1", "exec-1")
	b := Stable("task-1", "exec-1")
	if a != b {
		t.Fatalf("expected stable id, got %s and %s", a, b)
	}
	if a == Stable("task-1", "exec-2") {
		t.Fatalf("expected different ids for different keys")
	}
}
