package transport

import "testing"

func TestTicketTableAllocateLookupRelease(t *testing.T) {
	tt := newTicketTable()

	type obj struct{ name string }
	a := &obj{name: "a"}
	b := &obj{name: "b"}

	ta := tt.Allocate(a)
	tb := tt.Allocate(b)
	if ta == tb {
		t.Fatalf("expected distinct tickets, got %d and %d", ta, tb)
	}
	if ta == 0 || tb == 0 {
		t.Fatal("expected nonzero tickets (zero is the not-yet-acknowledged sentinel)")
	}

	got, ok := tt.Lookup(ta)
	if !ok || got.(*obj) != a {
		t.Fatalf("Lookup(%d) = %v, %v; want %v, true", ta, got, ok, a)
	}

	tt.Release(ta)
	if _, ok := tt.Lookup(ta); ok {
		t.Fatal("expected released ticket to be gone")
	}
	if _, ok := tt.Lookup(tb); !ok {
		t.Fatal("releasing one ticket should not affect another")
	}
}
