package validator

import "testing"

func entries(n int) []Entry {
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = Entry{Index: Index(i), PubKey: []byte{byte(i)}, Role: RoleMiner}
	}
	return out
}

func TestNewRosterSortsByIndex(t *testing.T) {
	raw := []Entry{
		{Index: 2, PubKey: []byte{2}, Role: RoleMiner},
		{Index: 0, PubKey: []byte{0}, Role: RoleMiner},
		{Index: 1, PubKey: []byte{1}, Role: RoleMiner},
	}
	r, err := NewRoster(5, raw)
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	for i, e := range r.Entries {
		if int(e.Index) != i {
			t.Fatalf("entries not sorted: position %d has index %d", i, e.Index)
		}
	}
}

func TestNewRosterRejectsDuplicateIndex(t *testing.T) {
	raw := []Entry{
		{Index: 0, PubKey: []byte{0}, Role: RoleMiner},
		{Index: 0, PubKey: []byte{1}, Role: RoleMiner},
	}
	if _, err := NewRoster(0, raw); err == nil {
		t.Fatal("expected error for duplicate index")
	}
}

func TestNewRosterRejectsNonDenseIndex(t *testing.T) {
	raw := []Entry{
		{Index: 0, PubKey: []byte{0}, Role: RoleMiner},
		{Index: 2, PubKey: []byte{1}, Role: RoleMiner},
	}
	if _, err := NewRoster(0, raw); err == nil {
		t.Fatal("expected error for non-dense index set")
	}
}

func TestQuorumSizes(t *testing.T) {
	cases := []struct{ n, f, q int }{
		{4, 1, 3},
		{7, 2, 5},
		{10, 3, 7},
		{1, 0, 1},
	}
	for _, c := range cases {
		r, err := NewRoster(0, entries(c.n))
		if err != nil {
			t.Fatalf("NewRoster(%d): %v", c.n, err)
		}
		if r.F() != c.f {
			t.Errorf("N=%d: F() = %d, want %d", c.n, r.F(), c.f)
		}
		if r.Q() != c.q {
			t.Errorf("N=%d: Q() = %d, want %d", c.n, r.Q(), c.q)
		}
	}
}

func TestByIndexOutOfRange(t *testing.T) {
	r, _ := NewRoster(0, entries(3))
	if _, ok := r.ByIndex(99); ok {
		t.Fatal("expected ByIndex to report out-of-range index as not found")
	}
}

func TestMinersFiltersObservers(t *testing.T) {
	raw := []Entry{
		{Index: 0, PubKey: []byte{0}, Role: RoleMiner},
		{Index: 1, PubKey: []byte{1}, Role: RoleObserver},
		{Index: 2, PubKey: []byte{2}, Role: RoleMiner},
	}
	r, err := NewRoster(0, raw)
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	miners := r.Miners()
	if len(miners) != 2 {
		t.Fatalf("expected 2 miners, got %d", len(miners))
	}
	if miners[0].Index != 0 || miners[1].Index != 2 {
		t.Fatalf("unexpected miner set: %+v", miners)
	}
}
