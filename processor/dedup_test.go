package processor

import "testing"

func TestDedupRejectsDuplicates(t *testing.T) {
	d := newDedupSet(10)
	if !d.Add("m1") {
		t.Fatal("first add must be new")
	}
	if d.Add("m1") {
		t.Fatal("second add of same id must be rejected")
	}
	if !d.Add("m2") {
		t.Fatal("different id must be new")
	}
}

func TestDedupEmptyIDAlwaysNew(t *testing.T) {
	d := newDedupSet(10)
	for i := 0; i < 3; i++ {
		if !d.Add("") {
			t.Fatal("empty id must never be treated as a duplicate")
		}
	}
}

func TestDedupResetsAtCapacity(t *testing.T) {
	d := newDedupSet(3)
	d.Add("a")
	d.Add("b")
	d.Add("c")
	// The set is full: the next insert clears it first.
	if !d.Add("d") {
		t.Fatal("insert after reset must be new")
	}
	if d.resets != 1 {
		t.Fatalf("resets = %d, want 1", d.resets)
	}
	// "a" was forgotten by the reset; it is accepted again. That is the
	// documented trade: bounded memory over perfect dedup, with storage
	// conflict handling as the backstop.
	if !d.Add("a") {
		t.Fatal("pre-reset id must be accepted again")
	}
}
