package cache

import (
	"testing"
	"time"
)

func TestGetPut(t *testing.T) {
	c := New[int](4, 0)
	k := Key{Op: "forecast", Fingerprint: "abc"}

	if _, ok := c.Get(k); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Put(k, 42)
	got, ok := c.Get(k)
	if !ok || got != 42 {
		t.Fatalf("Get = %d, %v; want 42, true", got, ok)
	}

	c.Put(k, 43)
	if got, _ := c.Get(k); got != 43 {
		t.Errorf("overwrite: Get = %d, want 43", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Errorf("Stats hits/misses = %d/%d, want 2/1", st.Hits, st.Misses)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string](2, 0)
	a := Key{Op: "op", Fingerprint: "a"}
	b := Key{Op: "op", Fingerprint: "b"}
	d := Key{Op: "op", Fingerprint: "d"}

	c.Put(a, "a")
	c.Put(b, "b")
	c.Get(a) // a is now most recent
	c.Put(d, "d")

	if _, ok := c.Get(b); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get(a); !ok {
		t.Error("expected a to survive")
	}
	if _, ok := c.Get(d); !ok {
		t.Error("expected d to be present")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New[int](4, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	k := Key{Op: "load", Fingerprint: "x"}
	c.Put(k, 1)

	now = now.Add(30 * time.Second)
	if _, ok := c.Get(k); !ok {
		t.Fatal("entry expired too early")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(k); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len = %d", c.Len())
	}
}

func TestInvalidateOp(t *testing.T) {
	c := New[int](10, 0)
	c.Put(Key{Op: "forecast", Fingerprint: "1"}, 1)
	c.Put(Key{Op: "forecast", Fingerprint: "2"}, 2)
	c.Put(Key{Op: "load", Fingerprint: "3"}, 3)

	if n := c.InvalidateOp("forecast"); n != 2 {
		t.Errorf("InvalidateOp removed %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Get(Key{Op: "load", Fingerprint: "3"}); !ok {
		t.Error("load entry should survive forecast invalidation")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("forecast", []float64{1, 2, 3}, 7)
	b := Fingerprint("forecast", []float64{1, 2, 3}, 7)
	c := Fingerprint("forecast", []float64{1, 2, 3}, 8)
	if a != b {
		t.Error("identical input produced different fingerprints")
	}
	if a == c {
		t.Error("different input produced identical fingerprints")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}
}
