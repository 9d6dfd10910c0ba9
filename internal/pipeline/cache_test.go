package pipeline

import "testing"

func TestCacheKeyNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Goedemorgen  ", "goedemorgen"},
		{"HALLO WERELD", "hallo wereld"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := CacheKey(tt.in); got != tt.want {
			t.Errorf("CacheKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCacheHitAfterPut(t *testing.T) {
	c := NewCache(10)
	c.Put("Goedemorgen", "Good morning")

	got, ok := c.Get("  GOEDEMORGEN ")
	if !ok {
		t.Fatal("expected hit for normalized variant")
	}
	if got != "Good morning" {
		t.Errorf("Get() = %q, want %q", got, "Good morning")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.Put("een", "one")
	c.Put("twee", "two")

	// Touch "een" so "twee" becomes the eviction candidate.
	if _, ok := c.Get("een"); !ok {
		t.Fatal("expected hit for een")
	}
	c.Put("drie", "three")

	if _, ok := c.Get("twee"); ok {
		t.Error("twee should have been evicted")
	}
	if _, ok := c.Get("een"); !ok {
		t.Error("een should have survived")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(0)
	c.Put("een", "one")
	if _, ok := c.Get("een"); ok {
		t.Error("disabled cache must never hit")
	}
}

func TestCacheStats(t *testing.T) {
	c := NewCache(10)
	c.Put("een", "one")
	c.Get("een")
	c.Get("twee")

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Entries != 1 {
		t.Errorf("Stats() = %+v, want 1 hit, 1 miss, 1 entry", st)
	}
}
