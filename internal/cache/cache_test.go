package cache

import (
	"testing"

	"github.com/lazypower/attune/internal/transform"
)

func TestKeyIgnoresNeighborOrder(t *testing.T) {
	in := []float64{0.1, 0.2, 0.3}
	g1 := &transform.Graph{Nodes: []transform.GraphNode{{ID: "a"}, {ID: "b"}}}
	g2 := &transform.Graph{Nodes: []transform.GraphNode{{ID: "b"}, {ID: "a"}}}
	if KeyFor(1, in, g1) != KeyFor(1, in, g2) {
		t.Error("neighbor order changed the key")
	}
	if KeyFor(1, in, g1) == KeyFor(2, in, g1) {
		t.Error("model version did not change the key")
	}
	if KeyFor(1, in, nil) == KeyFor(1, in, g1) {
		t.Error("graph context did not change the key")
	}
	if KeyFor(1, in, nil) == KeyFor(1, []float64{0.1, 0.2, 0.30000001}, nil) {
		t.Error("input change did not change the key")
	}
}

func TestGetPutHitRate(t *testing.T) {
	c := New(1 << 20)
	if s := c.Stats(); s.HitRate != 0 {
		t.Errorf("empty hit rate = %v, want 0", s.HitRate)
	}

	k := KeyFor(1, []float64{1, 0}, nil)
	if _, ok := c.Get(k, 2); ok {
		t.Fatal("hit on empty cache")
	}
	c.Put(k, []float64{0.6, 0.8}, nil)
	vec, ok := c.Get(k, 2)
	if !ok || vec[0] != 0.6 || vec[1] != 0.8 {
		t.Fatalf("Get = %v, %v", vec, ok)
	}
	c.Get(k, 2)
	c.Get(k, 2)

	s := c.Stats()
	if s.Hits != 3 || s.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 3/1", s.Hits, s.Misses)
	}
	if s.HitRate != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", s.HitRate)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	perEntry := int64(4*8 + entryOverhead)
	c := New(3 * perEntry)

	keys := make([]Key, 4)
	for i := range keys {
		keys[i] = KeyFor(1, []float64{float64(i)}, nil)
	}
	for i := 0; i < 3; i++ {
		c.Put(keys[i], []float64{1, 2, 3, 4}, nil)
	}
	// touch 0 so 1 becomes the oldest
	c.Get(keys[0], 4)
	c.Put(keys[3], []float64{1, 2, 3, 4}, nil)

	if _, ok := c.Get(keys[1], 4); ok {
		t.Error("least recently used entry survived")
	}
	for _, i := range []int{0, 2, 3} {
		if _, ok := c.Get(keys[i], 4); !ok {
			t.Errorf("entry %d evicted", i)
		}
	}
	if s := c.Stats(); s.Bytes > s.MaxBytes || s.Entries != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOversizedEntryNotStored(t *testing.T) {
	c := New(64)
	k := KeyFor(1, []float64{1}, nil)
	c.Put(k, make([]float64, 100), nil)
	if s := c.Stats(); s.Entries != 0 || s.Bytes != 0 {
		t.Errorf("oversized entry stored: %+v", s)
	}
}

func TestInvalidateNode(t *testing.T) {
	c := New(1 << 20)
	ka := KeyFor(1, []float64{1}, nil)
	kb := KeyFor(1, []float64{2}, nil)
	kc := KeyFor(1, []float64{3}, nil)
	c.Put(ka, []float64{1}, []string{"n1", "n2"})
	c.Put(kb, []float64{1}, []string{"n2"})
	c.Put(kc, []float64{1}, []string{"n3"})

	if n := c.InvalidateNode("n2"); n != 2 {
		t.Errorf("InvalidateNode(n2) = %d, want 2", n)
	}
	if _, ok := c.Get(kc, 1); !ok {
		t.Error("unrelated entry was invalidated")
	}
	if _, ok := c.Get(ka, 1); ok {
		t.Error("dependent entry survived invalidation")
	}
	if n := c.InvalidateNode("n1"); n != 0 {
		t.Errorf("InvalidateNode(n1) after removal = %d, want 0", n)
	}
}

func TestClearKeepsCounters(t *testing.T) {
	c := New(1 << 20)
	k := KeyFor(1, []float64{1}, nil)
	c.Put(k, []float64{1}, []string{"a"})
	c.Get(k, 1)
	c.Clear()

	s := c.Stats()
	if s.Entries != 0 || s.Bytes != 0 {
		t.Errorf("after Clear: %+v", s)
	}
	if s.Hits != 1 {
		t.Errorf("Clear reset hits to %d", s.Hits)
	}
	if _, ok := c.Get(k, 1); ok {
		t.Error("entry survived Clear")
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	c := New(1 << 20)
	k := KeyFor(1, []float64{1}, nil)
	c.Put(k, []float64{1, 2}, nil)

	// wrong expected width
	if _, ok := c.Get(k, 3); ok {
		t.Fatal("decoded entry with the wrong width")
	}
	if s := c.Stats(); s.Entries != 0 || s.Misses != 1 {
		t.Errorf("corrupt entry not dropped: %+v", s)
	}

	c.Put(k, []float64{1, 2}, nil)
	c.mu.Lock()
	c.items[k].Value.(*entry).blob = []byte{1, 2, 3}
	c.mu.Unlock()
	if _, ok := c.Get(k, 2); ok {
		t.Error("decoded truncated blob")
	}
}
