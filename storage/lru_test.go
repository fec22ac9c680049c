package storage

import "testing"

func uberFixture(revisionCount uint64) *UberPage {
	return &UberPage{RevisionCount: revisionCount}
}

func TestPageCacheBasic(t *testing.T) {
	c := newPageCache(3)

	c.put(1, uberFixture(1))
	c.put(2, uberFixture(2))
	c.put(3, uberFixture(3))

	if _, ok := c.get(1); !ok {
		t.Error("offset 1 should be cached")
	}
	if _, ok := c.get(2); !ok {
		t.Error("offset 2 should be cached")
	}
	if _, ok := c.get(3); !ok {
		t.Error("offset 3 should be cached")
	}

	// MRU order after the three gets above is 3,2,1, so offset 1 is LRU.
	c.put(4, uberFixture(4))

	if _, ok := c.get(1); ok {
		t.Error("offset 1 should have been evicted")
	}
	if _, ok := c.get(4); !ok {
		t.Error("offset 4 should be cached")
	}
}

func TestPageCacheUpdate(t *testing.T) {
	c := newPageCache(3)

	c.put(1, uberFixture(1))
	c.put(1, uberFixture(99))

	page, ok := c.get(1)
	if !ok {
		t.Fatal("offset 1 should be cached")
	}
	if page.(*UberPage).RevisionCount != 99 {
		t.Errorf("expected updated value 99, got %d", page.(*UberPage).RevisionCount)
	}
}

func TestPageCacheInvalidate(t *testing.T) {
	c := newPageCache(3)

	c.put(1, uberFixture(1))
	c.invalidate(1)

	if _, ok := c.get(1); ok {
		t.Error("offset 1 should have been invalidated")
	}
}

func TestPageCacheClear(t *testing.T) {
	c := newPageCache(3)

	c.put(1, uberFixture(1))
	c.put(2, uberFixture(2))
	c.put(3, uberFixture(3))

	c.clear()

	_, _, size, _ := c.stats()
	if size != 0 {
		t.Errorf("expected size 0 after clear, got %d", size)
	}
}

func TestPageCacheStats(t *testing.T) {
	c := newPageCache(10)

	c.put(1, uberFixture(1))
	c.put(2, uberFixture(2))

	c.get(1) // hit
	c.get(1) // hit
	c.get(3) // miss

	hits, misses, size, cap := c.stats()
	if hits != 2 {
		t.Errorf("expected 2 hits, got %d", hits)
	}
	if misses != 1 {
		t.Errorf("expected 1 miss, got %d", misses)
	}
	if size != 2 {
		t.Errorf("expected size 2, got %d", size)
	}
	if cap != 10 {
		t.Errorf("expected capacity 10, got %d", cap)
	}

	rate := c.hitRate()
	if rate < 0.66 || rate > 0.67 {
		t.Errorf("expected hit rate ~0.667, got %f", rate)
	}
}

func TestPageCacheEvictionOrder(t *testing.T) {
	c := newPageCache(3)

	c.put(1, uberFixture(1))
	c.put(2, uberFixture(2))
	c.put(3, uberFixture(3))

	// Touch offset 1 to make it MRU; LRU order becomes 2,3,1.
	c.get(1)

	c.put(4, uberFixture(4))

	if _, ok := c.get(2); ok {
		t.Error("offset 2 should have been evicted (LRU)")
	}
	if _, ok := c.get(1); !ok {
		t.Error("offset 1 should still be cached (was accessed recently)")
	}
	if _, ok := c.get(3); !ok {
		t.Error("offset 3 should still be cached")
	}
	if _, ok := c.get(4); !ok {
		t.Error("offset 4 should be cached")
	}
}
