package billing_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const testAccountID1 = "acct-1"

func TestLRUCache_Subscription(t *testing.T) {
	cache := billing.NewLRUCache(10)

	// Test cache miss
	_, found := cache.Get(testAccountID1)
	if found {
		t.Error("Expected cache miss for non-existent subscription")
	}

	sub := &billing.Subscription{
		AccountID: testAccountID1,
		State:     billing.StateActive,
		AppliedPayments: map[string]billing.PaymentStatus{
			"pay-1": billing.PaymentSucceeded,
		},
	}
	cache.Set(testAccountID1, sub, time.Minute)

	cached, found := cache.Get(testAccountID1)
	if !found {
		t.Fatal("Expected cache hit")
	}
	if cached.AccountID != testAccountID1 || cached.State != billing.StateActive {
		t.Errorf("Cached subscription mismatch: got %+v", cached)
	}

	// Callers get copies
	cached.AppliedPayments["pay-2"] = billing.PaymentFailed
	again, _ := cache.Get(testAccountID1)
	if _, leaked := again.AppliedPayments["pay-2"]; leaked {
		t.Error("Expected cache to return a copy")
	}

	cache.Invalidate(testAccountID1)
	_, found = cache.Get(testAccountID1)
	if found {
		t.Error("Expected cache miss after invalidation")
	}
}

func TestLRUCache_TTLAndStale(t *testing.T) {
	cache := billing.NewLRUCache(10)
	cache.Set(testAccountID1, &billing.Subscription{AccountID: testAccountID1}, 10*time.Millisecond)

	if _, found := cache.Get(testAccountID1); !found {
		t.Fatal("Expected cache hit before expiration")
	}

	time.Sleep(20 * time.Millisecond)

	if _, found := cache.Get(testAccountID1); found {
		t.Error("Expected cache miss after expiration")
	}
	if _, found := cache.GetStale(testAccountID1); !found {
		t.Error("Expected stale entry to remain available")
	}
}

func TestLRUCache_Stats(t *testing.T) {
	cache := billing.NewLRUCache(10)
	cache.Set(testAccountID1, &billing.Subscription{AccountID: testAccountID1}, time.Minute)

	cache.Get(testAccountID1)
	cache.Get(testAccountID1)
	cache.Get("missing")

	stats := cache.Stats()
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if stats.Size != 1 {
		t.Errorf("Expected size 1, got %d", stats.Size)
	}
}

func TestLRUCache_Eviction(t *testing.T) {
	cache := billing.NewLRUCache(2)

	cache.Set("a", &billing.Subscription{AccountID: "a"}, time.Minute)
	time.Sleep(time.Millisecond)
	cache.Set("b", &billing.Subscription{AccountID: "b"}, time.Minute)
	time.Sleep(time.Millisecond)
	// Touch a so that b becomes least recently used
	cache.Get("a")
	time.Sleep(time.Millisecond)
	cache.Set("c", &billing.Subscription{AccountID: "c"}, time.Minute)

	if _, found := cache.Get("b"); found {
		t.Error("Expected b to be evicted")
	}
	if _, found := cache.Get("a"); !found {
		t.Error("Expected a to survive eviction")
	}
	if got := cache.Stats().Evictions; got != 1 {
		t.Errorf("Expected 1 eviction, got %d", got)
	}
}

func TestLRUCache_Clear(t *testing.T) {
	cache := billing.NewLRUCache(10)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("acct-%d", i)
		cache.Set(id, &billing.Subscription{AccountID: id}, time.Minute)
	}
	cache.Clear()
	if size := cache.Stats().Size; size != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", size)
	}
}

func TestNoopCache(t *testing.T) {
	cache := billing.NewNoopCache()
	cache.Set(testAccountID1, &billing.Subscription{AccountID: testAccountID1}, time.Minute)
	if _, found := cache.Get(testAccountID1); found {
		t.Error("NoopCache should never return a hit")
	}
	if _, found := cache.GetStale(testAccountID1); found {
		t.Error("NoopCache should never return a stale hit")
	}
	if stats := cache.Stats(); stats != (billing.CacheStats{}) {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestCache_ConcurrentInvalidation(t *testing.T) {
	cache := billing.NewLRUCache(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("acct-%d", i%10)
			cache.Set(id, &billing.Subscription{AccountID: id}, time.Minute)
		}(i)
		go func(i int) {
			defer wg.Done()
			cache.Invalidate(fmt.Sprintf("acct-%d", i%10))
		}(i)
	}
	wg.Wait()
	if size := cache.Stats().Size; size > 10 {
		t.Errorf("Expected at most 10 entries, got %d", size)
	}
}
