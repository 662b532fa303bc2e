package signing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sceneline/internal/signing"
)

type countingAuthority struct {
	mu    sync.Mutex
	signs int
	gate  chan struct{}
}

func (a *countingAuthority) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	a.signs++
	n := a.signs
	a.mu.Unlock()
	return fmt.Sprintf("https://media.test/%s?sig=%d", key, n), nil
}

func (a *countingAuthority) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signs
}

func TestCacheReusesFreshURL(t *testing.T) {
	auth := &countingAuthority{}
	cache := signing.NewCache(auth, time.Hour, 6*time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.SetNow(func() time.Time { return now })

	first, err := cache.GetURL(context.Background(), "media/a.mp4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := cache.GetURL(context.Background(), "media/a.mp4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.URL != second.URL {
		t.Fatalf("cached URL changed: %s vs %s", first.URL, second.URL)
	}
	if auth.count() != 1 {
		t.Fatalf("signs = %d, want 1", auth.count())
	}
}

func TestCacheRefreshesInsideMargin(t *testing.T) {
	auth := &countingAuthority{}
	cache := signing.NewCache(auth, time.Hour, 6*time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.SetNow(func() time.Time { return now })

	first, err := cache.GetURL(context.Background(), "media/a.mp4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// 55m in: expiry is 5m away, inside the 6m margin, so a new URL is minted.
	now = now.Add(55 * time.Minute)
	second, err := cache.GetURL(context.Background(), "media/a.mp4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.URL == second.URL {
		t.Fatal("URL inside expiry margin was served stale")
	}
	if auth.count() != 2 {
		t.Fatalf("signs = %d, want 2", auth.count())
	}

	exp, err := time.Parse(time.RFC3339, second.Expires)
	if err != nil {
		t.Fatalf("parse expires: %v", err)
	}
	if !exp.After(now.Add(6 * time.Minute)) {
		t.Fatalf("expiry %s too close to now %s", exp, now)
	}
}

func TestCacheKeysAreIndependent(t *testing.T) {
	auth := &countingAuthority{}
	cache := signing.NewCache(auth, time.Hour, 6*time.Minute)
	if _, err := cache.GetURL(context.Background(), "media/a.mp4"); err != nil {
		t.Fatalf("get a: %v", err)
	}
	if _, err := cache.GetURL(context.Background(), "media/b.mp4"); err != nil {
		t.Fatalf("get b: %v", err)
	}
	if auth.count() != 2 {
		t.Fatalf("signs = %d, want 2", auth.count())
	}
}

func TestCacheDeduplicatesConcurrentRefresh(t *testing.T) {
	auth := &countingAuthority{gate: make(chan struct{})}
	cache := signing.NewCache(auth, time.Hour, 6*time.Minute)

	const n = 10
	var wg sync.WaitGroup
	urls := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := cache.GetURL(context.Background(), "media/a.mp4")
			urls[i], errs[i] = u.URL, err
		}(i)
	}
	close(auth.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if urls[i] != urls[0] {
			t.Fatalf("divergent URLs: %s vs %s", urls[i], urls[0])
		}
	}
	if auth.count() != 1 {
		t.Fatalf("signs = %d, want 1", auth.count())
	}
}

func TestInvalidateForcesReissue(t *testing.T) {
	auth := &countingAuthority{}
	cache := signing.NewCache(auth, time.Hour, 6*time.Minute)
	if _, err := cache.GetURL(context.Background(), "media/a.mp4"); err != nil {
		t.Fatalf("get: %v", err)
	}
	cache.Invalidate("media/a.mp4")
	if _, err := cache.GetURL(context.Background(), "media/a.mp4"); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if auth.count() != 2 {
		t.Fatalf("signs = %d, want 2", auth.count())
	}
}

type cancelSensitiveAuthority struct {
	mu    sync.Mutex
	signs int
}

func (a *cancelSensitiveAuthority) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.signs++
	n := a.signs
	a.mu.Unlock()
	return fmt.Sprintf("https://media.test/%s?sig=%d", key, n), nil
}

func TestRefreshOutlivesCallerCancellation(t *testing.T) {
	auth := &cancelSensitiveAuthority{}
	cache := signing.NewCache(auth, time.Hour, 6*time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	u, err := cache.GetURL(ctx, "media/a.mp4")
	if err != nil {
		t.Fatalf("get with cancelled caller: %v", err)
	}
	if u.URL == "" {
		t.Fatal("empty url")
	}
	// Waiters joining the same flight get the shared result too.
	if _, err := cache.GetURL(context.Background(), "media/a.mp4"); err != nil {
		t.Fatalf("follow-up get: %v", err)
	}
	auth.mu.Lock()
	defer auth.mu.Unlock()
	if auth.signs != 1 {
		t.Fatalf("signs = %d, want 1", auth.signs)
	}
}
