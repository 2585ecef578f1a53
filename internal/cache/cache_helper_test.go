package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestHelper(t *testing.T, prefix string) (*CacheHelper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCacheHelper(client, prefix), mr
}

type cachedTest struct {
	ID    uint   `json:"id"`
	Title string `json:"title"`
}

func TestCacheHelper_SetGet(t *testing.T) {
	helper, _ := newTestHelper(t, "test:")
	ctx := context.Background()

	want := cachedTest{ID: 7, Title: "Unit Exam"}
	if err := helper.Set(ctx, "id:7", want, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var got cachedTest
	if err := helper.Get(ctx, "id:7", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestCacheHelper_GetMiss(t *testing.T) {
	helper, _ := newTestHelper(t, "test:")

	var got cachedTest
	err := helper.Get(context.Background(), "id:404", &got)
	if !errors.Is(err, ErrCacheNotFound) {
		t.Errorf("Get() error = %v, want ErrCacheNotFound", err)
	}
}

func TestCacheHelper_TTLExpiry(t *testing.T) {
	helper, mr := newTestHelper(t, "test:")
	ctx := context.Background()

	if err := helper.Set(ctx, "id:1", cachedTest{ID: 1}, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	mr.FastForward(2 * time.Minute)

	var got cachedTest
	if err := helper.Get(ctx, "id:1", &got); !errors.Is(err, ErrCacheNotFound) {
		t.Errorf("Get() after TTL: error = %v, want ErrCacheNotFound", err)
	}
}

func TestCacheHelper_KeyPrefix(t *testing.T) {
	helper, mr := newTestHelper(t, "test:")

	if err := helper.SetString(context.Background(), "id:9", "x", time.Minute); err != nil {
		t.Fatalf("SetString() error = %v", err)
	}
	if !mr.Exists("test:id:9") {
		t.Errorf("stored key missing prefix, keys = %v", mr.Keys())
	}
}

func TestCacheHelper_Delete(t *testing.T) {
	helper, _ := newTestHelper(t, "test:")
	ctx := context.Background()

	for _, key := range []string{"id:1", "id:2"} {
		if err := helper.SetString(ctx, key, "x", time.Minute); err != nil {
			t.Fatalf("SetString() error = %v", err)
		}
	}
	if err := helper.Delete(ctx, "id:1", "id:2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	exists, err := helper.Exists(ctx, "id:1")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("Exists() = true after delete")
	}
}

func TestCacheHelper_InvalidatePattern(t *testing.T) {
	helper, mr := newTestHelper(t, "test:")
	ctx := context.Background()

	for _, key := range []string{"creator:t1:page:1", "creator:t1:page:2", "creator:t2:page:1"} {
		if err := helper.SetString(ctx, key, "x", time.Minute); err != nil {
			t.Fatalf("SetString() error = %v", err)
		}
	}

	if err := helper.InvalidatePattern(ctx, "creator:t1:*"); err != nil {
		t.Fatalf("InvalidatePattern() error = %v", err)
	}

	if mr.Exists("test:creator:t1:page:1") || mr.Exists("test:creator:t1:page:2") {
		t.Error("pattern keys survived invalidation")
	}
	if !mr.Exists("test:creator:t2:page:1") {
		t.Error("unrelated key was removed")
	}
}

func TestCacheHelper_CacheOrExecute(t *testing.T) {
	helper, _ := newTestHelper(t, "test:")
	ctx := context.Background()

	calls := 0
	fetch := func() (interface{}, error) {
		calls++
		return cachedTest{ID: 3, Title: "fetched"}, nil
	}

	var got cachedTest
	if err := helper.CacheOrExecute(ctx, "id:3", &got, time.Minute, fetch); err != nil {
		t.Fatalf("CacheOrExecute() error = %v", err)
	}
	if calls != 1 || got.Title != "fetched" {
		t.Errorf("calls = %d, got = %+v", calls, got)
	}

	// Warm the key synchronously, then the fetch must not run again
	if err := helper.Set(ctx, "id:3", got, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	var again cachedTest
	if err := helper.CacheOrExecute(ctx, "id:3", &again, time.Minute, fetch); err != nil {
		t.Fatalf("CacheOrExecute() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("fetch ran %d times, want 1", calls)
	}
}

func TestCacheHelper_NilClientDegradation(t *testing.T) {
	helper := NewCacheHelper(nil, "test:")
	ctx := context.Background()

	if err := helper.Set(ctx, "id:1", cachedTest{}, time.Minute); err != nil {
		t.Errorf("Set() with nil client: error = %v, want nil", err)
	}
	var got cachedTest
	if err := helper.Get(ctx, "id:1", &got); !errors.Is(err, ErrCacheNotAvailable) {
		t.Errorf("Get() with nil client: error = %v, want ErrCacheNotAvailable", err)
	}
	if err := helper.Delete(ctx, "id:1"); err != nil {
		t.Errorf("Delete() with nil client: error = %v, want nil", err)
	}
}
