package cacheinfra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Capacity:           100,
		NumShards:          2,
		TTL:                time.Minute,
		EvictionPercentage: 10,
	}
}

func newService(t *testing.T, cfg Config) *SturdycService {
	t.Helper()
	service, err := NewSturdycService(cfg)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Capacity != 10000 {
		t.Errorf("expected Capacity to be 10000, got %d", cfg.Capacity)
	}
	if cfg.NumShards != 64 {
		t.Errorf("expected NumShards to be 64, got %d", cfg.NumShards)
	}
	if cfg.TTL != 30*time.Second {
		t.Errorf("expected TTL to be 30s, got %v", cfg.TTL)
	}
	if cfg.MissingRecordStorage {
		t.Error("expected MissingRecordStorage to be off")
	}
	if cfg.EarlyRefresh != nil {
		t.Error("expected EarlyRefresh to be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero capacity", func(c *Config) { c.Capacity = 0 }, true},
		{"zero shards", func(c *Config) { c.NumShards = 0 }, true},
		{"zero ttl", func(c *Config) { c.TTL = 0 }, true},
		{"eviction above 100", func(c *Config) { c.EvictionPercentage = 101 }, true},
		{"negative early refresh", func(c *Config) {
			c.EarlyRefresh = &EarlyRefreshConfig{MinAsyncRefreshTime: -time.Second}
		}, true},
		{"early refresh window inverted", func(c *Config) {
			c.EarlyRefresh = &EarlyRefreshConfig{MinAsyncRefreshTime: 2 * time.Second, MaxAsyncRefreshTime: time.Second}
		}, true},
		{"early refresh", func(c *Config) {
			c.EarlyRefresh = &EarlyRefreshConfig{
				MinAsyncRefreshTime: time.Second,
				MaxAsyncRefreshTime: 2 * time.Second,
				SyncRefreshTime:     5 * time.Second,
				RetryBaseDelay:      10 * time.Millisecond,
			}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error but got: %v", err)
			}
		})
	}
}

func TestConfig_ToSturdycOptions(t *testing.T) {
	cfg := testConfig()
	if n := len(cfg.ToSturdycOptions()); n != 0 {
		t.Errorf("expected no options, got %d", n)
	}

	cfg.MissingRecordStorage = true
	cfg.EvictionInterval = time.Second
	cfg.EarlyRefresh = &EarlyRefreshConfig{MaxAsyncRefreshTime: time.Second}
	if n := len(cfg.ToSturdycOptions()); n != 3 {
		t.Errorf("expected 3 options, got %d", n)
	}
}

func TestNewSturdycService_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = -1
	if _, err := NewSturdycService(cfg); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestSturdycService_GetOrFetch(t *testing.T) {
	service := newService(t, testConfig())
	ctx := context.Background()

	t.Run("miss then hit", func(t *testing.T) {
		calls := 0
		fetch := func(context.Context) (map[string]string, error) {
			calls++
			return map[string]string{"acc": "alice"}, nil
		}

		for i := 0; i < 2; i++ {
			entry, err := service.GetOrFetch(ctx, "us#u1", fetch)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if entry["acc"] != "alice" {
				t.Errorf("expected acc=alice, got %v", entry)
			}
		}
		if calls != 1 {
			t.Errorf("expected 1 fetch, got %d", calls)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := service.GetOrFetch(ctx, "us#missing", func(context.Context) (map[string]string, error) {
			return nil, ErrNotFound
		})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("fetch error is not cached", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := service.GetOrFetch(ctx, "us#err", func(context.Context) (map[string]string, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}

		entry, err := service.GetOrFetch(ctx, "us#err", func(context.Context) (map[string]string, error) {
			return map[string]string{"ok": "1"}, nil
		})
		if err != nil || entry["ok"] != "1" {
			t.Errorf("expected refetch to succeed, got %v %v", entry, err)
		}
	})

	t.Run("nil fetch", func(t *testing.T) {
		if _, err := service.GetOrFetch(ctx, "us#nil", nil); err == nil {
			t.Error("expected error for nil fetch function")
		}
	})
}

func TestSturdycService_GetOrFetchCoalesces(t *testing.T) {
	service := newService(t, testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (map[string]string, error) {
		calls.Add(1)
		<-release
		return map[string]string{"acc": "bob"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.GetOrFetch(ctx, "us#hot", fetch); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected concurrent reads to share one fetch, got %d", n)
	}
}

func TestSturdycService_Invalidation(t *testing.T) {
	service := newService(t, testConfig())
	ctx := context.Background()

	seed := func(key string) {
		_, err := service.GetOrFetch(ctx, key, func(context.Context) (map[string]string, error) {
			return map[string]string{"k": key}, nil
		})
		if err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	for _, key := range []string{"us#1", "us#2", "us#3", "gd#1"} {
		seed(key)
	}
	if service.Size() != 4 {
		t.Fatalf("expected 4 entries, got %d", service.Size())
	}

	if err := service.Delete(ctx, "us#1"); err != nil {
		t.Fatal(err)
	}
	if service.Size() != 3 {
		t.Errorf("expected 3 entries after Delete, got %d", service.Size())
	}

	if err := service.InvalidateKeys(ctx, []string{"us#2", "nope"}); err != nil {
		t.Fatal(err)
	}
	if service.Size() != 2 {
		t.Errorf("expected 2 entries after InvalidateKeys, got %d", service.Size())
	}

	if err := service.DeleteByPrefix(ctx, "us#"); err != nil {
		t.Fatal(err)
	}
	if service.Size() != 1 {
		t.Errorf("expected only gd#1 to remain, got %d entries", service.Size())
	}
}
