package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
)

// Postgres tests run only against a disposable database named by PRICEWATCH_TEST_DSN.
func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PRICEWATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("PRICEWATCH_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	store := NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresPutAlertSingleWinner(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	itemID := "pg-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.PutAlert(ctx, alertFor(itemID, now), time.Hour)
			if err != nil {
				t.Errorf("put: %v", err)
				return
			}
			if ok {
				mu.Lock()
				stored++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if stored != 1 {
		t.Fatalf("expected one stored alert, got %d", stored)
	}
}

func TestPostgresRecordObservation(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	itemID := "pg-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := store.RecordObservation(ctx, observation(itemID, "300", now)); err != nil {
		t.Fatalf("record: %v", err)
	}
	prev, err := store.RecordObservation(ctx, observation(itemID, "120", now.Add(time.Second)))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if prev == nil || !prev.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected previous 300, got %v", prev)
	}
}

func TestPostgresAdvisoryLock(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 0x70726963)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	_, again, err := store.TryAdvisoryLock(ctx, 0x70726963)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if again {
		t.Fatal("advisory lock acquired twice")
	}
	unlock()
}
