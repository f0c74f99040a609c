package state

import (
	"context"
	"testing"
	"time"

	"krw-contango-bot/internal/hedge"
	"krw-contango-bot/internal/venue"
)

// memStore is an in-memory Store with key enumeration.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(ctx context.Context, key string, value []byte) error {
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	delete(s.data, key)
	return nil
}

func (s *memStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memStore) Close() error { return nil }

func sampleSnapshot(asset string) hedge.LedgerSnapshot {
	return hedge.LedgerSnapshot{
		Asset:  asset,
		State:  hedge.StateHedged,
		NextID: 2,
		Tranches: []hedge.Tranche{{
			ID:                1,
			Asset:             asset,
			NotionalUSD:       50,
			Qty:               0.0005,
			SpotVenue:         venue.Upbit,
			FuturesVenue:      venue.OKX,
			EntrySpotPrice:    100,
			EntryFuturesPrice: 101,
			FuturesOrderID:    "f-1",
			SpotOrderID:       "s-1",
			OpenedAt:          time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			State:             hedge.TrancheOpen,
		}},
		UpdatedAtMS: 1780000000000,
	}
}

func TestLedgerSnapshotRoundTrip(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	if err := SaveLedgerSnapshot(ctx, store, sampleSnapshot("BTC")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := LoadLedgerSnapshot(ctx, store, "BTC")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot present")
	}
	if got.Asset != "BTC" || got.NextID != 2 || len(got.Tranches) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	tr := got.Tranches[0]
	if tr.State != hedge.TrancheOpen || tr.FuturesOrderID != "f-1" || tr.EntryFuturesPrice != 101 {
		t.Fatalf("tranche fields lost in round trip: %+v", tr)
	}
	if !tr.OpenedAt.Equal(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("opened_at lost in round trip: %v", tr.OpenedAt)
	}
}

func TestLoadLedgerSnapshotMissing(t *testing.T) {
	_, ok, err := LoadLedgerSnapshot(context.Background(), newMemStore(), "BTC")
	if err != nil || ok {
		t.Fatalf("expected miss without error, got ok=%v err=%v", ok, err)
	}
}

func TestLoadAllLedgers(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	for _, asset := range []string{"BTC", "ETH"} {
		if err := SaveLedgerSnapshot(ctx, store, sampleSnapshot(asset)); err != nil {
			t.Fatalf("save %s: %v", asset, err)
		}
	}
	// Unrelated keys must not be picked up.
	if err := store.Set(ctx, "other:thing", []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}

	all, err := LoadAllLedgers(ctx, store)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 ledgers, got %d", len(all))
	}
	if _, ok := all["BTC"]; !ok {
		t.Fatalf("expected BTC ledger present")
	}
}
