package sqlite

import (
	"bytes"
	"context"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	value := []byte{0x85, 0x00, 0xff, 0x12} // opaque msgpack-like blob
	if err := store.Set(ctx, "key", value); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || !bytes.Equal(got, value) {
		t.Fatalf("unexpected value: %v (ok=%v)", got, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreOverwrite(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", []byte("one")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", []byte("two")); err != nil {
		t.Fatalf("second set failed: %v", err)
	}
	got, ok, _ := store.Get(ctx, "key")
	if !ok || string(got) != "two" {
		t.Fatalf("expected overwrite to win, got %q", got)
	}
}

func TestStoreKeysByPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, key := range []string{"ledger:BTC", "ledger:ETH", "meta:version"} {
		if err := store.Set(ctx, key, []byte("v")); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	keys, err := store.Keys(ctx, "ledger:")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "ledger:BTC" || keys[1] != "ledger:ETH" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
