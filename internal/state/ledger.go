package state

import (
	"context"
	"strings"

	"krw-contango-bot/internal/hedge"

	"github.com/vmihailenco/msgpack/v5"
)

const ledgerKeyPrefix = "ledger:"

func LedgerKey(asset string) string {
	return ledgerKeyPrefix + asset
}

// SaveLedgerSnapshot persists one asset's ladder. Called after every ladder
// mutation so an exposed leg survives a restart.
func SaveLedgerSnapshot(ctx context.Context, store Store, snap hedge.LedgerSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return store.Set(ctx, LedgerKey(snap.Asset), payload)
}

func LoadLedgerSnapshot(ctx context.Context, store Store, asset string) (hedge.LedgerSnapshot, bool, error) {
	if store == nil {
		return hedge.LedgerSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, LedgerKey(asset))
	if err != nil || !ok {
		return hedge.LedgerSnapshot{}, false, err
	}
	var snap hedge.LedgerSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return hedge.LedgerSnapshot{}, false, err
	}
	return snap, true, nil
}

// LedgerKeys is implemented by stores that can enumerate keys; the sqlite
// store does. It lets startup reconcile every persisted ladder without an
// asset list.
type LedgerKeys interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// LoadAllLedgers returns every persisted ladder snapshot keyed by asset.
func LoadAllLedgers(ctx context.Context, store Store) (map[string]hedge.LedgerSnapshot, error) {
	lister, ok := store.(LedgerKeys)
	if !ok {
		return nil, nil
	}
	keys, err := lister.Keys(ctx, ledgerKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]hedge.LedgerSnapshot, len(keys))
	for _, key := range keys {
		asset := strings.TrimPrefix(key, ledgerKeyPrefix)
		snap, ok, err := LoadLedgerSnapshot(ctx, store, asset)
		if err != nil {
			return nil, err
		}
		if ok {
			out[asset] = snap
		}
	}
	return out, nil
}
