// Package hedge drives the per-asset tranche ladder: open a fixed-size
// tranche when the spread clears the entry threshold, close the oldest when
// it drops through the exit threshold, do nothing in between. The gap
// between thresholds is the hysteresis band that stops thrashing at the
// boundary.
package hedge

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Config struct {
	EntryPct       float64
	ExitPct        float64
	TrancheUSD     float64
	MaxNotionalUSD float64
}

var (
	ErrNotFound  = errors.New("tranche not found")
	ErrNotHalted = errors.New("ladder is not halted")
)

// Ladder is one asset's hedge state machine. All mutations go through it;
// the tranche slice is ordered oldest first and unwinds FIFO.
type Ladder struct {
	mu       sync.Mutex
	asset    string
	cfg      Config
	state    State
	tranches []Tranche
	nextID   int64
}

func NewLadder(asset string, cfg Config) *Ladder {
	return &Ladder{asset: asset, cfg: cfg, state: StateFlat, nextID: 1}
}

// Restore rebuilds a ladder from a persisted snapshot, re-deriving the
// machine state from the tranche set so a faulted tranche always restores
// to HALTED.
func Restore(snap LedgerSnapshot, cfg Config) *Ladder {
	l := &Ladder{asset: snap.Asset, cfg: cfg, nextID: snap.NextID}
	if l.nextID < 1 {
		l.nextID = 1
	}
	l.tranches = append(l.tranches, snap.Tranches...)
	l.state = deriveState(l.tranches)
	return l
}

func deriveState(tranches []Tranche) State {
	open := 0
	for _, t := range tranches {
		if t.Faulted() {
			return StateHalted
		}
		if t.State == TrancheOpen {
			open++
		}
	}
	if open > 0 {
		return StateHedged
	}
	return StateFlat
}

func (l *Ladder) Asset() string {
	return l.asset
}

func (l *Ladder) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OpenNotional is the sum of fully-open tranche sizes. Faulted tranches do
// not count toward capacity; they block all action instead.
func (l *Ladder) OpenNotional() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openNotionalLocked()
}

func (l *Ladder) openNotionalLocked() float64 {
	var total float64
	for _, t := range l.tranches {
		if t.State == TrancheOpen {
			total += t.NotionalUSD
		}
	}
	return total
}

// Evaluate maps a spread percentage to a decision. Halted ladders never
// act. The open notional is clamped so the ladder cannot exceed its cap.
func (l *Ladder) Evaluate(spreadPct float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateHalted {
		return Decision{Action: ActionNone}
	}
	total := l.openNotionalLocked()
	if spreadPct >= l.cfg.EntryPct {
		remaining := l.cfg.MaxNotionalUSD - total
		if remaining <= 0 {
			return Decision{Action: ActionNone}
		}
		notional := l.cfg.TrancheUSD
		if notional > remaining {
			notional = remaining
		}
		return Decision{Action: ActionOpen, NotionalUSD: notional}
	}
	if spreadPct <= l.cfg.ExitPct && total > 0 {
		return Decision{Action: ActionClose}
	}
	return Decision{Action: ActionNone}
}

// NextTrancheID reserves the id for a tranche about to be sequenced.
func (l *Ladder) NextTrancheID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	return id
}

// OldestOpen returns the tranche a close sequence must target (FIFO).
func (l *Ladder) OldestOpen() (Tranche, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tranches {
		if t.State == TrancheOpen {
			return t, true
		}
	}
	return Tranche{}, false
}

// CommitOpen records a tranche whose two open legs both confirmed.
func (l *Ladder) CommitOpen(t Tranche) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.State = TrancheOpen
	l.tranches = append(l.tranches, t)
	l.state = deriveState(l.tranches)
}

// CommitClose removes the tranche after both close legs confirmed. FLAT is
// re-entered when the last open tranche leaves.
func (l *Ladder) CommitClose(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.tranches {
		if t.ID != id {
			continue
		}
		l.tranches = append(l.tranches[:i], l.tranches[i+1:]...)
		l.state = deriveState(l.tranches)
		return nil
	}
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}

// RecordPartialOpen keeps the single-legged tranche in the ledger and halts
// the asset. The exposed leg is never silently discarded.
func (l *Ladder) RecordPartialOpen(t Tranche) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.State = TrancheOpenFuturesOnly
	l.tranches = append(l.tranches, t)
	l.state = StateHalted
}

// RecordPartialClose marks an open tranche whose close spot leg confirmed
// but whose futures leg did not, and halts the asset.
func (l *Ladder) RecordPartialClose(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tranches {
		if l.tranches[i].ID != id {
			continue
		}
		l.tranches[i].State = TrancheCloseSpotOnly
		l.state = StateHalted
		return nil
	}
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}

// ResolvePartial clears a faulted tranche after the operator reconciled the
// exposed leg out-of-band, and re-derives the machine state.
func (l *Ladder) ResolvePartial(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateHalted {
		return ErrNotHalted
	}
	for i, t := range l.tranches {
		if t.ID != id || !t.Faulted() {
			continue
		}
		l.tranches = append(l.tranches[:i], l.tranches[i+1:]...)
		l.state = deriveState(l.tranches)
		return nil
	}
	return fmt.Errorf("%w: faulted id %d", ErrNotFound, id)
}

// FaultedTranches lists tranches awaiting operator reconciliation.
func (l *Ladder) FaultedTranches() []Tranche {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Tranche
	for _, t := range l.tranches {
		if t.Faulted() {
			out = append(out, t)
		}
	}
	return out
}

func (l *Ladder) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := LedgerSnapshot{
		Asset:       l.asset,
		State:       l.state,
		NextID:      l.nextID,
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	snap.Tranches = append(snap.Tranches, l.tranches...)
	return snap
}
