// Package history persists spread snapshots and tranche lifecycle events to
// TimescaleDB for offline analysis. Writes are asynchronous and lossy: a
// full queue drops rows rather than stalling the tick loop.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"krw-contango-bot/internal/config"
	"krw-contango-bot/internal/spread"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// TrancheEvent records one ladder transition: open, close, partial or
// operator resolution.
type TrancheEvent struct {
	Time         time.Time
	Asset        string
	TrancheID    int64
	Event        string
	TrancheState string
	NotionalUSD  float64
	Qty          float64
	SpotPrice    float64
	FutPrice     float64
	PnLUSD       float64
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	spreads chan spread.Snapshot
	events  chan TrancheEvent
	started atomic.Bool

	dropSpread atomic.Uint64
	dropEvent  atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		spreads: make(chan spread.Snapshot, queueSize),
		events:  make(chan TrancheEvent, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSpread(snap spread.Snapshot) {
	if w == nil {
		return
	}
	select {
	case w.spreads <- snap:
		return
	default:
		if w.dropSpread.Add(1) == 1 && w.log != nil {
			w.log.Warn("history spread queue full")
		}
	}
}

func (w *Writer) EnqueueTrancheEvent(event TrancheEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- event:
		return
	default:
		if w.dropEvent.Add(1) == 1 && w.log != nil {
			w.log.Warn("history tranche event queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.spreads:
			w.writeSpread(ctx, snap)
		case event := <-w.events:
			w.writeEvent(ctx, event)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		spot_venue TEXT NOT NULL,
		futures_venue TEXT NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		futures_price DOUBLE PRECISION NOT NULL,
		spread_usd DOUBLE PRECISION NOT NULL,
		spread_pct DOUBLE PRECISION NOT NULL,
		net_pct DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		has_funding BOOLEAN NOT NULL,
		funding_annual_pct DOUBLE PRECISION NOT NULL
	)`, w.table("spread_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		tranche_id BIGINT NOT NULL,
		event TEXT NOT NULL,
		tranche_state TEXT NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		futures_price DOUBLE PRECISION NOT NULL,
		pnl_usd DOUBLE PRECISION NOT NULL
	)`, w.table("tranche_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("spread_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("spread_snapshots hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("tranche_events"))); err != nil && w.log != nil {
		w.log.Warn("tranche_events hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSpread(ctx context.Context, snap spread.Snapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, spot_venue, futures_venue, spot_price, futures_price,
		spread_usd, spread_pct, net_pct, funding_rate, has_funding, funding_annual_pct
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("spread_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.ComputedAt,
		snap.Asset,
		string(snap.SpotVenue),
		string(snap.FuturesVenue),
		snap.SpotPrice,
		snap.FuturesPrice,
		snap.SpreadUSD,
		snap.Pct,
		snap.NetPct,
		snap.FundingRate,
		snap.HasFunding,
		snap.AnnualizedFundingPct,
	); err != nil && w.log != nil {
		w.log.Warn("spread snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEvent(ctx context.Context, event TrancheEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, tranche_id, event, tranche_state, notional_usd, qty,
		spot_price, futures_price, pnl_usd
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("tranche_events"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time,
		event.Asset,
		event.TrancheID,
		event.Event,
		event.TrancheState,
		event.NotionalUSD,
		event.Qty,
		event.SpotPrice,
		event.FutPrice,
		event.PnLUSD,
	); err != nil && w.log != nil {
		w.log.Warn("tranche event insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
