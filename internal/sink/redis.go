package sink

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"krw-contango-bot/internal/config"
	"krw-contango-bot/internal/spread"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink mirrors each tick's ranked opportunities into Redis: a hash of
// the latest row per asset plus a capped stream of tick batches.
type RedisSink struct {
	rdb       *redis.Client
	keyLatest string
	stream    string
	maxLen    int64
	log       *zap.Logger
}

type opportunityRow struct {
	Asset            string  `json:"asset"`
	SpotVenue        string  `json:"spot_venue"`
	FuturesVenue     string  `json:"futures_venue"`
	SpotPrice        float64 `json:"spot_price"`
	FuturesPrice     float64 `json:"futures_price"`
	SpreadUSD        float64 `json:"spread_usd"`
	Pct              float64 `json:"pct"`
	NetPct           float64 `json:"net_pct"`
	FundingRate      float64 `json:"funding_rate"`
	HasFunding       bool    `json:"has_funding"`
	FundingAnnualPct float64 `json:"funding_annual_pct"`
	TsMS             int64   `json:"ts_ms"`
}

func NewRedis(cfg config.SinkConfig, log *zap.Logger) *RedisSink {
	if !cfg.RedisEnabled {
		return nil
	}
	prefix := strings.TrimSpace(cfg.RedisPrefix)
	if prefix == "" {
		prefix = "contango"
	}
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return &RedisSink{
		rdb:       rdb,
		keyLatest: prefix + ":latest",
		stream:    prefix + ":opportunities",
		maxLen:    maxLen,
		log:       log,
	}
}

// Publish is best-effort; a Redis outage must never stall the tick loop, so
// failures are logged and dropped.
func (s *RedisSink) Publish(ctx context.Context, rows []spread.Snapshot) {
	if s == nil || len(rows) == 0 {
		return
	}
	fields := make(map[string]any, len(rows))
	for _, row := range rows {
		b, err := json.Marshal(opportunityRow{
			Asset:            row.Asset,
			SpotVenue:        string(row.SpotVenue),
			FuturesVenue:     string(row.FuturesVenue),
			SpotPrice:        row.SpotPrice,
			FuturesPrice:     row.FuturesPrice,
			SpreadUSD:        row.SpreadUSD,
			Pct:              row.Pct,
			NetPct:           row.NetPct,
			FundingRate:      row.FundingRate,
			HasFunding:       row.HasFunding,
			FundingAnnualPct: row.AnnualizedFundingPct,
			TsMS:             row.ComputedAt.UnixMilli(),
		})
		if err != nil {
			continue
		}
		fields[row.Asset] = string(b)
	}
	if len(fields) == 0 {
		return
	}

	batch, err := json.Marshal(rows2payload(rows))
	if err != nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, s.keyLatest, fields)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"ts_ms": time.Now().UnixMilli(),
			"rows":  string(batch),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("redis publish failed", zap.Error(err))
	}
}

func rows2payload(rows []spread.Snapshot) []opportunityRow {
	out := make([]opportunityRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, opportunityRow{
			Asset:            row.Asset,
			SpotVenue:        string(row.SpotVenue),
			FuturesVenue:     string(row.FuturesVenue),
			SpotPrice:        row.SpotPrice,
			FuturesPrice:     row.FuturesPrice,
			SpreadUSD:        row.SpreadUSD,
			Pct:              row.Pct,
			NetPct:           row.NetPct,
			FundingRate:      row.FundingRate,
			HasFunding:       row.HasFunding,
			FundingAnnualPct: row.AnnualizedFundingPct,
			TsMS:             row.ComputedAt.UnixMilli(),
		})
	}
	return out
}

func (s *RedisSink) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}
