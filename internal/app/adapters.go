package app

import (
	"fmt"

	"krw-contango-bot/internal/config"
	"krw-contango-bot/internal/venue"
	"krw-contango-bot/internal/venue/bithumb"
	"krw-contango-bot/internal/venue/gate"
	"krw-contango-bot/internal/venue/hyperliquid"
	"krw-contango-bot/internal/venue/okx"
	"krw-contango-bot/internal/venue/upbit"

	"go.uber.org/zap"
)

func newAdapter(name string, cfg *config.Config, log *zap.Logger) (venue.Adapter, error) {
	assets := cfg.Venues.Assets
	delay := cfg.Feed.ReconnectDelay
	ping := cfg.Feed.PingInterval
	switch venue.ID(name) {
	case venue.Upbit:
		return upbit.New(assets, delay, ping, log), nil
	case venue.Bithumb:
		return bithumb.New(assets, delay, ping, log), nil
	case venue.OKX:
		return okx.New(assets, delay, ping, log), nil
	case venue.Gate:
		return gate.New(assets, delay, ping, log), nil
	case venue.Hyperliquid:
		return hyperliquid.New(assets, delay, ping, log), nil
	default:
		return nil, fmt.Errorf("unknown venue %q", name)
	}
}
