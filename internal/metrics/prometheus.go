package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "krw_contango_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	quotesApplied     prometheus.Counter
	quotesDropped     prometheus.Counter
	staleSkipped      prometheus.Counter
	snapshotsComputed prometheus.Counter
	tranchesOpened    prometheus.Counter
	tranchesClosed    prometheus.Counter
	partialHedges     prometheus.Counter
	feedReconnects    prometheus.Counter
	ordersPlaced      prometheus.Counter
	ordersFailed      prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	quotesApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "quotes_applied_total",
		Help:      "Total number of quote updates applied to venue books.",
	})
	quotesDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "quotes_dropped_total",
		Help:      "Total number of quote updates dropped as invalid or out of order.",
	})
	staleSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "stale_quotes_skipped_total",
		Help:      "Total number of quotes excluded from spread computation as stale.",
	})
	snapshotsComputed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "spread_snapshots_total",
		Help:      "Total number of spread snapshots computed.",
	})
	tranchesOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "tranches_opened_total",
		Help:      "Total number of hedge tranches fully opened.",
	})
	tranchesClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "tranches_closed_total",
		Help:      "Total number of hedge tranches fully closed.",
	})
	partialHedges := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "partial_hedges_total",
		Help:      "Total number of sequences that ended with a single confirmed leg.",
	})
	feedReconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "feed_reconnects_total",
		Help:      "Total number of venue feed disconnections.",
	})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of order legs filled.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order legs that failed after retries.",
	})

	registry.MustRegister(quotesApplied, quotesDropped, staleSkipped, snapshotsComputed,
		tranchesOpened, tranchesClosed, partialHedges, feedReconnects, ordersPlaced, ordersFailed)

	m := &Metrics{
		QuotesApplied:     promCounter{quotesApplied},
		QuotesDropped:     promCounter{quotesDropped},
		StaleSkipped:      promCounter{staleSkipped},
		SnapshotsComputed: promCounter{snapshotsComputed},
		TranchesOpened:    promCounter{tranchesOpened},
		TranchesClosed:    promCounter{tranchesClosed},
		PartialHedges:     promCounter{partialHedges},
		FeedReconnects:    promCounter{feedReconnects},
		OrdersPlaced:      promCounter{ordersPlaced},
		OrdersFailed:      promCounter{ordersFailed},
	}

	return &Prometheus{
		Metrics:           m,
		registry:          registry,
		quotesApplied:     quotesApplied,
		quotesDropped:     quotesDropped,
		staleSkipped:      staleSkipped,
		snapshotsComputed: snapshotsComputed,
		tranchesOpened:    tranchesOpened,
		tranchesClosed:    tranchesClosed,
		partialHedges:     partialHedges,
		feedReconnects:    feedReconnects,
		ordersPlaced:      ordersPlaced,
		ordersFailed:      ordersFailed,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
