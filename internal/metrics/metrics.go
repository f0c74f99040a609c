package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	QuotesApplied     Counter
	QuotesDropped     Counter
	StaleSkipped      Counter
	SnapshotsComputed Counter
	TranchesOpened    Counter
	TranchesClosed    Counter
	PartialHedges     Counter
	FeedReconnects    Counter
	OrdersPlaced      Counter
	OrdersFailed      Counter
}

// The quote book consume loop takes a narrower counter interface; satisfy
// it here so one Metrics value serves every loop.
func (m *Metrics) QuoteApplied()  { m.QuotesApplied.Inc() }
func (m *Metrics) QuoteDropped()  { m.QuotesDropped.Inc() }
func (m *Metrics) FeedReconnect() { m.FeedReconnects.Inc() }

// Same trick for the sequencer's leg counters.
func (m *Metrics) OrderPlaced() { m.OrdersPlaced.Inc() }
func (m *Metrics) OrderFailed() { m.OrdersFailed.Inc() }

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		QuotesApplied:     n,
		QuotesDropped:     n,
		StaleSkipped:      n,
		SnapshotsComputed: n,
		TranchesOpened:    n,
		TranchesClosed:    n,
		PartialHedges:     n,
		FeedReconnects:    n,
		OrdersPlaced:      n,
		OrdersFailed:      n,
	}
}
