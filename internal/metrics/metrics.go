// Package metrics exposes the daemon's Prometheus counters and gauges,
// grounded on original_source/daemon/src/metrics.rs (metric names and
// descriptions) and the original's hand-rolled raw-TCP exposition server in
// original_source/shared/src/prometheus_metric_server.rs, here replaced by
// the idiomatic promhttp.Handler (see DESIGN.md for the dropped-dependency
// rationale).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prefix = "miningpoolobserver_daemon"

// Metrics bundles every counter/gauge named in SPEC_FULL.md section 6.
type Metrics struct {
	RuntimeStartTimestamp              prometheus.Gauge
	RuntimeRequestedTemplates          prometheus.Counter
	RuntimeRequestedBlocks             prometheus.Counter
	RuntimeRequestedMempoolTransactions prometheus.Counter
	RuntimeSkippedBlockEvents          prometheus.Counter
	RuntimeTemplatesInMemory           prometheus.Gauge

	StatsCurrentTemplateTransactions prometheus.Gauge
	StatsCurrentTemplateCoinbaseValue prometheus.Gauge
	StatsCurrentTemplateSigops       prometheus.Gauge
	StatsConflictingTransactionSets  prometheus.Counter
	StatsSanctionedTransactions      prometheus.Counter
	// StatsNodeMempoolTxCount/Bytes are supplemental (SPEC_FULL.md 2.3)
	// gauges for getmempoolinfo's size and bytes. They are registered, but
	// nothing in the daemon sets them, so they report 0.
	StatsNodeMempoolTxCount prometheus.Gauge
	StatsNodeMempoolBytes   prometheus.Gauge

	ErrorRPC        prometheus.Counter
	ErrorProcessing prometheus.Counter
	ErrorDBPool     prometheus.Counter
}

// New registers every metric against a fresh registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RuntimeStartTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_runtime_start_timestamp",
			Help: "UNIX timestamp at the time when the daemon started.",
		}),
		RuntimeRequestedTemplates: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_runtime_requested_templates",
			Help: "Number of new templates requested from Bitcoin Core.",
		}),
		RuntimeRequestedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_runtime_requested_blocks",
			Help: "Number of blocks requested from Bitcoin Core.",
		}),
		RuntimeRequestedMempoolTransactions: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_runtime_requested_mempool_transactions",
			Help: "Number of transactions looked up in the mempool.",
		}),
		RuntimeSkippedBlockEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_runtime_skipped_block_events",
			Help: "Number of block-skipped events. Can happen if there are multiple rapid blocks.",
		}),
		RuntimeTemplatesInMemory: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_runtime_templates_in_memory",
			Help: "Number of templates kept in memory.",
		}),
		StatsCurrentTemplateTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_stats_current_template_transactions",
			Help: "Number of transactions in the current block template.",
		}),
		StatsCurrentTemplateCoinbaseValue: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_stats_current_template_coinbase_value_sat",
			Help: "Output value of the coinbase transaction in the block template.",
		}),
		StatsCurrentTemplateSigops: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_stats_current_template_sigops",
			Help: "Sigops of the transactions in the block template.",
		}),
		StatsConflictingTransactionSets: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_stats_conflicting_transaction_sets",
			Help: "Total number of processed conflicting transaction sets.",
		}),
		StatsSanctionedTransactions: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_stats_sanctioned_transactions",
			Help: "Total number of sanctioned transactions processed.",
		}),
		StatsNodeMempoolTxCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_stats_node_mempool_tx_count",
			Help: "Number of transactions currently in the node's mempool.",
		}),
		StatsNodeMempoolBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_stats_node_mempool_bytes",
			Help: "Size in bytes of the node's mempool.",
		}),
		ErrorRPC: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_error_rpc_failed",
			Help: "Number of failed RPC calls.",
		}),
		ErrorProcessing: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_error_processing",
			Help: "Number of processing errors.",
		}),
		ErrorDBPool: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_error_db_pool",
			Help: "Number of database connection pool errors.",
		}),
	}

	m.RuntimeStartTimestamp.Set(float64(time.Now().Unix()))
	return m, reg
}

// The methods below satisfy internal/observe.Metrics, letting the
// Observation Loop update Prometheus collectors without importing this
// package's concrete types.

func (m *Metrics) SetTemplatesInMemory(n int) { m.RuntimeTemplatesInMemory.Set(float64(n)) }
func (m *Metrics) IncRequestedTemplates()      { m.RuntimeRequestedTemplates.Inc() }
func (m *Metrics) IncRequestedBlocks()         { m.RuntimeRequestedBlocks.Inc() }
func (m *Metrics) IncSkippedBlockEvents()      { m.RuntimeSkippedBlockEvents.Inc() }
func (m *Metrics) IncErrorRPC()                { m.ErrorRPC.Inc() }
func (m *Metrics) IncErrorProcessing()         { m.ErrorProcessing.Inc() }

func (m *Metrics) SetCurrentTemplateStats(txCount int, cbValue, sigops int64) {
	m.StatsCurrentTemplateTransactions.Set(float64(txCount))
	m.StatsCurrentTemplateCoinbaseValue.Set(float64(cbValue))
	m.StatsCurrentTemplateSigops.Set(float64(sigops))
}

func (m *Metrics) SetConflictingTransactionSets(n int) {
	m.StatsConflictingTransactionSets.Add(float64(n))
}

func (m *Metrics) SetSanctionedTransactions(n int) {
	m.StatsSanctionedTransactions.Add(float64(n))
}

// Serve runs the metrics HTTP endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
