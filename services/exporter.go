package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var trafficLabels = []string{"remote_ip", "country", "province", "city", "isp"}

var (
	txBytesDesc = prometheus.NewDesc(
		"ip_traffic_tx_bytes_total",
		"Total transmitted bytes per IP address",
		trafficLabels, nil,
	)
	rxBytesDesc = prometheus.NewDesc(
		"ip_traffic_rx_bytes_total",
		"Total received bytes per IP address",
		trafficLabels, nil,
	)
)

// TrafficCollector exposes the aggregated table as two counter families.
// Samples are emitted as const metrics from a point-in-time snapshot, so an
// IP whose cumulative transmit and receive totals are both at or below the
// export threshold is simply absent from a scrape while remaining fully
// tracked internally, and can surface on a later scrape with no
// registration churn. Every distinct remote IP becomes a distinct label
// set, so the threshold bounds the cardinality handed to the metrics
// consumer.
type TrafficCollector struct {
	agg       *TrafficAggregator
	geo       *GeoCache
	procs     *ProcessCache
	threshold uint64
}

func NewTrafficCollector(agg *TrafficAggregator, geo *GeoCache, procs *ProcessCache, threshold uint64) *TrafficCollector {
	return &TrafficCollector{agg: agg, geo: geo, procs: procs, threshold: threshold}
}

func (c *TrafficCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- txBytesDesc
	ch <- rxBytesDesc
}

// Collect emits one sample per family for every IP above the export
// threshold on either counter. The aggregator lock is held only for the
// snapshot copy; geo and process lookups run afterwards so a stalled
// enrichment can never block ingestion.
func (c *TrafficCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot()

	for ip, stats := range snap {
		if stats.TxBytes <= c.threshold && stats.RxBytes <= c.threshold {
			continue
		}

		geo := c.geo.Lookup(ip)
		if c.procs != nil {
			// Keeps the identity cache warm at scrape time; the pid itself
			// is surfaced by the console reporter, not as a label.
			c.procs.Resolve(ip)
		}

		ch <- prometheus.MustNewConstMetric(txBytesDesc, prometheus.CounterValue,
			float64(stats.TxBytes), ip, geo.Country, geo.Province, geo.City, geo.ISP)
		ch <- prometheus.MustNewConstMetric(rxBytesDesc, prometheus.CounterValue,
			float64(stats.RxBytes), ip, geo.Country, geo.Province, geo.City, geo.ISP)
	}
}
