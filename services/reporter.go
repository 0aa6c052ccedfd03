package services

import (
	"fmt"
	"sort"
	"strings"

	"ip-traffic-agent/models"
	"ip-traffic-agent/system"
)

// ConsoleReporter prints a human-readable summary of each completed
// sampling window: per-IP window traffic, cumulative totals and the owning
// pid, busiest flows first.
type ConsoleReporter struct {
	agg   *TrafficAggregator
	procs *ProcessCache
}

func NewConsoleReporter(agg *TrafficAggregator, procs *ProcessCache) *ConsoleReporter {
	return &ConsoleReporter{agg: agg, procs: procs}
}

// Report logs one window's summary. Called by the backend driver after the
// batch has been applied to the aggregator.
func (r *ConsoleReporter) Report(batch []models.TrafficDelta) {
	if len(batch) == 0 {
		system.Info("no active network traffic this window")
		return
	}

	sorted := make([]models.TrafficDelta, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TxBytes+sorted[i].RxBytes > sorted[j].TxBytes+sorted[j].RxBytes
	})

	system.Info("window summary (%d remote IPs):", len(sorted))
	for _, d := range sorted {
		if d.TxBytes == 0 && d.RxBytes == 0 {
			continue
		}

		total, _ := r.agg.Get(d.RemoteIP)
		pidLabel := "-"
		if r.procs != nil {
			if pid, ok := r.procs.Resolve(d.RemoteIP); ok {
				pidLabel = fmt.Sprintf("%d", pid)
			}
		}

		system.Info("  IP: %-15s | TX: %9s | RX: %9s | total TX: %9s | total RX: %9s | PID: %s",
			d.RemoteIP,
			FormatBytes(d.TxBytes), FormatBytes(d.RxBytes),
			FormatBytes(total.TxBytes), FormatBytes(total.RxBytes),
			pidLabel)
	}
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(bytes uint64) string {
	const (
		kib = 1024
		mib = 1024 * kib
		gib = 1024 * mib
	)

	b := float64(bytes)
	switch {
	case bytes >= gib:
		return fmt.Sprintf("%.2f GB", b/float64(gib))
	case bytes >= mib:
		return fmt.Sprintf("%.2f MB", b/float64(mib))
	case bytes >= kib:
		return fmt.Sprintf("%.2f KB", b/float64(kib))
	default:
		return strings.TrimSpace(fmt.Sprintf("%.0f B", b))
	}
}
