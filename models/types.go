package models

// TrafficDelta holds one sampling window's traffic for a single remote IP.
// It is produced by the sample parser, consumed once by the aggregator and
// then discarded.
type TrafficDelta struct {
	RemoteIP  string
	TxBytes   uint64
	RxBytes   uint64
	TxPackets uint64
	RxPackets uint64
}

// TrafficStats are cumulative counters for one remote IP. All fields only
// ever grow for the lifetime of the process.
type TrafficStats struct {
	TxBytes   uint64
	RxBytes   uint64
	TxPackets uint64
	RxPackets uint64
}

// Add merges a window delta into the cumulative counters.
func (s *TrafficStats) Add(d TrafficDelta) {
	s.TxBytes += d.TxBytes
	s.RxBytes += d.RxBytes
	s.TxPackets += d.TxPackets
	s.RxPackets += d.RxPackets
}

// ConnectionEntry is one parsed row of the kernel connection table
// (/proc/net/tcp and /proc/net/tcp6).
type ConnectionEntry struct {
	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int
	Inode      uint64
	State      string
}

// GeoRecord is the geolocation result for a remote IP. ISP stays "Unknown"
// unless a dedicated ISP database is configured; the City schema does not
// carry it.
type GeoRecord struct {
	Country  string
	Province string
	City     string
	ISP      string
}

// UnknownGeo is returned (and cached) for IPs the database cannot place.
var UnknownGeo = GeoRecord{
	Country:  "Unknown",
	Province: "Unknown",
	City:     "Unknown",
	ISP:      "Unknown",
}
