package services

import (
	"encoding/hex"
	"net"
	"strconv"
	"strings"

	"ip-traffic-agent/models"
	"ip-traffic-agent/system"
)

// IftopParser turns one `iftop -t` report into per-IP window deltas.
// iftop prints rates over the sampling window, so bytes for the window are
// rate multiplied by the window length.
type IftopParser struct {
	LocalIP       string
	WindowSeconds int
}

// ParseReport walks a full iftop text report. Each flow is a pair of lines:
//
//	1 10.0.0.2        =>  2.45Kb  2.18Kb ...
//	  104.18.32.47    <=  25.3Kb  21.1Kb ...
//
// The `=>` line carries the transmit rate, the following `<=` line carries
// the remote address and the receive rate. Anything else (headers, rules,
// totals) is skipped.
func (p *IftopParser) ParseReport(output string) []models.TrafficDelta {
	var deltas []models.TrafficDelta
	if p.LocalIP == "" {
		return deltas
	}

	lines := strings.Split(output, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.Contains(line, "=>") || !strings.Contains(line, p.LocalIP) {
			continue
		}

		parts := strings.SplitN(line, "=>", 2)
		if len(parts) != 2 {
			continue
		}
		txTokens := strings.Fields(parts[1])
		if len(txTokens) == 0 {
			continue
		}
		txRate, ok := parseRate(txTokens[0])
		if !ok {
			system.Warn("iftop: unparseable tx rate %q in line: %s", txTokens[0], line)
			continue
		}

		if i+1 >= len(lines) {
			break
		}
		next := strings.TrimSpace(lines[i+1])
		if !strings.Contains(next, "<=") {
			continue
		}
		rxParts := strings.SplitN(next, "<=", 2)
		if len(rxParts) != 2 {
			continue
		}

		ipTokens := strings.Fields(rxParts[0])
		if len(ipTokens) == 0 {
			continue
		}
		remoteIP, ok := NormalizeAddr(ipTokens[len(ipTokens)-1])
		if !ok {
			system.Warn("iftop: dropping line with bad remote address: %s", next)
			continue
		}

		rxRate := 0.0
		if rxTokens := strings.Fields(rxParts[1]); len(rxTokens) > 0 {
			if r, ok := parseRate(rxTokens[0]); ok {
				rxRate = r
			}
		}

		deltas = append(deltas, models.TrafficDelta{
			RemoteIP: remoteIP,
			TxBytes:  uint64(txRate * float64(p.WindowSeconds)),
			RxBytes:  uint64(rxRate * float64(p.WindowSeconds)),
			// iftop reports no packet counts
		})
	}
	return deltas
}

// parseRate converts an iftop rate token to bytes per second. Suffixes
// b/Kb/Mb/Gb are bits per second, B is bytes, a bare number is bits.
func parseRate(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, true
	}

	var number string
	var unit float64
	switch {
	case strings.HasSuffix(s, "Kb"):
		number, unit = strings.TrimSuffix(s, "Kb"), 1024.0/8.0
	case strings.HasSuffix(s, "Mb"):
		number, unit = strings.TrimSuffix(s, "Mb"), 1024.0*1024.0/8.0
	case strings.HasSuffix(s, "Gb"):
		number, unit = strings.TrimSuffix(s, "Gb"), 1024.0*1024.0*1024.0/8.0
	case strings.HasSuffix(s, "B"):
		number, unit = strings.TrimSuffix(s, "B"), 1.0
	case strings.HasSuffix(s, "b"):
		number, unit = strings.TrimSuffix(s, "b"), 1.0/8.0
	default:
		number, unit = s, 1.0/8.0
	}

	n, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, false
	}
	return n * unit, true
}

// bpftrace output sections, one per traced hook map.
const (
	secNone         = ""
	secTxBytes      = "tx_bytes"
	secTxPackets    = "tx_packets"
	secRxBytes      = "rx_bytes"
	secRxPackets    = "rx_packets"
	secRxGroBytes   = "rx_gro_bytes"
	secRxGroPackets = "rx_gro_packets"
)

var bpftraceSections = map[string]string{
	"TX_BYTES:":       secTxBytes,
	"TX_PACKETS:":     secTxPackets,
	"RX_BYTES:":       secRxBytes,
	"RX_PACKETS:":     secRxPackets,
	"RX_GRO_BYTES:":   secRxGroBytes,
	"RX_GRO_PACKETS:": secRxGroPackets,
}

// BpftraceParser consumes the traced backend's line stream one line at a
// time and assembles per-window deltas. The script dumps one map per hook
// between STATS_UPDATE and STATS_END markers; the receive path is traced at
// two hooks because GRO-enabled drivers bypass the primary one, so the two
// receive readings for the same address are summed, never overwritten.
type BpftraceParser struct {
	section string
	window  map[string]*models.TrafficDelta
}

func NewBpftraceParser() *BpftraceParser {
	return &BpftraceParser{window: make(map[string]*models.TrafficDelta)}
}

// Feed processes one line. When the line closes a sampling window it returns
// the window's deltas and true; otherwise it returns nil and false.
// Malformed lines are dropped and never abort the stream.
func (p *BpftraceParser) Feed(line string) ([]models.TrafficDelta, bool) {
	line = strings.TrimSpace(line)

	switch {
	case line == "" || strings.Contains(line, "BPFTRACE_MONITOR_START"):
		return nil, false
	case strings.Contains(line, "STATS_UPDATE"):
		p.window = make(map[string]*models.TrafficDelta)
		p.section = secNone
		return nil, false
	case strings.Contains(line, "STATS_END"):
		p.section = secNone
		batch := make([]models.TrafficDelta, 0, len(p.window))
		for _, d := range p.window {
			batch = append(batch, *d)
		}
		p.window = make(map[string]*models.TrafficDelta)
		return batch, true
	}

	if sec, ok := bpftraceSections[line]; ok {
		p.section = sec
		return nil, false
	}

	if p.section == secNone {
		return nil, false
	}
	p.parseMapLine(line)
	return nil, false
}

// parseMapLine handles one bpftrace map dump row: @name[addr]: value
func (p *BpftraceParser) parseMapLine(line string) {
	if !strings.HasPrefix(line, "@") {
		return
	}
	open := strings.Index(line, "[")
	end := strings.Index(line, "]:")
	if open < 0 || end < open {
		return
	}

	addr := line[open+1 : end]
	ip, ok := NormalizeAddr(addr)
	if !ok {
		system.Warn("bpftrace: dropping row with bad address %q", addr)
		return
	}
	if !isExportableIP(ip) {
		return
	}

	value, err := strconv.ParseUint(strings.TrimSpace(line[end+2:]), 10, 64)
	if err != nil {
		system.Warn("bpftrace: dropping row with bad value: %s", line)
		return
	}

	d, exists := p.window[ip]
	if !exists {
		d = &models.TrafficDelta{RemoteIP: ip}
		p.window[ip] = d
	}

	switch p.section {
	case secTxBytes:
		d.TxBytes = value
	case secTxPackets:
		d.TxPackets = value
	case secRxBytes, secRxGroBytes:
		d.RxBytes += value
	case secRxPackets, secRxGroPackets:
		d.RxPackets += value
	}
}

// NormalizeAddr canonicalizes a backend address token to dotted-decimal
// (or canonical IPv6) form. Kernel-sourced rows sometimes surface raw
// 8-hex-digit little-endian IPv4 values; those are decoded too. Anything
// else fails normalization and the caller drops the line.
func NormalizeAddr(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}

	if len(s) == 8 {
		raw, err := hex.DecodeString(s)
		if err == nil {
			// Kernel hex addresses are in host (little-endian) byte order.
			ip := net.IPv4(raw[3], raw[2], raw[1], raw[0])
			return ip.String(), true
		}
	}
	return "", false
}

// isExportableIP filters private, reserved, loopback, link-local, multicast
// and broadcast addresses; only publicly routable endpoints are aggregated.
func isExportableIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}

	if v4 := ip.To4(); v4 != nil {
		switch {
		case v4[0] == 0:
			return false
		case v4[0] == 10:
			return false
		case v4[0] == 127:
			return false
		case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
			return false
		case v4[0] == 192 && v4[1] == 168:
			return false
		case v4[0] == 169 && v4[1] == 254:
			return false
		case v4[0] >= 224 && v4[0] <= 239:
			return false
		case v4[0] >= 240: // reserved range, includes broadcast
			return false
		}
		return true
	}

	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() || ip.IsLinkLocalUnicast() {
		return false
	}
	// Unique local addresses (fc00::/7)
	if ip[0]&0xfe == 0xfc {
		return false
	}
	return true
}
