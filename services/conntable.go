package services

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"ip-traffic-agent/models"
	"ip-traffic-agent/system"
)

// DefaultFreshness is how long a built connection table is served without
// re-reading the kernel listing.
const DefaultFreshness = 5 * time.Second

var tcpStates = map[int64]string{
	1:  "ESTABLISHED",
	2:  "SYN_SENT",
	3:  "SYN_RECV",
	4:  "FIN_WAIT1",
	5:  "FIN_WAIT2",
	6:  "TIME_WAIT",
	7:  "CLOSE",
	8:  "CLOSE_WAIT",
	9:  "LAST_ACK",
	10: "LISTEN",
	11: "CLOSING",
}

// ConnTableResolver caches a parsed snapshot of the kernel connection table
// (IPv4 and IPv6 stacks). Each listing is reparsed wholesale and swapped
// atomically; rows are never patched in place.
type ConnTableResolver struct {
	mu        sync.Mutex
	paths     []string
	freshFor  time.Duration
	byPath    map[string][]models.ConnectionEntry
	table     []models.ConnectionEntry
	lastBuild time.Time
}

func NewConnTableResolver() *ConnTableResolver {
	return &ConnTableResolver{
		paths:    []string{"/proc/net/tcp", "/proc/net/tcp6"},
		freshFor: DefaultFreshness,
		byPath:   make(map[string][]models.ConnectionEntry),
	}
}

// NewConnTableResolverWithPaths builds a resolver over explicit listing
// files and freshness budget. Used by tests and non-standard proc mounts.
func NewConnTableResolverWithPaths(freshFor time.Duration, paths ...string) *ConnTableResolver {
	return &ConnTableResolver{
		paths:    paths,
		freshFor: freshFor,
		byPath:   make(map[string][]models.ConnectionEntry),
	}
}

// Refresh returns the connection table, re-reading the kernel listings only
// when forced or when the cached table is older than the freshness budget.
// A failed read is non-fatal and is scoped to the listing that failed: that
// stack's previous rows are served stale alongside the other stack's fresh
// ones, and when every listing fails the whole prior table is served.
func (r *ConnTableResolver) Refresh(force bool) []models.ConnectionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && r.table != nil && time.Since(r.lastBuild) < r.freshFor {
		return r.table
	}

	readAny := false
	for _, path := range r.paths {
		rows, err := parseConnFile(path)
		if err != nil {
			system.Warn("connection table read failed for %s, keeping %d stale rows: %v",
				path, len(r.byPath[path]), err)
			continue
		}
		readAny = true
		r.byPath[path] = rows
	}

	if !readAny {
		system.Warn("serving stale connection table (%d entries, built %s ago)",
			len(r.table), time.Since(r.lastBuild).Round(time.Millisecond))
		return r.table
	}

	var entries []models.ConnectionEntry
	for _, path := range r.paths {
		entries = append(entries, r.byPath[path]...)
	}
	r.table = entries
	r.lastBuild = time.Now()
	return r.table
}

// FindInode returns the socket inode of the first table row whose remote
// endpoint matches remoteIP.
func (r *ConnTableResolver) FindInode(remoteIP string) (uint64, bool) {
	for _, e := range r.Refresh(false) {
		if e.RemoteAddr == remoteIP {
			return e.Inode, true
		}
	}
	return 0, false
}

func parseConnFile(path string) ([]models.ConnectionEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	isV6 := strings.HasSuffix(path, "6")
	var entries []models.ConnectionEntry

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header row

	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}

		localAddr, localPort, err := parseHexEndpoint(fields[1], isV6)
		if err != nil {
			system.Warn("connection table: bad local endpoint in %s: %s", path, line)
			continue
		}
		remoteAddr, remotePort, err := parseHexEndpoint(fields[2], isV6)
		if err != nil {
			system.Warn("connection table: bad remote endpoint in %s: %s", path, line)
			continue
		}

		stateCode, err := strconv.ParseInt(fields[3], 16, 32)
		if err != nil {
			continue
		}
		state := tcpStates[stateCode]
		if state == "" {
			state = fmt.Sprintf("UNKNOWN(%d)", stateCode)
		}

		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}

		entries = append(entries, models.ConnectionEntry{
			LocalAddr:  localAddr,
			LocalPort:  localPort,
			RemoteAddr: remoteAddr,
			RemotePort: remotePort,
			Inode:      inode,
			State:      state,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseHexEndpoint decodes one ADDR:PORT column of the kernel listing.
// Addresses are hex in host byte order: IPv4 is one little-endian word,
// IPv6 is four little-endian 32-bit words.
func parseHexEndpoint(s string, isV6 bool) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("no port separator in %q", s)
	}
	addrHex, portHex := s[:idx], s[idx+1:]

	raw, err := hex.DecodeString(addrHex)
	if err != nil {
		return "", 0, fmt.Errorf("bad address %q: %w", addrHex, err)
	}

	var ip net.IP
	if isV6 {
		if len(raw) != 16 {
			return "", 0, fmt.Errorf("bad IPv6 address length %d", len(raw))
		}
		ip = make(net.IP, 16)
		for word := 0; word < 4; word++ {
			for i := 0; i < 4; i++ {
				ip[word*4+i] = raw[word*4+(3-i)]
			}
		}
	} else {
		if len(raw) != 4 {
			return "", 0, fmt.Errorf("bad IPv4 address length %d", len(raw))
		}
		ip = net.IPv4(raw[3], raw[2], raw[1], raw[0])
	}

	port, err := strconv.ParseInt(portHex, 16, 32)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q: %w", portHex, err)
	}
	return ip.String(), int(port), nil
}
