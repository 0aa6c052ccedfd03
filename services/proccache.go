package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v3/process"

	"ip-traffic-agent/system"
)

// InodeResolver finds the socket inode owning a connection to a remote IP.
// Implemented by ConnTableResolver.
type InodeResolver interface {
	FindInode(remoteIP string) (uint64, bool)
}

// ProcessScanner walks live processes looking for the one holding a socket
// inode open.
type ProcessScanner interface {
	ScanForInode(inode uint64) (int32, bool)
}

// GopsutilScanner enumerates processes and their open file descriptors.
// Sockets show up as "socket:[<inode>]" link targets. The scan stops at the
// first match, lowest pid first; processes sharing a socket are resolved
// arbitrarily, which is acceptable for informational labeling.
type GopsutilScanner struct{}

func (GopsutilScanner) ScanForInode(inode uint64) (int32, bool) {
	pids, err := process.Pids()
	if err != nil {
		system.Warn("process enumeration failed: %v", err)
		return 0, false
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	target := fmt.Sprintf("socket:[%d]", inode)
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		files, err := p.OpenFiles()
		if err != nil {
			// Processes owned by other users or already gone; skip.
			continue
		}
		for _, f := range files {
			if f.Path == target {
				return pid, true
			}
		}
	}
	return 0, false
}

type procEntry struct {
	pid   int32
	found bool
}

// ProcessCache maps a remote IP to the pid owning the matching connection.
// Each IP is resolved at most once per process lifetime; both hits and
// definitive misses are cached and never expire, so a process that exits
// later leaves a stale pid behind. That staleness is accepted: the pid is a
// label, not an accounting key.
type ProcessCache struct {
	mu      sync.Mutex
	cache   map[string]procEntry
	inodes  InodeResolver
	scanner ProcessScanner
}

func NewProcessCache(inodes InodeResolver, scanner ProcessScanner) *ProcessCache {
	return &ProcessCache{
		cache:   make(map[string]procEntry),
		inodes:  inodes,
		scanner: scanner,
	}
}

// Resolve returns the owning pid for a remote IP, or false when no owning
// process was found. The fill runs under the cache lock so concurrent
// misses for the same IP cannot trigger duplicate scans.
func (c *ProcessCache) Resolve(remoteIP string) (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[remoteIP]; ok {
		return e.pid, e.found
	}

	e := procEntry{}
	if inode, ok := c.inodes.FindInode(remoteIP); ok {
		if pid, ok := c.scanner.ScanForInode(inode); ok {
			e = procEntry{pid: pid, found: true}
		}
	}
	c.cache[remoteIP] = e
	return e.pid, e.found
}

// Len reports how many IPs have been resolved so far.
func (c *ProcessCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
