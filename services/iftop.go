package services

import (
	"bufio"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"ip-traffic-agent/models"
	"ip-traffic-agent/system"
)

// IftopBackend samples traffic by running one text-mode iftop pass per
// window. iftop emits rates, so the parser converts them to bytes using the
// window length.
type IftopBackend struct {
	iface  string
	window int
	parser *IftopParser

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewIftopBackend(iface string, window int) *IftopBackend {
	return &IftopBackend{iface: iface, window: window}
}

func (b *IftopBackend) Name() string { return "iftop" }

// Init discovers the interface's IPv4 address; the parser needs it to pick
// the local side of each flow pair in the report.
func (b *IftopBackend) Init() error {
	localIP, err := interfaceIPv4(b.iface)
	if err != nil {
		return fmt.Errorf("resolve local address of %s: %w", b.iface, err)
	}
	b.parser = &IftopParser{LocalIP: localIP, WindowSeconds: b.window}
	system.Info("iftop backend ready on %s (local IP %s)", b.iface, localIP)
	return nil
}

// Collect runs one iftop pass over the sampling window and parses its
// report. The pass blocks for the whole window.
func (b *IftopBackend) Collect() ([]models.TrafficDelta, error) {
	cmd := exec.Command("iftop",
		"-i", b.iface,
		"-t",
		"-s", strconv.Itoa(b.window),
		"-n", "-N",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("iftop stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start iftop: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		out.WriteString(scanner.Text())
		out.WriteByte('\n')
	}
	waitErr := cmd.Wait()

	b.mu.Lock()
	b.cmd = nil
	b.mu.Unlock()

	report := out.String()
	if waitErr != nil && strings.TrimSpace(report) == "" {
		return nil, fmt.Errorf("iftop exited without output: %w", waitErr)
	}
	return b.parser.ParseReport(report), nil
}

// Stop kills a pass in flight, if any.
func (b *IftopBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Kill()
	}
	return nil
}

// interfaceIPv4 returns the first non-loopback IPv4 address bound to iface.
func interfaceIPv4(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil && !v4.IsLoopback() {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("interface %s has no IPv4 address", name)
}
