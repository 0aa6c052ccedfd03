package services

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"ip-traffic-agent/models"
	"ip-traffic-agent/system"
)

// Default script traced into the kernel. Transmit is one hook; receive is
// two, because GRO-enabled drivers hand packets to napi_gro_receive and
// never hit netif_receive_skb. The two receive maps are kept separate here
// and merged by the parser.
const bpftraceScriptTemplate = `
BEGIN {
    printf("BPFTRACE_MONITOR_START\n");
}

tracepoint:net:net_dev_start_xmit
{
    $skb = (struct sk_buff *)args->skbaddr;
    $iph = (struct iphdr *)($skb->head + $skb->network_header);
    @tx_bytes[ntop($iph->daddr)] = sum(args->len);
    @tx_packets[ntop($iph->daddr)] = count();
}

tracepoint:net:netif_receive_skb
{
    $skb = (struct sk_buff *)args->skbaddr;
    $iph = (struct iphdr *)($skb->head + $skb->network_header);
    @rx_bytes[ntop($iph->saddr)] = sum(args->len);
    @rx_packets[ntop($iph->saddr)] = count();
}

tracepoint:net:napi_gro_receive_entry
{
    $skb = (struct sk_buff *)args->skbaddr;
    $iph = (struct iphdr *)($skb->head + $skb->network_header);
    @rx_gro_bytes[ntop($iph->saddr)] = sum(args->len);
    @rx_gro_packets[ntop($iph->saddr)] = count();
}

interval:s:%d {
    printf("STATS_UPDATE\n");
    printf("TX_BYTES:\n");
    print(@tx_bytes);
    printf("TX_PACKETS:\n");
    print(@tx_packets);
    printf("RX_BYTES:\n");
    print(@rx_bytes);
    printf("RX_PACKETS:\n");
    print(@rx_packets);
    printf("RX_GRO_BYTES:\n");
    print(@rx_gro_bytes);
    printf("RX_GRO_PACKETS:\n");
    print(@rx_gro_packets);
    printf("STATS_END\n");

    clear(@tx_bytes);
    clear(@tx_packets);
    clear(@rx_bytes);
    clear(@rx_packets);
    clear(@rx_gro_bytes);
    clear(@rx_gro_packets);
}
`

// BpftraceBackend keeps one long-lived bpftrace process attached to the
// network tracepoints. A dedicated goroutine reads its stdout line by line
// and publishes completed windows; Collect hands the latest window to the
// driver.
type BpftraceBackend struct {
	window     int
	scriptPath string
	executor   system.CommandExecutor

	cmd        *exec.Cmd
	batches    chan []models.TrafficDelta
	running    atomic.Bool
	readerDone chan struct{}
}

func NewBpftraceBackend(window int, scriptPath string, executor system.CommandExecutor) *BpftraceBackend {
	return &BpftraceBackend{
		window:     window,
		scriptPath: scriptPath,
		executor:   executor,
		batches:    make(chan []models.TrafficDelta, 4),
		readerDone: make(chan struct{}),
	}
}

func (b *BpftraceBackend) Name() string { return "bpftrace" }

// Init probes for bpftrace, materializes the script and launches the traced
// process with its stdout captured as a line stream.
func (b *BpftraceBackend) Init() error {
	out, err := b.executor.Execute("bpftrace", "--version")
	if err != nil {
		return fmt.Errorf("bpftrace not available: %w", err)
	}
	system.Info("bpftrace backend: %s", strings.TrimSpace(out))

	script := fmt.Sprintf(bpftraceScriptTemplate, b.window)
	if b.scriptPath != "" {
		content, err := os.ReadFile(b.scriptPath)
		if err != nil {
			return fmt.Errorf("read bpftrace script: %w", err)
		}
		script = string(content)
	}

	tmpPath := filepath.Join(os.TempDir(), "ip-traffic-agent.bt")
	if err := os.WriteFile(tmpPath, []byte(script), 0644); err != nil {
		return fmt.Errorf("write bpftrace script: %w", err)
	}

	// stdbuf keeps bpftrace's printf output line-buffered through the pipe.
	cmd := exec.Command("stdbuf", "-o0", "-e0", "bpftrace", "-B", "none", tmpPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("bpftrace stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start bpftrace: %w", err)
	}

	b.cmd = cmd
	b.running.Store(true)
	go b.readLoop(stdout)

	system.Info("waiting for bpftrace probes to attach")
	return nil
}

func (b *BpftraceBackend) readLoop(stdout io.Reader) {
	defer close(b.readerDone)

	parser := NewBpftraceParser()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if !b.running.Load() {
			return
		}
		batch, complete := parser.Feed(scanner.Text())
		if !complete || len(batch) == 0 {
			continue
		}
		b.publish(batch)
	}
	if err := scanner.Err(); err != nil && b.running.Load() {
		system.Error("bpftrace output read failed: %v", err)
	}
}

// publish never blocks the reader: when the channel is full the oldest
// window is discarded in favor of the new one.
func (b *BpftraceBackend) publish(batch []models.TrafficDelta) {
	for {
		select {
		case b.batches <- batch:
			return
		default:
			select {
			case <-b.batches:
			default:
			}
		}
	}
}

// Collect returns the most recent completed window, waiting up to one
// window length (plus slack) when none is pending. A closed output stream
// is reported as an error so the driver can enter Failed.
func (b *BpftraceBackend) Collect() ([]models.TrafficDelta, error) {
	var latest []models.TrafficDelta

	for {
		select {
		case batch := <-b.batches:
			latest = batch
			continue
		default:
		}
		break
	}
	if latest != nil {
		return latest, nil
	}

	timeout := time.Duration(b.window+5) * time.Second
	select {
	case batch := <-b.batches:
		return batch, nil
	case <-b.readerDone:
		return nil, fmt.Errorf("bpftrace output stream closed")
	case <-time.After(timeout):
		system.Warn("no bpftrace window within %s, returning empty batch", timeout)
		return nil, nil
	}
}

// Stop terminates the traced process and joins the reader.
func (b *BpftraceBackend) Stop() error {
	b.running.Store(false)

	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}

	select {
	case <-b.readerDone:
	case <-time.After(5 * time.Second):
		system.Warn("bpftrace reader did not exit in time")
	}

	if b.cmd != nil {
		_ = b.cmd.Wait()
	}
	return nil
}
