package services

import (
	"sync/atomic"
	"time"

	"ip-traffic-agent/models"
	"ip-traffic-agent/system"
)

// DriverState is the backend driver's lifecycle state.
type DriverState int32

const (
	StateIdle DriverState = iota
	StateStarting
	StateStreaming
	StateStopping
	StateFailed
)

func (s DriverState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TrafficBackend is the capability interface both traffic backends
// implement. Collect blocks until one sampling window completes and returns
// that window's deltas; the driver and the parsers stay backend-agnostic.
type TrafficBackend interface {
	Init() error
	Collect() ([]models.TrafficDelta, error)
	Stop() error
	Name() string
}

// BackendDriver owns the external traffic backend and pumps its windows
// into the aggregator and the console reporter.
type BackendDriver struct {
	backend  TrafficBackend
	agg      *TrafficAggregator
	reporter *ConsoleReporter
	state    atomic.Int32
	started  atomic.Bool
	running  atomic.Bool
	done     chan struct{}
}

const stopJoinTimeout = 10 * time.Second

func NewBackendDriver(backend TrafficBackend, agg *TrafficAggregator, reporter *ConsoleReporter) *BackendDriver {
	return &BackendDriver{
		backend:  backend,
		agg:      agg,
		reporter: reporter,
		done:     make(chan struct{}),
	}
}

// Start initializes the backend and launches the reader loop. A backend
// that cannot start leaves the driver Failed but does not crash the host
// process; metrics already aggregated stay servable.
func (d *BackendDriver) Start() error {
	d.started.Store(true)
	d.setState(StateStarting)

	if err := d.backend.Init(); err != nil {
		d.setState(StateFailed)
		close(d.done)
		system.Error("backend %s failed to start: %v", d.backend.Name(), err)
		return err
	}

	d.running.Store(true)
	go d.run()
	return nil
}

func (d *BackendDriver) run() {
	defer close(d.done)
	d.setState(StateStreaming)
	system.Info("backend %s streaming", d.backend.Name())

	// The running flag is the only cancellation signal; Collect blocks, so
	// shutdown latency is bounded by the time to the next window or to
	// backend exit.
	for d.running.Load() {
		batch, err := d.backend.Collect()
		if err != nil {
			if d.running.Load() {
				d.setState(StateFailed)
				system.Error("backend %s stream ended unexpectedly: %v", d.backend.Name(), err)
			}
			return
		}
		d.agg.ApplyBatch(batch)
		if d.reporter != nil {
			d.reporter.Report(batch)
		}
	}
}

// Stop signals the backend to terminate and joins the reader loop with a
// bounded wait. On a driver that was never started there is nothing to
// join and Stop returns at once.
func (d *BackendDriver) Stop() {
	if !d.started.Load() {
		return
	}

	if d.State() == StateStreaming {
		d.setState(StateStopping)
	}
	d.running.Store(false)

	if err := d.backend.Stop(); err != nil {
		system.Warn("backend %s stop: %v", d.backend.Name(), err)
	}

	select {
	case <-d.done:
	case <-time.After(stopJoinTimeout):
		system.Warn("backend %s reader did not exit within %s", d.backend.Name(), stopJoinTimeout)
	}

	if d.State() == StateStopping {
		d.setState(StateIdle)
	}
}

func (d *BackendDriver) State() DriverState {
	return DriverState(d.state.Load())
}

func (d *BackendDriver) setState(s DriverState) {
	d.state.Store(int32(s))
}
