package services

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip-traffic-agent/models"
)

// fakeBackend feeds scripted windows to the driver. Collect blocks on the
// batches channel the way the real backends block on their subprocess.
type fakeBackend struct {
	initErr error
	batches chan collectResult
	stopped atomic.Bool
}

type collectResult struct {
	deltas []models.TrafficDelta
	err    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{batches: make(chan collectResult, 8)}
}

func (f *fakeBackend) Init() error { return f.initErr }
func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Collect() ([]models.TrafficDelta, error) {
	r, ok := <-f.batches
	if !ok {
		return nil, errors.New("stream closed")
	}
	return r.deltas, r.err
}

func (f *fakeBackend) Stop() error {
	if f.stopped.CompareAndSwap(false, true) {
		close(f.batches)
	}
	return nil
}

func waitForState(t *testing.T, d *BackendDriver, want DriverState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if d.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("driver never reached state %s, stuck in %s", want, d.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDriverPumpsWindowsIntoAggregator(t *testing.T) {
	backend := newFakeBackend()
	agg := NewTrafficAggregator()
	d := NewBackendDriver(backend, agg, nil)

	require.NoError(t, d.Start())
	waitForState(t, d, StateStreaming)

	backend.batches <- collectResult{deltas: []models.TrafficDelta{
		{RemoteIP: "8.8.8.8", TxBytes: 100},
	}}
	backend.batches <- collectResult{deltas: []models.TrafficDelta{
		{RemoteIP: "8.8.8.8", TxBytes: 50, RxBytes: 25},
	}}

	assert.Eventually(t, func() bool {
		s, ok := agg.Get("8.8.8.8")
		return ok && s.TxBytes == 150 && s.RxBytes == 25
	}, 2*time.Second, 5*time.Millisecond)

	d.Stop()
	assert.Equal(t, StateIdle, d.State())
}

func TestDriverInitFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.initErr = errors.New("backend binary not found")
	d := NewBackendDriver(backend, NewTrafficAggregator(), nil)

	assert.Error(t, d.Start())
	assert.Equal(t, StateFailed, d.State())

	// Stop on a failed driver must return promptly, not hang on the join.
	done := make(chan struct{})
	go func() { d.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung after a failed start")
	}
	assert.Equal(t, StateFailed, d.State())
}

func TestDriverCollectErrorMarksFailed(t *testing.T) {
	backend := newFakeBackend()
	d := NewBackendDriver(backend, NewTrafficAggregator(), nil)

	require.NoError(t, d.Start())
	waitForState(t, d, StateStreaming)

	backend.batches <- collectResult{err: errors.New("subprocess died")}
	waitForState(t, d, StateFailed)
}

func TestDriverCleanStopDoesNotFail(t *testing.T) {
	backend := newFakeBackend()
	d := NewBackendDriver(backend, NewTrafficAggregator(), nil)

	require.NoError(t, d.Start())
	waitForState(t, d, StateStreaming)

	// Stop closes the stream; the resulting Collect error during shutdown
	// must not be reported as a failure.
	d.Stop()
	assert.Equal(t, StateIdle, d.State())
	assert.True(t, backend.stopped.Load())
}

func TestDriverStopWithoutStartReturnsImmediately(t *testing.T) {
	d := NewBackendDriver(newFakeBackend(), NewTrafficAggregator(), nil)

	done := make(chan struct{})
	go func() { d.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on a driver that was never started")
	}
	assert.Equal(t, StateIdle, d.State())
}

func TestDriverStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "failed", StateFailed.String())
}
