package system

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockExecutorAnswersVersionProbe(t *testing.T) {
	e := &MockExecutor{}

	out, err := e.Execute("bpftrace", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "bpftrace")

	out, err = e.Execute("bpftrace")
	require.NoError(t, err)
	assert.Equal(t, "Mock Success", out)

	assert.True(t, strings.HasPrefix(e.GetOS(), "mock-"))
}

func TestNewExecutorMatchesPlatform(t *testing.T) {
	e := NewExecutor()
	require.NotNil(t, e)

	if runtime.GOOS == "linux" {
		assert.IsType(t, &RealExecutor{}, e)
	} else {
		assert.IsType(t, &MockExecutor{}, e)
	}
}
