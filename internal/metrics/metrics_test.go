package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct{}

func (fakePool) Name() string         { return "command" }
func (fakePool) ActiveWorkers() int32 { return 3 }
func (fakePool) QueueLen() int        { return 7 }
func (fakePool) CallerRuns() int64    { return 2 }

func TestRegisterPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterPool(reg, fakePool{})

	expected := `
# HELP logfleet_pool_queue_length Jobs waiting in the queue
# TYPE logfleet_pool_queue_length gauge
logfleet_pool_queue_length{pool="command"} 7
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "logfleet_pool_queue_length")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(TaskTransitions.WithLabelValues("START", "FAILED"))
	TaskTransitions.WithLabelValues("START", "FAILED").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TaskTransitions.WithLabelValues("START", "FAILED")))
}
