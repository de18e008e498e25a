package lg_test

import (
	"context"
	"testing"

	"github.com/andrej220/logfleet/pkg/lg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := lg.NewWithCore(core).With(lg.String("task_id", "t-1"))

	logger.Info("step started", lg.Int64("machine_id", 7))
	logger.Warn("status write failed")
	logger.Debug("pid read")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "step started", entries[0].Message)
	assert.Equal(t, "t-1", entries[0].ContextMap()["task_id"])
	assert.Equal(t, int64(7), entries[0].ContextMap()["machine_id"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.DebugLevel, entries[2].Level)
}

func TestAttachAndFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := lg.NewWithCore(core)

	ctx := lg.Attach(context.Background(), logger)
	lg.FromContext(ctx).Info("hello")

	assert.Equal(t, 1, logs.Len())
}

func TestFromContextFallsBack(t *testing.T) {
	assert.NotNil(t, lg.FromContext(context.Background()))
	assert.NotPanics(t, func() {
		lg.FromContext(context.Background()).With(lg.Bool("x", true)).Info("fallback")
	})
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		lg.Discard.With(lg.String("k", "v")).Error("dropped")
		assert.NoError(t, lg.Discard.Sync())
	})
}
