package configguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/store/memstore"
)

func seed(t *testing.T, states map[int64]domain.State) *memstore.MemStore {
	t.Helper()
	st := memstore.New()
	for mid, s := range states {
		require.NoError(t, st.SaveInstance(context.Background(), domain.Instance{ProcessID: 5, MachineID: mid, State: s}))
	}
	return st
}

func TestCheck(t *testing.T) {
	st := seed(t, map[int64]domain.State{
		1: domain.StateStopped,
		2: domain.StateRunning,
		3: domain.StateStartFailed,
	})
	g := New(st)
	ctx := context.Background()

	tests := []struct {
		name     string
		machines []int64
		wantErr  error
	}{
		{"one stopped machine", []int64{1}, nil},
		{"one running machine", []int64{2}, ErrMachineRunning},
		{"all with one running", []int64{1, 2, 3}, ErrMachineRunning},
		{"all without running", []int64{1, 3}, nil},
		{"unknown machine", []int64{99}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(ctx, 5, tt.machines)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckUpdateValidatesYAML(t *testing.T) {
	g := New(seed(t, map[int64]domain.State{1: domain.StateStopped}))
	ctx := context.Background()

	err := g.CheckUpdate(ctx, 5, []int64{1}, domain.ConfigSet{SystemYAML: "pipeline.workers: [2"})
	assert.ErrorIs(t, err, ErrInvalidYAML)

	err = g.CheckUpdate(ctx, 5, []int64{1}, domain.ConfigSet{SystemYAML: "pipeline.workers: 2\nhttp.host: 0.0.0.0\n"})
	assert.NoError(t, err)

	err = g.CheckUpdate(ctx, 5, []int64{1}, domain.ConfigSet{JVMOptions: "-Xms1g"})
	assert.NoError(t, err)
}
