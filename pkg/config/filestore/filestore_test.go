package filestore

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/logfleet/pkg/lg"
)

type sample struct {
	Port    string   `yaml:"port"`
	Brokers []string `yaml:"brokers"`
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	fs := New(path, lg.Discard)
	ctx := context.Background()

	require.NoError(t, fs.Save(ctx, sample{Port: "8090", Brokers: []string{"k1:9092"}}))

	var got sample
	require.NoError(t, fs.Load(ctx, &got))
	assert.Equal(t, "8090", got.Port)
	assert.Equal(t, []string{"k1:9092"}, got.Brokers)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	assert.Error(t, New(filepath.Join(dir, "missing.yaml"), nil).Load(ctx, &sample{}))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	assert.ErrorContains(t, New(empty, nil).Load(ctx, &sample{}), "is empty")

	assert.Error(t, New(empty, nil).Load(ctx, nil))
}

func TestWatchSeesSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	fs := New(path, lg.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fs.Save(ctx, sample{Port: "1"}))

	var changes atomic.Int32
	require.NoError(t, fs.Watch(ctx, func() { changes.Add(1) }))
	require.NoError(t, fs.Save(ctx, sample{Port: "2"}))

	assert.Eventually(t, func() bool { return changes.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
}
