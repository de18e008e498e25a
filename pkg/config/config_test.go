package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/logfleet/pkg/lg"
)

func TestParseStoreType(t *testing.T) {
	for in, want := range map[string]StoreType{"": FileStore, "file": FileStore, "Mongo": MongoStore, "mongodb": MongoStore} {
		got, err := ParseStoreType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStoreType("etcd")
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, FileStore, &FileConfig{Path: filepath.Join(t.TempDir(), "c.yaml")}, lg.Discard)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = NewStore(ctx, FileStore, &MongoConfig{}, lg.Discard)
	assert.Error(t, err)

	_, err = NewStore(ctx, StoreType(9), nil, lg.Discard)
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}
