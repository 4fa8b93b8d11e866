package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/adapter/backendtest"
	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

func openBolt(t *testing.T, path string) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBoltStore_Contract(t *testing.T) {
	backendtest.Run(t, backendtest.Factory{
		Open: func(t *testing.T) port.Backend {
			return openBolt(t, filepath.Join(t.TempDir(), "index.db"))
		},
		Reopen: func(t *testing.T, b port.Backend) port.Backend {
			path := b.(*BoltStore).DB().Path()
			require.NoError(t, b.Close())
			return openBolt(t, path)
		},
	})
}

func TestBoltStore_VectorEncodingIsExact(t *testing.T) {
	v := []float32{0.1, -3.4028235e38, 1e-45, 0}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
	assert.Nil(t, decodeVector(nil))
}

func TestBoltStore_ChildrenPrefixDoesNotLeak(t *testing.T) {
	st := openBolt(t, filepath.Join(t.TempDir(), "index.db"))
	ctx := context.Background()

	title := domain.Chunk{ID: "a", Level: domain.LevelTitle}
	other := domain.Chunk{ID: "ab", Level: domain.LevelTitle}
	child := domain.Chunk{ID: "a/1", Level: domain.LevelSection, ParentID: "a"}
	otherChild := domain.Chunk{ID: "ab/1", Level: domain.LevelSection, ParentID: "ab"}
	require.NoError(t, st.Apply(ctx, port.Mutation{Puts: []port.Entry{
		{Chunk: title}, {Chunk: other}, {Chunk: child}, {Chunk: otherChild},
	}}))

	kids, err := st.Children(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1"}, kids)
}

func TestBoltStore_OpenLockedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	openBolt(t, path)

	_, err := NewBoltStore(path)
	assert.ErrorIs(t, err, domain.ErrStorage)
}
