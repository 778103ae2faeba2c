package clientid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvsync/kvsync/internal/backend"
	"github.com/kvsync/kvsync/internal/chunkstore"
)

func newTestChunks(t *testing.T) *chunkstore.Store {
	t.Helper()
	return chunkstore.New(backend.NewMemory("test"))
}

func TestLoadGeneratesAndPersistsOnFirstOpen(t *testing.T) {
	chunks := newTestChunks(t)

	id, err := Load(chunks)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := Load(chunks)
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestLoadSurvivesReopenOfSameBackend(t *testing.T) {
	be := backend.NewMemory("test")
	chunks := chunkstore.New(be)

	id, err := Load(chunks)
	require.NoError(t, err)

	reopened := chunkstore.New(be)

	again, err := Load(reopened)
	require.NoError(t, err)
	require.Equal(t, id, again)
}
