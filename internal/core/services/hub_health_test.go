package services

import (
	"os"
	"path/filepath"
	"testing"

	"streamhub/internal/infrastructure/storage"
	"streamhub/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubHealthChecks(t *testing.T) {
	f := newTestHub(t, nil)

	checks := f.hub.HealthChecks()
	assert.Len(t, checks, 4)
	for name, check := range checks {
		assert.NoError(t, check(f.ctx), name)
	}

	f.liveStream(t, "alice", "healthy")
	for name, check := range checks {
		assert.NoError(t, check(f.ctx), name)
	}
}

func TestHubHealthRecordingStoreGone(t *testing.T) {
	root := filepath.Join(t.TempDir(), "recordings")
	f := newTestHub(t, func(_ *config.Config, deps *HubDeps) {
		store, err := storage.NewFileChunkStore(root)
		require.NoError(t, err)
		deps.Chunks = store
	})

	check := f.hub.HealthChecks()["recording"]
	require.NoError(t, check(f.ctx))

	require.NoError(t, os.RemoveAll(root))
	assert.Error(t, check(f.ctx))
}
