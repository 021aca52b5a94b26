package memory

import (
	"context"
	"testing"
	"time"

	"streamhub/internal/core/domain"
	"streamhub/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSnapshotStore(t *testing.T) {
	clock := utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewStreamSnapshotStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.Stream{ID: "s1", Key: "k", State: domain.StreamLive}, 0))
	require.NoError(t, store.Save(ctx, domain.Stream{ID: "s2", State: domain.StreamEnded}, time.Hour))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StreamLive, got.State)
	assert.Empty(t, got.Key)

	clock.Advance(time.Hour)
	_, err = store.Get(ctx, "s2")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}
