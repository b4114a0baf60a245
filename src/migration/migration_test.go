package migration

import (
	"context"
	"testing"

	"git.handmade.network/hmn/heapkeeper/src/auth"
	"git.handmade.network/hmn/heapkeeper/src/fsck"
	"git.handmade.network/hmn/heapkeeper/src/migration/migrations"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationVersions(t *testing.T) {
	versions := getSortedMigrationVersions()
	require.Len(t, versions, len(migrations.All))
	for i := 1; i < len(versions); i++ {
		assert.True(t, versions[i-1].Before(versions[i]))
	}
	assert.True(t, LatestVersion().Equal(versions[len(versions)-1]))
}

func TestSampleSeed(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, SampleSeed(ctx, s))

	report, err := fsck.Run(ctx, s)
	require.NoError(t, err)
	assert.True(t, report.Clean, "%+v", report.Failures())

	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		heaps, err := tx.ListHeaps(ctx)
		require.NoError(t, err)
		assert.Len(t, heaps, 3)

		convs, err := tx.ListConversations(ctx, nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(convs), 12)

		_, err = auth.Authenticate(ctx, tx, "alice", seedPassword)
		assert.NoError(t, err)

		admin, err := tx.GetUserByUsername(ctx, "admin")
		require.NoError(t, err)
		assert.True(t, admin.IsSuperuser)
		return nil
	}))
}

func TestBareMinimumSeed(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, BareMinimumSeed(ctx, s))

	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		heap, err := tx.GetHeapByShortName(ctx, "hk")
		require.NoError(t, err)
		rights, err := tx.ListHeapRights(ctx, heap.ID)
		require.NoError(t, err)
		require.Len(t, rights, 1)
		assert.Equal(t, models.RightHeapAdmin, rights[0].Right)
		return nil
	}))

	// Seeding twice runs into the existing admin.
	assert.Error(t, BareMinimumSeed(ctx, s))
}
