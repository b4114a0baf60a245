package admintools

import (
	"bytes"
	"context"
	"testing"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminTools(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		for _, name := range []string{"owner", "member"} {
			require.NoError(t, tx.CreateUser(ctx, &models.User{Username: name}))
		}
		return nil
	}))

	t.Run("create heap", func(t *testing.T) {
		require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
			heap, err := CreateHeap(ctx, tx, "dev", "Development", "semipublic", "owner")
			require.NoError(t, err)
			assert.Equal(t, models.HeapVisibilitySemipublic, heap.Visibility)

			_, err = CreateHeap(ctx, tx, "dev@example.com", "", "public", "")
			assert.ErrorIs(t, err, oops.ErrValidation)
			_, err = CreateHeap(ctx, tx, "other", "", "secretive", "")
			assert.ErrorIs(t, err, oops.ErrValidation)
			_, err = CreateHeap(ctx, tx, "dev", "", "public", "")
			assert.ErrorIs(t, err, oops.ErrIntegrityConflict)
			return nil
		}))
	})

	t.Run("grant and revoke", func(t *testing.T) {
		require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
			grant, err := Grant(ctx, tx, "owner", "member", "dev", "send")
			require.NoError(t, err)
			assert.Equal(t, models.RightSend, grant.Right)

			_, err = Grant(ctx, tx, "member", "member", "dev", "heapadmin")
			assert.ErrorIs(t, err, oops.ErrPermission, "members cannot promote themselves")
			_, err = Grant(ctx, tx, "", "member", "dev", "root")
			assert.ErrorIs(t, err, oops.ErrValidation)
			_, err = Grant(ctx, tx, "", "member", "nope", "read")
			assert.ErrorIs(t, err, oops.ErrNotFound)

			var out bytes.Buffer
			require.NoError(t, ListHeaps(ctx, tx, &out))
			assert.Contains(t, out.String(), "owner=heapadmin,member=send")

			require.NoError(t, Revoke(ctx, tx, "", "member", "dev"))
			out.Reset()
			require.NoError(t, ListHeaps(ctx, tx, &out))
			assert.NotContains(t, out.String(), "member=")
			return nil
		}))
	})
}
