package access

import (
	"context"
	"fmt"
	"testing"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var visibilities = []models.HeapVisibility{
	models.HeapVisibilityPublic,
	models.HeapVisibilitySemipublic,
	models.HeapVisibilityPrivate,
}

func TestEffectiveRight(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	heaps := make(map[models.HeapVisibility]*models.Heap)
	users := make(map[models.Right]*models.User)
	var superuser *models.User
	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		for _, v := range visibilities {
			heap := &models.Heap{ShortName: v.String(), Visibility: v}
			require.NoError(t, tx.CreateHeap(ctx, heap))
			heaps[v] = heap
		}
		for r := models.RightNone; r <= models.RightHeapAdmin; r++ {
			user := &models.User{Username: fmt.Sprintf("granted-%s", r)}
			require.NoError(t, tx.CreateUser(ctx, user))
			users[r] = user
			if !r.Grantable() {
				continue
			}
			for _, heap := range heaps {
				require.NoError(t, tx.UpsertUserRight(ctx, &models.UserRight{UserID: user.ID, HeapID: heap.ID, Right: r}))
			}
		}
		superuser = &models.User{Username: "root", IsSuperuser: true}
		return tx.CreateUser(ctx, superuser)
	}))

	baseline := map[models.HeapVisibility]models.Right{
		models.HeapVisibilityPublic:     models.RightSend,
		models.HeapVisibilitySemipublic: models.RightRead,
		models.HeapVisibilityPrivate:    models.RightNone,
	}

	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		for _, v := range visibilities {
			heap := heaps[v]

			t.Run(fmt.Sprintf("anonymous on %s", v), func(t *testing.T) {
				right, err := EffectiveRight(ctx, tx, nil, heap)
				require.NoError(t, err)
				assert.Equal(t, baseline[v], right)
			})

			t.Run(fmt.Sprintf("superuser on %s", v), func(t *testing.T) {
				right, err := EffectiveRight(ctx, tx, superuser, heap)
				require.NoError(t, err)
				assert.Equal(t, models.RightHeapAdmin, right)
				assert.Equal(t, Combine(true, nil, v), right)
			})

			for granted, user := range users {
				t.Run(fmt.Sprintf("%s grant on %s", granted, v), func(t *testing.T) {
					expected := granted
					if baseline[v] > expected {
						expected = baseline[v]
					}
					right, err := EffectiveRight(ctx, tx, user, heap)
					require.NoError(t, err)
					assert.Equal(t, expected, right)

					visible, err := IsVisible(ctx, tx, user, heap)
					require.NoError(t, err)
					assert.Equal(t, expected >= models.RightRead, visible)
				})
			}
		}
		return nil
	}))
}

func TestCombine(t *testing.T) {
	grants := []*models.UserRight{{Right: models.RightRead}, {Right: models.RightAlter}, {Right: models.RightSend}}
	assert.Equal(t, models.RightAlter, Combine(false, grants, models.HeapVisibilityPrivate))
	assert.Equal(t, models.RightSend, Combine(false, nil, models.HeapVisibilityPublic))
	assert.Equal(t, models.RightNone, Combine(false, nil, models.HeapVisibilityPrivate))
	assert.Equal(t, models.RightHeapAdmin, Combine(true, nil, models.HeapVisibilityPrivate))
}

func TestCheckAccess(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		heap := &models.Heap{ShortName: "semi", Visibility: models.HeapVisibilitySemipublic}
		require.NoError(t, tx.CreateHeap(ctx, heap))

		assert.NoError(t, CheckAccess(ctx, tx, nil, heap, NeedView))
		err := CheckAccess(ctx, tx, nil, heap, NeedPost)
		assert.ErrorIs(t, err, oops.ErrPermission)
		assert.Contains(t, err.Error(), "anonymous")

		_, err = EffectiveRightOnHeap(ctx, tx, nil, 12345)
		assert.ErrorIs(t, err, oops.ErrNotFound)
		return nil
	}))
}

func TestVisibleHeaps(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Tx(ctx, func(tx store.Tx) error {
		var private *models.Heap
		for _, v := range visibilities {
			heap := &models.Heap{ShortName: v.String(), Visibility: v}
			require.NoError(t, tx.CreateHeap(ctx, heap))
			if v == models.HeapVisibilityPrivate {
				private = heap
			}
		}
		member := &models.User{Username: "member"}
		require.NoError(t, tx.CreateUser(ctx, member))

		names := func(user *models.User) []string {
			heaps, err := VisibleHeaps(ctx, tx, user)
			require.NoError(t, err)
			var result []string
			for _, h := range heaps {
				result = append(result, h.ShortName)
			}
			return result
		}

		assert.Equal(t, []string{"public", "semipublic"}, names(nil))
		assert.Equal(t, []string{"public", "semipublic"}, names(member))

		require.NoError(t, tx.UpsertUserRight(ctx, &models.UserRight{UserID: member.ID, HeapID: private.ID, Right: models.RightRead}))
		assert.Equal(t, []string{"public", "semipublic", "private"}, names(member))
		return nil
	}))
}
