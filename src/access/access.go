/*
Package access decides what a user may do on a heap. A user's effective
right combines three things: the baseline every visitor gets from the heap's
visibility, the user's explicit grants on that heap, and the superuser flag,
which beats everything.

A nil *models.User is the anonymous visitor. It has no grants, so it gets
exactly the baseline.
*/
package access

import (
	"context"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
)

// Levels required by the gated operations.
const (
	NeedView         = models.RightRead
	NeedPost         = models.RightSend
	NeedAlterOthers  = models.RightAlter
	NeedManageRights = models.RightHeapAdmin
)

func EffectiveRight(ctx context.Context, tx store.Tx, user *models.User, heap *models.Heap) (models.Right, error) {
	if user.IsAnonymous() {
		return heap.Visibility.Baseline(), nil
	}
	if user.IsSuperuser {
		return Combine(true, nil, heap.Visibility), nil
	}

	grants, err := tx.ListUserRights(ctx, user.ID, heap.ID)
	if err != nil {
		return models.RightNone, oops.New(err, "failed to fetch rights of user %d on heap %d", user.ID, heap.ID)
	}
	return Combine(false, grants, heap.Visibility), nil
}

/*
The pure part of EffectiveRight. Duplicate grants for the same pair can only
come from old data; the highest one counts.
*/
func Combine(superuser bool, grants []*models.UserRight, visibility models.HeapVisibility) models.Right {
	if superuser {
		return models.RightHeapAdmin
	}
	given := models.RightNone
	for _, g := range grants {
		if g.Right > given {
			given = g.Right
		}
	}
	if baseline := visibility.Baseline(); baseline > given {
		return baseline
	}
	return given
}

func EffectiveRightOnHeap(ctx context.Context, tx store.Tx, user *models.User, heapID int) (models.Right, error) {
	heap, err := tx.GetHeap(ctx, heapID)
	if err != nil {
		return models.RightNone, oops.New(err, "failed to fetch heap")
	}
	return EffectiveRight(ctx, tx, user, heap)
}

// Fails with an error wrapping oops.ErrPermission unless the user has at
// least the needed right on the heap.
func CheckAccess(ctx context.Context, tx store.Tx, user *models.User, heap *models.Heap, needed models.Right) error {
	right, err := EffectiveRight(ctx, tx, user, heap)
	if err != nil {
		return err
	}
	if right < needed {
		return oops.New(oops.ErrPermission, "%s needs %s on heap %q but has %s", describeUser(user), needed, heap.ShortName, right)
	}
	return nil
}

func IsVisible(ctx context.Context, tx store.Tx, user *models.User, heap *models.Heap) (bool, error) {
	right, err := EffectiveRight(ctx, tx, user, heap)
	if err != nil {
		return false, err
	}
	return right >= models.RightRead, nil
}

// The heaps the user can see, in ID order.
func VisibleHeaps(ctx context.Context, tx store.Tx, user *models.User) ([]*models.Heap, error) {
	heaps, err := tx.ListHeaps(ctx)
	if err != nil {
		return nil, oops.New(err, "failed to list heaps")
	}

	var result []*models.Heap
	for _, heap := range heaps {
		visible, err := IsVisible(ctx, tx, user, heap)
		if err != nil {
			return nil, err
		}
		if visible {
			result = append(result, heap)
		}
	}
	return result, nil
}

func describeUser(user *models.User) string {
	if user.IsAnonymous() {
		return "anonymous visitor"
	}
	return "user " + user.Username
}
