package hkdata

import (
	"context"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
)

// Looks up the current parent of a message. A nil parent ends the walk.
type ParentFunc func(id models.MessageID) (*models.MessageID, error)

/*
Follows parent pointers from start until reaching a message with no parent,
and returns that message. Revisiting a message means the chain loops; the
walk then stops and returns an *oops.CycleError holding the messages on the
loop itself, without the lead-in from start. The walk never takes more
steps than there are distinct messages on the chain, so it always
terminates.
*/
func WalkToRoot(start models.MessageID, parentOf ParentFunc) (models.MessageID, error) {
	visited := make(map[models.MessageID]struct{})
	current := start
	for {
		visited[current] = struct{}{}
		parent, err := parentOf(current)
		if err != nil {
			return models.MessageID{}, err
		}
		if parent == nil {
			return current, nil
		}
		if _, seen := visited[*parent]; seen {
			return models.MessageID{}, oops.NewCycleError(cycleMembers(*parent, parentOf, visited))
		}
		current = *parent
	}
}

// Narrows a walk's visited set down to the loop itself, starting from a
// message known to be on it. The lead-in from the starting message is left
// out so every member of one cycle reports the same set.
func cycleMembers(onCycle models.MessageID, parentOf ParentFunc, visited map[models.MessageID]struct{}) map[models.MessageID]struct{} {
	members := map[models.MessageID]struct{}{onCycle: {}}
	current := onCycle
	for {
		parent, err := parentOf(current)
		if err != nil || parent == nil {
			return visited
		}
		if *parent == onCycle {
			return members
		}
		if _, ok := members[*parent]; ok {
			return visited
		}
		members[*parent] = struct{}{}
		current = *parent
	}
}

func txParentFunc(ctx context.Context, tx store.Tx) ParentFunc {
	return func(id models.MessageID) (*models.MessageID, error) {
		return CurrentParent(ctx, tx, id)
	}
}

/*
Returns the root of the conversation containing id, failing with an
*oops.CycleError if the parent chain loops. This is the variant everything
in the heap keeper uses.
*/
func RootMessage(ctx context.Context, tx store.Tx, id models.MessageID) (models.MessageID, error) {
	return WalkToRoot(id, txParentFunc(ctx, tx))
}

// Like RootMessage, but a looping chain yields nil instead of an error.
// Other errors still come through.
func RootMessageLenient(ctx context.Context, tx store.Tx, id models.MessageID) (*models.MessageID, error) {
	root, err := RootMessage(ctx, tx, id)
	if err != nil {
		if oops.IsCycle(err) {
			return nil, nil
		}
		return nil, err
	}
	return &root, nil
}

// Fails with a CycleError if making newParent the parent of id would close a
// loop, i.e. id is newParent or one of its ancestors.
func checkReparentCycle(ctx context.Context, tx store.Tx, id, newParent models.MessageID) error {
	chain := map[models.MessageID]struct{}{id: {}}
	current := newParent
	for {
		if _, ok := chain[current]; ok {
			return oops.NewCycleError(chain)
		}
		chain[current] = struct{}{}
		parent, err := CurrentParent(ctx, tx, current)
		if err != nil {
			return err
		}
		if parent == nil {
			return nil
		}
		current = *parent
	}
}
