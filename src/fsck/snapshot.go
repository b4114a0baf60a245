package fsck

import (
	"context"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
)

/*
Everything the checks look at, read in a single transaction. A Snapshot is
never modified after loading, so the checks can share it freely.
*/
type Snapshot struct {
	Messages      []*models.Message
	Versions      map[models.MessageID][]*models.MessageVersion
	Latest        map[models.MessageID]*models.MessageVersion
	Conversations []*models.Conversation
	Labels        []*models.Label
	Heaps         []*models.Heap
	// Grants per heap ID.
	Rights map[int][]*models.UserRight
}

func LoadSnapshot(ctx context.Context, tx store.Tx) (*Snapshot, error) {
	snap := &Snapshot{
		Versions: make(map[models.MessageID][]*models.MessageVersion),
		Latest:   make(map[models.MessageID]*models.MessageVersion),
		Rights:   make(map[int][]*models.UserRight),
	}

	var err error
	snap.Messages, err = tx.ListMessages(ctx)
	if err != nil {
		return nil, oops.New(err, "failed to list messages")
	}
	for _, msg := range snap.Messages {
		versions, err := tx.ListVersions(ctx, msg.ID)
		if err != nil {
			return nil, oops.New(err, "failed to list versions of message %s", msg.ID)
		}
		snap.Versions[msg.ID] = versions
		if latest := models.LatestOf(versions); latest != nil {
			snap.Latest[msg.ID] = latest
		}
	}

	snap.Conversations, err = tx.ListConversations(ctx, nil)
	if err != nil {
		return nil, oops.New(err, "failed to list conversations")
	}
	snap.Labels, err = tx.ListLabels(ctx)
	if err != nil {
		return nil, oops.New(err, "failed to list labels")
	}
	snap.Heaps, err = tx.ListHeaps(ctx)
	if err != nil {
		return nil, oops.New(err, "failed to list heaps")
	}
	for _, heap := range snap.Heaps {
		rights, err := tx.ListHeapRights(ctx, heap.ID)
		if err != nil {
			return nil, oops.New(err, "failed to list rights on heap %d", heap.ID)
		}
		snap.Rights[heap.ID] = rights
	}

	return snap, nil
}

// The current parent of a message, or nil for roots, messages without
// versions and messages outside the snapshot.
func (s *Snapshot) parentOf(id models.MessageID) (*models.MessageID, error) {
	if latest, ok := s.Latest[id]; ok {
		return latest.ParentID, nil
	}
	return nil, nil
}

func (s *Snapshot) isDeleted(id models.MessageID) bool {
	latest, ok := s.Latest[id]
	return ok && latest.Deleted
}

func (s *Snapshot) conversationsByRoot() map[models.MessageID][]*models.Conversation {
	result := make(map[models.MessageID][]*models.Conversation)
	for _, conv := range s.Conversations {
		result[conv.RootID] = append(result[conv.RootID], conv)
	}
	return result
}
