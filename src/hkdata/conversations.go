package hkdata

import (
	"context"
	"strings"

	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
)

/*
Conversations are derived from the message tree: every live message without
a parent roots exactly one conversation, and nothing else roots one. The
operations here change messages and then bring the conversation set back in
line within the same transaction:

  - a new parentless message gets a new conversation
  - a reply joins its parent's conversation implicitly
  - a root that gains a parent loses its conversation, labels and all
  - a message that loses its parent gets a new conversation that inherits
    the subject of the one it left
  - deleting a message first gives each of its children a conversation of
    its own, then drops the message's own conversation, then marks it deleted
*/

type NewPost struct {
	AuthorID *int
	Text     string
	MailID   *string
	// Labels of the message itself, as opposed to its conversation.
	Labels []string
}

func createMessageWithVersion(ctx context.Context, tx store.Tx, parentID *models.MessageID, post NewPost) (*models.Message, error) {
	msg, err := CreateMessage(ctx, tx, post.MailID)
	if err != nil {
		return nil, err
	}
	stamp := now(ctx)
	_, err = AddVersion(ctx, tx, msg.ID, NewVersion{
		ParentID:     parentID,
		AuthorID:     post.AuthorID,
		CreationDate: stamp,
		VersionDate:  stamp,
		Text:         post.Text,
		Labels:       post.Labels,
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Starts a new conversation in a heap.
func CreateRootMessage(
	ctx context.Context,
	tx store.Tx,
	heapID int,
	subject string,
	conversationLabels []string,
	post NewPost,
) (*models.Message, *models.Conversation, error) {
	if _, err := tx.GetHeap(ctx, heapID); err != nil {
		return nil, nil, oops.New(err, "failed to fetch heap")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, nil, oops.New(oops.ErrValidation, "a conversation needs a subject")
	}

	msg, err := createMessageWithVersion(ctx, tx, nil, post)
	if err != nil {
		return nil, nil, err
	}
	conv, err := createConversation(ctx, tx, heapID, subject, msg.ID, conversationLabels)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

func createConversation(ctx context.Context, tx store.Tx, heapID int, subject string, root models.MessageID, texts []string) (*models.Conversation, error) {
	labels, err := NormalizeLabels(texts...)
	if err != nil {
		return nil, err
	}
	if err := InternLabels(ctx, tx, labels); err != nil {
		return nil, err
	}
	conv := &models.Conversation{
		Subject: subject,
		HeapID:  heapID,
		RootID:  root,
		Labels:  labels,
	}
	if err := tx.CreateConversation(ctx, conv); err != nil {
		return nil, oops.New(err, "failed to create conversation")
	}
	return conv, nil
}

// Fails unless target can be somebody's parent: it has to exist, have a
// version, and not be deleted.
func checkParentable(ctx context.Context, tx store.Tx, target models.MessageID) error {
	if _, err := tx.GetMessage(ctx, target); err != nil {
		return oops.New(err, "parent message")
	}
	deleted, err := IsDeleted(ctx, tx, target)
	if err != nil {
		return err
	}
	if deleted {
		return oops.New(oops.ErrValidation, "message %s is deleted and cannot be replied to", target)
	}
	return nil
}

// Posts a reply. The new message belongs to its parent's conversation.
func Reply(ctx context.Context, tx store.Tx, parentID models.MessageID, post NewPost) (*models.Message, error) {
	if err := checkParentable(ctx, tx, parentID); err != nil {
		return nil, err
	}
	return createMessageWithVersion(ctx, tx, &parentID, post)
}

/*
Edits a message, keeping conversations consistent with the new parent. An
override of Deleted=true is carried out as Delete after the other overrides
are applied. Deleted messages cannot be edited.
*/
func Edit(ctx context.Context, tx store.Tx, id models.MessageID, o Overrides) (*models.MessageVersion, error) {
	latest, err := mustLatestVersion(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if latest.Deleted {
		return nil, oops.New(oops.ErrValidation, "message %s is deleted", id)
	}

	if o.Deleted != nil {
		if !*o.Deleted {
			o.Deleted = nil
		} else {
			rest := o
			rest.Deleted = nil
			if !rest.IsEmpty() {
				if _, err := Edit(ctx, tx, id, rest); err != nil {
					return nil, err
				}
			}
			if err := Delete(ctx, tx, id); err != nil {
				return nil, err
			}
			return mustLatestVersion(ctx, tx, id)
		}
	}

	if o.ChangeParent && !sameParent(latest.ParentID, o.ParentID) {
		return reparent(ctx, tx, id, latest, o)
	}
	return Amend(ctx, tx, id, o)
}

func sameParent(a, b *models.MessageID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func reparent(ctx context.Context, tx store.Tx, id models.MessageID, latest *models.MessageVersion, o Overrides) (*models.MessageVersion, error) {
	oldParent, newParent := latest.ParentID, o.ParentID

	if newParent != nil {
		if err := checkParentable(ctx, tx, *newParent); err != nil {
			return nil, err
		}
		if err := checkReparentCycle(ctx, tx, id, *newParent); err != nil {
			return nil, err
		}
	}

	switch {
	case oldParent == nil:
		// Join: the message stops being a root, so its conversation goes.
		// The conversation's labels are dropped rather than merged into the
		// thread it joins.
		convs, err := tx.ConversationsByRoot(ctx, id)
		if err != nil {
			return nil, oops.New(err, "failed to fetch conversation of message %s", id)
		}
		for _, conv := range convs {
			if err := deleteConversation(ctx, tx, conv); err != nil {
				return nil, err
			}
		}
		return Amend(ctx, tx, id, o)

	case newParent == nil:
		// Break: the message becomes a root and starts its own conversation.
		leaving, err := ConversationOf(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		v, err := Amend(ctx, tx, id, o)
		if err != nil {
			return nil, err
		}
		if _, err := createConversation(ctx, tx, leaving.HeapID, leaving.Subject, id, nil); err != nil {
			return nil, err
		}
		return v, nil

	default:
		// Move between parents; the conversation it ends up in is derived.
		return Amend(ctx, tx, id, o)
	}
}

/*
Deletes a message. Its live children are detached first and each starts a
conversation inheriting the subject of the one being left, so no message is
ever left pointing at a deleted parent. Children that are already deleted
are detached too, without a conversation. If the message was a root, its
conversation is removed. Finally the message is amended with Deleted=true.
Deleting a deleted message does nothing.

All of this must run in a single transaction; store.Store.Tx provides one.
*/
func Delete(ctx context.Context, tx store.Tx, id models.MessageID) error {
	latest, err := mustLatestVersion(ctx, tx, id)
	if err != nil {
		return err
	}
	if latest.Deleted {
		return nil
	}

	conv, err := ConversationOf(ctx, tx, id)
	if err != nil {
		return err
	}

	children, err := tx.ChildrenOf(ctx, id)
	if err != nil {
		return oops.New(err, "failed to fetch children of message %s", id)
	}
	for _, childID := range children {
		childDeleted, err := IsDeleted(ctx, tx, childID)
		if err != nil {
			return err
		}
		if _, err := Amend(ctx, tx, childID, Overrides{ChangeParent: true, ParentID: nil}); err != nil {
			return err
		}
		if childDeleted {
			continue
		}
		if _, err := createConversation(ctx, tx, conv.HeapID, conv.Subject, childID, nil); err != nil {
			return err
		}
		logging.ExtractLogger(ctx).Debug().
			Stringer("message", childID).
			Stringer("deletedParent", id).
			Msg("orphaned reply into its own conversation")
	}

	if !latest.HasParent() {
		owned, err := tx.ConversationsByRoot(ctx, id)
		if err != nil {
			return oops.New(err, "failed to fetch conversation of message %s", id)
		}
		for _, c := range owned {
			if err := deleteConversation(ctx, tx, c); err != nil {
				return err
			}
		}
	}

	if err := tx.SetDeletedFrom(ctx, id, conv.HeapID); err != nil {
		return oops.New(err, "failed to record heap of deleted message %s", id)
	}
	deleted := true
	_, err = Amend(ctx, tx, id, Overrides{Deleted: &deleted})
	return err
}

// Returns the conversation the message currently belongs to.
func ConversationOf(ctx context.Context, tx store.Tx, id models.MessageID) (*models.Conversation, error) {
	root, err := RootMessage(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	convs, err := tx.ConversationsByRoot(ctx, root)
	if err != nil {
		return nil, oops.New(err, "failed to fetch conversation rooted at %s", root)
	}
	if len(convs) == 0 {
		return nil, oops.New(oops.ErrNotFound, "message %s has no conversation (root %s)", id, root)
	}
	return convs[0], nil
}

func HeapOf(ctx context.Context, tx store.Tx, id models.MessageID) (*models.Heap, error) {
	conv, err := ConversationOf(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	heap, err := tx.GetHeap(ctx, conv.HeapID)
	if err != nil {
		return nil, oops.New(err, "failed to fetch heap of conversation %d", conv.ID)
	}
	return heap, nil
}

// Changes the subject line of a conversation.
func RenameConversation(ctx context.Context, tx store.Tx, convID int, subject string) (*models.Conversation, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, oops.New(oops.ErrValidation, "a conversation needs a subject")
	}
	conv, err := tx.GetConversation(ctx, convID)
	if err != nil {
		return nil, oops.New(err, "failed to fetch conversation")
	}
	conv.Subject = subject
	if err := tx.UpdateConversation(ctx, conv); err != nil {
		return nil, oops.New(err, "failed to rename conversation")
	}
	return conv, nil
}

/*
Builds the tree of live messages under a conversation's root, children in
creation order. Messages are visited at most once, so a corrupted tree
cannot make this loop.
*/
func Thread(ctx context.Context, tx store.Tx, convID int) (*models.ThreadNode, error) {
	conv, err := tx.GetConversation(ctx, convID)
	if err != nil {
		return nil, oops.New(err, "failed to fetch conversation")
	}

	visited := make(map[models.MessageID]struct{})
	var build func(id models.MessageID, depth int) (*models.ThreadNode, error)
	build = func(id models.MessageID, depth int) (*models.ThreadNode, error) {
		visited[id] = struct{}{}
		msg, err := tx.GetMessage(ctx, id)
		if err != nil {
			return nil, oops.New(err, "failed to fetch message")
		}
		version, err := mustLatestVersion(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		node := &models.ThreadNode{
			Message: msg,
			Version: version,
			Depth:   depth,
		}

		children, err := Children(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		for _, childID := range children {
			if _, seen := visited[childID]; seen {
				continue
			}
			child, err := build(childID, depth+1)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil
	}

	return build(conv.RootID, 0)
}
