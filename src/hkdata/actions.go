package hkdata

import (
	"context"

	"git.handmade.network/hmn/heapkeeper/src/access"
	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
)

/*
The operations in this file are what the outside world calls: each one
checks the acting user's rights on the heap involved and then runs the
corresponding core operation. A nil actor is an anonymous visitor.

Posting as yourself needs send. Touching somebody else's message, or
posting under somebody else's name, needs alter. Managing grants needs
heapadmin.
*/

func actorID(actor *models.User) *int {
	if actor.IsAnonymous() {
		return nil
	}
	id := actor.ID
	return &id
}

// Anonymous messages belong to nobody, not to every anonymous visitor.
func isActor(actor *models.User, authorID *int) bool {
	if authorID == nil || actor.IsAnonymous() {
		return false
	}
	return actor.ID == *authorID
}

// Fills in the author of a new post and returns the right needed to post it.
func resolvePostAuthor(actor *models.User, post *NewPost) models.Right {
	if post.AuthorID == nil {
		// Posting anonymously, or as yourself.
		post.AuthorID = actorID(actor)
		return access.NeedPost
	}
	if isActor(actor, post.AuthorID) {
		return access.NeedPost
	}
	return access.NeedAlterOthers
}

func PostConversation(
	ctx context.Context,
	tx store.Tx,
	actor *models.User,
	heapID int,
	subject string,
	conversationLabels []string,
	post NewPost,
) (*models.Message, *models.Conversation, error) {
	heap, err := tx.GetHeap(ctx, heapID)
	if err != nil {
		return nil, nil, oops.New(err, "failed to fetch heap")
	}
	needed := resolvePostAuthor(actor, &post)
	if err := access.CheckAccess(ctx, tx, actor, heap, needed); err != nil {
		return nil, nil, err
	}
	return CreateRootMessage(ctx, tx, heapID, subject, conversationLabels, post)
}

func PostReply(ctx context.Context, tx store.Tx, actor *models.User, parentID models.MessageID, post NewPost) (*models.Message, error) {
	heap, err := HeapOf(ctx, tx, parentID)
	if err != nil {
		return nil, err
	}
	needed := resolvePostAuthor(actor, &post)
	if err := access.CheckAccess(ctx, tx, actor, heap, needed); err != nil {
		return nil, err
	}
	return Reply(ctx, tx, parentID, post)
}

// Checks that actor may change message id, and returns the latest version.
func checkCanModify(ctx context.Context, tx store.Tx, actor *models.User, id models.MessageID) (*models.MessageVersion, error) {
	latest, err := mustLatestVersion(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	heap, err := modifiedHeap(ctx, tx, actor, id, latest)
	if err != nil {
		return nil, err
	}
	if heap == nil {
		return latest, nil
	}
	needed := access.NeedPost
	if !isActor(actor, latest.AuthorID) {
		needed = access.NeedAlterOthers
	}
	if err := access.CheckAccess(ctx, tx, actor, heap, needed); err != nil {
		return nil, err
	}
	return latest, nil
}

/*
The heap whose rights govern changes to a message. A deleted message is
checked against the heap it was deleted from, so its state is only revealed
to those who could have changed it. A deleted message with no recorded heap
is left to superusers (nil heap, nothing to check); everyone else is told
it does not exist.
*/
func modifiedHeap(ctx context.Context, tx store.Tx, actor *models.User, id models.MessageID, latest *models.MessageVersion) (*models.Heap, error) {
	if !latest.Deleted {
		return HeapOf(ctx, tx, id)
	}

	msg, err := tx.GetMessage(ctx, id)
	if err != nil {
		return nil, oops.New(err, "failed to fetch message %s", id)
	}
	if msg.DeletedFrom == nil {
		if actor != nil && actor.IsSuperuser {
			return nil, nil
		}
		return nil, oops.New(oops.ErrNotFound, "message %s does not exist", id)
	}
	heap, err := tx.GetHeap(ctx, *msg.DeletedFrom)
	if err != nil {
		return nil, oops.New(err, "failed to fetch heap of deleted message %s", id)
	}
	return heap, nil
}

func EditMessage(ctx context.Context, tx store.Tx, actor *models.User, id models.MessageID, o Overrides) (*models.MessageVersion, error) {
	latest, err := checkCanModify(ctx, tx, actor, id)
	if err != nil {
		return nil, err
	}
	if latest.Deleted {
		return nil, oops.New(oops.ErrValidation, "message %s is deleted", id)
	}

	if o.ChangeAuthor && !isActor(actor, o.AuthorID) {
		heap, err := HeapOf(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := access.CheckAccess(ctx, tx, actor, heap, access.NeedAlterOthers); err != nil {
			return nil, err
		}
	}
	if o.ChangeParent && o.ParentID != nil {
		// Moving under a message of another heap is posting into that heap.
		target, err := HeapOf(ctx, tx, *o.ParentID)
		if err != nil {
			return nil, err
		}
		if err := access.CheckAccess(ctx, tx, actor, target, access.NeedPost); err != nil {
			return nil, err
		}
	}

	return Edit(ctx, tx, id, o)
}

func DeleteMessage(ctx context.Context, tx store.Tx, actor *models.User, id models.MessageID) error {
	latest, err := checkCanModify(ctx, tx, actor, id)
	if err != nil {
		return err
	}
	if latest.Deleted {
		return nil
	}
	return Delete(ctx, tx, id)
}

// Returns the thread of a conversation and marks its messages read for a
// logged-in actor.
func ViewConversation(ctx context.Context, tx store.Tx, actor *models.User, convID int) (*models.Conversation, *models.ThreadNode, error) {
	conv, err := tx.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, oops.New(err, "failed to fetch conversation")
	}
	heap, err := tx.GetHeap(ctx, conv.HeapID)
	if err != nil {
		return nil, nil, oops.New(err, "failed to fetch heap of conversation")
	}
	if err := access.CheckAccess(ctx, tx, actor, heap, access.NeedView); err != nil {
		return nil, nil, err
	}

	thread, err := Thread(ctx, tx, convID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.IsAnonymous() {
		for _, node := range thread.Flatten() {
			if err := tx.MarkRead(ctx, node.Message.ID, actor.ID); err != nil {
				return nil, nil, oops.New(err, "failed to mark message read")
			}
		}
	}
	return conv, thread, nil
}

func ListHeapConversations(ctx context.Context, tx store.Tx, actor *models.User, heapID int) ([]*models.Conversation, error) {
	heap, err := tx.GetHeap(ctx, heapID)
	if err != nil {
		return nil, oops.New(err, "failed to fetch heap")
	}
	if err := access.CheckAccess(ctx, tx, actor, heap, access.NeedView); err != nil {
		return nil, err
	}
	convs, err := tx.ListConversations(ctx, &heapID)
	if err != nil {
		return nil, oops.New(err, "failed to list conversations")
	}
	return convs, nil
}

// Sets the grant of user on a heap, replacing any earlier one.
func GrantRight(ctx context.Context, tx store.Tx, actor *models.User, userID, heapID int, right models.Right) (*models.UserRight, error) {
	if !right.Grantable() {
		return nil, oops.New(oops.ErrValidation, "%s cannot be granted", right)
	}
	heap, err := tx.GetHeap(ctx, heapID)
	if err != nil {
		return nil, oops.New(err, "failed to fetch heap")
	}
	if err := access.CheckAccess(ctx, tx, actor, heap, access.NeedManageRights); err != nil {
		return nil, err
	}
	if _, err := tx.GetUser(ctx, userID); err != nil {
		return nil, oops.New(err, "failed to fetch user")
	}

	grant := &models.UserRight{
		UserID: userID,
		HeapID: heapID,
		Right:  right,
	}
	if err := tx.UpsertUserRight(ctx, grant); err != nil {
		return nil, oops.New(err, "failed to store grant")
	}
	logging.ExtractLogger(ctx).Info().
		Int("user", userID).
		Str("heap", heap.ShortName).
		Stringer("right", right).
		Msg("granted right")
	return grant, nil
}

func RevokeRights(ctx context.Context, tx store.Tx, actor *models.User, userID, heapID int) error {
	heap, err := tx.GetHeap(ctx, heapID)
	if err != nil {
		return oops.New(err, "failed to fetch heap")
	}
	if err := access.CheckAccess(ctx, tx, actor, heap, access.NeedManageRights); err != nil {
		return err
	}
	if err := tx.DeleteUserRights(ctx, userID, heapID); err != nil {
		return oops.New(err, "failed to revoke rights")
	}
	logging.ExtractLogger(ctx).Info().
		Int("user", userID).
		Str("heap", heap.ShortName).
		Msg("revoked rights")
	return nil
}
