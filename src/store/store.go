/*
Package store defines the persistence boundary of the heap keeper. The core
only ever talks to a Tx handed out by Store.Tx; everything a core operation
reads and writes happens inside that one transaction, so multi-step
sequences such as deleting a message (orphan the children, drop the
conversation, mark deleted) commit or vanish together.

Stores never cascade. A missing row is reported as an error wrapping
oops.ErrNotFound, a uniqueness violation as oops.ErrIntegrityConflict.
*/
package store

import (
	"context"

	"git.handmade.network/hmn/heapkeeper/src/models"
)

type Store interface {
	// Runs f in a transaction. If f returns an error (or panics) nothing it
	// did is kept.
	Tx(ctx context.Context, f func(tx Tx) error) error
}

type Tx interface {
	MessageStore
	ConversationStore
	LabelStore
	HeapStore
	UserStore
}

type MessageStore interface {
	CreateMessage(ctx context.Context, mailID *string) (*models.Message, error)
	GetMessage(ctx context.Context, id models.MessageID) (*models.Message, error)
	ListMessages(ctx context.Context) ([]*models.Message, error)
	FindMessagesByMailID(ctx context.Context, mailID string) ([]*models.Message, error)
	// Records the heap a message is being deleted from.
	SetDeletedFrom(ctx context.Context, id models.MessageID, heapID int) error

	// Stores v and assigns its ID. The message must exist.
	InsertVersion(ctx context.Context, v *models.MessageVersion) error
	// All versions of a message, oldest first by insertion.
	ListVersions(ctx context.Context, id models.MessageID) ([]*models.MessageVersion, error)
	// The version picked by models.IsNewerVersion, or nil if the message has
	// no versions.
	LatestVersion(ctx context.Context, id models.MessageID) (*models.MessageVersion, error)
	// Messages whose latest version names parent as its parent, deleted or not.
	ChildrenOf(ctx context.Context, parent models.MessageID) ([]models.MessageID, error)

	MarkRead(ctx context.Context, id models.MessageID, userID int) error
	HasRead(ctx context.Context, id models.MessageID, userID int) (bool, error)
}

type ConversationStore interface {
	// Assigns c.ID.
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id int) (*models.Conversation, error)
	ConversationsByRoot(ctx context.Context, root models.MessageID) ([]*models.Conversation, error)
	// A nil heapID lists conversations of every heap.
	ListConversations(ctx context.Context, heapID *int) ([]*models.Conversation, error)
	// Replaces subject and labels.
	UpdateConversation(ctx context.Context, c *models.Conversation) error
	DeleteConversation(ctx context.Context, id int) error
}

type LabelStore interface {
	GetLabel(ctx context.Context, text string) (*models.Label, error)
	CreateLabel(ctx context.Context, l *models.Label) error
	DeleteLabel(ctx context.Context, text string) error
	ListLabels(ctx context.Context) ([]*models.Label, error)
	// Conversations plus latest message versions carrying the label text.
	CountLabelReferences(ctx context.Context, text string) (int, error)
}

type HeapStore interface {
	// Assigns h.ID. Short names are unique.
	CreateHeap(ctx context.Context, h *models.Heap) error
	GetHeap(ctx context.Context, id int) (*models.Heap, error)
	GetHeapByShortName(ctx context.Context, shortName string) (*models.Heap, error)
	ListHeaps(ctx context.Context) ([]*models.Heap, error)

	// Sets the single grant for (user, heap), replacing any existing one.
	UpsertUserRight(ctx context.Context, r *models.UserRight) error
	ListUserRights(ctx context.Context, userID, heapID int) ([]*models.UserRight, error)
	ListHeapRights(ctx context.Context, heapID int) ([]*models.UserRight, error)
	DeleteUserRights(ctx context.Context, userID, heapID int) error
}

type UserStore interface {
	// Assigns u.ID. Usernames are unique, case-insensitively.
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdatePassword(ctx context.Context, userID int, password string) error
}
