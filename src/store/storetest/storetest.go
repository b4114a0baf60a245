/*
Package storetest is a conformance suite for store.Store implementations.
Every backend runs the same tests, so the core can rely on identical
behavior from all of them.
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs the suite. newStore must return an empty store each time it is called.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		test func(t *testing.T, s store.Store)
	}{
		{"messages", testMessages},
		{"versions", testVersions},
		{"children", testChildren},
		{"conversations", testConversations},
		{"labels", testLabels},
		{"heaps and rights", testHeapsAndRights},
		{"users", testUsers},
		{"read tracking", testReads},
		{"rollback", testRollback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.test(t, newStore(t))
		})
	}
}

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func tx(t *testing.T, s store.Store, f func(tx store.Tx)) {
	t.Helper()
	require.NoError(t, s.Tx(context.Background(), func(tx store.Tx) error {
		f(tx)
		return nil
	}))
}

func version(msg models.MessageID, parent *models.MessageID, at time.Time, text string, labels ...string) *models.MessageVersion {
	return &models.MessageVersion{
		MessageID:    msg,
		ParentID:     parent,
		CreationDate: base,
		VersionDate:  at,
		Text:         text,
		Labels:       labels,
	}
}

func testMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	mailID := "<1@example.com>"
	tx(t, s, func(tx store.Tx) {
		first, err := tx.CreateMessage(ctx, &mailID)
		require.NoError(t, err)
		second, err := tx.CreateMessage(ctx, nil)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		got, err := tx.GetMessage(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got.MailID)
		assert.Equal(t, mailID, *got.MailID)

		all, err := tx.ListMessages(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, first.ID, all[0].ID)
		assert.Equal(t, second.ID, all[1].ID)

		found, err := tx.FindMessagesByMailID(ctx, mailID)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, first.ID, found[0].ID)

		_, err = tx.GetMessage(ctx, uuid.New())
		assert.ErrorIs(t, err, oops.ErrNotFound)

		assert.Nil(t, got.DeletedFrom)
		heap := &models.Heap{ShortName: "hk"}
		require.NoError(t, tx.CreateHeap(ctx, heap))
		require.NoError(t, tx.SetDeletedFrom(ctx, first.ID, heap.ID))
		got, err = tx.GetMessage(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got.DeletedFrom)
		assert.Equal(t, heap.ID, *got.DeletedFrom)

		assert.ErrorIs(t, tx.SetDeletedFrom(ctx, uuid.New(), heap.ID), oops.ErrNotFound)
		assert.ErrorIs(t, tx.SetDeletedFrom(ctx, second.ID, heap.ID+1000), oops.ErrNotFound)
	})
}

func testVersions(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx(t, s, func(tx store.Tx) {
		msg, err := tx.CreateMessage(ctx, nil)
		require.NoError(t, err)

		latest, err := tx.LatestVersion(ctx, msg.ID)
		require.NoError(t, err)
		assert.Nil(t, latest, "no versions yet")

		v1 := version(msg.ID, nil, base, "one", "a", "b")
		require.NoError(t, tx.InsertVersion(ctx, v1))
		v2 := version(msg.ID, nil, base.Add(time.Minute), "two")
		require.NoError(t, tx.InsertVersion(ctx, v2))
		// Back-dated versions do not become the latest.
		v3 := version(msg.ID, nil, base, "three")
		require.NoError(t, tx.InsertVersion(ctx, v3))

		latest, err = tx.LatestVersion(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "two", latest.Text)

		// Equal dates go to the version stored later.
		v4 := version(msg.ID, nil, base.Add(time.Minute), "four")
		require.NoError(t, tx.InsertVersion(ctx, v4))
		latest, err = tx.LatestVersion(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "four", latest.Text)

		versions, err := tx.ListVersions(ctx, msg.ID)
		require.NoError(t, err)
		require.Len(t, versions, 4)
		assert.Equal(t, []string{"a", "b"}, versions[0].Labels)
		assert.Equal(t, v1.ID, versions[0].ID)

		err = tx.InsertVersion(ctx, version(uuid.New(), nil, base, "orphan"))
		assert.ErrorIs(t, err, oops.ErrNotFound)
		_, err = tx.LatestVersion(ctx, uuid.New())
		assert.ErrorIs(t, err, oops.ErrNotFound)
	})
}

func testChildren(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx(t, s, func(tx store.Tx) {
		newMessage := func(parent *models.MessageID, at time.Time) models.MessageID {
			msg, err := tx.CreateMessage(ctx, nil)
			require.NoError(t, err)
			require.NoError(t, tx.InsertVersion(ctx, version(msg.ID, parent, at, "x")))
			return msg.ID
		}
		a := newMessage(nil, base)
		b := newMessage(nil, base)
		child := newMessage(&a, base)

		children, err := tx.ChildrenOf(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []models.MessageID{child}, children)

		// Only the latest version decides where a message hangs.
		require.NoError(t, tx.InsertVersion(ctx, version(child, &b, base.Add(time.Minute), "moved")))
		children, err = tx.ChildrenOf(ctx, a)
		require.NoError(t, err)
		assert.Empty(t, children)
		children, err = tx.ChildrenOf(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, []models.MessageID{child}, children)

		// Deleted children are still children.
		deleted := version(child, &b, base.Add(2*time.Minute), "gone")
		deleted.Deleted = true
		require.NoError(t, tx.InsertVersion(ctx, deleted))
		children, err = tx.ChildrenOf(ctx, b)
		require.NoError(t, err)
		assert.Len(t, children, 1)
	})
}

func testConversations(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx(t, s, func(tx store.Tx) {
		heap := &models.Heap{ShortName: "hk"}
		require.NoError(t, tx.CreateHeap(ctx, heap))
		other := &models.Heap{ShortName: "other"}
		require.NoError(t, tx.CreateHeap(ctx, other))
		root, err := tx.CreateMessage(ctx, nil)
		require.NoError(t, err)

		conv := &models.Conversation{Subject: "Hello", HeapID: heap.ID, RootID: root.ID, Labels: []string{"x", "y"}}
		require.NoError(t, tx.CreateConversation(ctx, conv))
		elsewhere := &models.Conversation{Subject: "Elsewhere", HeapID: other.ID, RootID: root.ID}
		require.NoError(t, tx.CreateConversation(ctx, elsewhere))

		got, err := tx.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hello", got.Subject)
		assert.Equal(t, []string{"x", "y"}, got.Labels)

		byRoot, err := tx.ConversationsByRoot(ctx, root.ID)
		require.NoError(t, err)
		assert.Len(t, byRoot, 2)

		inHeap, err := tx.ListConversations(ctx, &heap.ID)
		require.NoError(t, err)
		require.Len(t, inHeap, 1)
		assert.Equal(t, conv.ID, inHeap[0].ID)
		all, err := tx.ListConversations(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		got.Subject = "Renamed"
		got.Labels = []string{"z"}
		require.NoError(t, tx.UpdateConversation(ctx, got))
		got, err = tx.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Subject)
		assert.Equal(t, []string{"z"}, got.Labels)

		require.NoError(t, tx.DeleteConversation(ctx, conv.ID))
		_, err = tx.GetConversation(ctx, conv.ID)
		assert.ErrorIs(t, err, oops.ErrNotFound)
		assert.ErrorIs(t, tx.DeleteConversation(ctx, conv.ID), oops.ErrNotFound)

		err = tx.CreateConversation(ctx, &models.Conversation{Subject: "Nowhere", HeapID: heap.ID, RootID: uuid.New()})
		assert.ErrorIs(t, err, oops.ErrNotFound)
	})
}

func testLabels(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx(t, s, func(tx store.Tx) {
		require.NoError(t, tx.CreateLabel(ctx, &models.Label{Text: "bug", CreatedAt: base}))
		assert.ErrorIs(t, tx.CreateLabel(ctx, &models.Label{Text: "bug", CreatedAt: base}), oops.ErrIntegrityConflict)

		heap := &models.Heap{ShortName: "hk"}
		require.NoError(t, tx.CreateHeap(ctx, heap))
		msg, err := tx.CreateMessage(ctx, nil)
		require.NoError(t, err)

		count, err := tx.CountLabelReferences(ctx, "bug")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		require.NoError(t, tx.CreateConversation(ctx, &models.Conversation{Subject: "s", HeapID: heap.ID, RootID: msg.ID, Labels: []string{"bug"}}))
		require.NoError(t, tx.InsertVersion(ctx, version(msg.ID, nil, base, "labeled", "bug")))
		count, err = tx.CountLabelReferences(ctx, "bug")
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		// A newer version without the label stops referencing it, even though
		// the old version still carries it.
		require.NoError(t, tx.InsertVersion(ctx, version(msg.ID, nil, base.Add(time.Minute), "unlabeled")))
		count, err = tx.CountLabelReferences(ctx, "bug")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		labels, err := tx.ListLabels(ctx)
		require.NoError(t, err)
		require.Len(t, labels, 1)
		assert.Equal(t, "bug", labels[0].Text)

		require.NoError(t, tx.DeleteLabel(ctx, "bug"))
		_, err = tx.GetLabel(ctx, "bug")
		assert.ErrorIs(t, err, oops.ErrNotFound)
	})
}

func testHeapsAndRights(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx(t, s, func(tx store.Tx) {
		heap := &models.Heap{ShortName: "hk", LongName: "Heap keeper", Visibility: models.HeapVisibilityPrivate}
		require.NoError(t, tx.CreateHeap(ctx, heap))
		assert.ErrorIs(t, tx.CreateHeap(ctx, &models.Heap{ShortName: "hk"}), oops.ErrIntegrityConflict)

		got, err := tx.GetHeapByShortName(ctx, "hk")
		require.NoError(t, err)
		assert.Equal(t, heap.ID, got.ID)
		assert.Equal(t, models.HeapVisibilityPrivate, got.Visibility)
		_, err = tx.GetHeapByShortName(ctx, "nope")
		assert.ErrorIs(t, err, oops.ErrNotFound)

		user := &models.User{Username: "alice"}
		require.NoError(t, tx.CreateUser(ctx, user))

		require.NoError(t, tx.UpsertUserRight(ctx, &models.UserRight{UserID: user.ID, HeapID: heap.ID, Right: models.RightRead}))
		require.NoError(t, tx.UpsertUserRight(ctx, &models.UserRight{UserID: user.ID, HeapID: heap.ID, Right: models.RightAlter}))
		rights, err := tx.ListUserRights(ctx, user.ID, heap.ID)
		require.NoError(t, err)
		require.Len(t, rights, 1, "one grant per user and heap")
		assert.Equal(t, models.RightAlter, rights[0].Right)

		heapRights, err := tx.ListHeapRights(ctx, heap.ID)
		require.NoError(t, err)
		assert.Len(t, heapRights, 1)

		require.NoError(t, tx.DeleteUserRights(ctx, user.ID, heap.ID))
		rights, err = tx.ListUserRights(ctx, user.ID, heap.ID)
		require.NoError(t, err)
		assert.Empty(t, rights)

		err = tx.UpsertUserRight(ctx, &models.UserRight{UserID: user.ID, HeapID: heap.ID + 100, Right: models.RightRead})
		assert.ErrorIs(t, err, oops.ErrNotFound)
	})
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx(t, s, func(tx store.Tx) {
		alice := &models.User{Username: "Alice", Email: "alice@example.com"}
		require.NoError(t, tx.CreateUser(ctx, alice))
		assert.False(t, alice.DateJoined.IsZero())
		assert.ErrorIs(t, tx.CreateUser(ctx, &models.User{Username: "alice"}), oops.ErrIntegrityConflict)

		got, err := tx.GetUserByUsername(ctx, "ALICE")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		got, err = tx.GetUserByEmail(ctx, "Alice@Example.com")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		_, err = tx.GetUserByEmail(ctx, "bob@example.com")
		assert.ErrorIs(t, err, oops.ErrNotFound)

		require.NoError(t, tx.UpdatePassword(ctx, alice.ID, "hashed"))
		got, err = tx.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "hashed", got.Password)
		assert.ErrorIs(t, tx.UpdatePassword(ctx, alice.ID+100, "x"), oops.ErrNotFound)

		users, err := tx.ListUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})
}

func testReads(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx(t, s, func(tx store.Tx) {
		user := &models.User{Username: "reader"}
		require.NoError(t, tx.CreateUser(ctx, user))
		msg, err := tx.CreateMessage(ctx, nil)
		require.NoError(t, err)

		read, err := tx.HasRead(ctx, msg.ID, user.ID)
		require.NoError(t, err)
		assert.False(t, read)

		require.NoError(t, tx.MarkRead(ctx, msg.ID, user.ID))
		require.NoError(t, tx.MarkRead(ctx, msg.ID, user.ID), "marking twice is fine")
		read, err = tx.HasRead(ctx, msg.ID, user.ID)
		require.NoError(t, err)
		assert.True(t, read)

		assert.ErrorIs(t, tx.MarkRead(ctx, uuid.New(), user.ID), oops.ErrNotFound)
	})
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Tx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateHeap(ctx, &models.Heap{ShortName: "doomed"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.Tx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateHeap(ctx, &models.Heap{ShortName: "panicky"}))
		panic("oh no")
	})
	assert.Error(t, err)

	tx(t, s, func(tx store.Tx) {
		heaps, err := tx.ListHeaps(ctx)
		require.NoError(t, err)
		assert.Empty(t, heaps)
	})
}
