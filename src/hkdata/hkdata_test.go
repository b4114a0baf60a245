package hkdata

import (
	"context"
	"testing"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/store/memstore"
	"github.com/stretchr/testify/require"
)

// A clock that moves forward one second every time it is read.
type tickingClock struct {
	t time.Time
}

func (c *tickingClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memstore.Store
	clock *tickingClock
	heap  *models.Heap
}

func newFixture(t *testing.T) *fixture {
	clock := &tickingClock{t: time.Date(2009, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		t:     t,
		ctx:   AttachClockToContext(context.Background(), clock.Now),
		store: memstore.NewWithClock(clock.Now),
		clock: clock,
	}
	f.heap = f.createHeap("hk", models.HeapVisibilityPublic)
	return f
}

// Runs f in a transaction that must succeed.
func (f *fixture) tx(fn func(tx store.Tx)) {
	f.t.Helper()
	err := f.store.Tx(f.ctx, func(tx store.Tx) error {
		fn(tx)
		return nil
	})
	require.NoError(f.t, err)
}

// Runs f in a transaction and returns its error.
func (f *fixture) try(fn func(tx store.Tx) error) error {
	return f.store.Tx(f.ctx, fn)
}

func (f *fixture) createHeap(shortName string, visibility models.HeapVisibility) *models.Heap {
	heap := &models.Heap{ShortName: shortName, LongName: shortName + " heap", Visibility: visibility}
	f.tx(func(tx store.Tx) {
		require.NoError(f.t, tx.CreateHeap(f.ctx, heap))
	})
	return heap
}

func (f *fixture) createUser(username string) *models.User {
	user := &models.User{Username: username, Email: username + "@example.com"}
	f.tx(func(tx store.Tx) {
		require.NoError(f.t, tx.CreateUser(f.ctx, user))
	})
	return user
}

func (f *fixture) root(subject, text string, labels ...string) (models.MessageID, *models.Conversation) {
	var msg *models.Message
	var conv *models.Conversation
	f.tx(func(tx store.Tx) {
		var err error
		msg, conv, err = CreateRootMessage(f.ctx, tx, f.heap.ID, subject, labels, NewPost{Text: text})
		require.NoError(f.t, err)
	})
	return msg.ID, conv
}

func (f *fixture) reply(parent models.MessageID, text string) models.MessageID {
	var msg *models.Message
	f.tx(func(tx store.Tx) {
		var err error
		msg, err = Reply(f.ctx, tx, parent, NewPost{Text: text})
		require.NoError(f.t, err)
	})
	return msg.ID
}

func (f *fixture) latest(id models.MessageID) *models.MessageVersion {
	var v *models.MessageVersion
	f.tx(func(tx store.Tx) {
		var err error
		v, err = LatestVersion(f.ctx, tx, id)
		require.NoError(f.t, err)
	})
	return v
}

func (f *fixture) conversationsOf(root models.MessageID) []*models.Conversation {
	var convs []*models.Conversation
	f.tx(func(tx store.Tx) {
		var err error
		convs, err = tx.ConversationsByRoot(f.ctx, root)
		require.NoError(f.t, err)
	})
	return convs
}

func (f *fixture) allConversations() []*models.Conversation {
	var convs []*models.Conversation
	f.tx(func(tx store.Tx) {
		var err error
		convs, err = tx.ListConversations(f.ctx, nil)
		require.NoError(f.t, err)
	})
	return convs
}

func (f *fixture) labelExists(text string) bool {
	var exists bool
	f.tx(func(tx store.Tx) {
		_, err := tx.GetLabel(f.ctx, text)
		exists = err == nil
	})
	return exists
}

func ptr[T any](v T) *T {
	return &v
}
