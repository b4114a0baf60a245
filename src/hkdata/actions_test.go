package hkdata

import (
	"testing"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) grant(user *models.User, heap *models.Heap, right models.Right) {
	f.tx(func(tx store.Tx) {
		require.NoError(f.t, tx.UpsertUserRight(f.ctx, &models.UserRight{UserID: user.ID, HeapID: heap.ID, Right: right}))
	})
}

func TestPostingRights(t *testing.T) {
	f := newFixture(t)
	private := f.createHeap("secret", models.HeapVisibilityPrivate)
	alice := f.createUser("alice")
	bob := f.createUser("bob")

	t.Run("anonymous may post to a public heap", func(t *testing.T) {
		f.tx(func(tx store.Tx) {
			msg, conv, err := PostConversation(f.ctx, tx, nil, f.heap.ID, "Hello", nil, NewPost{Text: "hi"})
			require.NoError(t, err)
			assert.Equal(t, msg.ID, conv.RootID)

			v, err := LatestVersion(f.ctx, tx, msg.ID)
			require.NoError(t, err)
			assert.Nil(t, v.AuthorID)
		})
	})

	t.Run("posts are authored by the actor", func(t *testing.T) {
		f.tx(func(tx store.Tx) {
			msg, _, err := PostConversation(f.ctx, tx, alice, f.heap.ID, "Hello", nil, NewPost{Text: "hi"})
			require.NoError(t, err)
			v, err := LatestVersion(f.ctx, tx, msg.ID)
			require.NoError(t, err)
			require.NotNil(t, v.AuthorID)
			assert.Equal(t, alice.ID, *v.AuthorID)
		})
	})

	t.Run("private heap needs a grant", func(t *testing.T) {
		err := f.try(func(tx store.Tx) error {
			_, _, err := PostConversation(f.ctx, tx, alice, private.ID, "Hello", nil, NewPost{Text: "hi"})
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)

		f.grant(alice, private, models.RightRead)
		err = f.try(func(tx store.Tx) error {
			_, _, err := PostConversation(f.ctx, tx, alice, private.ID, "Hello", nil, NewPost{Text: "hi"})
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission, "read is not enough to post")

		f.grant(alice, private, models.RightSend)
		f.tx(func(tx store.Tx) {
			_, _, err := PostConversation(f.ctx, tx, alice, private.ID, "Hello", nil, NewPost{Text: "hi"})
			require.NoError(t, err)
		})
	})

	t.Run("impersonation needs alter", func(t *testing.T) {
		post := NewPost{AuthorID: &bob.ID, Text: "not really bob"}
		err := f.try(func(tx store.Tx) error {
			_, _, err := PostConversation(f.ctx, tx, alice, f.heap.ID, "Hello", nil, post)
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)

		f.grant(alice, f.heap, models.RightAlter)
		f.tx(func(tx store.Tx) {
			_, _, err := PostConversation(f.ctx, tx, alice, f.heap.ID, "Hello", nil, post)
			require.NoError(t, err)
		})
	})
}

func TestModifyingRights(t *testing.T) {
	f := newFixture(t)
	alice := f.createUser("alice")
	bob := f.createUser("bob")

	var root, alicesReply models.MessageID
	f.tx(func(tx store.Tx) {
		msg, _, err := PostConversation(f.ctx, tx, bob, f.heap.ID, "S", nil, NewPost{Text: "bob's root"})
		require.NoError(t, err)
		root = msg.ID
		reply, err := PostReply(f.ctx, tx, alice, root, NewPost{Text: "alice's reply"})
		require.NoError(t, err)
		alicesReply = reply.ID
	})

	t.Run("own message with send", func(t *testing.T) {
		f.tx(func(tx store.Tx) {
			_, err := EditMessage(f.ctx, tx, alice, alicesReply, Overrides{Text: ptr("edited")})
			require.NoError(t, err)
		})
	})

	t.Run("someone else's message needs alter", func(t *testing.T) {
		err := f.try(func(tx store.Tx) error {
			_, err := EditMessage(f.ctx, tx, alice, root, Overrides{Text: ptr("vandalism")})
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)

		err = f.try(func(tx store.Tx) error {
			return DeleteMessage(f.ctx, tx, alice, root)
		})
		assert.ErrorIs(t, err, oops.ErrPermission)

		err = f.try(func(tx store.Tx) error {
			_, err := EditMessage(f.ctx, tx, nil, alicesReply, Overrides{Text: ptr("anon")})
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)
	})

	t.Run("handing authorship away needs alter", func(t *testing.T) {
		err := f.try(func(tx store.Tx) error {
			_, err := EditMessage(f.ctx, tx, alice, alicesReply, Overrides{ChangeAuthor: true, AuthorID: &bob.ID})
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)
	})

	t.Run("moderator", func(t *testing.T) {
		f.grant(alice, f.heap, models.RightAlter)
		f.tx(func(tx store.Tx) {
			require.NoError(t, DeleteMessage(f.ctx, tx, alice, root))
			// Already gone; nothing to do.
			require.NoError(t, DeleteMessage(f.ctx, tx, alice, root))

			_, err := EditMessage(f.ctx, tx, alice, root, Overrides{Text: ptr("x")})
			assert.ErrorIs(t, err, oops.ErrValidation)
		})
	})
}

func TestAnonymousMessagesBelongToNobody(t *testing.T) {
	f := newFixture(t)
	alice := f.createUser("alice")

	var anonymous models.MessageID
	f.tx(func(tx store.Tx) {
		msg, _, err := PostConversation(f.ctx, tx, nil, f.heap.ID, "From a stranger", nil, NewPost{Text: "hi"})
		require.NoError(t, err)
		anonymous = msg.ID
	})

	for _, who := range []struct {
		name  string
		actor *models.User
	}{
		{"another anonymous visitor", nil},
		{"a logged-in user", alice},
	} {
		t.Run(who.name, func(t *testing.T) {
			err := f.try(func(tx store.Tx) error {
				_, err := EditMessage(f.ctx, tx, who.actor, anonymous, Overrides{Text: ptr("rewritten")})
				return err
			})
			assert.ErrorIs(t, err, oops.ErrPermission)

			err = f.try(func(tx store.Tx) error {
				return DeleteMessage(f.ctx, tx, who.actor, anonymous)
			})
			assert.ErrorIs(t, err, oops.ErrPermission)
			assert.False(t, f.latest(anonymous).Deleted)
		})
	}

	t.Run("alter may moderate it", func(t *testing.T) {
		f.grant(alice, f.heap, models.RightAlter)
		f.tx(func(tx store.Tx) {
			require.NoError(t, DeleteMessage(f.ctx, tx, alice, anonymous))
		})
		assert.True(t, f.latest(anonymous).Deleted)
	})
}

func TestDeletedMessagesStayBehindTheGate(t *testing.T) {
	f := newFixture(t)
	private := f.createHeap("private", models.HeapVisibilityPrivate)
	owner := f.createUser("owner")
	outsider := f.createUser("outsider")
	f.grant(owner, private, models.RightAlter)

	var root, reply models.MessageID
	f.tx(func(tx store.Tx) {
		msg, _, err := PostConversation(f.ctx, tx, owner, private.ID, "Plans", nil, NewPost{Text: "x"})
		require.NoError(t, err)
		root = msg.ID
		r, err := PostReply(f.ctx, tx, owner, root, NewPost{Text: "y"})
		require.NoError(t, err)
		reply = r.ID

		require.NoError(t, DeleteMessage(f.ctx, tx, owner, reply))
		require.NoError(t, DeleteMessage(f.ctx, tx, owner, root))

		msgRow, err := tx.GetMessage(f.ctx, root)
		require.NoError(t, err)
		require.NotNil(t, msgRow.DeletedFrom)
		assert.Equal(t, private.ID, *msgRow.DeletedFrom)
	})

	for _, id := range []models.MessageID{root, reply} {
		err := f.try(func(tx store.Tx) error {
			_, err := EditMessage(f.ctx, tx, outsider, id, Overrides{Text: ptr("x")})
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)
		assert.NotErrorIs(t, err, oops.ErrValidation)

		err = f.try(func(tx store.Tx) error {
			return DeleteMessage(f.ctx, tx, outsider, id)
		})
		assert.ErrorIs(t, err, oops.ErrPermission)
	}

	f.tx(func(tx store.Tx) {
		_, err := EditMessage(f.ctx, tx, owner, root, Overrides{Text: ptr("x")})
		assert.ErrorIs(t, err, oops.ErrValidation)
		assert.NoError(t, DeleteMessage(f.ctx, tx, owner, root))
	})

	t.Run("deleted without a recorded heap", func(t *testing.T) {
		var bare models.MessageID
		f.tx(func(tx store.Tx) {
			msg, err := CreateMessage(f.ctx, tx, nil)
			require.NoError(t, err)
			bare = msg.ID
			_, err = AddVersion(f.ctx, tx, bare, NewVersion{Text: "gone", Deleted: true})
			require.NoError(t, err)
		})

		err := f.try(func(tx store.Tx) error {
			return DeleteMessage(f.ctx, tx, owner, bare)
		})
		assert.ErrorIs(t, err, oops.ErrNotFound)

		superuser := &models.User{Username: "root", IsSuperuser: true}
		f.tx(func(tx store.Tx) {
			assert.NoError(t, DeleteMessage(f.ctx, tx, superuser, bare))
		})
	})
}

func TestViewing(t *testing.T) {
	f := newFixture(t)
	semi := f.createHeap("semi", models.HeapVisibilitySemipublic)
	private := f.createHeap("private", models.HeapVisibilityPrivate)
	admin := f.createUser("admin")
	admin.IsSuperuser = true
	reader := f.createUser("reader")

	var semiConv, privateConv *models.Conversation
	var privateRoot models.MessageID
	f.tx(func(tx store.Tx) {
		var err error
		_, semiConv, err = PostConversation(f.ctx, tx, admin, semi.ID, "Semi", nil, NewPost{Text: "x"})
		require.NoError(t, err)
		var msg *models.Message
		msg, privateConv, err = PostConversation(f.ctx, tx, admin, private.ID, "Private", nil, NewPost{Text: "x"})
		require.NoError(t, err)
		privateRoot = msg.ID
	})

	t.Run("semipublic is readable but not writable", func(t *testing.T) {
		f.tx(func(tx store.Tx) {
			_, thread, err := ViewConversation(f.ctx, tx, nil, semiConv.ID)
			require.NoError(t, err)
			assert.Equal(t, semiConv.RootID, thread.Message.ID)

			convs, err := ListHeapConversations(f.ctx, tx, nil, semi.ID)
			require.NoError(t, err)
			assert.Len(t, convs, 1)
		})
		err := f.try(func(tx store.Tx) error {
			_, err := PostReply(f.ctx, tx, nil, semiConv.RootID, NewPost{Text: "x"})
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)
	})

	t.Run("private is hidden", func(t *testing.T) {
		err := f.try(func(tx store.Tx) error {
			_, _, err := ViewConversation(f.ctx, tx, reader, privateConv.ID)
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)

		err = f.try(func(tx store.Tx) error {
			_, err := ListHeapConversations(f.ctx, tx, nil, private.ID)
			return err
		})
		assert.ErrorIs(t, err, oops.ErrPermission)
	})

	t.Run("viewing marks messages read", func(t *testing.T) {
		f.grant(reader, private, models.RightRead)
		f.tx(func(tx store.Tx) {
			_, _, err := ViewConversation(f.ctx, tx, reader, privateConv.ID)
			require.NoError(t, err)
			read, err := tx.HasRead(f.ctx, privateRoot, reader.ID)
			require.NoError(t, err)
			assert.True(t, read)
		})
	})
}

func TestManagingRights(t *testing.T) {
	f := newFixture(t)
	owner := f.createUser("owner")
	member := f.createUser("member")

	err := f.try(func(tx store.Tx) error {
		_, err := GrantRight(f.ctx, tx, owner, member.ID, f.heap.ID, models.RightAlter)
		return err
	})
	assert.ErrorIs(t, err, oops.ErrPermission)

	f.grant(owner, f.heap, models.RightHeapAdmin)
	f.tx(func(tx store.Tx) {
		_, err := GrantRight(f.ctx, tx, owner, member.ID, f.heap.ID, models.RightRead)
		require.NoError(t, err)
		_, err = GrantRight(f.ctx, tx, owner, member.ID, f.heap.ID, models.RightAlter)
		require.NoError(t, err)

		rights, err := tx.ListUserRights(f.ctx, member.ID, f.heap.ID)
		require.NoError(t, err)
		require.Len(t, rights, 1, "a second grant replaces the first")
		assert.Equal(t, models.RightAlter, rights[0].Right)

		_, err = GrantRight(f.ctx, tx, owner, member.ID, f.heap.ID, models.RightNone)
		assert.ErrorIs(t, err, oops.ErrValidation)

		_, err = GrantRight(f.ctx, tx, owner, 999, f.heap.ID, models.RightRead)
		assert.ErrorIs(t, err, oops.ErrNotFound)

		require.NoError(t, RevokeRights(f.ctx, tx, owner, member.ID, f.heap.ID))
		rights, err = tx.ListUserRights(f.ctx, member.ID, f.heap.ID)
		require.NoError(t, err)
		assert.Empty(t, rights)
	})
}
