package hkdata

import (
	"testing"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestVersion(t *testing.T) {
	base := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("max version date wins regardless of insertion order", func(t *testing.T) {
		f := newFixture(t)
		var id models.MessageID
		f.tx(func(tx store.Tx) {
			msg, err := CreateMessage(f.ctx, tx, nil)
			require.NoError(t, err)
			id = msg.ID

			for _, offset := range []int{3, 1, 5, 2, 4} {
				_, err := AddVersion(f.ctx, tx, id, NewVersion{
					CreationDate: base,
					VersionDate:  base.Add(time.Duration(offset) * time.Hour),
					Text:         string(rune('a' + offset)),
				})
				require.NoError(t, err)
			}
		})

		latest := f.latest(id)
		require.NotNil(t, latest)
		assert.Equal(t, base.Add(5*time.Hour), latest.VersionDate)
		assert.Equal(t, "f", latest.Text)
	})

	t.Run("equal dates go to the version added last", func(t *testing.T) {
		f := newFixture(t)
		var id models.MessageID
		f.tx(func(tx store.Tx) {
			msg, err := CreateMessage(f.ctx, tx, nil)
			require.NoError(t, err)
			id = msg.ID
			for _, text := range []string{"first", "second"} {
				_, err := AddVersion(f.ctx, tx, id, NewVersion{CreationDate: base, VersionDate: base, Text: text})
				require.NoError(t, err)
			}
		})
		assert.Equal(t, "second", f.latest(id).Text)
	})

	t.Run("no versions", func(t *testing.T) {
		f := newFixture(t)
		f.tx(func(tx store.Tx) {
			msg, err := CreateMessage(f.ctx, tx, nil)
			require.NoError(t, err)

			latest, err := LatestVersion(f.ctx, tx, msg.ID)
			require.NoError(t, err)
			assert.Nil(t, latest)

			_, err = Amend(f.ctx, tx, msg.ID, Overrides{Text: ptr("x")})
			assert.ErrorIs(t, err, oops.ErrValidation)
		})
	})

	t.Run("missing message", func(t *testing.T) {
		f := newFixture(t)
		f.tx(func(tx store.Tx) {
			_, err := LatestVersion(f.ctx, tx, models.MessageID{})
			assert.ErrorIs(t, err, oops.ErrNotFound)
		})
	})
}

func TestAmend(t *testing.T) {
	t.Run("preserves unset fields", func(t *testing.T) {
		f := newFixture(t)
		author := f.createUser("ben")
		var rootID, id models.MessageID
		f.tx(func(tx store.Tx) {
			root, _, err := CreateRootMessage(f.ctx, tx, f.heap.ID, "Subject", nil, NewPost{Text: "root"})
			require.NoError(t, err)
			rootID = root.ID
			msg, err := Reply(f.ctx, tx, rootID, NewPost{AuthorID: &author.ID, Text: "before", Labels: []string{"bug"}})
			require.NoError(t, err)
			id = msg.ID
		})
		before := f.latest(id)

		f.tx(func(tx store.Tx) {
			_, err := Amend(f.ctx, tx, id, Overrides{Text: ptr("after")})
			require.NoError(t, err)
		})
		after := f.latest(id)

		assert.Equal(t, "after", after.Text)
		assert.True(t, after.VersionDate.After(before.VersionDate))

		// Everything else carries over.
		expected := before.Clone()
		expected.ID = after.ID
		expected.Text = after.Text
		expected.VersionDate = after.VersionDate
		assert.Equal(t, expected, after)
	})

	t.Run("version dates strictly increase even if the clock stalls", func(t *testing.T) {
		f := newFixture(t)
		id, _ := f.root("Subject", "v1")
		stalled := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		ctx := AttachClockToContext(f.ctx, func() time.Time { return stalled })

		prev := f.latest(id).VersionDate
		for i := 0; i < 3; i++ {
			f.tx(func(tx store.Tx) {
				v, err := Amend(ctx, tx, id, Overrides{Text: ptr("again")})
				require.NoError(t, err)
				assert.True(t, v.VersionDate.After(prev))
				prev = v.VersionDate
			})
		}
	})

	t.Run("empty overrides", func(t *testing.T) {
		assert.True(t, Overrides{}.IsEmpty())
		assert.False(t, Overrides{ChangeParent: true}.IsEmpty())
		assert.False(t, Overrides{Text: ptr("")}.IsEmpty())
	})
}

func TestChildren(t *testing.T) {
	f := newFixture(t)
	root, _ := f.root("Subject", "root")
	a := f.reply(root, "a")
	b := f.reply(root, "b")
	c := f.reply(root, "c")

	f.tx(func(tx store.Tx) {
		children, err := Children(f.ctx, tx, root)
		require.NoError(t, err)
		assert.Equal(t, []models.MessageID{a, b, c}, children)
	})

	// A message moved away is no longer a child.
	f.tx(func(tx store.Tx) {
		_, err := Edit(f.ctx, tx, c, Overrides{ChangeParent: true, ParentID: &a})
		require.NoError(t, err)

		children, err := Children(f.ctx, tx, root)
		require.NoError(t, err)
		assert.Equal(t, []models.MessageID{a, b}, children)

		children, err = Children(f.ctx, tx, a)
		require.NoError(t, err)
		assert.Equal(t, []models.MessageID{c}, children)
	})
}
