package fsck

import (
	"bytes"
	"context"
	"testing"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/hkdata"
	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"git.handmade.network/hmn/heapkeeper/src/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memstore.Store
	heap  *models.Heap
	root  models.MessageID
	reply models.MessageID
}

// A small, healthy store: one administered heap with a labeled thread.
func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memstore.New(),
	}
	f.tx(func(tx store.Tx) {
		f.heap = &models.Heap{ShortName: "hk", Visibility: models.HeapVisibilityPublic}
		require.NoError(t, tx.CreateHeap(f.ctx, f.heap))
		admin := &models.User{Username: "admin"}
		require.NoError(t, tx.CreateUser(f.ctx, admin))
		require.NoError(t, tx.UpsertUserRight(f.ctx, &models.UserRight{UserID: admin.ID, HeapID: f.heap.ID, Right: models.RightHeapAdmin}))

		root, _, err := hkdata.CreateRootMessage(f.ctx, tx, f.heap.ID, "Healthy", []string{"topic"}, hkdata.NewPost{Text: "root"})
		require.NoError(t, err)
		f.root = root.ID
		reply, err := hkdata.Reply(f.ctx, tx, f.root, hkdata.NewPost{Text: "reply", Labels: []string{"note"}})
		require.NoError(t, err)
		f.reply = reply.ID
	})
	return f
}

func (f *fixture) tx(fn func(tx store.Tx)) {
	f.t.Helper()
	require.NoError(f.t, f.store.Tx(f.ctx, func(tx store.Tx) error {
		fn(tx)
		return nil
	}))
}

func (f *fixture) run() *Report {
	f.t.Helper()
	report, err := Run(f.ctx, f.store)
	require.NoError(f.t, err)
	require.Len(f.t, report.Checks, len(Checks))
	return report
}

// Asserts that exactly one check failed, and returns its problems.
func (f *fixture) onlyFailure(report *Report, check int) []Problem {
	f.t.Helper()
	assert.False(f.t, report.Clean)
	for i, c := range report.Checks {
		if i == check-1 {
			assert.False(f.t, c.OK(), "check %d (%s) should fail", check, c.Name)
		} else {
			assert.True(f.t, c.OK(), "check %d (%s) should pass: %v", i+1, c.Name, c.Problems)
		}
	}
	return report.Checks[check-1].Problems
}

func (f *fixture) rawMessage(tx store.Tx, parent *models.MessageID) models.MessageID {
	msg, err := hkdata.CreateMessage(f.ctx, tx, nil)
	require.NoError(f.t, err)
	stamp := time.Now()
	_, err = hkdata.AddVersion(f.ctx, tx, msg.ID, hkdata.NewVersion{ParentID: parent, CreationDate: stamp, VersionDate: stamp, Text: "raw"})
	require.NoError(f.t, err)
	return msg.ID
}

func TestHealthyStore(t *testing.T) {
	f := newFixture(t)
	f.tx(func(tx store.Tx) {
		// Regular operations keep the store healthy.
		require.NoError(t, hkdata.Delete(f.ctx, tx, f.root))
	})
	report := f.run()
	assert.True(t, report.Clean, "%+v", report.Failures())
}

func TestSeededCorruption(t *testing.T) {
	t.Run("1: message without versions", func(t *testing.T) {
		f := newFixture(t)
		var id models.MessageID
		f.tx(func(tx store.Tx) {
			msg, err := tx.CreateMessage(f.ctx, nil)
			require.NoError(t, err)
			id = msg.ID
		})
		problems := f.onlyFailure(f.run(), 1)
		require.Len(t, problems, 1)
		assert.Equal(t, []string{id.String()}, problems[0].Entities)
	})

	t.Run("2: root without conversation", func(t *testing.T) {
		f := newFixture(t)
		var id models.MessageID
		f.tx(func(tx store.Tx) {
			id = f.rawMessage(tx, nil)
		})
		problems := f.onlyFailure(f.run(), 2)
		require.Len(t, problems, 1)
		assert.Equal(t, []string{id.String()}, problems[0].Entities)
		assert.Contains(t, problems[0].Description, "no conversation")
	})

	t.Run("2: root with two conversations", func(t *testing.T) {
		f := newFixture(t)
		f.tx(func(tx store.Tx) {
			require.NoError(t, tx.CreateConversation(f.ctx, &models.Conversation{Subject: "Again", HeapID: f.heap.ID, RootID: f.root}))
		})
		problems := f.onlyFailure(f.run(), 2)
		require.Len(t, problems, 1)
		assert.Contains(t, problems[0].Description, "2 conversations")
		assert.Equal(t, f.root.String(), problems[0].Entities[0])
	})

	t.Run("3: deleted message as parent", func(t *testing.T) {
		f := newFixture(t)
		var child models.MessageID
		f.tx(func(tx store.Tx) {
			child = f.rawMessage(tx, &f.reply)
			_, err := hkdata.Amend(f.ctx, tx, f.reply, hkdata.Overrides{Deleted: ptr(true), ChangeLabels: true})
			require.NoError(t, err)
		})
		problems := f.onlyFailure(f.run(), 3)
		require.Len(t, problems, 1)
		assert.Equal(t, []string{f.reply.String(), child.String()}, problems[0].Entities)
	})

	t.Run("4: parent loop reported once", func(t *testing.T) {
		f := newFixture(t)
		var a, b models.MessageID
		f.tx(func(tx store.Tx) {
			a = f.rawMessage(tx, &f.root)
			b = f.rawMessage(tx, &a)
			_, err := hkdata.Amend(f.ctx, tx, a, hkdata.Overrides{ChangeParent: true, ParentID: &b})
			require.NoError(t, err)
			// A message leading into the loop is not part of it.
			f.rawMessage(tx, &a)
		})
		problems := f.onlyFailure(f.run(), 4)
		require.Len(t, problems, 1)
		assert.ElementsMatch(t, []string{a.String(), b.String()}, problems[0].Entities)
	})

	t.Run("5: deleted conversation root", func(t *testing.T) {
		f := newFixture(t)
		f.tx(func(tx store.Tx) {
			// Detach the reply properly first so only the root is broken.
			_, err := hkdata.Edit(f.ctx, tx, f.reply, hkdata.Overrides{ChangeParent: true, ParentID: nil})
			require.NoError(t, err)
			_, err = hkdata.Amend(f.ctx, tx, f.root, hkdata.Overrides{Deleted: ptr(true)})
			require.NoError(t, err)
		})
		problems := f.onlyFailure(f.run(), 5)
		require.Len(t, problems, 1)
		assert.Equal(t, f.root.String(), problems[0].Entities[0])
	})

	t.Run("6: conversation rooted at a reply", func(t *testing.T) {
		f := newFixture(t)
		var other models.MessageID
		f.tx(func(tx store.Tx) {
			msg, _, err := hkdata.CreateRootMessage(f.ctx, tx, f.heap.ID, "Other", nil, hkdata.NewPost{Text: "other"})
			require.NoError(t, err)
			other = msg.ID
			_, err = hkdata.Amend(f.ctx, tx, other, hkdata.Overrides{ChangeParent: true, ParentID: &f.root})
			require.NoError(t, err)
		})
		problems := f.onlyFailure(f.run(), 6)
		require.Len(t, problems, 1)
		assert.Equal(t, other.String(), problems[0].Entities[1])
	})

	t.Run("7: unused label", func(t *testing.T) {
		f := newFixture(t)
		f.tx(func(tx store.Tx) {
			require.NoError(t, tx.CreateLabel(f.ctx, &models.Label{Text: "orphan", CreatedAt: time.Now()}))
		})
		problems := f.onlyFailure(f.run(), 7)
		require.Len(t, problems, 1)
		assert.Equal(t, []string{"orphan"}, problems[0].Entities)
	})

	t.Run("8: heap without admin", func(t *testing.T) {
		f := newFixture(t)
		f.tx(func(tx store.Tx) {
			require.NoError(t, tx.CreateHeap(f.ctx, &models.Heap{ShortName: "unowned"}))
		})
		problems := f.onlyFailure(f.run(), 8)
		require.Len(t, problems, 1)
		assert.Equal(t, []string{"unowned"}, problems[0].Entities)
	})
}

func TestReportOutput(t *testing.T) {
	f := newFixture(t)
	f.tx(func(tx store.Tx) {
		require.NoError(t, tx.CreateHeap(f.ctx, &models.Heap{ShortName: "unowned"}))
	})
	report := f.run()

	var text bytes.Buffer
	require.NoError(t, report.WriteText(&text))
	assert.Contains(t, text.String(), "Check 1: messages without versions: ok")
	assert.Contains(t, text.String(), `heap "unowned" has no admin`)
	assert.Contains(t, text.String(), "1 of 8 checks failed")

	var yml bytes.Buffer
	require.NoError(t, report.WriteYAML(&yml))
	assert.Contains(t, yml.String(), "clean: false")
	assert.Contains(t, yml.String(), "- unowned")

	var viaFormat bytes.Buffer
	require.NoError(t, WriteReport(&viaFormat, report, "yaml"))
	assert.Equal(t, yml.String(), viaFormat.String())
	assert.Error(t, WriteReport(&viaFormat, report, "json"))
}

func TestCheckSnapshotCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CheckSnapshot(ctx, &Snapshot{})
	assert.Error(t, err)
}

func TestRunPeriodically(t *testing.T) {
	f := newFixture(t)
	job := RunPeriodically(f.ctx, f.store, time.Hour)
	job.Cancel()
	select {
	case <-job.Finished():
	case <-time.After(time.Second):
		t.Fatal("periodic check did not stop")
	}
}

func ptr[T any](v T) *T {
	return &v
}
