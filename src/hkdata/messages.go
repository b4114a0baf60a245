package hkdata

import (
	"context"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/models"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
)

/*
The functions in this file are the raw message/version layer. They never
touch conversations, so calling them directly can leave the conversation
set out of step with the message tree. Higher-level code goes through the
operations in conversations.go, which use these and then repair the derived
structure in the same transaction.
*/

// Allocates an empty message. It is structurally invalid until a version is
// added, which the caller must do in the same transaction.
func CreateMessage(ctx context.Context, tx store.Tx, mailID *string) (*models.Message, error) {
	msg, err := tx.CreateMessage(ctx, mailID)
	if err != nil {
		return nil, oops.New(err, "failed to create message")
	}
	return msg, nil
}

type NewVersion struct {
	ParentID     *models.MessageID
	AuthorID     *int
	CreationDate time.Time
	VersionDate  time.Time
	Text         string
	Labels       []string
	Deleted      bool
}

/*
Appends a version to a message. It becomes the latest version if and only if
its version date is the greatest (ties go to the version added last).
Labels are interned when the version becomes latest, and labels that only the
previous latest version referenced are released.
*/
func AddVersion(ctx context.Context, tx store.Tx, id models.MessageID, nv NewVersion) (*models.MessageVersion, error) {
	labels, err := NormalizeLabels(nv.Labels...)
	if err != nil {
		return nil, err
	}

	before, err := tx.LatestVersion(ctx, id)
	if err != nil {
		return nil, oops.New(err, "failed to fetch latest version")
	}

	v := &models.MessageVersion{
		MessageID:    id,
		ParentID:     nv.ParentID,
		AuthorID:     nv.AuthorID,
		CreationDate: nv.CreationDate,
		VersionDate:  nv.VersionDate,
		Text:         nv.Text,
		Labels:       labels,
		Deleted:      nv.Deleted,
	}
	if err := tx.InsertVersion(ctx, v); err != nil {
		return nil, oops.New(err, "failed to insert message version")
	}

	if before != nil && !models.IsNewerVersion(v, before) {
		// Inserted into history; the latest version is unchanged.
		return v, nil
	}

	if err := InternLabels(ctx, tx, labels); err != nil {
		return nil, err
	}
	if before != nil {
		if err := releaseDroppedLabels(ctx, tx, before.Labels, labels); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func LatestVersion(ctx context.Context, tx store.Tx, id models.MessageID) (*models.MessageVersion, error) {
	v, err := tx.LatestVersion(ctx, id)
	if err != nil {
		return nil, oops.New(err, "failed to fetch latest version of message %s", id)
	}
	return v, nil
}

// Like LatestVersion, but a message without versions is a validation error.
func mustLatestVersion(ctx context.Context, tx store.Tx, id models.MessageID) (*models.MessageVersion, error) {
	v, err := LatestVersion(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, oops.New(oops.ErrValidation, "message %s has no versions", id)
	}
	return v, nil
}

/*
Describes an edit. Only the fields that are set change; everything else is
copied from the current latest version. Parent, author and labels can be set
to nil, so they carry an explicit Change flag.
*/
type Overrides struct {
	ChangeParent bool
	ParentID     *models.MessageID

	ChangeAuthor bool
	AuthorID     *int

	CreationDate *time.Time
	Text         *string

	ChangeLabels bool
	Labels       []string

	Deleted *bool
}

func (o Overrides) IsEmpty() bool {
	return !o.ChangeParent && !o.ChangeAuthor && o.CreationDate == nil && o.Text == nil && !o.ChangeLabels && o.Deleted == nil
}

/*
The basic edit: copies the latest version, applies the overrides, stamps a
fresh version date and appends the result. Version dates strictly increase
per message; if the clock has not moved past the current latest version
the stamp is bumped just past it.
*/
func Amend(ctx context.Context, tx store.Tx, id models.MessageID, o Overrides) (*models.MessageVersion, error) {
	latest, err := mustLatestVersion(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next := latest.Clone()
	if o.ChangeParent {
		next.ParentID = o.ParentID
	}
	if o.ChangeAuthor {
		next.AuthorID = o.AuthorID
	}
	if o.CreationDate != nil {
		next.CreationDate = *o.CreationDate
	}
	if o.Text != nil {
		next.Text = *o.Text
	}
	if o.ChangeLabels {
		next.Labels = o.Labels
	}
	if o.Deleted != nil {
		next.Deleted = *o.Deleted
	}

	versionDate := now(ctx)
	if !versionDate.After(latest.VersionDate) {
		versionDate = latest.VersionDate.Add(time.Microsecond)
	}

	return AddVersion(ctx, tx, id, NewVersion{
		ParentID:     next.ParentID,
		AuthorID:     next.AuthorID,
		CreationDate: next.CreationDate,
		VersionDate:  versionDate,
		Text:         next.Text,
		Labels:       next.Labels,
		Deleted:      next.Deleted,
	})
}

func CurrentParent(ctx context.Context, tx store.Tx, id models.MessageID) (*models.MessageID, error) {
	latest, err := mustLatestVersion(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return latest.ParentID, nil
}

func IsDeleted(ctx context.Context, tx store.Tx, id models.MessageID) (bool, error) {
	latest, err := mustLatestVersion(ctx, tx, id)
	if err != nil {
		return false, err
	}
	return latest.Deleted, nil
}

// Live messages whose latest version has id as parent, oldest first.
func Children(ctx context.Context, tx store.Tx, id models.MessageID) ([]models.MessageID, error) {
	all, err := tx.ChildrenOf(ctx, id)
	if err != nil {
		return nil, oops.New(err, "failed to fetch children of message %s", id)
	}

	result := make([]models.MessageID, 0, len(all))
	for _, childID := range all {
		deleted, err := IsDeleted(ctx, tx, childID)
		if err != nil {
			return nil, err
		}
		if !deleted {
			result = append(result, childID)
		}
	}
	return result, nil
}
