package models

import (
	"time"

	"github.com/google/uuid"
)

type MessageID = uuid.UUID

// A Message is a stable post identity. Its content lives entirely in its
// versions; the message row only changes when the message is deleted.
type Message struct {
	ID        MessageID `db:"id"`
	MailID    *string   `db:"mail_id"` // Message-ID header, for mail threading
	CreatedAt time.Time `db:"created_at"`

	// The heap the message was in when it was deleted. A deleted root loses
	// its conversation, so this is what access checks go by afterwards.
	DeletedFrom *int `db:"deleted_from_heap_id"`
}

// An immutable snapshot of a message. Edits append a new version; nothing
// ever updates a version in place.
type MessageVersion struct {
	ID        int       `db:"id"`
	MessageID MessageID `db:"message_id"`

	ParentID *MessageID `db:"parent_id"` // nil means conversation root
	AuthorID *int       `db:"author_id"` // nil means anonymous

	CreationDate time.Time `db:"creation_date"` // preserved across edits
	VersionDate  time.Time `db:"version_date"`

	Text    string `db:"text"`
	Deleted bool   `db:"deleted"`

	// Non-db field, filled in by the store from the version label table.
	Labels []string `db:"-"`
}

/*
Reports whether a should be considered newer than b. The greatest version date
wins; equal dates fall back to insertion order, so the version stored later
(higher ID) wins. Every store uses this to pick the latest version.
*/
func IsNewerVersion(a, b *MessageVersion) bool {
	if a.VersionDate.Equal(b.VersionDate) {
		return a.ID > b.ID
	}
	return a.VersionDate.After(b.VersionDate)
}

func LatestOf(versions []*MessageVersion) *MessageVersion {
	var latest *MessageVersion
	for _, v := range versions {
		if latest == nil || IsNewerVersion(v, latest) {
			latest = v
		}
	}
	return latest
}

func (v *MessageVersion) HasParent() bool {
	return v.ParentID != nil
}

// Clone returns a deep copy, used as the starting point of an amendment.
func (v *MessageVersion) Clone() *MessageVersion {
	clone := *v
	if v.ParentID != nil {
		parent := *v.ParentID
		clone.ParentID = &parent
	}
	if v.AuthorID != nil {
		author := *v.AuthorID
		clone.AuthorID = &author
	}
	clone.Labels = append([]string(nil), v.Labels...)
	return &clone
}
