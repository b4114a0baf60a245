package models

import "fmt"

type HeapVisibility int

const (
	HeapVisibilityPublic     HeapVisibility = 0
	HeapVisibilitySemipublic HeapVisibility = 1
	HeapVisibilityPrivate    HeapVisibility = 2
)

func (v HeapVisibility) String() string {
	switch v {
	case HeapVisibilityPublic:
		return "public"
	case HeapVisibilitySemipublic:
		return "semipublic"
	case HeapVisibilityPrivate:
		return "private"
	}
	return fmt.Sprintf("HeapVisibility(%d)", int(v))
}

func ParseHeapVisibility(s string) (HeapVisibility, bool) {
	for _, v := range []HeapVisibility{HeapVisibilityPublic, HeapVisibilitySemipublic, HeapVisibilityPrivate} {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}

// The access level anyone gets on a heap of this visibility, logged in or not.
func (v HeapVisibility) Baseline() Right {
	switch v {
	case HeapVisibilityPublic:
		return RightSend
	case HeapVisibilitySemipublic:
		return RightRead
	}
	return RightNone
}

type Heap struct {
	ID         int            `db:"id"`
	ShortName  string         `db:"short_name"` // local part of the heap's mail address
	LongName   string         `db:"long_name"`
	Visibility HeapVisibility `db:"visibility"`
}

type Right int

const (
	RightNone      Right = -1
	RightRead      Right = 0
	RightSend      Right = 1
	RightAlter     Right = 2
	RightHeapAdmin Right = 3
)

func (r Right) String() string {
	switch r {
	case RightNone:
		return "none"
	case RightRead:
		return "read"
	case RightSend:
		return "send"
	case RightAlter:
		return "alter"
	case RightHeapAdmin:
		return "heapadmin"
	}
	return fmt.Sprintf("Right(%d)", int(r))
}

func ParseRight(s string) (Right, bool) {
	for r := RightRead; r <= RightHeapAdmin; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return RightNone, false
}

// Whether r can be stored as an explicit grant.
func (r Right) Grantable() bool {
	return r >= RightRead && r <= RightHeapAdmin
}

type UserRight struct {
	ID     int   `db:"id"`
	UserID int   `db:"user_id"`
	HeapID int   `db:"heap_id"`
	Right  Right `db:"right_level"`
}
