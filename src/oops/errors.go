package oops

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

/*
The failure taxonomy shared by every heap keeper operation. Callers match
these with errors.Is; the specific message and stack live in the wrapping
*Error created by New.

	err := oops.New(oops.ErrNotFound, "no heap named %q", name)
	errors.Is(err, oops.ErrNotFound) // true
*/
var (
	// An access-level check failed.
	ErrPermission = errors.New("permission denied")
	// A referenced message, heap, user, label or conversation does not exist.
	ErrNotFound = errors.New("not found")
	// Malformed input to a mutation.
	ErrValidation = errors.New("invalid input")
	// A uniqueness rule would be broken, e.g. a duplicate username.
	ErrIntegrityConflict = errors.New("integrity conflict")
)

// CycleError is returned when following current-parent pointers revisits a
// message. Messages holds the members of the loop, sorted.
type CycleError struct {
	Messages []uuid.UUID
}

func NewCycleError(visited map[uuid.UUID]struct{}) *CycleError {
	ids := make([]uuid.UUID, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return &CycleError{Messages: ids}
}

func (e *CycleError) Error() string {
	strs := make([]string, len(e.Messages))
	for i, id := range e.Messages {
		strs[i] = id.String()
	}
	return fmt.Sprintf("parent cycle detected among messages [%s]", strings.Join(strs, ", "))
}

func (e *CycleError) Contains(id uuid.UUID) bool {
	for _, m := range e.Messages {
		if m == id {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

func IsCycle(err error) bool {
	var cycleErr *CycleError
	return errors.As(err, &cycleErr)
}
