package oops

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

var SampleErrorValue = errors.New("some error occurred that you should handle")

type SampleErrorType struct {
	Message string
}

func (s SampleErrorType) Error() string {
	return s.Message
}

func init() {
	zerolog.ErrorStackMarshaler = ZerologStackMarshaler
}

func TestNew(t *testing.T) {
	t.Run("errors.Is", func(t *testing.T) {
		err := New(SampleErrorValue, "test error")
		if !errors.Is(err, SampleErrorValue) {
			t.Fatal("error did not appear to wrap the sample value")
		}
	})
	t.Run("errors.As", func(t *testing.T) {
		err := New(SampleErrorType{Message: "some fancy error type has occurred"}, "test error")
		var sErr SampleErrorType
		if !errors.As(err, &sErr) {
			t.Fatal("error did not appear to wrap the sample error type")
		}
	})
	t.Run("no wrapped error", func(t *testing.T) {
		err := New(nil, "plain %s", "message")
		assert.Equal(t, "plain message", err.Error())
	})
	t.Run("captures stack", func(t *testing.T) {
		err := New(nil, "with stack")
		var oopsErr *Error
		if assert.True(t, errors.As(err, &oopsErr)) {
			assert.NotEmpty(t, oopsErr.Stack)
			assert.Contains(t, oopsErr.Stack[0].Function, "TestNew")
		}
	})
}

func TestTaxonomy(t *testing.T) {
	assert.True(t, IsNotFound(New(ErrNotFound, "missing heap %d", 4)))
	assert.True(t, IsPermission(New(ErrPermission, "no send right")))
	assert.False(t, IsPermission(New(ErrValidation, "bad subject")))

	a, b := uuid.New(), uuid.New()
	cycle := NewCycleError(map[uuid.UUID]struct{}{a: {}, b: {}})
	wrapped := New(cycle, "resolving root")
	assert.True(t, IsCycle(wrapped))
	assert.True(t, cycle.Contains(a))
	assert.True(t, cycle.Contains(b))
	assert.False(t, cycle.Contains(uuid.New()))
	assert.Len(t, cycle.Messages, 2)
}
