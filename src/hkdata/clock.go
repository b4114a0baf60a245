package hkdata

import (
	"context"
	"time"
)

type clockContextKey struct{}

// Overrides the time source used to stamp versions and labels created under
// ctx. Without one, time.Now is used.
func AttachClockToContext(ctx context.Context, now func() time.Time) context.Context {
	return context.WithValue(ctx, clockContextKey{}, now)
}

func now(ctx context.Context) time.Time {
	if clock, ok := ctx.Value(clockContextKey{}).(func() time.Time); ok {
		return clock()
	}
	return time.Now()
}
