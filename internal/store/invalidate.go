package store

import (
	"context"
)

type Invalidator interface {
	Invalidate(context.Context, []string) error
}

// NopInvalidator is used when nothing sits in front of the uploaded files.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(context.Context, []string) error { return nil }
