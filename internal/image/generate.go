package image

import (
	"context"
	"fmt"
)

type Params struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Seed   int    `json:"seed"`
}

type Generator interface {
	Generate(context.Context, Params) ([]byte, error)
}

type ModelLister interface {
	Models(context.Context) ([]string, error)
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}
