// Package permission models the microphone capability voice features depend on.
package permission

import (
	"context"
	"errors"
)

// ErrDenied is returned when microphone access is not granted.
var ErrDenied = errors.New("microphone permission denied")

// Checker reports whether microphone capture may start.
type Checker interface {
	CheckMicrophone(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckMicrophone(ctx context.Context) error { return f(ctx) }

// Allow grants access. Server deployments receive audio from the transport
// itself, so there is no local device to ask.
var Allow Checker = CheckerFunc(func(ctx context.Context) error { return ctx.Err() })

// Deny always refuses with ErrDenied.
var Deny Checker = CheckerFunc(func(context.Context) error { return ErrDenied })
