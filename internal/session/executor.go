package session

import (
	"context"
)

// Continuation is applied on the owning loop after an async call finishes.
type Continuation func()

// Executor runs a blocking call off the owning loop and hands its
// continuation back to the loop. Implementations decide which goroutine the
// continuation runs on; the session only requires that continuations never
// run concurrently with each other or with other session methods.
type Executor interface {
	Go(call func(ctx context.Context) Continuation)
}

// InlineExecutor runs calls and their continuations synchronously on the
// caller's goroutine.
type InlineExecutor struct {
	Ctx context.Context
}

// Go implements Executor.
func (e InlineExecutor) Go(call func(ctx context.Context) Continuation) {
	ctx := e.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if cont := call(ctx); cont != nil {
		cont()
	}
}
