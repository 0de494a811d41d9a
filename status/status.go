// ════════════════════════════════════════════════════════════════════════════════════════════════
// Kernel Status Codes
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Real-Time Kernel Core
// Component: Error Taxonomy & Fatal Path
//
// Description:
//   Every core operation reports its outcome as a status code. Codes are error values so callers
//   can compare with errors.Is and wrap them with context. Only broken internal invariants leave
//   this path: they go through Fatal, which must not return.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package status

import (
	"errors"
	"fmt"
	"sync/atomic"

	"rtcore/debug"
)

// Code is a kernel status. The zero value is Successful and is never returned as an error.
type Code uint8

const (
	Successful Code = iota
	Timeout
	InvalidID
	InvalidName
	TooMany
	InvalidPriority
	InvalidNumber
	Unsatisfied
	ResourceInUse
	NotOwner
	IncorrectState
	Deadlock
	NotDefined
	InvalidAddress
	ObjectWasDeleted
)

var names = [...]string{
	Successful:       "successful",
	Timeout:          "timeout",
	InvalidID:        "invalid id",
	InvalidName:      "invalid name",
	TooMany:          "too many",
	InvalidPriority:  "invalid priority",
	InvalidNumber:    "invalid number",
	Unsatisfied:      "unsatisfied",
	ResourceInUse:    "resource in use",
	NotOwner:         "not owner of resource",
	IncorrectState:   "incorrect state",
	Deadlock:         "deadlock",
	NotDefined:       "not defined",
	InvalidAddress:   "invalid address",
	ObjectWasDeleted: "object was deleted",
}

// Error implements error.
func (c Code) Error() string {
	if int(c) < len(names) {
		return "rtcore: " + names[c]
	}
	return fmt.Sprintf("rtcore: status %d", uint8(c))
}

// String returns the bare status name.
func (c Code) String() string {
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("status(%d)", uint8(c))
}

// Of converts an error returned by the core back to its status code.
// nil maps to Successful; foreign errors map to NotDefined.
func Of(err error) Code {
	if err == nil {
		return Successful
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return NotDefined
}

// Err returns nil for Successful and the code itself otherwise.
//
//go:inline
func (c Code) Err() error {
	if c == Successful {
		return nil
	}
	return c
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// FATAL PATH
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Source identifies the subsystem that detected a broken invariant.
type Source uint8

const (
	SourceObjects Source = iota + 1
	SourceThreadQueue
	SourceScheduler
	SourceWatchdog
	SourceThread
	SourceKernel
)

var sourceNames = [...]string{
	SourceObjects:     "objects",
	SourceThreadQueue: "thread queue",
	SourceScheduler:   "scheduler",
	SourceWatchdog:    "watchdog",
	SourceThread:      "thread",
	SourceKernel:      "kernel",
}

func (s Source) String() string {
	if int(s) < len(sourceNames) && sourceNames[s] != "" {
		return sourceNames[s]
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// FatalError describes an internal consistency violation.
type FatalError struct {
	Source Source
	Detail string
}

func (e *FatalError) Error() string {
	return "rtcore: fatal error in " + e.Source.String() + ": " + e.Detail
}

// Handler is invoked on the fatal path. It must not return normally.
type Handler func(*FatalError)

var handler atomic.Pointer[Handler]

// SetFatalHandler installs h and returns the previous handler.
// A nil handler restores the default, which panics with the *FatalError.
func SetFatalHandler(h Handler) Handler {
	var old *Handler
	if h == nil {
		old = handler.Swap(nil)
	} else {
		old = handler.Swap(&h)
	}
	if old == nil {
		return nil
	}
	return *old
}

// Fatal terminates on an internal consistency violation.
func Fatal(src Source, format string, args ...any) {
	fe := &FatalError{Source: src, Detail: fmt.Sprintf(format, args...)}
	debug.Logger("fatal").Critical(fe.Error())
	if h := handler.Load(); h != nil {
		(*h)(fe)
	}
	panic(fe)
}

// Assert calls Fatal when cond does not hold.
func Assert(cond bool, src Source, what string) {
	if !cond {
		Fatal(src, "assertion failed: %s", what)
	}
}
