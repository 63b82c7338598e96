// Package kernel provides panic recovery for turn processing.
//
// A panic inside the agent must end as a failed task, not a crashed server.
package kernel

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// PanicError is returned when a recovered function panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}

func recovered(logger Logger, event, operation string, r any) *PanicError {
	stack := string(debug.Stack())
	if logger != nil {
		logger.Error(event,
			"operation", operation,
			"panic", r,
			"stack", stack,
		)
	}
	return &PanicError{Operation: operation, Value: r, Stack: stack}
}

// SafeExecute executes a function with panic recovery.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult executes a function with panic recovery and returns
// both result and error. On panic the zero value is returned.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = recovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs a goroutine with panic recovery.
// If the goroutine panics, the panic is logged and onPanic is called.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				recovered(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
