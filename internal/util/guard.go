// SPDX-License-Identifier: MIT

package util

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Guard runs fn and converts a panic into an error.
//
// Scene hooks are user-provided code running inside the daemon's render
// loop; a panic in one scene must not take down the loop or the other
// devices. Every call into scene code (init, render, cleanup) goes
// through Guard so the worst a scene can do is fail its own frame.
//
// Example:
//
//	err := util.Guard("render", logger, func() error {
//	    return scn.Render(ctx, env)
//	})
func Guard(name string, logger *slog.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if logger != nil {
				logger.Error("panic recovered", "in", name, "panic", r, "stack", string(stack))
			}
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

// SafeGo runs fn in a goroutine with panic recovery.
//
// Any panic is logged with a stack trace and optionally reported to
// onPanic; the process keeps running. Intended for long-lived helper
// goroutines that sit outside the supervision tree.
func SafeGo(name string, logger *slog.Logger, fn func(), onPanic func(any, []byte)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if logger != nil {
					logger.Error("panic recovered", "in", name, "panic", r, "stack", string(stack))
				}
				if onPanic != nil {
					onPanic(r, stack)
				}
			}
		}()
		fn()
	}()
}
