package log

import "runtime/debug"

// SafeGo runs fn on a new goroutine with panic recovery. A recovered panic
// is logged with the goroutine's name and a stack trace instead of crashing
// the process. Long-lived background loops (reapers, event pumps, monitors)
// must be started through SafeGo.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatServer, "goroutine panicked",
					"goroutine", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
