//go:build !release

// Package dbg provides the debug-assertion helper shared by the owner-
// context state machines (packetpass, fairq, decoder). Precondition
// violations are programming errors, not recoverable faults; this file
// is swapped out for a no-op under the "release" build tag.
package dbg

import "fmt"

// Assert panics if cond is false. Only ever used for invariants that
// indicate a caller bug (e.g. Send() while already in-flight), never for
// runtime data faults.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}
