package common

import "fmt"

// Assert checks an internal invariant and panics if it is false. Use for
// "impossible" conditions only; user input and I/O failures return errors.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// Align8 rounds the given integer up to the nearest multiple of 8.
func Align8(n int) int {
	return (n + 7) &^ 7
}
