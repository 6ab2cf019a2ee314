package util

import (
	"fmt"
	"runtime"
	"strings"
)

// GetTrace produces the string representation of a stack trace
func GetTrace() string {
	var name, file string
	var line int
	var pc [16]uintptr
	var res strings.Builder
	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			fmt.Fprintf(&res, "%s\n\t%s:%d\n", name, file, line)
		}
	}
	return res.String()
}

// SafeRun invokes fn, recovering panics into errors carrying a stack
// trace. Compute kernels are opaque and may panic; a panicking kernel
// must fail its task, not the whole process.
func SafeRun(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if anErr, ok := r.(error); ok {
				err = fmt.Errorf("panic in %s: %w\n%s", name, anErr, GetTrace())
			} else {
				err = fmt.Errorf("panic in %s: %v\n%s", name, r, GetTrace())
			}
		}
	}()
	return fn()
}
