package component

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineID extracts the calling goroutine's numeric ID by parsing
// the header line of runtime.Stack's output ("goroutine 123 [running]:").
// It exists solely to let Disable and RemoveServiceDependency distinguish a
// genuinely reentrant call — made by this very goroutine from inside one of
// its own lifecycle callbacks — from an ordinary concurrent call made by a
// different goroutine, which must simply block rather than error.
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
