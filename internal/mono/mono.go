// Package mono provides monotonic timestamps for log correlation and
// backoff/idle-tick accounting, in the style of the teacher's cmn/mono.
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonic nanosecond counter relative to process
// start. It is never wall-clock and never goes backwards.
func NanoTime() int64 { return int64(time.Since(start)) }

// Since returns the elapsed duration since a NanoTime reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
