// Package nlog is a small, unbuffered, leveled logger used throughout this
// module instead of raw fmt/stdlib log, in the style of the teacher
// corpus's own hand-rolled logger (no external logging library appears
// anywhere in the retrieved example pack, so this one has no 3rd-party
// dependency to wire).
package nlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

func (s severity) tag() byte {
	switch s {
	case sevWarn:
		return 'W'
	case sevErr:
		return 'E'
	default:
		return 'I'
	}
}

var (
	mu  sync.Mutex
	out = os.Stderr
)

// SetOutput redirects log output; primarily for tests.
func SetOutput(f *os.File) {
	mu.Lock()
	out = f
	mu.Unlock()
}

func log(sev severity, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	mu.Lock()
	fmt.Fprintf(out, "%c %s %s\n", sev.tag(), time.Now().UTC().Format("15:04:05.000000"), line)
	mu.Unlock()
}

func Infof(format string, args ...any)    { log(sevInfo, format, args...) }
func Infoln(args ...any)                  { log(sevInfo, "%s", fmt.Sprint(args...)) }
func Warningf(format string, args ...any) { log(sevWarn, format, args...) }
func Warningln(args ...any)               { log(sevWarn, "%s", fmt.Sprint(args...)) }
func Errorf(format string, args ...any)   { log(sevErr, format, args...) }
func Errorln(args ...any)                 { log(sevErr, "%s", fmt.Sprint(args...)) }
