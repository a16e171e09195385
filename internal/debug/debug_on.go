//go:build debug

package debug

import "fmt"

func ON() bool { return true }

func Assert(cond bool, args ...any) {
	if cond {
		return
	}
	msg := "assertion failed"
	if len(args) > 0 {
		msg = fmt.Sprint(args...)
	}
	panic(msg)
}

func Assertf(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(fmt.Sprintf(format, args...))
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

func AssertFunc(fn func() bool, args ...any) {
	Assert(fn(), args...)
}

func Func(fn func()) { fn() }
