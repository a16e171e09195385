package port

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// newSocketPair creates an AF_UNIX SOCK_STREAM socket pair (spec.md
// §4.2's socketpair(2) requirement): local is wrapped as a *net.UnixConn
// for our own reactor-driven reader/writer, remote is handed back as a
// bare *os.File for the caller to pass along (typically via SCM_RIGHTS on
// the bus RPC that hands the other end to the daemon).
func newSocketPair() (local *net.UnixConn, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	lf := os.NewFile(uintptr(fds[0]), "pinos-port-local")
	rf := os.NewFile(uintptr(fds[1]), "pinos-port-remote")

	conn, err := net.FileConn(lf)
	lf.Close()
	if err != nil {
		rf.Close()
		return nil, nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		rf.Close()
		return nil, nil, unix.EINVAL
	}
	return uc, rf, nil
}
