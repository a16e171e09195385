package port

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pinos-project/pinosclient/internal/cos"
	"github.com/pinos-project/pinosclient/model"
)

// MaxFDs bounds the file descriptors any single frame may carry
// (spec.md §4.2's fixed staging area sizing).
const MaxFDs = 16

// defaultStagingBytes is the fast-path payload staging size; payloads
// that don't fit trigger the one-shot oversize reallocation spec.md §4.2
// calls for, rather than growing the staging area permanently.
const defaultStagingBytes = 1024

// wireConn is the subset of *net.UnixConn the transport needs, grounded
// on the rootlesskit SCM_RIGHTS fd-passing idiom (WriteMsgUnix over
// UnixRights for sends). Reads go through SyscallConn/RawConn rather than
// ReadMsgUnix because net.UnixConn's ReadMsgUnix has no flags parameter,
// and spec.md §4.2 requires MSG_CMSG_CLOEXEC on every receive so a passed
// fd can never leak across an exec in the window before the caller
// notices it — the standard way to reach a flag ReadMsgUnix doesn't
// expose is to drop to unix.Recvmsg via the connection's raw fd.
type wireConn interface {
	SyscallConn() (syscall.RawConn, error)
	WriteMsgUnix(b, oob []byte, addr *net.UnixAddr) (n, oobn int, err error)
	Read(b []byte) (int, error)
}

// sendFrame writes hdr + payload + any fds as a single frame. fds travel
// as one SCM_RIGHTS ancillary message attached to the header write, the
// same layout the daemon's C client expects (original_source/pinos/
// client/port.c's pinos_stack_frame).
func sendFrame(conn wireConn, hdr model.Header, payload []byte, fds []int) error {
	if len(fds) > MaxFDs {
		return cos.NewInvalidArgument("frame carries %d fds, max is %d", len(fds), MaxFDs)
	}
	hdr.Length = uint32(len(payload))
	hdr.FDCount = uint32(len(fds))

	buf := make([]byte, model.HeaderSize+len(payload))
	encodeHeader(hdr, buf[:model.HeaderSize])
	copy(buf[model.HeaderSize:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	return retryEINTR(func() error {
		_, _, err := conn.WriteMsgUnix(buf, oob, nil)
		return err
	})
}

// recvFrame reads exactly one frame: its header, payload, and any passed
// fds. payloadBuf is reused when the incoming payload fits within
// defaultStagingBytes; otherwise a fresh, exactly-sized buffer is
// allocated for this call only (the one-shot oversize path).
func recvFrame(conn wireConn, payloadBuf []byte) (model.Header, []byte, []int, error) {
	hdrBuf := make([]byte, model.HeaderSize)
	oobBuf := make([]byte, unix.CmsgSpace(4*MaxFDs))

	n, oobn, err := recvmsgCloexec(conn, hdrBuf, oobBuf)
	if err != nil {
		return model.Header{}, nil, nil, cos.NewConnectionClosed("read frame header", err)
	}
	if n < model.HeaderSize {
		return model.Header{}, nil, nil, cos.NewProtocolError("short header read: %d bytes", n)
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return model.Header{}, nil, nil, err
	}

	fds, err := parseFDs(oobBuf[:oobn])
	if err != nil {
		return model.Header{}, nil, nil, err
	}
	if uint32(len(fds)) != hdr.FDCount {
		return model.Header{}, nil, nil, cos.NewProtocolError(
			"header claims %d fds, ancillary data carried %d", hdr.FDCount, len(fds))
	}

	payload := payloadBuf
	if cap(payload) < int(hdr.Length) {
		payload = make([]byte, hdr.Length)
	} else {
		payload = payload[:hdr.Length]
	}
	if hdr.Length > 0 {
		if _, err := readFull(conn, payload); err != nil {
			return model.Header{}, nil, nil, cos.NewConnectionClosed("read frame payload", err)
		}
	}
	return hdr, payload, fds, nil
}

// recvmsgCloexec performs one unix.Recvmsg over conn's raw fd with
// MSG_CMSG_CLOEXEC set, so any fd arriving via SCM_RIGHTS is created
// close-on-exec by the kernel itself rather than racing a userspace
// fcntl(F_SETFD) against a concurrent fork+exec elsewhere in the process
// (spec.md §4.2). EINTR is retried inline since the fd is already known
// ready; EAGAIN returns false so RawConn.Read waits for the next
// readability notification instead of busy-looping.
func recvmsgCloexec(conn wireConn, b, oob []byte) (n, oobn int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var recvErr error
	ctlErr := raw.Read(func(fd uintptr) bool {
		for {
			rn, roobn, _, _, e := unix.Recvmsg(int(fd), b, oob, unix.MSG_CMSG_CLOEXEC)
			if e == syscall.EINTR {
				continue
			}
			if e == syscall.EAGAIN {
				return false
			}
			n, oobn, recvErr = rn, roobn, e
			return true
		}
	})
	if ctlErr != nil {
		return 0, 0, ctlErr
	}
	return n, oobn, recvErr
}

// readFull completes a payload read: SOCK_STREAM gives no message
// boundaries, so the single recvmsg of the header is not guaranteed to
// also deliver the whole payload in one syscall.
func readFull(conn wireConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, cos.NewProtocolError("parse ancillary data: %v", err)
	}
	var fds []int
	for _, scm := range scms {
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, cos.NewProtocolError("parse SCM_RIGHTS: %v", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// retryEINTR retries fn when it fails with EINTR, the one low-level
// syscall condition that is never a genuine transport failure.
func retryEINTR(fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return err
	}
}
