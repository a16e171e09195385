package port

import (
	"bytes"
	"net"
	"os"
	"testing"

	"github.com/pinos-project/pinosclient/model"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := model.Header{Magic: model.HeaderMagic, Length: 42, Flags: model.FlagControl, Seq: 7, FDCount: 2}
	buf := make([]byte, model.HeaderSize)
	encodeHeader(h, buf)

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	buf := make([]byte, model.HeaderSize)
	encodeHeader(model.Header{Magic: 0xDEADBEEF}, buf)
	if _, err := decodeHeader(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := decodeHeader(make([]byte, model.HeaderSize-1)); err == nil {
		t.Fatal("expected error for short header")
	}
}

// newTestPair creates a real AF_UNIX SOCK_STREAM socket pair, reusing the
// production newSocketPair helper so the frame round-trip test exercises
// the same code path GetSocketPair does.
func newTestPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	local, remoteFile, err := newSocketPair()
	if err != nil {
		t.Fatalf("newSocketPair: %v", err)
	}
	conn, err := net.FileConn(remoteFile)
	remoteFile.Close()
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	remote, ok := conn.(*net.UnixConn)
	if !ok {
		t.Fatalf("expected *net.UnixConn, got %T", conn)
	}
	return local, remote
}

func TestSendRecvFrameNoFDs(t *testing.T) {
	local, remote := newTestPair(t)
	defer local.Close()
	defer remote.Close()

	payload := []byte("hello, pinos")
	hdr := model.Header{Magic: model.HeaderMagic, Seq: 3}
	if err := sendFrame(local, hdr, payload, nil); err != nil {
		t.Fatalf("sendFrame: %v", err)
	}

	got, gotPayload, gotFDs, err := recvFrame(remote, make([]byte, defaultStagingBytes))
	if err != nil {
		t.Fatalf("recvFrame: %v", err)
	}
	if got.Seq != 3 || got.Length != uint32(len(payload)) {
		t.Fatalf("unexpected header: %+v", got)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", gotPayload, payload)
	}
	if len(gotFDs) != 0 {
		t.Fatalf("expected no fds, got %v", gotFDs)
	}
}

func TestSendRecvFrameWithFD(t *testing.T) {
	local, remote := newTestPair(t)
	defer local.Close()
	defer remote.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	hdr := model.Header{Magic: model.HeaderMagic, Flags: model.FlagControl}
	if err := sendFrame(local, hdr, []byte("ctl"), []int{int(w.Fd())}); err != nil {
		t.Fatalf("sendFrame: %v", err)
	}

	got, payload, fds, err := recvFrame(remote, make([]byte, defaultStagingBytes))
	if err != nil {
		t.Fatalf("recvFrame: %v", err)
	}
	if !got.IsControl() {
		t.Fatal("expected Control flag set on received header")
	}
	if string(payload) != "ctl" {
		t.Fatalf("unexpected payload: %q", payload)
	}
	if len(fds) != 1 {
		t.Fatalf("expected exactly 1 received fd, got %d", len(fds))
	}
}

func TestRecvFrameOversizePayload(t *testing.T) {
	local, remote := newTestPair(t)
	defer local.Close()
	defer remote.Close()

	big := bytes.Repeat([]byte{0xAB}, defaultStagingBytes+1)
	if err := sendFrame(local, model.Header{Magic: model.HeaderMagic}, big, nil); err != nil {
		t.Fatalf("sendFrame: %v", err)
	}

	_, payload, _, err := recvFrame(remote, make([]byte, defaultStagingBytes))
	if err != nil {
		t.Fatalf("recvFrame: %v", err)
	}
	if !bytes.Equal(payload, big) {
		t.Fatalf("oversize payload mismatch: got %d bytes, want %d", len(payload), len(big))
	}
}

func TestSendFrameTooManyFDs(t *testing.T) {
	local, remote := newTestPair(t)
	defer local.Close()
	defer remote.Close()

	fds := make([]int, MaxFDs+1)
	err := sendFrame(local, model.Header{Magic: model.HeaderMagic}, nil, fds)
	if err == nil {
		t.Fatal("expected error exceeding MaxFDs")
	}
}
