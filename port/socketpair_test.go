package port

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/pinos-project/pinosclient/formatalgebra"
	"github.com/pinos-project/pinosclient/model"
	"github.com/pinos-project/pinosclient/reactor"
)

// TestSocketPairFrameRoundTripThroughPort exercises spec.md §8 scenario 4
// end to end: a real GetSocketPair fd pair, a Control frame with 2 fds
// written from the "daemon" side, and the reactor-driven read path that
// decodes it back into a Port's format and received-buffer callback. It
// additionally asserts PeekBuffer is populated only for the duration of
// that callback, per spec.md §4.2.
func TestSocketPairFrameRoundTripThroughPort(t *testing.T) {
	react := reactor.New()
	defer func() {
		react.Stop()
		react.Wait()
	}()

	algo := formatalgebra.Mime{}
	p := New(react, NopOwner{}, algo, nil, "out", model.DirectionOutput, 0)

	remoteFile, err := p.GetSocketPair()
	if err != nil {
		t.Fatalf("GetSocketPair: %v", err)
	}
	defer remoteFile.Close()

	conn, err := net.FileConn(remoteFile)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	remote, ok := conn.(*net.UnixConn)
	if !ok {
		t.Fatalf("expected *net.UnixConn, got %T", conn)
	}
	defer remote.Close()

	r1, w1, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r1.Close()
	defer w1.Close()
	r2, w2, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r2.Close()
	defer w2.Close()

	var (
		peekedDuringCallback *model.Buffer
		refcountDuringCall   int32
		fdCountDuringCall    int
	)
	done := make(chan struct{})
	p.SetReceivedBufferFunc(func(pp *Port, buf *model.Buffer) {
		peekedDuringCallback = pp.PeekBuffer()
		refcountDuringCall = buf.Refcount()
		fdCountDuringCall = len(buf.FDs)
		close(done)
	})

	payload := model.EncodeFormatChange(model.FormatChange{ID: 0, Format: "audio/raw"})
	hdr := model.Header{Magic: model.HeaderMagic, Flags: model.FlagControl}
	if err := sendFrame(remote, hdr, payload, []int{int(w1.Fd()), int(w2.Fd())}); err != nil {
		t.Fatalf("sendFrame: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the reactor to deliver the frame")
	}

	if peekedDuringCallback == nil {
		t.Fatal("expected PeekBuffer to return the in-flight buffer during the callback")
	}
	if fdCountDuringCall != 2 {
		t.Fatalf("expected 2 fds on the delivered buffer, got %d", fdCountDuringCall)
	}
	if refcountDuringCall != 1 {
		t.Fatalf("expected refcount 1 during the callback, got %d", refcountDuringCall)
	}
	if got := algo.String(p.Format()); got != "audio/raw" {
		t.Fatalf("expected format %q, got %q", "audio/raw", got)
	}
	if p.PeekBuffer() != nil {
		t.Fatal("expected PeekBuffer to be nil once the callback has returned")
	}
}
