// Package model holds the data shared between the port-transport and
// port-graph layers and the Context layer: framed Buffers, ordered
// Properties, and the small observer/event plumbing both layers use.
package model

import (
	"sync/atomic"

	"github.com/pinos-project/pinosclient/internal/cos"
	"github.com/pinos-project/pinosclient/internal/debug"
)

// Flags are the per-buffer header flags (spec.md §3/§6).
type Flags uint32

const (
	// FlagControl marks a buffer whose payload is a sequence of TLV
	// control records (see control.go) rather than raw media.
	FlagControl Flags = 1 << iota
)

// HeaderMagic is the fixed wire-protocol magic every frame header begins
// with; mismatches are a ProtocolError (short/garbled frame), not a panic.
const HeaderMagic uint32 = 0x50_49_4E_4F // "PINO"

// Header is the fixed-size frame header shared verbatim with the daemon
// (spec.md §4.2/§6): 24 bytes, decoded with encoding/binary onto this
// struct by the transport layer (see port/frame.go).
type Header struct {
	Magic   uint32
	Length  uint32 // payload length in bytes
	Flags   Flags
	Seq     uint32 // best-effort sequence number, logged only
	FDCount uint32
	_       uint32 // reserved, must be zero on the wire
}

func (h Header) IsControl() bool { return h.Flags&FlagControl != 0 }

// HeaderSize is the wire size of Header in bytes.
const HeaderSize = 24

// Buffer is a framed message: a header, its payload, and up to
// port.MaxFDs passed file descriptors (spec.md §3).
//
// refcount starts at 1 once a Buffer is produced by a read from a socket
// or constructed for sending; Ref/Unref adjust it. At zero, any fds not
// transferred onward are closed and any oversize payload backing array is
// released.
type Buffer struct {
	Hdr     Header
	Payload []byte
	FDs     []int

	refcount int32
	// tag identifies the buffer in the refcount-underflow assertion
	// message; it is constant unless a caller sets it with Retag.
	tag uint64

	onZero func(*Buffer) // invoked exactly once when refcount hits zero
}

// New constructs a Buffer with refcount 1.
func New(hdr Header, payload []byte, fds []int, onZero func(*Buffer)) *Buffer {
	return &Buffer{
		Hdr:      hdr,
		Payload:  payload,
		FDs:      fds,
		refcount: 1,
		tag:      cos.HashKey(""), // stable zero-value tag; see Retag
		onZero:   onZero,
	}
}

// Retag assigns a fresh debug tag derived from a caller-supplied
// discriminator (typically a monotonic generation counter from the
// owning staging area). It takes effect in every build; only the
// assertion that reports the tag is debug-only.
func (b *Buffer) Retag(gen uint64) { b.tag = gen }

// Tag returns the current debug tag.
func (b *Buffer) Tag() uint64 { return b.tag }

// Refcount returns the current reference count.
func (b *Buffer) Refcount() int32 { return atomic.LoadInt32(&b.refcount) }

// Ref increments the reference count, e.g. when a buffer is fanned out to
// more than one peer and each peer's completion must be tracked
// independently.
func (b *Buffer) Ref() {
	atomic.AddInt32(&b.refcount, 1)
}

// Unref decrements the reference count; at zero it closes any owned fds
// (unless Detach was called for each) and invokes onZero.
func (b *Buffer) Unref() {
	n := atomic.AddInt32(&b.refcount, -1)
	debug.Assertf(n >= 0, "buffer refcount underflow (tag=%d)", b.tag)
	if n == 0 {
		b.closeFDs()
		if b.onZero != nil {
			b.onZero(b)
		}
	}
}

func (b *Buffer) closeFDs() {
	for _, fd := range b.FDs {
		if fd >= 0 {
			closeFD(fd)
		}
	}
}

// Detach removes and returns the buffer's fds without closing them,
// transferring ownership to the caller (e.g. a peer's send_buffer that
// forwards the fds onward instead of consuming them).
func (b *Buffer) Detach() []int {
	fds := b.FDs
	b.FDs = nil
	return fds
}
