// Package port implements the Port transport and graph: framed
// send/receive over AF_UNIX SOCK_STREAM sockets with SCM_RIGHTS
// fd-passing (spec.md §4.2), and the peer-linking graph with fan-out
// (spec.md §4.2's link/unlink/send_buffer operations).
package port

import (
	"encoding/binary"

	"github.com/pinos-project/pinosclient/internal/cos"
	"github.com/pinos-project/pinosclient/model"
)

// encodeHeader and decodeHeader are the one deliberately stdlib-only
// codec in this module: model.Header must byte-match a fixed-layout
// struct shared with a non-Go peer over the wire, so there is no
// grammar, schema, or negotiation for a third-party serialization
// library to add value to — encoding/binary's fixed-width BigEndian
// codec is the correct tool, not a workaround (see DESIGN.md).
var byteOrder = binary.BigEndian

// encodeHeader writes h's 24-byte wire representation into buf, which
// must be at least model.HeaderSize bytes.
func encodeHeader(h model.Header, buf []byte) {
	byteOrder.PutUint32(buf[0:4], h.Magic)
	byteOrder.PutUint32(buf[4:8], h.Length)
	byteOrder.PutUint32(buf[8:12], uint32(h.Flags))
	byteOrder.PutUint32(buf[12:16], h.Seq)
	byteOrder.PutUint32(buf[16:20], h.FDCount)
	byteOrder.PutUint32(buf[20:24], 0)
}

// decodeHeader parses a model.HeaderSize-byte buffer into a Header,
// rejecting a bad magic as a ProtocolError rather than panicking — a
// malformed frame is an expected failure mode of a foreign peer, not a
// programmer error.
func decodeHeader(buf []byte) (model.Header, error) {
	if len(buf) < model.HeaderSize {
		return model.Header{}, cos.NewProtocolError("short frame header: %d bytes", len(buf))
	}
	h := model.Header{
		Magic:   byteOrder.Uint32(buf[0:4]),
		Length:  byteOrder.Uint32(buf[4:8]),
		Flags:   model.Flags(byteOrder.Uint32(buf[8:12])),
		Seq:     byteOrder.Uint32(buf[12:16]),
		FDCount: byteOrder.Uint32(buf[16:20]),
	}
	if h.Magic != model.HeaderMagic {
		return model.Header{}, cos.NewProtocolError("bad frame magic %#x", h.Magic)
	}
	return h, nil
}
