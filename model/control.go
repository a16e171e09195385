package model

import (
	"encoding/binary"

	"github.com/pinos-project/pinosclient/internal/cos"
)

// Control-buffer payloads are a sequence of TLV records:
//
//	u32 type
//	u32 length
//	[]byte body (length bytes)
//
// The one record type the core parses is FormatChange; any other type is
// passed through unread during fan-out (spec.md §4.2/§6).
const (
	ControlFormatChange uint32 = 1
)

const tlvHeaderSize = 8

// ControlRecord is one decoded TLV entry from a Control buffer's payload.
type ControlRecord struct {
	Type uint32
	Body []byte
}

// ParseControlRecords splits a Control buffer's payload into its TLV
// records. A truncated trailing record is a ProtocolError.
func ParseControlRecords(payload []byte) ([]ControlRecord, error) {
	var recs []ControlRecord
	off := 0
	for off < len(payload) {
		if off+tlvHeaderSize > len(payload) {
			return nil, cos.NewProtocolError("truncated control record header at offset %d", off)
		}
		typ := binary.BigEndian.Uint32(payload[off:])
		length := binary.BigEndian.Uint32(payload[off+4:])
		off += tlvHeaderSize
		if off+int(length) > len(payload) {
			return nil, cos.NewProtocolError("truncated control record body at offset %d", off)
		}
		recs = append(recs, ControlRecord{Type: typ, Body: payload[off : off+int(length)]})
		off += int(length)
	}
	return recs, nil
}

// EncodeControlRecord serializes a single TLV record.
func EncodeControlRecord(typ uint32, body []byte) []byte {
	buf := make([]byte, tlvHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, typ)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(body)))
	copy(buf[tlvHeaderSize:], body)
	return buf
}

// FormatChange is the one control packet the core understands: it
// replaces a port's current format (spec.md §4.2/§6).
type FormatChange struct {
	ID     uint32
	Format string
}

// DecodeFormatChange parses a FormatChange record body: u32 id followed
// by a NUL-terminated UTF-8 format string.
func DecodeFormatChange(body []byte) (FormatChange, error) {
	if len(body) < 5 {
		return FormatChange{}, cos.NewProtocolError("FormatChange body too short (%d bytes)", len(body))
	}
	id := binary.BigEndian.Uint32(body)
	rest := body[4:]
	nul := -1
	for i, c := range rest {
		if c == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return FormatChange{}, cos.NewProtocolError("FormatChange format string not NUL-terminated")
	}
	return FormatChange{ID: id, Format: string(rest[:nul])}, nil
}

// EncodeFormatChange serializes a FormatChange as a full TLV control
// record, ready to embed in a Control buffer's payload.
func EncodeFormatChange(fc FormatChange) []byte {
	body := make([]byte, 4+len(fc.Format)+1)
	binary.BigEndian.PutUint32(body, fc.ID)
	copy(body[4:], fc.Format)
	// trailing byte is already zero (NUL terminator)
	return EncodeControlRecord(ControlFormatChange, body)
}
