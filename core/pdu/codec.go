package pdu

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/cfdp/core/checksum"
	"github.com/vadiminshakov/cfdp/core/segments"
)

var (
	// ErrMalformedHeader is returned when the fixed header or its declared lengths do not fit the buffer.
	ErrMalformedHeader = errors.New("malformed pdu header")
	// ErrMalformedBody is returned when a directive's parameters are truncated or inconsistent.
	ErrMalformedBody = errors.New("malformed pdu body")
	// ErrUnknownDirectiveCode is returned for directive codes outside the known set.
	ErrUnknownDirectiveCode = errors.New("unknown directive code")
	// ErrChecksumMismatch is returned when the CRC trailer does not match the body.
	ErrChecksumMismatch = errors.New("pdu crc mismatch")
	// ErrValueTooWide is returned by Encode when a field does not fit its declared width.
	ErrValueTooWide = errors.New("value does not fit field width")
)

const (
	flagDirective     = 1 << 7
	flagTowardsSender = 1 << 6
	flagAcknowledged  = 1 << 5
	flagCRC           = 1 << 4
	flagLargeFile     = 1 << 3

	fixedHeaderLen = 5
	crcLen         = 2

	tlvFaultLocation = 0x06
)

// Codec encodes and decodes PDUs. It holds only configuration and is safe
// for concurrent use.
type Codec struct {
	entityIDLength int
	seqNumLength   int
	crc            bool
}

// NewCodec creates a codec writing entity ids and sequence numbers with the given widths in bytes.
func NewCodec(entityIDLength, seqNumLength int, withCRC bool) (*Codec, error) {
	if entityIDLength < 1 || entityIDLength > 8 {
		return nil, errors.Errorf("entity id length %d out of range 1..8", entityIDLength)
	}
	if seqNumLength < 1 || seqNumLength > 8 {
		return nil, errors.Errorf("sequence number length %d out of range 1..8", seqNumLength)
	}

	return &Codec{entityIDLength: entityIDLength, seqNumLength: seqNumLength, crc: withCRC}, nil
}

// HeaderLen returns the number of bytes preceding the data field.
func (c *Codec) HeaderLen() int {
	return fixedHeaderLen + 2*c.entityIDLength + c.seqNumLength
}

// Overhead returns the bytes added around a body: header and CRC trailer.
func (c *Codec) Overhead() int {
	if c.crc {
		return c.HeaderLen() + crcLen
	}
	return c.HeaderLen()
}

// offsetLen is the width of a file offset, which doubles under the large file flag.
func offsetLen(large bool) int {
	if large {
		return 8
	}
	return 4
}

// MaxSegmentSize returns the largest FileData payload fitting maxPduSize.
func (c *Codec) MaxSegmentSize(maxPduSize int, large bool) int {
	return maxPduSize - c.Overhead() - offsetLen(large)
}

// MaxNakSegments returns how many (start, end) pairs fit into one NAK of maxPduSize.
func (c *Codec) MaxNakSegments(maxPduSize int, large bool) int {
	w := offsetLen(large)
	n := (maxPduSize - c.Overhead() - 1 - 2*w) / (2 * w)
	if n < 1 {
		return 1
	}
	return n
}

// Encode serializes p for the transaction id. The towards-sender flag is
// set when the local entity is the receiver of the file.
func (c *Codec) Encode(p Pdu, id TransactionID) ([]byte, error) {
	large := needsLargeFile(p)
	body, err := encodeBody(p, large, c.entityIDLength)
	if err != nil {
		return nil, err
	}

	fieldLen := len(body)
	if c.crc {
		fieldLen += crcLen
	}
	if fieldLen > math.MaxUint16 {
		return nil, errors.Wrapf(ErrValueTooWide, "data field of %d bytes", fieldLen)
	}

	w := &writer{buf: make([]byte, 0, c.HeaderLen()+fieldLen)}

	var flags byte = flagAcknowledged
	if p.Directive() != 0 {
		flags |= flagDirective
	}
	if id.Direction == Download {
		flags |= flagTowardsSender
	}
	if c.crc {
		flags |= flagCRC
	}
	if large {
		flags |= flagLargeFile
	}
	w.u8(flags)
	w.u8(byte(c.entityIDLength))
	w.u8(byte(c.seqNumLength))
	w.uintN(uint64(fieldLen), 2)

	for _, v := range []struct {
		name  string
		value uint64
		width int
	}{
		{"source entity", uint64(id.Source), c.entityIDLength},
		{"destination entity", uint64(id.Destination), c.entityIDLength},
		{"sequence number", id.Sequence, c.seqNumLength},
	} {
		if !fits(v.value, v.width) {
			return nil, errors.Wrapf(ErrValueTooWide, "%s %d in %d bytes", v.name, v.value, v.width)
		}
		w.uintN(v.value, v.width)
	}

	w.raw(body)
	if c.crc {
		w.uintN(uint64(crc16(body)), crcLen)
	}

	return w.buf, nil
}

// Decode parses one PDU. The returned id is seen from the entity reading it:
// a PDU travelling towards the sender yields an Upload id.
func (c *Codec) Decode(data []byte) (Pdu, TransactionID, error) {
	var id TransactionID

	if len(data) < fixedHeaderLen {
		return nil, id, errors.Wrapf(ErrMalformedHeader, "%d bytes is shorter than the fixed header", len(data))
	}
	flags := data[0]
	eidLen := int(data[1])
	seqLen := int(data[2])
	fieldLen := int(binary.BigEndian.Uint16(data[3:5]))

	if eidLen < 1 || eidLen > 8 || seqLen < 1 || seqLen > 8 {
		return nil, id, errors.Wrapf(ErrMalformedHeader, "field widths %d/%d", eidLen, seqLen)
	}
	hdrLen := fixedHeaderLen + 2*eidLen + seqLen
	if len(data) < hdrLen+fieldLen {
		return nil, id, errors.Wrapf(ErrMalformedHeader, "declared %d bytes, buffer has %d", hdrLen+fieldLen, len(data))
	}

	r := &reader{buf: data[fixedHeaderLen : hdrLen+fieldLen]}
	id.Source = EntityID(r.uintN(eidLen))
	id.Destination = EntityID(r.uintN(eidLen))
	id.Sequence = r.uintN(seqLen)
	if flags&flagTowardsSender != 0 {
		id.Direction = Upload
	} else {
		id.Direction = Download
	}

	body := r.rest()
	if flags&flagCRC != 0 {
		if len(body) < crcLen {
			return nil, id, errors.Wrap(ErrMalformedHeader, "data field too short for crc")
		}
		n := len(body) - crcLen
		want := binary.BigEndian.Uint16(body[n:])
		body = body[:n]
		if got := crc16(body); got != want {
			return nil, id, errors.Wrapf(ErrChecksumMismatch, "got 0x%04x, want 0x%04x", got, want)
		}
	}

	p, err := decodeBody(body, flags&flagDirective != 0, flags&flagLargeFile != 0)
	if err != nil {
		return nil, id, err
	}

	return p, id, nil
}

func needsLargeFile(p Pdu) bool {
	big := func(vs ...uint64) bool {
		for _, v := range vs {
			if v > math.MaxUint32 {
				return true
			}
		}
		return false
	}

	switch v := p.(type) {
	case Metadata:
		return big(v.FileSize)
	case FileData:
		return big(v.Offset)
	case EOF:
		return big(v.FileSize)
	case Nak:
		if big(v.ScopeStart, v.ScopeEnd) {
			return true
		}
		for _, s := range v.Segments {
			if big(s.Start, s.End) {
				return true
			}
		}
	case KeepAlive:
		return big(v.Progress)
	}
	return false
}

func encodeBody(p Pdu, large bool, eidLen int) ([]byte, error) {
	fs := 4
	if large {
		fs = 8
	}
	w := &writer{}

	switch v := p.(type) {
	case FileData:
		w.uintN(v.Offset, fs)
		w.raw(v.Data)
		return w.buf, nil
	case Metadata:
		if len(v.SourceFileName) > math.MaxUint8 || len(v.DestinationFileName) > math.MaxUint8 {
			return nil, errors.Wrap(ErrValueTooWide, "file name longer than 255 bytes")
		}
		w.u8(byte(DirectiveMetadata))
		var b byte
		if v.ClosureRequested {
			b |= 1 << 7
		}
		b |= byte(v.ChecksumKind) & 0x0F
		w.u8(b)
		w.uintN(v.FileSize, fs)
		w.lv(v.SourceFileName)
		w.lv(v.DestinationFileName)
	case EOF:
		w.u8(byte(DirectiveEOF))
		w.u8(byte(v.Condition) << 4)
		w.uintN(uint64(v.Checksum), 4)
		w.uintN(v.FileSize, fs)
		w.faultLocation(v.FaultLocation, eidLen)
	case Ack:
		w.u8(byte(DirectiveAck))
		var subtype byte
		if v.AckedDirective == DirectiveFinished {
			subtype = 1
		}
		w.u8(byte(v.AckedDirective)<<4 | subtype)
		w.u8(byte(v.Condition)<<4 | byte(v.Status)&0x03)
	case Nak:
		w.u8(byte(DirectiveNak))
		w.uintN(v.ScopeStart, fs)
		w.uintN(v.ScopeEnd, fs)
		for _, s := range v.Segments {
			w.uintN(s.Start, fs)
			w.uintN(s.End, fs)
		}
	case Finished:
		w.u8(byte(DirectiveFinished))
		b := byte(v.Condition)<<4 | byte(v.FileStatus)&0x03
		if !v.DataComplete {
			b |= 1 << 2
		}
		w.u8(b)
		w.faultLocation(v.FaultLocation, eidLen)
	case Prompt:
		w.u8(byte(DirectivePrompt))
		var b byte
		if v.Kind == PromptKeepAlive {
			b = 1 << 7
		}
		w.u8(b)
	case KeepAlive:
		w.u8(byte(DirectiveKeepAlive))
		w.uintN(v.Progress, fs)
	default:
		return nil, errors.Errorf("cannot encode %T", p)
	}

	return w.buf, nil
}

func decodeBody(body []byte, directive, large bool) (Pdu, error) {
	fs := 4
	if large {
		fs = 8
	}
	r := &reader{buf: body}

	if !directive {
		offset := r.uintN(fs)
		if r.short {
			return nil, errors.Wrap(ErrMalformedBody, "file data shorter than offset field")
		}
		return FileData{Offset: offset, Data: cloneBytes(r.rest())}, nil
	}

	if len(body) == 0 {
		return nil, errors.Wrap(ErrMalformedBody, "empty directive")
	}
	code := DirectiveCode(r.u8())

	var p Pdu
	switch code {
	case DirectiveMetadata:
		b := r.u8()
		md := Metadata{
			ClosureRequested: b&(1<<7) != 0,
			ChecksumKind:     checksum.Kind(b & 0x0F),
			FileSize:         r.uintN(fs),
		}
		md.SourceFileName = r.lv()
		md.DestinationFileName = r.lv()
		p = md
	case DirectiveEOF:
		eof := EOF{Condition: ConditionCode(r.u8() >> 4)}
		eof.Checksum = uint32(r.uintN(4))
		eof.FileSize = r.uintN(fs)
		eof.FaultLocation = r.faultLocation()
		p = eof
	case DirectiveAck:
		b := r.u8()
		s := r.u8()
		p = Ack{
			AckedDirective: DirectiveCode(b >> 4),
			Condition:      ConditionCode(s >> 4),
			Status:         TransactionStatus(s & 0x03),
		}
	case DirectiveNak:
		nak := Nak{ScopeStart: r.uintN(fs), ScopeEnd: r.uintN(fs)}
		if !r.short && len(r.rest())%(2*fs) != 0 {
			return nil, errors.Wrap(ErrMalformedBody, "nak segment list is not a whole number of pairs")
		}
		for !r.short && r.remaining() > 0 {
			nak.Segments = append(nak.Segments, segments.Range{Start: r.uintN(fs), End: r.uintN(fs)})
		}
		p = nak
	case DirectiveFinished:
		b := r.u8()
		p = Finished{
			Condition:     ConditionCode(b >> 4),
			DataComplete:  b&(1<<2) == 0,
			FileStatus:    FileStatus(b & 0x03),
			FaultLocation: r.faultLocation(),
		}
	case DirectivePrompt:
		kind := PromptNak
		if r.u8()&(1<<7) != 0 {
			kind = PromptKeepAlive
		}
		p = Prompt{Kind: kind}
	case DirectiveKeepAlive:
		p = KeepAlive{Progress: r.uintN(fs)}
	default:
		return nil, errors.Wrapf(ErrUnknownDirectiveCode, "0x%02x", uint8(code))
	}

	if r.short {
		return nil, errors.Wrapf(ErrMalformedBody, "%s truncated", code)
	}
	return p, nil
}

func fits(v uint64, width int) bool {
	return width >= 8 || v < 1<<(8*uint(width))
}

type writer struct {
	buf []byte
}

func (w *writer) u8(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) uintN(v uint64, width int) {
	for i := width - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(v>>(8*uint(i))))
	}
}

func (w *writer) lv(s string) {
	w.u8(byte(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) faultLocation(e *EntityID, width int) {
	if e == nil {
		return
	}
	w.u8(tlvFaultLocation)
	w.u8(byte(width))
	w.uintN(uint64(*e), width)
}

// reader consumes big-endian fields and records truncation instead of
// failing on every call.
type reader struct {
	buf   []byte
	pos   int
	short bool
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) take(n int) []byte {
	if r.short || r.remaining() < n {
		r.short = true
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uintN(width int) uint64 {
	var v uint64
	for _, b := range r.take(width) {
		v = v<<8 | uint64(b)
	}
	return v
}

func (r *reader) lv() string {
	n := int(r.u8())
	return string(r.take(n))
}

func (r *reader) rest() []byte {
	if r.short {
		return nil
	}
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

func (r *reader) faultLocation() *EntityID {
	if r.short || r.remaining() == 0 {
		return nil
	}
	if r.u8() != tlvFaultLocation {
		r.short = true
		return nil
	}
	n := int(r.u8())
	if n < 1 || n > 8 {
		r.short = true
		return nil
	}
	e := EntityID(r.uintN(n))
	return &e
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
