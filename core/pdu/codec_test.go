package pdu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/cfdp/core/checksum"
	"github.com/vadiminshakov/cfdp/core/segments"
)

func newTestCodec(t *testing.T, withCRC bool) *Codec {
	c, err := NewCodec(2, 4, withCRC)
	require.NoError(t, err)
	return c
}

func entity(e EntityID) *EntityID { return &e }

func TestCodec_RoundTrip(t *testing.T) {
	id := TransactionID{Source: 1, Destination: 2, Sequence: 77, Direction: Upload}

	cases := []Pdu{
		Metadata{ClosureRequested: true, ChecksumKind: checksum.CRC32, FileSize: 10_000,
			SourceFileName: "images/a.bin", DestinationFileName: "incoming/a.bin"},
		Metadata{ChecksumKind: checksum.Modular, FileSize: math.MaxUint32 + 10},
		FileData{Offset: 4096, Data: []byte("payload bytes")},
		FileData{Offset: 1 << 40, Data: []byte{1}},
		EOF{Condition: NoError, Checksum: 0xDEADBEEF, FileSize: 10_000},
		EOF{Condition: CancelRequestReceived, Checksum: 1, FileSize: 5, FaultLocation: entity(1)},
		Ack{AckedDirective: DirectiveEOF, Condition: NoError, Status: StatusActive},
		Ack{AckedDirective: DirectiveFinished, Condition: FileChecksumFailure, Status: StatusTerminated},
		Nak{ScopeStart: 0, ScopeEnd: 3000, Segments: []segments.Range{{Start: 0, End: 0}, {Start: 1000, End: 2000}}},
		Nak{ScopeStart: 0, ScopeEnd: 1 << 33, Segments: []segments.Range{{Start: 1 << 32, End: 1 << 33}}},
		Nak{ScopeStart: 10, ScopeEnd: 20},
		Finished{Condition: NoError, DataComplete: true, FileStatus: FileRetained},
		Finished{Condition: NakLimitReached, DataComplete: false, FileStatus: FileDiscardedDeliberately, FaultLocation: entity(2)},
		Prompt{Kind: PromptNak},
		Prompt{Kind: PromptKeepAlive},
		KeepAlive{Progress: 12345},
	}

	for _, withCRC := range []bool{false, true} {
		c := newTestCodec(t, withCRC)
		for _, p := range cases {
			data, err := c.Encode(p, id)
			require.NoError(t, err, "%s", Name(p))

			got, gotID, err := c.Decode(data)
			require.NoError(t, err, "%s", Name(p))
			if diff := cmp.Diff(p, got); diff != "" {
				t.Fatalf("%s round trip mismatch (-want +got):\n%s", Name(p), diff)
			}
			require.Equal(t, id.Opposite(), gotID, "reader sees the opposite direction")
		}
	}
}

func TestCodec_DirectionBit(t *testing.T) {
	c := newTestCodec(t, false)
	id := TransactionID{Source: 5, Destination: 6, Sequence: 1, Direction: Download}

	data, err := c.Encode(Ack{AckedDirective: DirectiveEOF}, id)
	require.NoError(t, err)
	require.NotZero(t, data[0]&flagTowardsSender)

	_, gotID, err := c.Decode(data)
	require.NoError(t, err)
	require.Equal(t, Upload, gotID.Direction)
	require.Equal(t, EntityID(5), gotID.Source)
	require.Equal(t, EntityID(6), gotID.Destination)
}

func TestCodec_MalformedHeader(t *testing.T) {
	c := newTestCodec(t, true)
	id := TransactionID{Source: 1, Destination: 2, Sequence: 3}

	_, _, err := c.Decode([]byte{0x80, 2})
	require.True(t, errors.Is(err, ErrMalformedHeader))

	data, err := c.Encode(EOF{FileSize: 3, Checksum: 9}, id)
	require.NoError(t, err)

	_, _, err = c.Decode(data[:len(data)-1])
	require.True(t, errors.Is(err, ErrMalformedHeader), "declared length exceeds buffer")

	bad := append([]byte(nil), data...)
	bad[1] = 0
	_, _, err = c.Decode(bad)
	require.True(t, errors.Is(err, ErrMalformedHeader), "zero entity width")
}

func TestCodec_UnknownDirective(t *testing.T) {
	c := newTestCodec(t, true)
	data, err := c.Encode(Prompt{}, TransactionID{Source: 1, Destination: 2, Sequence: 3})
	require.NoError(t, err)

	// rewrite the directive code and fix up the crc
	body := data[c.HeaderLen() : len(data)-crcLen]
	body[0] = 0x0B
	crc := crc16(body)
	data[len(data)-2] = byte(crc >> 8)
	data[len(data)-1] = byte(crc)

	_, _, err = c.Decode(data)
	require.True(t, errors.Is(err, ErrUnknownDirectiveCode))
}

func TestCodec_ChecksumMismatch(t *testing.T) {
	c := newTestCodec(t, true)
	data, err := c.Encode(FileData{Offset: 10, Data: []byte("abcdef")}, TransactionID{Source: 1, Destination: 2, Sequence: 3})
	require.NoError(t, err)

	data[c.HeaderLen()+5] ^= 0xFF
	_, _, err = c.Decode(data)
	require.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestCodec_TruncatedBody(t *testing.T) {
	c := newTestCodec(t, false)
	data, err := c.Encode(Metadata{FileSize: 10, SourceFileName: "a", DestinationFileName: "b"}, TransactionID{Source: 1, Destination: 2})
	require.NoError(t, err)

	// shrink the declared data field by one byte
	data[4]--
	_, _, err = c.Decode(data[:len(data)-1])
	require.True(t, errors.Is(err, ErrMalformedBody))
}

func TestCodec_ValueTooWide(t *testing.T) {
	c, err := NewCodec(1, 1, false)
	require.NoError(t, err)

	_, err = c.Encode(Prompt{}, TransactionID{Source: 300, Destination: 1, Sequence: 1})
	require.True(t, errors.Is(err, ErrValueTooWide))

	_, err = c.Encode(Prompt{}, TransactionID{Source: 1, Destination: 1, Sequence: 256})
	require.True(t, errors.Is(err, ErrValueTooWide))
}

func TestCodec_Sizes(t *testing.T) {
	c := newTestCodec(t, true)
	require.Equal(t, 5+2+2+4, c.HeaderLen())

	id := TransactionID{Source: 1, Destination: 2}

	seg := c.MaxSegmentSize(512, false)
	data, err := c.Encode(FileData{Offset: 0, Data: make([]byte, seg)}, id)
	require.NoError(t, err)
	require.Equal(t, 512, len(data))

	seg = c.MaxSegmentSize(512, true)
	data, err = c.Encode(FileData{Offset: 1 << 33, Data: make([]byte, seg)}, id)
	require.NoError(t, err)
	require.Equal(t, 512, len(data))

	for _, base := range []uint64{0, 1 << 33} {
		large := base > 0
		n := c.MaxNakSegments(512, large)
		nak := Nak{ScopeStart: base, ScopeEnd: base + 100}
		for i := 0; i < n; i++ {
			nak.Segments = append(nak.Segments, segments.Range{Start: base + uint64(i), End: base + uint64(i+1)})
		}
		data, err = c.Encode(nak, id)
		require.NoError(t, err)
		require.LessOrEqual(t, len(data), 512, "large=%v", large)
		require.Greater(t, len(data), 512-4*offsetLen(large), "large=%v", large)
	}
	require.Less(t, c.MaxNakSegments(512, true), c.MaxNakSegments(512, false))
}

func TestCRC16_CheckValue(t *testing.T) {
	require.Equal(t, uint16(0x29B1), crc16([]byte("123456789")))
}
