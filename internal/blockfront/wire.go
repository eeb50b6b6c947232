package blockfront

import "encoding/binary"

// MaxSegments bounds the number of buffer segments a single block
// request can carry, matching the real protocol's
// BLKIF_MAX_SEGMENTS_PER_REQUEST.
const MaxSegments = 11

// Op identifies the kind of block operation a request performs.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpProbe
)

// Status is the ring-level outcome of a block request.
type Status uint16

const (
	StatusOK  Status = 0
	StatusErr Status = 1
)

// Segment is one buffer segment within a block request: a grant
// reference (or, on the legacy path, a bare machine frame number) plus
// the sector range within the backing page that is valid.
type Segment struct {
	GrantRefOrFrame uint32
	FirstSector     uint8
	LastSector      uint8
}

// Request is the bit-exact ring slot layout from spec.md §6:
// { id:u64, op:u8, nr_segments:u8, device:u16, sector:u64,
//   segments:[...]Segment }.
type Request struct {
	ID          uint64
	Op          Op
	NrSegments  uint8
	Device      uint16
	Sector      uint64
	Segments    [MaxSegments]Segment
}

// Response is the bit-exact ring slot layout: { id:u64, op:u8,
// status:u16 }.
type Response struct {
	ID     uint64
	Op     Op
	Status Status
}

// wireRequestSize is the encoded size of Request: 8+1+1+2+8 +
// MaxSegments*(4+1+1).
const wireRequestSize = 8 + 1 + 1 + 2 + 8 + MaxSegments*6

// MarshalBinary encodes Request in the little-endian layout used when
// the ring is backed by real shared memory rather than typed Go
// slots (see internal/ring's doc comment on the union-as-two-arrays
// simplification).
func (r Request) MarshalBinary() ([]byte, error) {
	buf := make([]byte, wireRequestSize)
	binary.LittleEndian.PutUint64(buf[0:], r.ID)
	buf[8] = byte(r.Op)
	buf[9] = r.NrSegments
	binary.LittleEndian.PutUint16(buf[10:], r.Device)
	binary.LittleEndian.PutUint64(buf[12:], r.Sector)
	off := 20
	for _, seg := range r.Segments {
		binary.LittleEndian.PutUint32(buf[off:], seg.GrantRefOrFrame)
		buf[off+4] = seg.FirstSector
		buf[off+5] = seg.LastSector
		off += 6
	}
	return buf, nil
}

// UnmarshalBinary decodes a Request previously written by MarshalBinary.
func (r *Request) UnmarshalBinary(buf []byte) error {
	if len(buf) < wireRequestSize {
		return errShortBuffer
	}
	r.ID = binary.LittleEndian.Uint64(buf[0:])
	r.Op = Op(buf[8])
	r.NrSegments = buf[9]
	r.Device = binary.LittleEndian.Uint16(buf[10:])
	r.Sector = binary.LittleEndian.Uint64(buf[12:])
	off := 20
	for i := range r.Segments {
		r.Segments[i].GrantRefOrFrame = binary.LittleEndian.Uint32(buf[off:])
		r.Segments[i].FirstSector = buf[off+4]
		r.Segments[i].LastSector = buf[off+5]
		off += 6
	}
	return nil
}

const wireResponseSize = 8 + 1 + 2

// MarshalBinary encodes Response in the little-endian wire layout.
func (r Response) MarshalBinary() ([]byte, error) {
	buf := make([]byte, wireResponseSize)
	binary.LittleEndian.PutUint64(buf[0:], r.ID)
	buf[8] = byte(r.Op)
	binary.LittleEndian.PutUint16(buf[9:], uint16(r.Status))
	return buf, nil
}

// UnmarshalBinary decodes a Response previously written by MarshalBinary.
func (r *Response) UnmarshalBinary(buf []byte) error {
	if len(buf) < wireResponseSize {
		return errShortBuffer
	}
	r.ID = binary.LittleEndian.Uint64(buf[0:])
	r.Op = Op(buf[8])
	r.Status = Status(binary.LittleEndian.Uint16(buf[9:]))
	return nil
}

type wireError string

func (e wireError) Error() string { return string(e) }

const errShortBuffer = wireError("blockfront: buffer too short to decode")
