// Package wire implements the shard's binary request/response framing
// (spec §6). Unlike the teacher's rpc/common/proto.go, which carries one
// loosely-typed Message struct with omitempty JSON fields for every
// operation, this protocol is bit-exact and opcode-specific: each request
// type has a fixed field layout, matching the wire contract MCAS clients
// depend on. The flag-byte/length-prefix encoding technique is still the
// teacher's own (rpc/serializer/binaryImpl.go); it's generalized here to a
// fixed-layout codec instead of an optional-field one.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TwoStageThreshold is the inline/two-stage value size cutoff documented to
// clients (spec §4.4, §6).
const TwoStageThreshold = 4096

// Type identifies the message kind carried in the frame header.
type Type uint8

const (
	TypeUnknown Type = iota
	TypePoolRequest
	TypePoolResponse
	TypeIORequest
	TypeIOResponse
	TypeADORequest
	TypePutADORequest
	TypeADOResponse
	TypeInfoRequest
	TypeInfoResponse
	TypeErrorResponse
)

// PoolOp enumerates POOL_REQUEST operations.
type PoolOp uint8

const (
	PoolCreate PoolOp = iota
	PoolOpen
	PoolClose
	PoolDelete
)

// IOOp enumerates IO_REQUEST operations.
type IOOp uint8

const (
	IOPut IOOp = iota
	IOGet
	IOErase
	IOConfigure
	IOPutLocate
	IOPutRelease
	IOGetLocate
	IOGetRelease
	IOLocate
	IORelease
	IOReleaseWithFlush
)

// InfoType enumerates INFO_REQUEST query kinds.
type InfoType uint32

const (
	InfoAttribute InfoType = iota
	InfoStats
	InfoFindKey
)

// PoolFlags / IOFlags / ADOFlags carry the bit flags spec.md references by
// name (DONT_STOMP, CREATE_ONLY, DETACHED, ...).
type PoolFlags uint32

const (
	PoolFlagCreateOnly PoolFlags = 1 << 0 // creating over an existing open pool fails
)

type IOFlags uint32

const (
	IOFlagDontStomp IOFlags = 1 << 0
	IOFlagDirect    IOFlags = 1 << 1 // suppress inline-split response shape
)

type ADOFlags uint64

const (
	ADOFlagDetached         ADOFlags = 1 << 0
	ADOFlagNoOverwrite      ADOFlags = 1 << 1
	ADOFlagCreateOnly       ADOFlags = 1 << 2
	ADOFlagReadOnly         ADOFlags = 1 << 3
	ADOFlagADOLifetimeUnlock ADOFlags = 1 << 4
	ADOFlagNoImplicitUnlock ADOFlags = 1 << 5
	ADOFlagAsync            ADOFlags = 1 << 6
)

// Header is the fixed framing header in front of every message.
type Header struct {
	Version   uint8
	Type      Type
	AuthID    uint64
	RequestID uint64
	Status    int32
	Length    uint64 // length of the body that follows, not including the header
}

const headerSize = 1 + 1 + 8 + 8 + 4 + 8 // keep in sync with Header field widths

const wireVersion = 1

func (h Header) encode() []byte {
	b := make([]byte, headerSize)
	b[0] = h.Version
	b[1] = byte(h.Type)
	binary.LittleEndian.PutUint64(b[2:10], h.AuthID)
	binary.LittleEndian.PutUint64(b[10:18], h.RequestID)
	binary.LittleEndian.PutUint32(b[18:22], uint32(h.Status))
	binary.LittleEndian.PutUint64(b[22:30], h.Length)
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(b))
	}
	return Header{
		Version:   b[0],
		Type:      Type(b[1]),
		AuthID:    binary.LittleEndian.Uint64(b[2:10]),
		RequestID: binary.LittleEndian.Uint64(b[10:18]),
		Status:    int32(binary.LittleEndian.Uint32(b[18:22])),
		Length:    binary.LittleEndian.Uint64(b[22:30]),
	}, nil
}

// Frame is a fully decoded message: header plus opaque body bytes. Handlers
// decode the body according to Header.Type.
type Frame struct {
	Header Header
	Body   []byte
}

// Encode serializes a frame to a single byte slice (header + body), the
// unit transport.Connection.Send operates on.
func Encode(f Frame) []byte {
	f.Header.Length = uint64(len(f.Body))
	buf := make([]byte, headerSize+len(f.Body))
	copy(buf, f.Header.encode())
	copy(buf[headerSize:], f.Body)
	return buf
}

// Decode parses a single frame out of a byte slice previously produced by
// Encode (or received whole from a message-oriented transport buffer).
func Decode(b []byte) (Frame, error) {
	h, err := decodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if uint64(len(b)-headerSize) < h.Length {
		return Frame{}, fmt.Errorf("wire: body shorter than declared length")
	}
	return Frame{Header: h, Body: b[headerSize : headerSize+int(h.Length)]}, nil
}

// ReadFrame reads exactly one frame from a stream-oriented connection (used
// by the tcp transport, which has no natural message boundaries).
func ReadFrame(r io.Reader) (Frame, error) {
	hb := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return Frame{}, err
	}
	h, err := decodeHeader(hb)
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Body: body}, nil
}

// WriteFrame writes one frame to a stream-oriented connection.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// --------------------------------------------------------------------------
// Body codecs — one pair of (encode, decode) per request/response shape in
// spec.md §6's table. Strings/byte blobs are length-prefixed uint32 little
// endian, matching the table's "length-prefixed bytes" note.
// --------------------------------------------------------------------------

type byteWriter struct {
	buf []byte
}

func (w *byteWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *byteWriter) u32(v uint32) { w.buf = append(w.buf, le32(v)...) }
func (w *byteWriter) u64(v uint64) { w.buf = append(w.buf, le64(v)...) }
func (w *byteWriter) i32(v int32)  { w.u32(uint32(v)) }
func (w *byteWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) u8() (uint8, error) {
	if r.pos+1 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *byteReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

// PoolRequest / PoolResponse

type PoolRequest struct {
	Op               PoolOp
	Flags            PoolFlags
	PoolID           uint64
	PoolSize         uint64
	ExpectedObjCount uint64
	PoolName         string
}

func (r PoolRequest) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(r.Op))
	w.u32(uint32(r.Flags))
	w.u64(r.PoolID)
	w.u64(r.PoolSize)
	w.u64(r.ExpectedObjCount)
	w.bytes([]byte(r.PoolName))
	return w.buf
}

func DecodePoolRequest(b []byte) (PoolRequest, error) {
	r := &byteReader{buf: b}
	var out PoolRequest
	op, err := r.u8()
	if err != nil {
		return out, err
	}
	out.Op = PoolOp(op)
	flags, err := r.u32()
	if err != nil {
		return out, err
	}
	out.Flags = PoolFlags(flags)
	if out.PoolID, err = r.u64(); err != nil {
		return out, err
	}
	if out.PoolSize, err = r.u64(); err != nil {
		return out, err
	}
	if out.ExpectedObjCount, err = r.u64(); err != nil {
		return out, err
	}
	name, err := r.bytes()
	if err != nil {
		return out, err
	}
	out.PoolName = string(name)
	return out, nil
}

type PoolResponse struct {
	PoolID uint64
}

func (r PoolResponse) Encode() []byte {
	w := &byteWriter{}
	w.u64(r.PoolID)
	return w.buf
}

func DecodePoolResponse(b []byte) (PoolResponse, error) {
	r := &byteReader{buf: b}
	id, err := r.u64()
	return PoolResponse{PoolID: id}, err
}

// IORequest / IOResponse

type IORequest struct {
	Op       IOOp
	PoolID   uint64
	Flags    IOFlags
	Offset   uint64
	Size     uint64
	Addr     uint64
	Key      uint64
	KeyBytes []byte
	Value    []byte
}

func (r IORequest) Encode() []byte {
	w := &byteWriter{}
	w.u8(uint8(r.Op))
	w.u64(r.PoolID)
	w.u32(uint32(r.Flags))
	w.u64(r.Offset)
	w.u64(r.Size)
	w.u64(r.Addr)
	w.u64(r.Key)
	w.bytes(r.KeyBytes)
	w.bytes(r.Value)
	return w.buf
}

func DecodeIORequest(b []byte) (IORequest, error) {
	r := &byteReader{buf: b}
	var out IORequest
	op, err := r.u8()
	if err != nil {
		return out, err
	}
	out.Op = IOOp(op)
	if out.PoolID, err = r.u64(); err != nil {
		return out, err
	}
	flags, err := r.u32()
	if err != nil {
		return out, err
	}
	out.Flags = IOFlags(flags)
	if out.Offset, err = r.u64(); err != nil {
		return out, err
	}
	if out.Size, err = r.u64(); err != nil {
		return out, err
	}
	if out.Addr, err = r.u64(); err != nil {
		return out, err
	}
	if out.Key, err = r.u64(); err != nil {
		return out, err
	}
	if out.KeyBytes, err = r.bytes(); err != nil {
		return out, err
	}
	if out.Value, err = r.bytes(); err != nil {
		return out, err
	}
	return out, nil
}

// SGElement is one scatter-gather entry of an IOResponse's SG list
// (spec §4.5, §4.6).
type SGElement struct {
	Addr uint64
	Len  uint64
}

type IOResponse struct {
	Addr    uint64
	Key     uint64
	Data    []byte      // inline payload, when present
	SGList  []SGElement // locate/advance responses
}

func (r IOResponse) Encode() []byte {
	w := &byteWriter{}
	w.u64(r.Addr)
	w.u64(r.Key)
	w.u64(uint64(len(r.Data)))
	w.bytes(r.Data)
	w.u32(uint32(len(r.SGList)))
	for _, sg := range r.SGList {
		w.u64(sg.Addr)
		w.u64(sg.Len)
	}
	return w.buf
}

func DecodeIOResponse(b []byte) (IOResponse, error) {
	r := &byteReader{buf: b}
	var out IOResponse
	var err error
	if out.Addr, err = r.u64(); err != nil {
		return out, err
	}
	if out.Key, err = r.u64(); err != nil {
		return out, err
	}
	if _, err = r.u64(); err != nil { // data_len, implied by bytes() below
		return out, err
	}
	if out.Data, err = r.bytes(); err != nil {
		return out, err
	}
	n, err := r.u32()
	if err != nil {
		return out, err
	}
	out.SGList = make([]SGElement, n)
	for i := range out.SGList {
		if out.SGList[i].Addr, err = r.u64(); err != nil {
			return out, err
		}
		if out.SGList[i].Len, err = r.u64(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// ADORequest / PutADORequest / ADOResponse

type ADORequest struct {
	PoolID        uint64
	Flags         ADOFlags
	Key           []byte
	Request       []byte
	OnDemandLen   uint64
}

func (r ADORequest) Encode() []byte {
	w := &byteWriter{}
	w.u64(r.PoolID)
	w.u64(uint64(r.Flags))
	w.bytes(r.Key)
	w.bytes(r.Request)
	w.u64(r.OnDemandLen)
	return w.buf
}

func DecodeADORequest(b []byte) (ADORequest, error) {
	r := &byteReader{buf: b}
	var out ADORequest
	var err error
	if out.PoolID, err = r.u64(); err != nil {
		return out, err
	}
	flags, err := r.u64()
	if err != nil {
		return out, err
	}
	out.Flags = ADOFlags(flags)
	if out.Key, err = r.bytes(); err != nil {
		return out, err
	}
	if out.Request, err = r.bytes(); err != nil {
		return out, err
	}
	if out.OnDemandLen, err = r.u64(); err != nil {
		return out, err
	}
	return out, nil
}

type PutADORequest struct {
	ADORequest
	Value      []byte
	RootValLen uint64
}

func (r PutADORequest) Encode() []byte {
	w := &byteWriter{buf: r.ADORequest.Encode()}
	w.bytes(r.Value)
	w.u64(r.RootValLen)
	return w.buf
}

func DecodePutADORequest(b []byte) (PutADORequest, error) {
	base, err := DecodeADORequest(b)
	if err != nil {
		return PutADORequest{}, err
	}
	// re-walk the tail: ADORequest.Encode size depends on variable-length
	// fields, so recompute the read cursor instead of guessing an offset.
	w := &byteReader{buf: b}
	if _, err := w.u64(); err != nil {
		return PutADORequest{}, err
	}
	if _, err := w.u64(); err != nil {
		return PutADORequest{}, err
	}
	if _, err := w.bytes(); err != nil {
		return PutADORequest{}, err
	}
	if _, err := w.bytes(); err != nil {
		return PutADORequest{}, err
	}
	if _, err := w.u64(); err != nil {
		return PutADORequest{}, err
	}
	value, err := w.bytes()
	if err != nil {
		return PutADORequest{}, err
	}
	rootLen, err := w.u64()
	if err != nil {
		return PutADORequest{}, err
	}
	return PutADORequest{ADORequest: base, Value: value, RootValLen: rootLen}, nil
}

// ADOResponseLayer is one {layer_id, bytes} entry of an ADO_RESPONSE.
type ADOResponseLayer struct {
	LayerID uint32
	Bytes   []byte
}

type ADOResponse struct {
	Status Status32
	Layers []ADOResponseLayer
}

type Status32 int32

func (r ADOResponse) Encode() []byte {
	w := &byteWriter{}
	w.i32(int32(r.Status))
	w.u32(uint32(len(r.Layers)))
	for _, l := range r.Layers {
		w.u32(l.LayerID)
		w.bytes(l.Bytes)
	}
	return w.buf
}

func DecodeADOResponse(b []byte) (ADOResponse, error) {
	r := &byteReader{buf: b}
	var out ADOResponse
	status, err := r.i32()
	if err != nil {
		return out, err
	}
	out.Status = Status32(status)
	n, err := r.u32()
	if err != nil {
		return out, err
	}
	out.Layers = make([]ADOResponseLayer, n)
	for i := range out.Layers {
		if out.Layers[i].LayerID, err = r.u32(); err != nil {
			return out, err
		}
		if out.Layers[i].Bytes, err = r.bytes(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// InfoRequest / InfoResponse

type InfoRequest struct {
	Type   InfoType
	PoolID uint64
	Offset uint64
	Key    []byte // optional
}

func (r InfoRequest) Encode() []byte {
	w := &byteWriter{}
	w.u32(uint32(r.Type))
	w.u64(r.PoolID)
	w.u64(r.Offset)
	w.bytes(r.Key)
	return w.buf
}

func DecodeInfoRequest(b []byte) (InfoRequest, error) {
	r := &byteReader{buf: b}
	var out InfoRequest
	t, err := r.u32()
	if err != nil {
		return out, err
	}
	out.Type = InfoType(t)
	if out.PoolID, err = r.u64(); err != nil {
		return out, err
	}
	if out.Offset, err = r.u64(); err != nil {
		return out, err
	}
	if out.Key, err = r.bytes(); err != nil {
		return out, err
	}
	return out, nil
}

type InfoResponse struct {
	Value       uint64
	MatchPos    int64
	MatchedKey  []byte
}

func (r InfoResponse) Encode() []byte {
	w := &byteWriter{}
	w.u64(r.Value)
	w.u64(uint64(r.MatchPos))
	w.bytes(r.MatchedKey)
	return w.buf
}

func DecodeInfoResponse(b []byte) (InfoResponse, error) {
	r := &byteReader{buf: b}
	var out InfoResponse
	var err error
	if out.Value, err = r.u64(); err != nil {
		return out, err
	}
	pos, err := r.u64()
	if err != nil {
		return out, err
	}
	out.MatchPos = int64(pos)
	if out.MatchedKey, err = r.bytes(); err != nil {
		return out, err
	}
	return out, nil
}
