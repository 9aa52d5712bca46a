// Package protocol defines the LLD service message codes and the binary
// encoding of discovery values exchanged between pollers, the LLD manager
// and LLD workers.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ServiceName is the IPC service the LLD manager listens on.
const ServiceName = "lld"

// Message codes of the LLD service.
const (
	CodeRegister uint32 = iota + 1
	CodeTask
	CodeDone
	CodeRequest
	CodeQueue
)

var ErrShortBuffer = errors.New("lld protocol: short buffer")

// CodeName returns a printable name for a message code.
func CodeName(code uint32) string {
	switch code {
	case CodeRegister:
		return "register"
	case CodeTask:
		return "task"
	case CodeDone:
		return "done"
	case CodeRequest:
		return "request"
	case CodeQueue:
		return "queue"
	default:
		return fmt.Sprintf("unknown(%d)", code)
	}
}

// Timespec is a value timestamp with nanosecond precision.
type Timespec struct {
	Sec int32
	Ns  int32
}

// Compare returns -1, 0 or 1 when t is before, equal to or after o.
func (t Timespec) Compare(o Timespec) int {
	switch {
	case t.Sec < o.Sec:
		return -1
	case t.Sec > o.Sec:
		return 1
	case t.Ns < o.Ns:
		return -1
	case t.Ns > o.Ns:
		return 1
	}
	return 0
}

// Value is one discovery value of one LLD rule.
type Value struct {
	RuleID    uint64
	Value     *string
	Error     *string
	Timestamp Timespec

	// Log monitoring continuation state, meaningful only when Meta is set.
	Meta        bool
	LastLogSize uint64
	Mtime       int32
}

// String returns a pointer to s. Handy for filling optional Value fields.
func String(s string) *string {
	return &s
}

// EncodeValue serializes v. Optional strings are written with a u32 length
// of len+1 followed by the bytes and a terminating NUL; length 0 marks an
// absent string.
func EncodeValue(v *Value) []byte {
	size := 8 + strSize(v.Value) + 8 + strSize(v.Error) + 1
	if v.Meta {
		size += 8 + 4
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, v.RuleID)
	buf = appendStr(buf, v.Value)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.Timestamp.Sec))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.Timestamp.Ns))
	buf = appendStr(buf, v.Error)
	if v.Meta {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, v.LastLogSize)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v.Mtime))
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeValue deserializes a value written by EncodeValue and returns the
// number of bytes consumed.
func DecodeValue(data []byte) (*Value, int, error) {
	r := reader{data: data}
	v := &Value{}

	v.RuleID = r.uint64()
	v.Value = r.str()
	v.Timestamp.Sec = int32(r.uint32())
	v.Timestamp.Ns = int32(r.uint32())
	v.Error = r.str()
	v.Meta = r.byte() != 0
	if v.Meta {
		v.LastLogSize = r.uint64()
		v.Mtime = int32(r.uint32())
	}

	if r.err != nil {
		return nil, 0, r.err
	}
	return v, r.off, nil
}

func strSize(s *string) int {
	if s == nil {
		return 4
	}
	return 4 + len(*s) + 1
}

func appendStr(buf []byte, s *string) []byte {
	if s == nil {
		return binary.LittleEndian.AppendUint32(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(*s)+1))
	buf = append(buf, *s...)
	return append(buf, 0)
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str() *string {
	n := r.uint32()
	if n == 0 || r.err != nil {
		return nil
	}
	b := r.next(int(n))
	if b == nil {
		return nil
	}
	// the trailing byte is the NUL terminator
	s := string(b[:n-1])
	return &s
}

// EncodeQueueSize serializes a QUEUE reply.
func EncodeQueueSize(n uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, n)
}

// DecodeQueueSize deserializes a QUEUE reply.
func DecodeQueueSize(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(data), nil
}

// EncodeRegister serializes a REGISTER payload carrying the sender's parent pid.
func EncodeRegister(ppid int) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(int32(ppid)))
}

// DecodeRegister returns the parent pid carried by a REGISTER payload.
func DecodeRegister(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, ErrShortBuffer
	}
	return int(int32(binary.LittleEndian.Uint32(data))), nil
}
