// Package ipc provides the message based unix socket transport used between
// the LLD manager, its workers and value producers.
//
// Every message is framed as a little-endian u32 code, a u32 payload size
// and the payload itself. Connections deliver messages reliably and in order.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

const headerSize = 8

// MaxMessageSize bounds the payload a peer may announce.
const MaxMessageSize = 128 << 20

var (
	ErrServiceClosed   = errors.New("ipc: service closed")
	ErrMessageTooLarge = errors.New("ipc: message too large")
)

// Message is one framed IPC message.
type Message struct {
	Code uint32
	Data []byte
}

// ServicePath returns the unix socket path of a service inside dir.
func ServicePath(dir, service string) string {
	return filepath.Join(dir, "treegix_"+service+".sock")
}

func writeMessage(w io.Writer, code uint32, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	buf := make([]byte, headerSize, headerSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], code)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) (*Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	msg := &Message{Code: binary.LittleEndian.Uint32(header[0:4])}
	size := binary.LittleEndian.Uint32(header[4:8])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	if size > 0 {
		msg.Data = make([]byte, size)
		if _, err := io.ReadFull(r, msg.Data); err != nil {
			return nil, fmt.Errorf("failed to read message payload: %w", err)
		}
	}
	return msg, nil
}
