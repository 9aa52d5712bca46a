package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

const dialRetryInterval = 100 * time.Millisecond

// Socket is a blocking client connection to an IPC service.
type Socket struct {
	nc net.Conn
	r  *bufio.Reader
	mu sync.Mutex
}

// Dial connects to the named service in dir, retrying until timeout
// elapses so that clients started together with the service can wait for it.
func Dial(ctx context.Context, dir, service string, timeout time.Duration) (*Socket, error) {
	path := ServicePath(dir, service)
	deadline := time.Now().Add(timeout)

	var d net.Dialer
	for {
		nc, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return &Socket{nc: nc, r: bufio.NewReader(nc)}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("cannot connect to service %q: %w", service, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
}

// Write sends one message.
func (s *Socket) Write(code uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeMessage(s.nc, code, data)
}

// Read blocks until the next message arrives.
func (s *Socket) Read() (*Message, error) {
	return readMessage(s.r)
}

// SetDeadline sets the read and write deadline of the connection.
func (s *Socket) SetDeadline(t time.Time) error {
	return s.nc.SetDeadline(t)
}

// Close closes the connection. A blocked Read returns an error.
func (s *Socket) Close() error {
	return s.nc.Close()
}

// Exchange connects to the service, sends one message, waits for one reply
// and disconnects.
func Exchange(ctx context.Context, dir, service string, code uint32, data []byte, timeout time.Duration) (*Message, error) {
	s, err := Dial(ctx, dir, service, timeout)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := s.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if err := s.Write(code, data); err != nil {
		return nil, fmt.Errorf("cannot send request to service %q: %w", service, err)
	}
	msg, err := s.Read()
	if err != nil {
		return nil, fmt.Errorf("cannot read response from service %q: %w", service, err)
	}
	return msg, nil
}
