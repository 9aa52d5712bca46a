package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Client is the service side handle of one connected process.
type Client interface {
	// ID is unique for the lifetime of the service.
	ID() uint64
	Send(code uint32, data []byte) error
	Close() error
}

type conn struct {
	id     uint64
	nc     net.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (c *conn) ID() uint64 {
	return c.id
}

func (c *conn) Send(code uint32, data []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeMessage(c.nc, code, data)
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.nc.Close()
}

type received struct {
	client *conn
	msg    *Message
}

// Service accepts connections on a unix socket and funnels the messages of
// all connected clients into a single receive queue.
type Service struct {
	path  string
	ln    net.Listener
	log   *zap.Logger
	inbox chan received
	done  chan struct{}

	nextID atomic.Uint64

	mu      sync.Mutex
	clients map[uint64]*conn

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.log = log
	}
}

// Listen starts the named service in dir. A stale socket file left by a
// previous run is removed.
func Listen(dir, service string, opts ...ServiceOption) (*Service, error) {
	path := ServicePath(dir, service)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot remove socket file %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", path, err)
	}

	s := &Service{
		path:    path,
		ln:      ln,
		log:     zap.NewNop(),
		inbox:   make(chan received),
		done:    make(chan struct{}),
		clients: make(map[uint64]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("service", service))

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Path returns the socket path of the service.
func (s *Service) Path() string {
	return s.path
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		c := &conn{id: s.nextID.Add(1), nc: nc}

		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()

		s.log.Debug("client connected", zap.Uint64("client", c.id))

		s.wg.Add(1)
		go s.readLoop(c)
	}
}

func (s *Service) readLoop(c *conn) {
	defer s.wg.Done()
	defer s.dropClient(c)

	r := bufio.NewReader(c.nc)
	for {
		msg, err := readMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				s.log.Debug("client read failed", zap.Uint64("client", c.id), zap.Error(err))
			}
			return
		}

		select {
		case s.inbox <- received{client: c, msg: msg}:
		case <-s.done:
			return
		}
	}
}

func (s *Service) dropClient(c *conn) {
	c.Close()

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.log.Debug("client disconnected", zap.Uint64("client", c.id))
}

// ClientCount returns the number of connected clients.
func (s *Service) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Recv waits up to timeout for the next message from any client. It returns
// a nil client and message when the timeout expires. A non-positive timeout
// waits until a message arrives or ctx is done.
func (s *Service) Recv(ctx context.Context, timeout time.Duration) (Client, *Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-s.inbox:
		return r.client, r.msg, nil
	case <-expired:
		return nil, nil, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.done:
		return nil, nil, ErrServiceClosed
	}
}

// Close stops accepting connections, disconnects all clients and removes
// the socket file.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()

		s.mu.Lock()
		for _, c := range s.clients {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()

		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	return err
}
