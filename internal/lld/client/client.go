// Package client submits discovery values to the LLD manager and queries
// its queue size.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webeonic/treegix-sub007/internal/ipc"
	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
)

const DefaultTimeout = time.Minute

var ErrSenderClosed = errors.New("LLD sender closed")

// AgentResult is the subset of an item check result relevant to discovery.
type AgentResult struct {
	// Text is the discovery payload, nil when the check produced no text.
	Text *string

	// Meta is set for log items, together with the log position.
	Meta        bool
	LastLogSize uint64
	Mtime       int32
}

// Sender keeps one connection to the LLD manager and writes REQUEST
// messages on it. It is safe for concurrent use.
type Sender struct {
	dir     string
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	sock   *ipc.Socket
	closed bool
}

type Option func(*Sender)

func WithLogger(log *zap.Logger) Option {
	return func(s *Sender) {
		s.log = log
	}
}

// WithTimeout bounds how long the sender waits for the manager socket.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		s.timeout = d
	}
}

func NewSender(dir string, opts ...Option) *Sender {
	s := &Sender{
		dir:     dir,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessValue queues a discovery value for the rule. The connection is
// opened on first use and kept for later calls.
func (s *Sender) ProcessValue(ctx context.Context, v *protocol.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSenderClosed
	}

	if s.sock == nil {
		sock, err := ipc.Dial(ctx, s.dir, protocol.ServiceName, s.timeout)
		if err != nil {
			return fmt.Errorf("cannot connect to LLD manager service: %w", err)
		}
		s.sock = sock
	}

	if err := s.sock.Write(protocol.CodeRequest, protocol.EncodeValue(v)); err != nil {
		s.sock.Close()
		s.sock = nil
		return fmt.Errorf("cannot send data to LLD manager service: %w", err)
	}

	s.log.Debug("sent discovery value", zap.Uint64("rule_id", v.RuleID))
	return nil
}

// ProcessAgentResult queues the discovery value carried by a check result.
// Nothing is sent when there is neither a value, an error nor log meta.
// It reports whether a value was sent.
func (s *Sender) ProcessAgentResult(ctx context.Context, ruleID uint64, result *AgentResult, ts protocol.Timespec, errMsg *string) (bool, error) {
	v := &protocol.Value{
		RuleID:    ruleID,
		Error:     errMsg,
		Timestamp: ts,
	}
	if result != nil {
		v.Value = result.Text
		if result.Meta {
			v.Meta = true
			v.LastLogSize = result.LastLogSize
			v.Mtime = result.Mtime
		}
	}

	if v.Value == nil && v.Error == nil && !v.Meta {
		return false, nil
	}
	if err := s.ProcessValue(ctx, v); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the manager connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.sock == nil {
		return nil
	}
	err := s.sock.Close()
	s.sock = nil
	return err
}

// QueueSize asks the manager for the number of values waiting or being
// processed.
func QueueSize(ctx context.Context, dir string, timeout time.Duration) (uint64, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	msg, err := ipc.Exchange(ctx, dir, protocol.ServiceName, protocol.CodeQueue, nil, timeout)
	if err != nil {
		return 0, fmt.Errorf("cannot read queue response from LLD manager service: %w", err)
	}
	if msg.Code != protocol.CodeQueue {
		return 0, fmt.Errorf("unexpected LLD manager reply %s", protocol.CodeName(msg.Code))
	}

	n, err := protocol.DecodeQueueSize(msg.Data)
	if err != nil {
		return 0, fmt.Errorf("cannot decode LLD queue size: %w", err)
	}
	return n, nil
}
