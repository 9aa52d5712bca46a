// Package worker implements the LLD worker process loop: it registers with
// the LLD manager, processes the discovery values the manager hands out
// and reports each completion.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/webeonic/treegix-sub007/internal/ipc"
	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
	"github.com/webeonic/treegix-sub007/internal/otel"
)

const (
	DefaultConnectTimeout = time.Minute
	DefaultStatInterval   = 5 * time.Second
)

// Processor handles one discovery value. Errors are logged; the task is
// reported done either way.
type Processor interface {
	Process(ctx context.Context, v *protocol.Value) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, v *protocol.Value) error

func (f ProcessorFunc) Process(ctx context.Context, v *protocol.Value) error {
	return f(ctx, v)
}

// Config holds the worker settings.
type Config struct {
	// Dir is the directory holding the LLD service socket.
	Dir string

	// Index is the worker number used in logs and spans.
	Index int

	ConnectTimeout time.Duration
	StatInterval   time.Duration
}

// Worker is one LLD worker connection.
type Worker struct {
	cfg    Config
	proc   Processor
	log    *zap.Logger
	tracer *otel.Tracer
	clock  clock.Clock
	ppid   int
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(log *zap.Logger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

func WithTracer(t *otel.Tracer) Option {
	return func(w *Worker) {
		w.tracer = t
	}
}

func WithClock(c clock.Clock) Option {
	return func(w *Worker) {
		w.clock = c
	}
}

// WithPPID overrides the parent process id sent on registration.
func WithPPID(ppid int) Option {
	return func(w *Worker) {
		w.ppid = ppid
	}
}

func New(cfg Config, proc Processor, opts ...Option) *Worker {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.StatInterval <= 0 {
		cfg.StatInterval = DefaultStatInterval
	}

	w := &Worker{
		cfg:    cfg,
		proc:   proc,
		log:    zap.NewNop(),
		tracer: otel.NoopTracer(),
		clock:  clock.New(),
		ppid:   os.Getppid(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run connects to the manager and processes tasks until ctx is cancelled.
// Losing the manager connection is returned as an error.
func (w *Worker) Run(ctx context.Context) error {
	sock, err := ipc.Dial(ctx, w.cfg.Dir, protocol.ServiceName, w.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("cannot connect to LLD manager service: %w", err)
	}
	defer sock.Close()

	stop := context.AfterFunc(ctx, func() {
		sock.Close()
	})
	defer stop()

	st := newStats(w.clock.Now())

	if err := sock.Write(protocol.CodeRegister, protocol.EncodeRegister(w.ppid)); err != nil {
		return fmt.Errorf("cannot register LLD worker: %w", err)
	}

	w.log.Info("LLD worker started", zap.Int("worker", w.cfg.Index))

	for {
		now := w.clock.Now()
		st.report(w.log, now, w.cfg.StatInterval)

		msg, err := sock.Read()
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("LLD worker terminated", zap.Int("worker", w.cfg.Index))
				return nil
			}
			return fmt.Errorf("cannot read LLD manager service request: %w", err)
		}
		st.idle += w.clock.Since(now)

		switch msg.Code {
		case protocol.CodeTask:
			w.processTask(ctx, msg.Data)
			if err := sock.Write(protocol.CodeDone, nil); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("cannot report LLD task completion: %w", err)
			}
			st.processed++
		default:
			w.log.Debug("ignoring LLD manager message", zap.String("code", protocol.CodeName(msg.Code)))
		}
	}
}

func (w *Worker) processTask(ctx context.Context, data []byte) {
	v, _, err := protocol.DecodeValue(data)
	if err != nil {
		w.log.Error("cannot decode LLD task", zap.Int("worker", w.cfg.Index), zap.Error(err))
		return
	}

	ctx, span := w.tracer.StartTaskSpan(ctx, otel.TaskSpanOptions{
		RuleID:   v.RuleID,
		Worker:   w.cfg.Index,
		HasValue: v.Value != nil,
		HasError: v.Error != nil,
		Meta:     v.Meta,
	})
	defer span.End()

	w.log.Debug("processing discovery rule", zap.Uint64("rule_id", v.RuleID))

	if err := w.proc.Process(ctx, v); err != nil {
		otel.RecordError(span, err)
		w.log.Error("cannot process discovery rule", zap.Uint64("rule_id", v.RuleID), zap.Error(err))
	}
}

type stats struct {
	start     time.Time
	idle      time.Duration
	processed uint64
}

func newStats(now time.Time) *stats {
	return &stats{start: now}
}

// report logs and resets the counters once more than interval has passed.
func (s *stats) report(log *zap.Logger, now time.Time, interval time.Duration) bool {
	elapsed := now.Sub(s.start)
	if elapsed <= interval {
		return false
	}

	log.Info("LLD worker statistics",
		zap.Uint64("processed", s.processed),
		zap.Duration("idle", s.idle),
		zap.Duration("interval", elapsed))

	s.start = now
	s.idle = 0
	s.processed = 0
	return true
}
