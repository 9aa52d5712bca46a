// Package manager implements the LLD manager: it queues discovery values per
// rule, hands the rule with the oldest pending value to an idle LLD worker
// and advances the rule queue when the worker reports completion.
//
// Values of one rule are processed one at a time in arrival order, while
// different rules are processed concurrently by different workers. The
// manager state is owned by the goroutine calling Run (or Handle) and is
// not safe for concurrent use.
package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/webeonic/treegix-sub007/internal/ipc"
	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
)

const (
	DefaultRecvTimeout  = time.Second
	DefaultStatInterval = 5 * time.Second
)

// Config holds the manager settings.
type Config struct {
	// Workers is the number of worker slots allocated at startup.
	Workers int

	// RecvTimeout bounds a single wait for service messages.
	RecvTimeout time.Duration

	// StatInterval is the minimum period between statistics reports.
	StatInterval time.Duration
}

// Receiver delivers service messages. *ipc.Service implements it.
type Receiver interface {
	Recv(ctx context.Context, timeout time.Duration) (ipc.Client, *ipc.Message, error)
}

// Recorder receives manager metrics. *otel.Metrics implements it.
type Recorder interface {
	RecordQueued(ctx context.Context)
	RecordDispatched(ctx context.Context)
	RecordProcessed(ctx context.Context)
	SetQueueSize(n uint64)
	SetFreeWorkers(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordQueued(context.Context)     {}
func (nopRecorder) RecordDispatched(context.Context) {}
func (nopRecorder) RecordProcessed(context.Context)  {}
func (nopRecorder) SetQueueSize(uint64)              {}
func (nopRecorder) SetFreeWorkers(int)               {}

// Stats is a snapshot of the manager state.
type Stats struct {
	Queued            uint64
	Rules             int
	ReadyRules        int
	Workers           int
	RegisteredWorkers int
	FreeWorkers       int
	BusyWorkers       int
	Processed         uint64
}

// Manager is the LLD manager state.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	metrics Recorder
	clock   clock.Clock
	pid     int

	pool  *workerPool
	index *ruleIndex

	// queued counts values that are waiting or in flight.
	queued    uint64
	processed uint64

	statStart     time.Time
	statProcessed uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithClock replaces the wall clock used for statistics.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithPID sets the process id workers must report as their parent.
// Defaults to the current process id.
func WithPID(pid int) Option {
	return func(m *Manager) {
		m.pid = pid
	}
}

// New creates a manager with cfg.Workers unbound worker slots.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = DefaultRecvTimeout
	}
	if cfg.StatInterval <= 0 {
		cfg.StatInterval = DefaultStatInterval
	}

	m := &Manager{
		cfg:     cfg,
		log:     zap.NewNop(),
		metrics: nopRecorder{},
		clock:   clock.New(),
		pid:     os.Getpid(),
		pool:    newWorkerPool(cfg.Workers),
		index:   newRuleIndex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.statStart = m.clock.Now()

	m.log.Debug("LLD manager initialized", zap.Int("workers", cfg.Workers))

	return m
}

// Run receives and handles service messages until ctx is cancelled or a
// protocol violation occurs. A cancelled context is not an error.
func (m *Manager) Run(ctx context.Context, recv Receiver) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		m.reportStats()

		client, msg, err := recv.Recv(ctx, m.cfg.RecvTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("cannot receive LLD service message: %w", err)
		}
		if msg == nil {
			continue
		}

		if err := m.Handle(ctx, client, msg); err != nil {
			return err
		}
	}
}

// Handle processes one service message. Any returned error is a protocol
// violation.
func (m *Manager) Handle(ctx context.Context, client ipc.Client, msg *ipc.Message) error {
	switch msg.Code {
	case protocol.CodeRegister:
		if err := m.registerWorker(client, msg.Data); err != nil {
			return err
		}
		m.processQueue(ctx)
	case protocol.CodeRequest:
		m.queueRequest(ctx, msg.Data)
		m.processQueue(ctx)
	case protocol.CodeDone:
		if err := m.processResult(ctx, client); err != nil {
			return err
		}
	case protocol.CodeQueue:
		if err := client.Send(protocol.CodeQueue, protocol.EncodeQueueSize(m.queued)); err != nil {
			m.log.Warn("cannot send LLD queue size", zap.Uint64("client", client.ID()), zap.Error(err))
		}
	default:
		return fmt.Errorf("%w: %s from client %d", ErrUnknownMessage, protocol.CodeName(msg.Code), client.ID())
	}

	m.metrics.SetQueueSize(m.queued)
	m.metrics.SetFreeWorkers(m.pool.freeCount())

	return nil
}

// registerWorker binds a worker process to the next slot. Connections from
// processes that are not children of this manager are closed.
func (m *Manager) registerWorker(client ipc.Client, data []byte) error {
	ppid, err := protocol.DecodeRegister(data)
	if err != nil || ppid != m.pid {
		client.Close()
		m.log.Debug("refusing connection from foreign process",
			zap.Uint64("client", client.ID()), zap.Int("ppid", ppid))
		return nil
	}

	w, err := m.pool.register(client)
	if err != nil {
		return err
	}

	m.log.Debug("LLD worker registered", zap.Int("worker", w.index), zap.Uint64("client", client.ID()))
	return nil
}

func (m *Manager) queueRequest(ctx context.Context, data []byte) {
	v, _, err := protocol.DecodeValue(data)
	if err != nil {
		m.log.Error("cannot decode LLD request", zap.Error(err))
		return
	}

	m.log.Debug("queuing discovery rule", zap.Uint64("rule_id", v.RuleID))

	m.index.enqueue(v)
	m.queued++
	m.metrics.RecordQueued(ctx)
}

// processQueue sends ready rules to idle workers while both are available.
func (m *Manager) processQueue(ctx context.Context) {
	for m.index.hasReady() {
		w, ok := m.pool.acquire()
		if !ok {
			return
		}
		m.dispatch(ctx, w)
	}
}

// dispatch sends the head value of the oldest ready rule to w.
func (m *Manager) dispatch(ctx context.Context, w *worker) {
	q := m.index.popReady()
	w.ruleID = q.ruleID
	w.busy = true

	if err := w.client.Send(protocol.CodeTask, protocol.EncodeValue(q.head())); err != nil {
		m.log.Error("cannot send LLD task",
			zap.Int("worker", w.index), zap.Uint64("rule_id", q.ruleID), zap.Error(err))
	}
	m.metrics.RecordDispatched(ctx)
}

func (m *Manager) processResult(ctx context.Context, client ipc.Client) error {
	w, err := m.pool.lookup(client)
	if err != nil {
		return err
	}
	if !w.busy {
		return fmt.Errorf("%w: worker %d", ErrUnexpectedDone, w.index)
	}

	m.log.Debug("discovery rule has been processed", zap.Uint64("rule_id", w.ruleID), zap.Int("worker", w.index))

	ruleID := w.ruleID
	w.busy = false
	w.ruleID = 0

	m.index.advance(ruleID)
	m.queued--
	m.processed++
	m.statProcessed++
	m.metrics.RecordProcessed(ctx)

	if m.index.hasReady() {
		m.dispatch(ctx, w)
	} else {
		m.pool.release(w)
	}
	return nil
}

func (m *Manager) reportStats() {
	now := m.clock.Now()
	elapsed := now.Sub(m.statStart)
	if elapsed <= m.cfg.StatInterval {
		return
	}

	m.log.Info("LLD manager statistics",
		zap.Uint64("processed", m.statProcessed),
		zap.Duration("interval", elapsed),
		zap.Uint64("queued", m.queued),
		zap.Int("rules", m.index.ruleCount()),
		zap.Int("free_workers", m.pool.freeCount()))

	m.statStart = now
	m.statProcessed = 0
}

// QueueSize returns the number of values waiting or in flight.
func (m *Manager) QueueSize() uint64 {
	return m.queued
}

// Stats returns a snapshot of the manager state.
func (m *Manager) Stats() Stats {
	return Stats{
		Queued:            m.queued,
		Rules:             m.index.ruleCount(),
		ReadyRules:        m.index.readyCount(),
		Workers:           m.pool.size(),
		RegisteredWorkers: m.pool.registered(),
		FreeWorkers:       m.pool.freeCount(),
		BusyWorkers:       m.pool.busyCount(),
		Processed:         m.processed,
	}
}
