package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/webeonic/treegix-sub007/internal/ipc"
	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
)

const testPID = 4242

type fakeClient struct {
	id      uint64
	sent    []*ipc.Message
	closed  bool
	sendErr error
}

func (c *fakeClient) ID() uint64 {
	return c.id
}

func (c *fakeClient) Send(code uint32, data []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, &ipc.Message{Code: code, Data: data})
	return nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

// tasks decodes every TASK message sent to the client.
func (c *fakeClient) tasks(t *testing.T) []*protocol.Value {
	t.Helper()
	var values []*protocol.Value
	for _, msg := range c.sent {
		if msg.Code != protocol.CodeTask {
			continue
		}
		v, _, err := protocol.DecodeValue(msg.Data)
		require.NoError(t, err)
		values = append(values, v)
	}
	return values
}

func (c *fakeClient) lastTask(t *testing.T) *protocol.Value {
	t.Helper()
	tasks := c.tasks(t)
	require.NotEmpty(t, tasks, "client %d received no tasks", c.id)
	return tasks[len(tasks)-1]
}

type testEnv struct {
	t      *testing.T
	m      *Manager
	nextID uint64
}

func newTestEnv(t *testing.T, workers int, opts ...Option) *testEnv {
	opts = append([]Option{WithPID(testPID)}, opts...)
	return &testEnv{t: t, m: New(Config{Workers: workers}, opts...)}
}

func (e *testEnv) client() *fakeClient {
	e.nextID++
	return &fakeClient{id: e.nextID}
}

func (e *testEnv) register() *fakeClient {
	e.t.Helper()
	c := e.client()
	err := e.m.Handle(context.Background(), c, &ipc.Message{Code: protocol.CodeRegister, Data: protocol.EncodeRegister(testPID)})
	require.NoError(e.t, err)
	return c
}

func (e *testEnv) request(ruleID uint64, value string, sec int32) {
	e.t.Helper()
	e.requestValue(&protocol.Value{RuleID: ruleID, Value: protocol.String(value), Timestamp: protocol.Timespec{Sec: sec}})
}

func (e *testEnv) requestValue(v *protocol.Value) {
	e.t.Helper()
	err := e.m.Handle(context.Background(), e.client(), &ipc.Message{Code: protocol.CodeRequest, Data: protocol.EncodeValue(v)})
	require.NoError(e.t, err)
}

func (e *testEnv) done(c *fakeClient) {
	e.t.Helper()
	err := e.m.Handle(context.Background(), c, &ipc.Message{Code: protocol.CodeDone})
	require.NoError(e.t, err)
}

func (e *testEnv) queueSize() uint64 {
	e.t.Helper()
	c := e.client()
	err := e.m.Handle(context.Background(), c, &ipc.Message{Code: protocol.CodeQueue})
	require.NoError(e.t, err)
	require.Len(e.t, c.sent, 1)
	assert.Equal(e.t, protocol.CodeQueue, c.sent[0].Code)
	n, err := protocol.DecodeQueueSize(c.sent[0].Data)
	require.NoError(e.t, err)
	return n
}

func TestQueueSizeWithoutRequests(t *testing.T) {
	env := newTestEnv(t, 2)
	assert.Equal(t, uint64(0), env.queueSize())
}

func TestOldestRuleDispatchedFirst(t *testing.T) {
	env := newTestEnv(t, 1)

	env.request(100, "A", 10)
	env.request(200, "B", 5)

	w := env.register()

	task := w.lastTask(t)
	assert.Equal(t, uint64(200), task.RuleID)
	assert.Equal(t, "B", *task.Value)

	env.done(w)
	task = w.lastTask(t)
	assert.Equal(t, uint64(100), task.RuleID)
	assert.Equal(t, "A", *task.Value)
}

func TestValuesOfRuleProcessedInArrivalOrder(t *testing.T) {
	env := newTestEnv(t, 2)

	// the second value carries an earlier timestamp but arrives later
	env.request(100, "A", 10)
	env.request(100, "B", 3)
	env.request(100, "C", 12)

	w1 := env.register()
	w2 := env.register()

	require.Len(t, w1.tasks(t), 1)
	assert.Equal(t, "A", *w1.lastTask(t).Value)
	assert.Empty(t, w2.tasks(t), "a rule must not be dispatched to two workers")

	env.done(w1)
	assert.Equal(t, "B", *w1.lastTask(t).Value)
	assert.Empty(t, w2.tasks(t))

	env.done(w1)
	assert.Equal(t, "C", *w1.lastTask(t).Value)

	env.done(w1)
	assert.Len(t, w1.tasks(t), 3)
	assert.Equal(t, 0, env.m.Stats().Rules)
	assert.Equal(t, 2, env.m.Stats().FreeWorkers)
}

func TestRequestWhileRuleInFlight(t *testing.T) {
	env := newTestEnv(t, 2)
	w1 := env.register()
	w2 := env.register()

	env.request(100, "A", 10)
	assert.Equal(t, "A", *w1.lastTask(t).Value)

	env.request(100, "B", 11)
	assert.Empty(t, w2.tasks(t))
	stats := env.m.Stats()
	assert.Equal(t, 1, stats.Rules)
	assert.Equal(t, 0, stats.ReadyRules)
	assert.Equal(t, uint64(2), stats.Queued)

	env.done(w1)
	assert.Equal(t, "B", *w1.lastTask(t).Value)
	assert.Empty(t, w2.tasks(t))
}

func TestDifferentRulesRunConcurrently(t *testing.T) {
	env := newTestEnv(t, 2)
	w1 := env.register()
	w2 := env.register()

	env.request(100, "A", 10)
	env.request(200, "B", 11)
	env.request(300, "C", 12)

	assert.Equal(t, uint64(100), w1.lastTask(t).RuleID)
	assert.Equal(t, uint64(200), w2.lastTask(t).RuleID)

	stats := env.m.Stats()
	assert.Equal(t, 2, stats.BusyWorkers)
	assert.Equal(t, 1, stats.ReadyRules)

	// the finishing worker takes the waiting rule without going idle
	env.done(w2)
	assert.Equal(t, uint64(300), w2.lastTask(t).RuleID)
	assert.Equal(t, 0, env.m.Stats().FreeWorkers)
}

func TestIdleWorkersUsedInRegistrationOrder(t *testing.T) {
	env := newTestEnv(t, 3)
	w1 := env.register()
	w2 := env.register()
	w3 := env.register()

	env.request(100, "A", 1)
	assert.Len(t, w1.tasks(t), 1)

	env.done(w1)
	env.request(200, "B", 2)
	assert.Len(t, w2.tasks(t), 1)

	env.request(300, "C", 3)
	assert.Len(t, w3.tasks(t), 1)

	env.request(400, "D", 4)
	assert.Len(t, w1.tasks(t), 2)
}

func TestRegistrationOverflow(t *testing.T) {
	env := newTestEnv(t, 2)
	env.register()
	env.register()

	c := env.client()
	err := env.m.Handle(context.Background(), c, &ipc.Message{Code: protocol.CodeRegister, Data: protocol.EncodeRegister(testPID)})
	assert.ErrorIs(t, err, ErrTooManyWorkers)
	assert.Equal(t, 2, env.m.Stats().RegisteredWorkers)
}

func TestRegistrationTwiceFromSameClient(t *testing.T) {
	env := newTestEnv(t, 2)
	w := env.register()

	err := env.m.Handle(context.Background(), w, &ipc.Message{Code: protocol.CodeRegister, Data: protocol.EncodeRegister(testPID)})
	assert.ErrorIs(t, err, ErrDuplicateWorker)
	assert.Equal(t, 1, env.m.Stats().RegisteredWorkers)
}

func TestRegistrationFromForeignProcess(t *testing.T) {
	env := newTestEnv(t, 1)

	tests := []struct {
		name string
		data []byte
	}{
		{"wrong parent pid", protocol.EncodeRegister(testPID + 1)},
		{"truncated payload", []byte{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := env.client()
			err := env.m.Handle(context.Background(), c, &ipc.Message{Code: protocol.CodeRegister, Data: tt.data})
			require.NoError(t, err)
			assert.True(t, c.closed)
		})
	}

	assert.Equal(t, 0, env.m.Stats().RegisteredWorkers)

	// the slot is still available to a genuine worker
	w := env.register()
	assert.False(t, w.closed)
	assert.Equal(t, 1, env.m.Stats().FreeWorkers)
}

func TestDoneFromUnregisteredClient(t *testing.T) {
	env := newTestEnv(t, 1)
	err := env.m.Handle(context.Background(), env.client(), &ipc.Message{Code: protocol.CodeDone})
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestDoneFromIdleWorker(t *testing.T) {
	env := newTestEnv(t, 1)
	w := env.register()
	err := env.m.Handle(context.Background(), w, &ipc.Message{Code: protocol.CodeDone})
	assert.ErrorIs(t, err, ErrUnexpectedDone)
}

func TestUnknownMessage(t *testing.T) {
	env := newTestEnv(t, 1)
	err := env.m.Handle(context.Background(), env.client(), &ipc.Message{Code: 77})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMalformedRequestDropped(t *testing.T) {
	env := newTestEnv(t, 1)
	err := env.m.Handle(context.Background(), env.client(), &ipc.Message{Code: protocol.CodeRequest, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), env.queueSize())
}

func TestErrorValuePassedToWorker(t *testing.T) {
	env := newTestEnv(t, 1)
	w := env.register()

	env.requestValue(&protocol.Value{
		RuleID:      500,
		Error:       protocol.String("timeout"),
		Timestamp:   protocol.Timespec{Sec: 7, Ns: 3},
		Meta:        true,
		LastLogSize: 1024,
		Mtime:       99,
	})

	task := w.lastTask(t)
	assert.Nil(t, task.Value)
	require.NotNil(t, task.Error)
	assert.Equal(t, "timeout", *task.Error)
	assert.True(t, task.Meta)
	assert.Equal(t, uint64(1024), task.LastLogSize)
	assert.Equal(t, int32(99), task.Mtime)
}

func TestRuleLifecycle(t *testing.T) {
	env := newTestEnv(t, 1)
	w := env.register()

	env.request(100, "A", 1)
	assert.Equal(t, uint64(1), env.queueSize())
	assert.Equal(t, 1, env.m.Stats().Rules)

	env.done(w)
	assert.Equal(t, uint64(0), env.queueSize())
	assert.Equal(t, 0, env.m.Stats().Rules)
	_, ok := env.m.index.rules[100]
	assert.False(t, ok)

	env.request(100, "B", 2)
	assert.Equal(t, "B", *w.lastTask(t).Value)
	q := env.m.index.rules[100]
	require.NotNil(t, q)
	assert.Len(t, q.values, 1)
	assert.Equal(t, uint64(1), env.queueSize())
}

func TestTaskSendFailureKeepsRuleInFlight(t *testing.T) {
	env := newTestEnv(t, 1)
	w := env.register()
	w.sendErr = errors.New("broken pipe")

	env.request(100, "A", 1)

	stats := env.m.Stats()
	assert.Equal(t, 1, stats.BusyWorkers)
	assert.Equal(t, 0, stats.ReadyRules)
	assert.Equal(t, uint64(1), stats.Queued)
}

// checkInvariants verifies the rule state machine against the worker pool.
func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()

	inFlight := make(map[uint64]int)
	for i := range m.pool.workers {
		w := &m.pool.workers[i]
		if !w.busy {
			continue
		}
		inFlight[w.ruleID]++
		require.Equal(t, 1, inFlight[w.ruleID], "rule %d bound to several workers", w.ruleID)
		require.Contains(t, m.index.rules, w.ruleID)
	}

	ready := make(map[uint64]bool)
	for _, ref := range m.index.ready {
		require.False(t, ready[ref.ruleID], "rule %d queued twice", ref.ruleID)
		ready[ref.ruleID] = true
		require.Zero(t, inFlight[ref.ruleID], "rule %d both queued and in flight", ref.ruleID)
		q, ok := m.index.rules[ref.ruleID]
		require.True(t, ok)
		require.Equal(t, q.head().Timestamp, ref.ts)
	}

	var total uint64
	for id, q := range m.index.rules {
		require.NotEmpty(t, q.values, "rule %d indexed without values", id)
		require.True(t, ready[id] || inFlight[id] == 1, "rule %d neither queued nor in flight", id)
		total += uint64(len(q.values))
	}
	require.Equal(t, m.queued, total)

	if m.index.hasReady() {
		require.Zero(t, m.pool.freeCount(), "ready rule waits while a worker is idle")
	}
}

func TestRandomInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		env := newTestEnv(t, 1+rng.Intn(4))

		var workers []*fakeClient
		for i := 0; i < env.m.pool.size(); i++ {
			workers = append(workers, env.register())
		}

		sent := make(map[uint64][]string)
		delivered := make(map[uint64][]string)
		seen := make(map[*fakeClient]int)
		collect := func() {
			for _, w := range workers {
				tasks := w.tasks(t)
				for _, task := range tasks[seen[w]:] {
					delivered[task.RuleID] = append(delivered[task.RuleID], *task.Value)
				}
				seen[w] = len(tasks)
			}
		}

		var enqueued, completed uint64
		for step := 0; step < 300; step++ {
			if rng.Intn(2) == 0 {
				ruleID := uint64(1 + rng.Intn(6))
				value := string(rune('a'+rng.Intn(26))) + string(rune('a'+step%26))
				sent[ruleID] = append(sent[ruleID], value)
				env.request(ruleID, value, int32(rng.Intn(50)))
				enqueued++
			} else {
				var busy []*fakeClient
				for i, w := range workers {
					if env.m.pool.workers[i].busy {
						busy = append(busy, w)
					}
				}
				if len(busy) == 0 {
					continue
				}
				env.done(busy[rng.Intn(len(busy))])
				completed++
			}

			collect()
			checkInvariants(t, env.m)
			require.Equal(t, enqueued-completed, env.m.QueueSize())
		}

		for env.m.Stats().BusyWorkers > 0 {
			for i, w := range workers {
				if env.m.pool.workers[i].busy {
					env.done(w)
				}
			}
			collect()
			checkInvariants(t, env.m)
		}

		assert.Equal(t, uint64(0), env.m.QueueSize())
		assert.Equal(t, 0, env.m.Stats().Rules)
		assert.Equal(t, sent, delivered, "seed %d", seed)
	}
}

type recvItem struct {
	client ipc.Client
	msg    *ipc.Message
}

type scriptedReceiver struct {
	items  []recvItem
	cancel context.CancelFunc
	clock  *clock.Mock
	step   time.Duration
}

func (r *scriptedReceiver) Recv(ctx context.Context, timeout time.Duration) (ipc.Client, *ipc.Message, error) {
	if r.clock != nil {
		r.clock.Add(r.step)
	}
	if len(r.items) == 0 {
		r.cancel()
		return nil, nil, ctx.Err()
	}
	item := r.items[0]
	r.items = r.items[1:]
	if item.msg == nil {
		return nil, nil, nil
	}
	return item.client, item.msg, nil
}

func TestRunProcessesMessagesUntilCancelled(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mock := clock.NewMock()
	m := New(Config{Workers: 1, StatInterval: 5 * time.Second},
		WithPID(testPID), WithClock(mock), WithLogger(zap.New(core)))

	w := &fakeClient{id: 1}
	producer := &fakeClient{id: 2}
	value := protocol.EncodeValue(&protocol.Value{RuleID: 9, Value: protocol.String("[]")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv := &scriptedReceiver{
		items: []recvItem{
			{w, &ipc.Message{Code: protocol.CodeRegister, Data: protocol.EncodeRegister(testPID)}},
			{producer, &ipc.Message{Code: protocol.CodeRequest, Data: value}},
			{w, &ipc.Message{Code: protocol.CodeDone}},
		},
		cancel: cancel,
		clock:  mock,
		step:   2 * time.Second,
	}

	require.NoError(t, m.Run(ctx, recv))
	assert.Len(t, w.tasks(t), 1)
	assert.Equal(t, uint64(1), m.Stats().Processed)

	entries := logs.FilterMessage("LLD manager statistics").All()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1].ContextMap()
	assert.Equal(t, uint64(1), last["processed"])
}

func TestRunStopsOnProtocolViolation(t *testing.T) {
	m := New(Config{Workers: 1}, WithPID(testPID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	register := &ipc.Message{Code: protocol.CodeRegister, Data: protocol.EncodeRegister(testPID)}
	recv := &scriptedReceiver{
		items: []recvItem{
			{&fakeClient{id: 1}, register},
			{&fakeClient{id: 2}, register},
		},
		cancel: cancel,
	}

	err := m.Run(ctx, recv)
	assert.ErrorIs(t, err, ErrTooManyWorkers)
}

type failingReceiver struct{}

func (failingReceiver) Recv(context.Context, time.Duration) (ipc.Client, *ipc.Message, error) {
	return nil, nil, ipc.ErrServiceClosed
}

func TestRunReturnsReceiveFailure(t *testing.T) {
	m := New(Config{Workers: 1})
	err := m.Run(context.Background(), failingReceiver{})
	assert.ErrorIs(t, err, ipc.ErrServiceClosed)
}

type countingRecorder struct {
	queued, dispatched, processed int
	size                          uint64
	free                          int
}

func (r *countingRecorder) RecordQueued(context.Context)     { r.queued++ }
func (r *countingRecorder) RecordDispatched(context.Context) { r.dispatched++ }
func (r *countingRecorder) RecordProcessed(context.Context)  { r.processed++ }
func (r *countingRecorder) SetQueueSize(n uint64)            { r.size = n }
func (r *countingRecorder) SetFreeWorkers(n int)             { r.free = n }

func TestRecorderReceivesCounters(t *testing.T) {
	rec := &countingRecorder{}
	env := newTestEnv(t, 1, WithRecorder(rec))
	w := env.register()

	env.request(1, "a", 1)
	env.request(1, "b", 2)
	assert.Equal(t, 2, rec.queued)
	assert.Equal(t, 1, rec.dispatched)
	assert.Equal(t, uint64(2), rec.size)
	assert.Equal(t, 0, rec.free)

	env.done(w)
	env.done(w)
	assert.Equal(t, 2, rec.processed)
	assert.Equal(t, 2, rec.dispatched)
	assert.Equal(t, uint64(0), rec.size)
	assert.Equal(t, 1, rec.free)
}

func TestIsFatal(t *testing.T) {
	for _, err := range []error{ErrTooManyWorkers, ErrDuplicateWorker, ErrUnknownClient, ErrUnexpectedDone, ErrUnknownMessage} {
		assert.True(t, IsFatal(err), err.Error())
		assert.True(t, IsFatal(fmt.Errorf("handle: %w", err)), err.Error())
	}
	assert.False(t, IsFatal(errors.New("cannot receive LLD service message")))
	assert.False(t, IsFatal(nil))
}
