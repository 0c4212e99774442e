package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	connID string
	msg    []byte
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (n *fakeNotifier) Notify(connID string, msg []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentFrame{connID: connID, msg: msg})
	return true
}

func (n *fakeNotifier) NotifyAll(msg []byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentFrame{connID: "*", msg: msg})
	return 1
}

func (n *fakeNotifier) frames() []sentFrame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentFrame(nil), n.sent...)
}

type memorySink struct {
	mu       sync.Mutex
	items    []Condition
	prunedAt time.Time
	fail     error
}

func (s *memorySink) Append(_ context.Context, c Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.items = append(s.items, c)
	return nil
}

func (s *memorySink) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunedAt = before
	return 0, nil
}

func (s *memorySink) Close() error { return nil }

type pipelineFixture struct {
	p        *Pipeline
	clock    *clock.Mock
	sink     *memorySink
	notifier *fakeNotifier
	hook     *test.Hook
	registry *prometheus.Registry
}

func newPipelineFixture(t *testing.T, opts Options) *pipelineFixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()

	f := &pipelineFixture{clock: clk, sink: &memorySink{}, notifier: &fakeNotifier{}, hook: hook, registry: reg}
	opts.Logger = logger
	opts.Clock = clk
	opts.Sink = f.sink
	opts.Registerer = reg
	f.p = NewPipeline(opts)
	f.p.SetNotifier(f.notifier)
	return f
}

func TestRaiseNotifiesTargetConnection(t *testing.T) {
	f := newPipelineFixture(t, Options{DedupWindow: time.Second})

	c := f.p.Raise(context.Background(), TaskNotFound, Target{ConnID: "c1", Pseudo: "alice"}, map[string]any{"taskId": "t1"})
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, CategoryResource, c.Category)
	assert.Equal(t, f.clock.Now().UnixMilli(), c.Timestamp)

	frames := f.notifier.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "c1", frames[0].connID)

	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, sonic.Unmarshal(frames[0].msg, &env))
	assert.Equal(t, "system-error", env.Type)
	assert.Equal(t, "TASK_NOT_FOUND", env.Data["code"])
	assert.Equal(t, c.ID, env.Data["id"])
	assert.Equal(t, "Task not found", env.Data["message"])
	assert.NotContains(t, env.Data, "technicalMessage")
	assert.NotContains(t, env.Data, "context")

	require.Len(t, f.sink.items, 1)
	assert.Equal(t, "t1", f.sink.items[0].Context["taskId"])
}

func TestRaiseWithoutTargetOnlyRecords(t *testing.T) {
	f := newPipelineFixture(t, Options{})

	f.p.Raise(context.Background(), TransportError, Target{Pseudo: "alice"}, nil)
	assert.Empty(t, f.notifier.frames())
	assert.Len(t, f.p.Recent(0), 1)
}

func TestRaiseBroadcastUsesNotifyAll(t *testing.T) {
	f := newPipelineFixture(t, Options{})

	f.p.Raise(context.Background(), InternalError, Target{Broadcast: true}, nil)
	frames := f.notifier.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "*", frames[0].connID)
}

func TestRaiseSuppressesDuplicatesWithinWindow(t *testing.T) {
	f := newPipelineFixture(t, Options{DedupWindow: 50 * time.Millisecond})
	ctx := context.Background()

	f.p.Raise(ctx, RateLimitExceeded, Target{ConnID: "c1"}, nil)
	dup := f.p.Raise(ctx, RateLimitExceeded, Target{ConnID: "c1"}, nil)
	f.p.Raise(ctx, RateLimitExceeded, Target{ConnID: "c2"}, nil)

	assert.True(t, dup.Suppressed)
	assert.Len(t, f.notifier.frames(), 2)
	assert.Len(t, f.p.Recent(0), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.p.counter.WithLabelValues(string(RateLimitExceeded), string(SeverityMedium), "true")))

	time.Sleep(80 * time.Millisecond)
	again := f.p.Raise(ctx, RateLimitExceeded, Target{ConnID: "c1"}, nil)
	assert.False(t, again.Suppressed)
	assert.Len(t, f.notifier.frames(), 3)
}

func TestRaiseUnknownCodeBecomesInternal(t *testing.T) {
	f := newPipelineFixture(t, Options{})

	c := f.p.Raise(context.Background(), Code("NOPE"), Target{}, nil)
	assert.Equal(t, InternalError, c.Code)
	assert.Equal(t, "NOPE", c.Context["unknownCode"])
}

func TestRaiseLogsBySeverity(t *testing.T) {
	f := newPipelineFixture(t, Options{})
	ctx := context.Background()

	cases := []struct {
		code  Code
		level log.Level
	}{
		{InvalidSchema, log.InfoLevel},
		{RateLimitExceeded, log.WarnLevel},
		{Forbidden, log.ErrorLevel},
		{InternalError, log.ErrorLevel},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			f.hook.Reset()
			f.p.Raise(ctx, tc.code, Target{}, nil)
			entry := f.hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, tc.level, entry.Level)
			assert.Equal(t, tc.code, entry.Data["code"])
		})
	}

	f.hook.Reset()
	c := f.p.Raise(ctx, InternalError, Target{}, nil)
	assert.NotEmpty(t, c.Stack)
	assert.NotEmpty(t, f.hook.LastEntry().Data["stack"])
}

func TestSinkFailureIsLogged(t *testing.T) {
	f := newPipelineFixture(t, Options{})
	f.sink.fail = errors.New("disk full")

	f.p.Raise(context.Background(), InvalidJSON, Target{}, nil)

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Message == "condition sink append failed" {
			warned = true
		}
	}
	assert.True(t, warned)
	assert.Len(t, f.p.Recent(0), 1)
}

func TestRingIsBounded(t *testing.T) {
	f := newPipelineFixture(t, Options{RingSize: 3})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.p.Raise(ctx, InvalidJSON, Target{}, nil).ID)
	}
	got := f.p.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[4], got[2].ID)

	last := f.p.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, ids[4], last[0].ID)
}

func TestStatsWindows(t *testing.T) {
	f := newPipelineFixture(t, Options{})
	ctx := context.Background()

	f.p.Raise(ctx, InvalidJSON, Target{}, nil)
	f.clock.Add(2 * time.Hour)
	f.p.Raise(ctx, Forbidden, Target{}, nil)
	f.clock.Add(23 * time.Hour)
	f.p.Raise(ctx, Forbidden, Target{}, nil)

	s := f.p.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.LastHour)
	assert.Equal(t, 2, s.LastDay)
	assert.Equal(t, 2, s.ByCategory[CategoryPermission])
	assert.Zero(t, s.ByCategory[CategoryValidation])
	assert.Equal(t, 2, s.BySeverity[SeverityHigh])
}

func TestPruneDropsExpiredConditions(t *testing.T) {
	f := newPipelineFixture(t, Options{Retention: time.Hour})
	ctx := context.Background()

	f.p.Raise(ctx, InvalidJSON, Target{}, nil)
	f.clock.Add(2 * time.Hour)
	keep := f.p.Raise(ctx, InvalidJSON, Target{}, nil)

	dropped, err := f.p.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	got := f.p.Recent(0)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
	assert.Equal(t, f.clock.Now().Add(-time.Hour), f.sink.prunedAt)
}

func TestHistorySeedsRing(t *testing.T) {
	f := newPipelineFixture(t, Options{History: []Condition{testCondition("a", 1), testCondition("b", 2)}})

	got := f.p.Recent(0)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ID)
}

func TestRunPrunesOnTicker(t *testing.T) {
	f := newPipelineFixture(t, Options{Retention: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	f.p.Raise(ctx, InvalidJSON, Target{}, nil)
	done := make(chan error, 1)
	go func() { done <- f.p.Run(ctx, time.Hour) }()

	assert.Eventually(t, func() bool {
		f.clock.Add(time.Hour)
		return len(f.p.Recent(0)) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRegisteringTwiceReusesCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPipeline(Options{Registerer: reg})
	b := NewPipeline(Options{Registerer: reg})

	a.Raise(context.Background(), InvalidJSON, Target{}, nil)
	b.Raise(context.Background(), InvalidJSON, Target{}, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(b.counter.WithLabelValues(string(InvalidJSON), string(SeverityLow), "false")))
}
