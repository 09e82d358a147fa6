package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSink struct {
	mu      sync.Mutex
	fail    int // сколько первых вызовов завершить ошибкой
	calls   int
	batches [][]domain.InterceptorEvent
	got     chan int
}

func newFakeSink(fail int) *fakeSink {
	return &fakeSink{fail: fail, got: make(chan int, 16)}
}

func (s *fakeSink) WriteBatch(_ context.Context, events []domain.InterceptorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fail {
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, append([]domain.InterceptorEvent(nil), events...))
	select {
	case s.got <- len(events):
	default:
	}
	return nil
}

func event(i int) domain.InterceptorEvent {
	return domain.InterceptorEvent{ID: fmt.Sprintf("ev-%03d", i), Type: domain.EventAllowed}
}

func TestReportDropsOldestOnOverflow(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	sink := newFakeSink(0)
	r := NewReporter(sink, Config{MaxQueueSize: 500, FlushThreshold: 500, FlushInterval: time.Hour}, zap.NewNop(), m)

	for i := 0; i < 600; i++ {
		r.Report(event(i))
	}
	if r.Len() != 500 {
		t.Fatalf("queue len = %d, want 500", r.Len())
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("overflow")); got != 100 {
		t.Errorf("overflow drops = %v, want 100", got)
	}

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	batch := sink.batches[0]
	if len(batch) != 500 || batch[0].ID != "ev-100" || batch[499].ID != "ev-599" {
		t.Errorf("batch = %d events [%s..%s], want the newest 500", len(batch), batch[0].ID, batch[len(batch)-1].ID)
	}
}

func TestFlushRequeuesAtFront(t *testing.T) {
	sink := newFakeSink(1)
	r := NewReporter(sink, Config{MaxQueueSize: 10, FlushInterval: time.Hour}, zap.NewNop(), nil)

	for i := 0; i < 3; i++ {
		r.Report(event(i))
	}
	if err := r.Flush(context.Background()); err == nil {
		t.Fatal("first flush should fail")
	}
	r.Report(event(3))

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	var ids []string
	for _, e := range sink.batches[0] {
		ids = append(ids, e.ID)
	}
	want := []string{"ev-000", "ev-001", "ev-002", "ev-003"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("delivery order = %v, want %v", ids, want)
	}
}

func TestRequeueRespectsCapacity(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := NewReporter(newFakeSink(1), Config{MaxQueueSize: 4, FlushInterval: time.Hour}, zap.NewNop(), m)
	for i := 0; i < 3; i++ {
		r.Report(event(i))
	}
	r.requeue([]domain.InterceptorEvent{event(-2), event(-1)})

	if r.Len() != 4 {
		t.Fatalf("len = %d, want 4", r.Len())
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("overflow")); got != 1 {
		t.Errorf("overflow drops = %v, want 1", got)
	}
}

func TestBatchDroppedAfterMaxRetries(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	sink := newFakeSink(100)
	r := NewReporter(sink, Config{MaxQueueSize: 50, MaxRetries: 3, FlushInterval: time.Hour}, zap.NewNop(), m)

	for i := 0; i < 5; i++ {
		r.Report(event(i))
	}
	for attempt := 1; attempt <= 2; attempt++ {
		if err := r.Flush(context.Background()); err == nil {
			t.Fatalf("attempt %d should fail", attempt)
		}
		if r.Len() != 5 {
			t.Fatalf("attempt %d: batch must be re-queued, len = %d", attempt, r.Len())
		}
	}
	if err := r.Flush(context.Background()); err == nil {
		t.Fatal("third attempt should report the drop")
	}
	if r.Len() != 0 {
		t.Errorf("batch must be dropped after 3 failures, len = %d", r.Len())
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("retries")); got != 5 {
		t.Errorf("retries drops = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.FlushFailures); got != 3 {
		t.Errorf("flush failures = %v, want 3", got)
	}

	// Счетчик сбоев сбрасывается: новая пачка снова получает все попытки
	r.Report(event(9))
	r.Flush(context.Background())
	if r.Len() != 1 {
		t.Errorf("fresh batch must be retried, len = %d", r.Len())
	}
}

func TestLateEventsGetTheirOwnRetries(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	sink := newFakeSink(4)
	r := NewReporter(sink, Config{MaxQueueSize: 50, MaxRetries: 3, FlushInterval: time.Hour}, zap.NewNop(), m)
	ctx := context.Background()

	r.Report(event(0))
	r.Flush(ctx)
	// Пришло после первого сбоя и сливается с повторяемой пачкой
	r.Report(event(1))
	r.Flush(ctx)
	r.Flush(ctx)

	if r.Len() != 1 {
		t.Fatalf("only the first event exhausts its attempts, len = %d", r.Len())
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues("retries")); got != 1 {
		t.Errorf("retries drops = %v, want 1", got)
	}

	// Четвертый сбой: у ev-001 это третья попытка
	if err := r.Flush(ctx); err == nil {
		t.Fatal("fourth flush should fail")
	}
	if r.Len() != 0 {
		t.Fatalf("ev-001 must be dropped after its own 3 attempts, len = %d", r.Len())
	}

	r.Report(event(2))
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("sink recovered: %v", err)
	}
	if len(sink.batches) != 1 || sink.batches[0][0].ID != "ev-002" {
		t.Errorf("delivered = %+v", sink.batches)
	}
}

func TestThresholdTriggersWorkerFlush(t *testing.T) {
	sink := newFakeSink(0)
	r := NewReporter(sink, Config{MaxQueueSize: 100, FlushThreshold: 5, FlushInterval: time.Hour}, zaptest.NewLogger(t), nil)
	r.Start()
	defer r.Stop()

	for i := 0; i < 5; i++ {
		r.Report(event(i))
	}
	select {
	case n := <-sink.got:
		if n != 5 {
			t.Errorf("flushed %d events, want 5", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("threshold did not trigger a flush")
	}
}

func TestTickerTriggersWorkerFlush(t *testing.T) {
	sink := newFakeSink(0)
	r := NewReporter(sink, Config{MaxQueueSize: 100, FlushThreshold: 100, FlushInterval: 20 * time.Millisecond}, zaptest.NewLogger(t), nil)
	r.Start()
	defer r.Stop()

	r.Report(event(1))
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not trigger a flush")
	}
}

func TestStopFlushesAndRejectsLateEvents(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	sink := newFakeSink(0)
	r := NewReporter(sink, Config{MaxQueueSize: 100, FlushThreshold: 100, FlushInterval: time.Hour}, zaptest.NewLogger(t), m)
	r.Start()

	r.Report(event(1))
	r.Report(event(2))
	r.Stop()

	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("final flush delivered %v", sink.batches)
	}

	r.Report(event(3))
	if r.Len() != 0 || testutil.ToFloat64(m.Dropped.WithLabelValues("stopped")) != 1 {
		t.Error("events after Stop must be dropped and counted")
	}
	r.Stop()
}

func TestReportFillsIdentity(t *testing.T) {
	sink := newFakeSink(0)
	r := NewReporter(sink, Config{}, zap.NewNop(), nil)
	r.Report(domain.InterceptorEvent{Type: domain.EventDenied})
	r.Flush(context.Background())

	ev := sink.batches[0][0]
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Errorf("missing id or timestamp: %+v", ev)
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	res := domain.EvaluationResult{Allowed: false, PolicyID: "deny-etc", Reason: "matched",
		ExecutionContext: &domain.ExecutionContext{AgentID: "a1", SessionID: "s1"}}
	op := domain.FileOperation{Op: domain.OpFileRead, Path: "/etc/passwd"}
	if err := sink.WriteBatch(context.Background(), []domain.InterceptorEvent{DecisionEvent(op, res)}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	entries := logs.FilterMessage("audit_event").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["type"] != "denied" || fields["target"] != "/etc/passwd" || fields["agent_id"] != "a1" {
		t.Errorf("unexpected fields %v", fields)
	}
}

type fakeSender struct {
	events []domain.InterceptorEvent
}

func (s *fakeSender) EventsBatch(_ context.Context, events []domain.InterceptorEvent) error {
	s.events = append(s.events, events...)
	return nil
}

func TestRPCSinkAndEvents(t *testing.T) {
	sender := &fakeSender{}
	op := domain.ExecOperation{Command: "/usr/bin/git", Args: []string{"push"}}
	local := domain.EvaluationResult{Allowed: false, PolicyID: "no-push"}
	remote := domain.EvaluationResult{Allowed: true, PolicyID: "admin-push", Reason: "admin rule"}

	events := []domain.InterceptorEvent{
		OverrideEvent(op, local, remote),
		SandboxErrorEvent(op, domain.EvaluationResult{}, errors.New("bad path")),
	}
	if err := NewRPCSink(sender).WriteBatch(context.Background(), events); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	if len(sender.events) != 2 {
		t.Fatalf("sent %d events", len(sender.events))
	}
	ov := sender.events[0]
	if ov.Type != domain.EventOverridden || !ov.Allowed || ov.Target != "/usr/bin/git push" || ov.Operation != domain.OpExec {
		t.Errorf("override event = %+v", ov)
	}
	if se := sender.events[1]; se.Type != domain.EventSandboxError || se.Error != "bad path" || se.Allowed {
		t.Errorf("sandbox error event = %+v", se)
	}
}
