package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/policy"
	"github.com/xela07ax/agenshield/internal/protocol"
	"github.com/xela07ax/agenshield/internal/sandbox"
	"go.uber.org/zap"
)

// fakeDaemon отвечает заданным результатом или ошибкой и считает вызовы
type fakeDaemon struct {
	calls  atomic.Int32
	result *protocol.PolicyCheckResult
	err    error
	block  bool
}

func (d *fakeDaemon) PolicyCheck(ctx context.Context, _ protocol.PolicyCheckParams) (*protocol.PolicyCheckResult, error) {
	d.calls.Add(1)
	if d.block {
		<-ctx.Done()
		return nil, &domain.TransportError{Op: protocol.MethodPolicyCheck, Cause: ctx.Err()}
	}
	return d.result, d.err
}

type recordingReporter struct {
	mu     sync.Mutex
	events []domain.InterceptorEvent
}

func (r *recordingReporter) Report(ev domain.InterceptorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingReporter) snapshot() []domain.InterceptorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InterceptorEvent(nil), r.events...)
}

func testRules() []domain.PolicyRule {
	return []domain.PolicyRule{
		{ID: "deny-etc", Action: domain.ActionDeny, Target: domain.TargetFilesystem, Patterns: []string{"/etc/**"}, Enabled: true, Priority: 10},
		{ID: "allow-ws", Action: domain.ActionAllow, Target: domain.TargetFilesystem, Patterns: []string{"/workspace/**"}, Enabled: true, Priority: 5},
		{ID: "allow-git", Action: domain.ActionAllow, Target: domain.TargetCommand, Patterns: []string{"git:*"}, Enabled: true,
			Sandbox: &domain.SandboxConfig{Enabled: true, AllowedWritePaths: []string{"/workspace"}}},
		{ID: "allow-bad-sandbox", Action: domain.ActionAllow, Target: domain.TargetCommand, Patterns: []string{"make:*"}, Enabled: true,
			Sandbox: &domain.SandboxConfig{Enabled: true, AllowedWritePaths: []string{"relative/dir"}}},
	}
}

func newEnforcer(def domain.PolicyAction) *policy.Enforcer {
	e := policy.NewEnforcer(def, nil, zap.NewNop(), nil)
	e.Load(testRules())
	return e
}

func newBroker(t *testing.T, def domain.PolicyAction, d Decider, cfg Config, opts ...Option) (*Broker, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	if d != nil {
		opts = append(opts, WithForwarder(NewForwarder(d, 50*time.Millisecond, zap.NewNop(), m)))
	}
	return New(newEnforcer(def), cfg, zap.NewNop(), m, opts...), m
}

func fileRead(path string) domain.Operation {
	return domain.FileOperation{Op: domain.OpFileRead, Path: path}
}

func TestExplicitRemoteVerdictOverridesLocalDenial(t *testing.T) {
	d := &fakeDaemon{result: &domain.EvaluationResult{Allowed: true, PolicyID: "admin-etc", Reason: "admin exception"}}
	b, m := newBroker(t, domain.ActionDeny, d, Config{})

	res := b.Check(context.Background(), fileRead("/etc/hosts"), nil)
	if !res.Allowed || res.PolicyID != "admin-etc" {
		t.Fatalf("explicit remote allow must override, got %+v", res)
	}
	if got := testutil.ToFloat64(m.Forwards.WithLabelValues("override")); got != 1 {
		t.Errorf("override count = %v", got)
	}
}

func TestRemoteDefaultAllowNeverOverridesDenial(t *testing.T) {
	d := &fakeDaemon{result: &domain.EvaluationResult{Allowed: true, Reason: "no matching policy, default allow"}}
	b, m := newBroker(t, domain.ActionDeny, d, Config{})

	res := b.Check(context.Background(), fileRead("/etc/passwd"), nil)
	if res.Allowed || res.PolicyID != "deny-etc" {
		t.Fatalf("remote default-allow weakened a local denial: %+v", res)
	}
	if d.calls.Load() != 1 {
		t.Errorf("denial must be forwarded once, calls = %d", d.calls.Load())
	}
	if got := testutil.ToFloat64(m.Forwards.WithLabelValues("ignored_default")); got != 1 {
		t.Errorf("ignored_default count = %v", got)
	}
}

func TestForwardFailuresKeepLocalDenial(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		outcome string
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, "transport_error"},
		{"malformed payload", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"result": [1, 2, 3]}`))
		}, "transport_error"},
		{"rpc error", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"error": {"message": "internal"}}`))
		}, "rpc_error"},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			w.Write([]byte(`{"result": {"allowed": true, "policyId": "late"}}`))
		}, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := protocol.NewClient(srv.URL, protocol.WithTimeout(time.Second))
			b, m := newBroker(t, domain.ActionDeny, client, Config{})

			res := b.Check(context.Background(), fileRead("/etc/shadow"), nil)
			if res.Allowed || res.PolicyID != "deny-etc" {
				t.Fatalf("failure must keep the local denial, got %+v", res)
			}
			if got := testutil.ToFloat64(m.Forwards.WithLabelValues(tt.outcome)); got != 1 {
				t.Errorf("%s count = %v", tt.outcome, got)
			}
		})
	}
}

func TestForwardTimeoutIsBounded(t *testing.T) {
	d := &fakeDaemon{block: true}
	b, _ := newBroker(t, domain.ActionDeny, d, Config{})

	start := time.Now()
	res := b.Check(context.Background(), fileRead("/etc/passwd"), nil)
	if res.Allowed {
		t.Fatal("timed out forward must keep the denial")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("check took %v, forward timeout not enforced", elapsed)
	}
}

func TestBreakerOpensAfterRepeatedTransportFailures(t *testing.T) {
	d := &fakeDaemon{err: &domain.TransportError{Op: "policy_check", Cause: errors.New("connection refused")}}
	b, m := newBroker(t, domain.ActionDeny, d, Config{})

	for i := 0; i < 10; i++ {
		if res := b.Check(context.Background(), fileRead("/etc/passwd"), nil); res.Allowed {
			t.Fatal("denial must stand while the daemon is down")
		}
	}
	if d.calls.Load() != 6 {
		t.Errorf("daemon calls = %d, breaker must open after 6 consecutive failures", d.calls.Load())
	}
	if got := testutil.ToFloat64(m.Forwards.WithLabelValues("breaker_open")); got != 4 {
		t.Errorf("breaker_open count = %v, want 4", got)
	}
	if testutil.ToFloat64(m.BreakerState) != 1 {
		t.Error("breaker state gauge must report open")
	}
}

func TestDefaultAllowConfirmation(t *testing.T) {
	deny := &fakeDaemon{result: &domain.EvaluationResult{Allowed: false, PolicyID: "remote-deny-tmp", Reason: "tmp is off limits"}}

	b, _ := newBroker(t, domain.ActionAllow, deny, Config{ConfirmDefaultAllow: true})
	res := b.Check(context.Background(), fileRead("/tmp/x.txt"), nil)
	if res.Allowed || res.PolicyID != "remote-deny-tmp" {
		t.Errorf("explicit remote deny must tighten a local default-allow, got %+v", res)
	}

	silent := &fakeDaemon{result: &domain.EvaluationResult{Allowed: false, PolicyID: "remote-deny-tmp"}}
	b, _ = newBroker(t, domain.ActionAllow, silent, Config{ConfirmDefaultAllow: false})
	res = b.Check(context.Background(), fileRead("/tmp/x.txt"), nil)
	if !res.Allowed || silent.calls.Load() != 0 {
		t.Errorf("without confirmation default-allow is not forwarded, got %+v after %d calls", res, silent.calls.Load())
	}

	// Явное локальное разрешение демону не отправляется
	b, _ = newBroker(t, domain.ActionAllow, silent, Config{ConfirmDefaultAllow: true})
	res = b.Check(context.Background(), fileRead("/workspace/x.txt"), nil)
	if !res.Allowed || res.PolicyID != "allow-ws" || silent.calls.Load() != 0 {
		t.Errorf("explicit local allow must not be forwarded, got %+v after %d calls", res, silent.calls.Load())
	}
}

func TestExecGetsCompiledSandbox(t *testing.T) {
	cache := sandbox.NewCache(t.TempDir(), zap.NewNop(), nil)
	base := domain.SandboxConfig{Enabled: true, AllowedReadPaths: []string{"/usr"}}
	rep := &recordingReporter{}
	b, _ := newBroker(t, domain.ActionDeny, nil, Config{BaseSandbox: base}, WithProfiles(cache), WithReporter(rep))

	res := b.Check(context.Background(), domain.ExecOperation{Command: "/usr/bin/git", Args: []string{"status"}}, nil)
	if !res.Allowed || res.Sandbox == nil {
		t.Fatalf("allowed exec must carry a sandbox, got %+v", res)
	}
	if res.Sandbox.ProfilePath == "" || !strings.HasSuffix(res.Sandbox.ProfilePath, ".sb") {
		t.Errorf("profile path = %q", res.Sandbox.ProfilePath)
	}
	if len(res.Sandbox.AllowedReadPaths) != 1 || len(res.Sandbox.AllowedWritePaths) != 1 {
		t.Errorf("base and rule constraints must be merged: %+v", res.Sandbox)
	}

	res = b.Check(context.Background(), domain.ExecOperation{Command: "make", Args: []string{"all"}}, nil)
	if res.Allowed || !strings.Contains(res.Reason, "sandbox profile") {
		t.Errorf("uncompilable sandbox must deny, got %+v", res)
	}

	events := rep.snapshot()
	if len(events) != 2 || events[0].Type != domain.EventAllowed || events[1].Type != domain.EventSandboxError {
		t.Errorf("unexpected audit events %+v", events)
	}
}

func TestRPCServer(t *testing.T) {
	rep := &recordingReporter{}
	b, _ := newBroker(t, domain.ActionDeny, nil, Config{}, WithReporter(rep))
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewRouter(b, reg, zap.NewNop()))
	defer srv.Close()

	c := protocol.NewClient(srv.URL + "/rpc")
	ctx := context.Background()

	res, err := c.PolicyCheck(ctx, protocol.PolicyCheckParams{Operation: domain.OpFileWrite, Target: "/etc/passwd"})
	if err != nil || res.Allowed || res.PolicyID != "deny-etc" {
		t.Fatalf("policy_check = %+v, %v", res, err)
	}

	_, err = c.PolicyCheck(ctx, protocol.PolicyCheckParams{Operation: "teleport", Target: "/x"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown operation must be a validation error, got %v", err)
	}

	if err := c.EventsBatch(ctx, []domain.InterceptorEvent{{ID: "e1"}, {ID: "e2"}}); err != nil {
		t.Fatalf("events_batch: %v", err)
	}
	if n := len(rep.snapshot()); n != 3 {
		t.Errorf("reported %d events, want decision + 2 ingested", n)
	}

	if _, err := c.LifecycleEnd(ctx, protocol.LifecycleEndParams{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty lifecycle_end must be rejected, got %v", err)
	}
}
