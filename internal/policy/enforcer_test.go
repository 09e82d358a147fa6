package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func fsRule(id string, action domain.PolicyAction, priority int, patterns ...string) domain.PolicyRule {
	return domain.PolicyRule{
		ID:       id,
		Name:     id,
		Action:   action,
		Target:   domain.TargetFilesystem,
		Patterns: patterns,
		Enabled:  true,
		Priority: priority,
	}
}

func readOp(path string) domain.Operation {
	return domain.FileOperation{Op: domain.OpFileRead, Path: path}
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		name    string
		target  domain.TargetType
		pattern string
		subject string
		want    bool
	}{
		{"fs doublestar", domain.TargetFilesystem, "/etc/**", "/etc/ssh/sshd_config", true},
		{"fs sibling prefix", domain.TargetFilesystem, "/etc/**", "/etcetera/file", false},
		{"fs single star stays in segment", domain.TargetFilesystem, "/tmp/*", "/tmp/a/b", false},
		{"cmd exact name", domain.TargetCommand, "git:*", "/usr/bin/git push origin", true},
		{"cmd exact name other binary", domain.TargetCommand, "git:*", "gitk --all", false},
		{"cmd wildcard crosses slash", domain.TargetCommand, "curl *", "curl https://example.com/a/b", true},
		{"cmd wildcard on basename", domain.TargetCommand, "curl *", "/usr/bin/curl -s x", true},
		{"cmd regex", domain.TargetCommand, "regex:^rm\\s+-rf", "rm -rf /", true},
		{"url host glob", domain.TargetURL, "*.github.com", "https://api.github.com/repos", true},
		{"url host glob apex", domain.TargetURL, "*.github.com", "https://github.com/", false},
		{"url host port", domain.TargetURL, "api.openai.com:443", "https://api.openai.com:443/v1", true},
		{"url bare host", domain.TargetURL, "example.org", "example.org", true},
		{"url full wildcard", domain.TargetURL, "https://api.example.com/*", "https://api.example.com/v1/x", true},
		{"url full wildcard other scheme", domain.TargetURL, "https://api.example.com/*", "http://api.example.com/v1", false},
		{"skill wildcard", domain.TargetSkill, "web-*", "web-search", true},
		{"skill wildcard miss", domain.TargetSkill, "web-*", "shell", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := compilePattern(tt.target, tt.pattern)
			if err != nil {
				t.Fatalf("compilePattern(%q): %v", tt.pattern, err)
			}
			if got := m(tt.subject); got != tt.want {
				t.Errorf("match(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

func TestCompilePatternRejectsMalformed(t *testing.T) {
	tests := []struct {
		target  domain.TargetType
		pattern string
	}{
		{domain.TargetCommand, "regex:("},
		{domain.TargetCommand, ":*"},
		{domain.TargetFilesystem, "  "},
		{domain.TargetType("mailbox"), "*"},
	}
	for _, tt := range tests {
		if _, err := compilePattern(tt.target, tt.pattern); err == nil {
			t.Errorf("compilePattern(%s, %q) expected error", tt.target, tt.pattern)
		}
	}
}

func TestEnforcerEndToEnd(t *testing.T) {
	e := NewEnforcer(domain.ActionDeny, nil, zaptest.NewLogger(t), nil)
	e.Load([]domain.PolicyRule{
		fsRule("allow-workspace", domain.ActionAllow, 5, "/workspace/**"),
		fsRule("deny-etc", domain.ActionDeny, 10, "/etc/**"),
	})

	ctx := context.Background()

	res := e.Evaluate(ctx, readOp("/etc/passwd"), nil)
	if res.Allowed || res.PolicyID != "deny-etc" {
		t.Errorf("/etc/passwd: %+v, want deny by deny-etc", res)
	}

	res = e.Evaluate(ctx, readOp("/workspace/a.txt"), nil)
	if !res.Allowed || res.PolicyID != "allow-workspace" {
		t.Errorf("/workspace/a.txt: %+v, want allow by allow-workspace", res)
	}

	res = e.Evaluate(ctx, readOp("/tmp/x.txt"), nil)
	if res.Allowed || res.PolicyID != "" {
		t.Errorf("/tmp/x.txt: %+v, want default deny without policy id", res)
	}
	if res.IsExplicit() {
		t.Error("default result must not be explicit")
	}
}

func TestEnforcerDefaultAllowIsNotExplicit(t *testing.T) {
	e := NewEnforcer(domain.ActionAllow, nil, zap.NewNop(), nil)
	res := e.Evaluate(context.Background(), readOp("/tmp/x.txt"), nil)
	if !res.IsDefaultAllow() {
		t.Errorf("expected default allow, got %+v", res)
	}
}

func TestEnforcerPriorityAndStableOrder(t *testing.T) {
	e := NewEnforcer(domain.ActionDeny, nil, zap.NewNop(), nil)
	e.Load([]domain.PolicyRule{
		fsRule("broad-allow", domain.ActionAllow, 1, "/data/**"),
		fsRule("first-equal", domain.ActionDeny, 7, "/data/secret/**"),
		fsRule("second-equal", domain.ActionAllow, 7, "/data/secret/**"),
		fsRule("narrow-low", domain.ActionAllow, 0, "/data/secret/key"),
	})

	res := e.Evaluate(context.Background(), readOp("/data/secret/key"), nil)
	if res.PolicyID != "first-equal" || res.Allowed {
		t.Errorf("got %+v, want first declared rule among equal priorities", res)
	}

	res = e.Evaluate(context.Background(), readOp("/data/public"), nil)
	if res.PolicyID != "broad-allow" || !res.Allowed {
		t.Errorf("got %+v, want broad-allow", res)
	}
}

func TestEnforcerSkipsMalformedRule(t *testing.T) {
	e := NewEnforcer(domain.ActionDeny, nil, zaptest.NewLogger(t), nil)
	bad := domain.PolicyRule{
		ID: "bad", Action: domain.ActionAllow, Target: domain.TargetCommand,
		Patterns: []string{"regex:(unclosed"}, Enabled: true, Priority: 100,
	}
	invalid := domain.PolicyRule{
		ID: "invalid", Action: "maybe", Target: domain.TargetCommand,
		Patterns: []string{"ls:*"}, Enabled: true,
	}
	good := domain.PolicyRule{
		ID: "ls", Action: domain.ActionAllow, Target: domain.TargetCommand,
		Patterns: []string{"ls:*"}, Enabled: true,
	}

	if skipped := e.Load([]domain.PolicyRule{bad, invalid, good}); skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
	if testutil.ToFloat64(e.metrics.RulesSkipped) != 2 {
		t.Error("rules_skipped gauge not updated")
	}

	res := e.Evaluate(context.Background(), domain.ExecOperation{Command: "ls", Args: []string{"-la"}}, nil)
	if !res.Allowed || res.PolicyID != "ls" {
		t.Errorf("got %+v, want allow by ls", res)
	}
}

func TestCompileRuleErrorsAreTyped(t *testing.T) {
	_, err := compileRule(0, domain.PolicyRule{
		ID: "r", Action: domain.ActionDeny, Target: domain.TargetCommand, Patterns: []string{"regex:["},
	})
	var me *domain.MatchError
	if !errors.As(err, &me) || !errors.Is(err, domain.ErrMatch) {
		t.Errorf("expected MatchError, got %v", err)
	}

	_, err = compileRule(0, domain.PolicyRule{ID: "r", Action: domain.ActionDeny, Target: domain.TargetCommand})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error for empty patterns, got %v", err)
	}
}

func TestEnforcerFilters(t *testing.T) {
	e := NewEnforcer(domain.ActionAllow, nil, zap.NewNop(), nil)
	e.Load([]domain.PolicyRule{
		{
			ID: "writes-only", Action: domain.ActionDeny, Target: domain.TargetFilesystem,
			Operations: []domain.OperationKind{domain.OpFileWrite},
			Patterns:   []string{"/srv/**"}, Enabled: true,
		},
		{
			ID: "agent-a1", Action: domain.ActionDeny, Target: domain.TargetURL,
			Patterns: []string{"*.internal"}, Enabled: true,
			Scope:    &domain.RuleScope{AgentID: "a1"},
		},
		{
			ID: "disabled", Action: domain.ActionDeny, Target: domain.TargetSkill,
			Patterns: []string{"*"}, Enabled: false,
		},
		{
			ID: "needs-approval", Name: "install gate", Action: domain.ActionApproval, Target: domain.TargetSkill,
			Operations: []domain.OperationKind{domain.OpSkillInstall},
			Patterns:   []string{"*"}, Enabled: true,
		},
	})
	ctx := context.Background()

	if res := e.Evaluate(ctx, readOp("/srv/app"), nil); !res.IsDefaultAllow() {
		t.Errorf("read must not match writes-only rule: %+v", res)
	}
	if res := e.Evaluate(ctx, domain.FileOperation{Op: domain.OpFileWrite, Path: "/srv/app"}, nil); res.PolicyID != "writes-only" {
		t.Errorf("write: %+v", res)
	}

	url := domain.URLOperation{Op: domain.OpHTTPRequest, URL: "https://db.internal/q"}
	if res := e.Evaluate(ctx, url, &domain.ExecutionContext{AgentID: "a2"}); res.PolicyID != "" {
		t.Errorf("scoped rule applied to other agent: %+v", res)
	}
	if res := e.Evaluate(ctx, url, &domain.ExecutionContext{AgentID: "a1"}); res.PolicyID != "agent-a1" || res.Allowed {
		t.Errorf("scoped rule: %+v", res)
	}
	if res := e.Evaluate(ctx, url, nil); res.PolicyID != "" {
		t.Errorf("scoped rule applied without context: %+v", res)
	}

	if res := e.Evaluate(ctx, domain.SkillOperation{Op: domain.OpSkillInvoke, Slug: "x"}, nil); !res.IsDefaultAllow() {
		t.Errorf("disabled rule applied: %+v", res)
	}
	res := e.Evaluate(ctx, domain.SkillOperation{Op: domain.OpSkillInstall, Slug: "x"}, nil)
	if res.Allowed || !strings.Contains(res.Reason, "approval required") {
		t.Errorf("approval: %+v", res)
	}
}

func TestEnforcerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := NewEnforcer(domain.ActionDeny, nil, zap.NewNop(), m)
	e.Load([]domain.PolicyRule{fsRule("deny-etc", domain.ActionDeny, 0, "/etc/**")})

	e.Evaluate(context.Background(), readOp("/etc/hosts"), nil)
	e.Evaluate(context.Background(), readOp("/home/x"), nil)

	if got := testutil.ToFloat64(m.Evaluations.WithLabelValues("filesystem", "explicit_deny")); got != 1 {
		t.Errorf("explicit_deny = %v", got)
	}
	if got := testutil.ToFloat64(m.Evaluations.WithLabelValues("filesystem", "default_deny")); got != 1 {
		t.Errorf("default_deny = %v", got)
	}
	if got := testutil.ToFloat64(m.RulesLoaded); got != 1 {
		t.Errorf("rules_loaded = %v", got)
	}
}

func TestEnforcerRefresh(t *testing.T) {
	e := NewEnforcer(domain.ActionDeny, StaticSource{fsRule("r", domain.ActionAllow, 0, "/ok/**")}, zap.NewNop(), nil)
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(e.Rules()) != 1 {
		t.Errorf("rules = %d", len(e.Rules()))
	}
	if res := e.Evaluate(context.Background(), readOp("/ok/file"), nil); !res.Allowed {
		t.Errorf("got %+v", res)
	}

	noSource := NewEnforcer(domain.ActionDeny, nil, zap.NewNop(), nil)
	if err := noSource.Refresh(context.Background()); err == nil {
		t.Error("expected error without source")
	}
}

const rulesYAML = `
rules:
  - id: deny-etc
    name: block system config
    action: deny
    target: filesystem
    patterns: ["/etc/**"]
    enabled: true
    priority: 10
  - name: allow git
    action: allow
    target: command
    patterns: ["git:*"]
    enabled: true
    scope:
      agentId: a1
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(rulesYAML))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d", len(rules))
	}
	if rules[0].ID != "deny-etc" || rules[0].Priority != 10 || rules[0].Patterns[0] != "/etc/**" {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[1].ID == "" {
		t.Error("rule without id must get a derived id")
	}
	if rules[1].Scope == nil || rules[1].Scope.AgentID != "a1" {
		t.Errorf("scope = %+v", rules[1].Scope)
	}

	again, _ := ParseRules([]byte(rulesYAML))
	if again[1].ID != rules[1].ID {
		t.Error("derived id must be stable across loads")
	}

	if _, err := ParseRules([]byte("rules: [")); err == nil {
		t.Error("expected yaml error")
	}
}

func TestFileSourceWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	src := NewFileSource(path)
	e := NewEnforcer(domain.ActionDeny, src, zap.NewNop(), nil)
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		_ = src.Watch(ctx, zap.NewNop(), func(ctx context.Context) error {
			err := e.Refresh(ctx)
			select {
			case reloaded <- struct{}{}:
			default:
			}
			return err
		})
	}()
	<-started
	// Даем вотчеру подписаться на каталог
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(rulesYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("rules were not reloaded")
	}
	if n := len(e.Rules()); n != 2 {
		t.Errorf("rules after reload = %d, want 2", n)
	}
}
