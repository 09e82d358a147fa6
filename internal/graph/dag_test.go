package graph

import (
	"testing"

	"github.com/xela07ax/agenshield/internal/domain"
)

func edge(id, from, to string, priority int) domain.PolicyEdge {
	return domain.PolicyEdge{
		ID: id, SourceNodeID: from, TargetNodeID: to,
		Effect: domain.EffectActivate, Lifetime: domain.LifetimePersistent,
		Priority: priority, Enabled: true,
	}
}

func TestDAGWouldCycle(t *testing.T) {
	d := NewDAG()
	d.AddEdge(edge("ab", "A", "B", 0))
	d.AddEdge(edge("bc", "B", "C", 0))
	d.AddNode("D")

	tests := []struct {
		from, to string
		want     bool
	}{
		{"B", "A", true},
		{"C", "A", true},
		{"C", "B", true},
		{"A", "A", true},
		{"A", "C", false},
		{"D", "A", false},
		{"C", "D", false},
		{"X", "A", false},
	}
	for _, tt := range tests {
		if got := d.WouldCycle(tt.from, tt.to); got != tt.want {
			t.Errorf("WouldCycle(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDAGOutboundOrder(t *testing.T) {
	d := NewDAG()
	d.AddEdge(edge("low", "A", "B", 1))
	d.AddEdge(edge("high", "A", "C", 9))
	d.AddEdge(edge("high-2", "A", "D", 9))

	got := d.Outbound("A")
	want := []string{"high", "high-2", "low"}
	if len(got) != len(want) {
		t.Fatalf("outbound = %d edges", len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("outbound[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestDAGRemove(t *testing.T) {
	d := NewDAG()
	d.AddEdge(edge("ab", "A", "B", 0))
	d.AddEdge(edge("bc", "B", "C", 0))

	if _, ok := d.RemoveEdge("ab"); !ok {
		t.Fatal("RemoveEdge(ab) = false")
	}
	if d.WouldCycle("B", "A") {
		t.Error("cycle reported after edge removal")
	}
	if len(d.Inbound("B")) != 0 {
		t.Error("inbound of B must be empty")
	}

	removed := d.RemoveNode("B")
	if len(removed) != 1 || removed[0] != "bc" {
		t.Errorf("removed = %v", removed)
	}
	if d.HasNode("B") || len(d.Edges()) != 0 {
		t.Error("node B and its edges must be gone")
	}
}

func TestParseCondition(t *testing.T) {
	env := map[string]string{
		"agent":     "a1",
		"skill":     "web-search",
		"operation": "http_request",
		"target":    "/workspace/src/main.go",
		"depth":     "3",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"agent == a1", true},
		{"agent != a1", false},
		{`skill == "web-search" && depth >= 3`, true},
		{"skill == web-search && depth > 3", false},
		{"depth < 10 && depth <= 3", true},
		{`target =~ "/workspace/**"`, true},
		{"target =~ /etc/**", false},
		{"user == ''", true},
	}
	for _, tt := range tests {
		c, err := ParseCondition(tt.expr)
		if err != nil {
			t.Errorf("ParseCondition(%q): %v", tt.expr, err)
			continue
		}
		got, err := c.Eval(env)
		if err != nil {
			t.Errorf("Eval(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestParseConditionErrors(t *testing.T) {
	for _, expr := range []string{
		"agent",
		"color == red",
		"skill > 2",
		"depth >= many",
		"agent == a1 && ",
		"target =~ [",
	} {
		if _, err := ParseCondition(expr); err == nil {
			t.Errorf("ParseCondition(%q) expected error", expr)
		}
	}
}

func TestConditionEvalNonNumericDepth(t *testing.T) {
	c, err := ParseCondition("depth > 1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Eval(map[string]string{"depth": "deep"}); err == nil {
		t.Error("expected error for non-numeric field")
	}
}

func TestOutcomeSandboxGrant(t *testing.T) {
	var empty Outcome
	if empty.SandboxGrant() != nil {
		t.Error("empty outcome must not grant anything")
	}

	o := Outcome{
		NetworkGrants: []string{"api.github.com", "api.github.com"},
		FSGrants:      []string{"write:/workspace/out", "/data/ref"},
		Secrets:       []string{"GITHUB_TOKEN"},
	}
	cfg := o.SandboxGrant()
	if !cfg.Enabled || !cfg.NetworkAllowed || len(cfg.AllowedHosts) != 1 {
		t.Errorf("network grant = %+v", cfg)
	}
	if len(cfg.AllowedWritePaths) != 1 || cfg.AllowedWritePaths[0] != "/workspace/out" {
		t.Errorf("write paths = %v", cfg.AllowedWritePaths)
	}
	if len(cfg.AllowedReadPaths) != 2 {
		t.Errorf("read paths = %v", cfg.AllowedReadPaths)
	}
	if len(cfg.EnvAllow) != 1 || cfg.EnvAllow[0] != "GITHUB_TOKEN" {
		t.Errorf("env allow = %v", cfg.EnvAllow)
	}
}
