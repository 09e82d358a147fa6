package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/xela07ax/agenshield/internal/engine"
	"github.com/xela07ax/agenshield/internal/graph"
	"github.com/xela07ax/agenshield/internal/infra/auth"
	"github.com/xela07ax/agenshield/internal/policy"
	"github.com/xela07ax/agenshield/internal/repository/memory"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func newDaemon(t *testing.T) string {
	t.Helper()
	logger := zap.NewNop()
	enforcer := policy.NewEnforcer(domain.ActionDeny, nil, logger, nil)
	enforcer.Load([]domain.PolicyRule{
		{ID: "allow-ws", Action: domain.ActionAllow, Target: domain.TargetFilesystem, Patterns: []string{"/workspace/**"}, Enabled: true},
		{ID: "deny-env", Action: domain.ActionDeny, Target: domain.TargetFilesystem, Patterns: []string{"/workspace/**/.env"}, Enabled: true, Priority: 100},
		{ID: "allow-curl", Action: domain.ActionAllow, Target: domain.TargetCommand, Patterns: []string{"curl:*"}, Enabled: true},
	})
	g := graph.NewEngine(memory.NewGraphStore(), nil, graph.Config{SessionTTL: time.Hour}, logger, nil)
	t.Cleanup(g.Close)

	core := engine.NewCore(enforcer, logger, nil, engine.WithGraph(g))
	srv := httptest.NewServer(engine.NewRouter(core, engine.RouterDeps{}, logger, nil))
	t.Cleanup(srv.Close)
	return srv.URL + "/rpc"
}

func TestCheckParams(t *testing.T) {
	if _, err := checkParams("teleport", "/x", checkFlags{}); err == nil {
		t.Error("unknown operation must be rejected before the network")
	}

	p, err := checkParams("file_read", "/workspace/a", checkFlags{})
	if err != nil || p.Context != nil {
		t.Fatalf("bare check = %+v, %v", p, err)
	}

	p, err = checkParams("exec", "git status", checkFlags{skill: "deploy", session: "s1", pid: 42})
	if err != nil {
		t.Fatalf("checkParams: %v", err)
	}
	if p.Context.CallerType != domain.CallerSkill || p.Context.SessionID != "s1" || p.Context.PID != 42 {
		t.Errorf("context = %+v", p.Context)
	}
}

func TestCheckCommand(t *testing.T) {
	url := newDaemon(t)

	out, err := run(t, "check", "file_read", "/workspace/app/.env", "--rpc", url)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.HasPrefix(out, "DENY") || !strings.Contains(out, "policy=deny-env") {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, "check", "file_read", "/workspace/main.go", "--rpc", url, "--format", "json")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	var res domain.EvaluationResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("json output: %v\n%s", err, out)
	}
	if !res.Allowed || res.PolicyID != "allow-ws" {
		t.Errorf("result = %+v", res)
	}
}

func TestGraphCommands(t *testing.T) {
	url := newDaemon(t)

	ensure := func(policyID string) domain.PolicyNode {
		t.Helper()
		out, err := run(t, "graph", "node", "ensure", policyID, "--scope", "agent:a1", "--rpc", url, "--format", "json")
		if err != nil {
			t.Fatalf("ensure %s: %v", policyID, err)
		}
		var n domain.PolicyNode
		if err := json.Unmarshal([]byte(out), &n); err != nil {
			t.Fatalf("node json: %v\n%s", err, out)
		}
		return n
	}
	a, b := ensure("allow-ws"), ensure("allow-curl")
	if again := ensure("allow-ws"); again.ID != a.ID {
		t.Errorf("ensure is not idempotent: %s != %s", again.ID, a.ID)
	}

	out, err := run(t, "graph", "edge", "add", "--from", a.ID, "--to", b.ID, "--effect", "deny", "--rpc", url, "--format", "json")
	if err != nil {
		t.Fatalf("edge add: %v", err)
	}
	var edge domain.PolicyEdge
	if err := json.Unmarshal([]byte(out), &edge); err != nil || edge.ID == "" {
		t.Fatalf("edge json: %v\n%s", err, out)
	}

	if _, err := run(t, "graph", "edge", "add", "--from", b.ID, "--to", a.ID, "--rpc", url); err == nil {
		t.Error("reverse edge must be rejected as a cycle")
	}
	if _, err := run(t, "graph", "edge", "add", "--from", a.ID, "--to", b.ID, "--effect", "inject_secret", "--rpc", url); err == nil {
		t.Error("inject_secret without --secret must be rejected locally")
	}

	if _, err := run(t, "graph", "edge", "remove", edge.ID, "--rpc", url); err != nil {
		t.Errorf("edge remove: %v", err)
	}
	if _, err := run(t, "graph", "edge", "remove", edge.ID, "--rpc", url); err == nil {
		t.Error("second remove must report a missing edge")
	}
}

func TestProfileCompile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.yaml")
	doc := "enabled: true\nallowedReadPaths: [/usr]\nallowedWritePaths: [/workspace]\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "profile", "compile", "-f", path)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out, "(deny default)") || !strings.Contains(out, "/workspace") {
		t.Errorf("profile = %s", out)
	}

	out, err = run(t, "profile", "compile", "-f", path, "--format", "json")
	if err != nil {
		t.Fatalf("compile json: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil || got["fingerprint"] == "" {
		t.Errorf("json = %s, %v", out, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("enabled: true\nallowedWritePaths: [relative]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "profile", "compile", "-f", bad); err == nil {
		t.Error("relative path must not compile")
	}
}

func TestTokenIssue(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "private.pem")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("auth:\n  private_key_path: "+keyPath+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "token", "issue", "--config", cfgPath, "--broker", "laptop-1", "--scope", "policy_check", "--scope", "graph_admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := auth.NewBaseValidator(&key.PublicKey).VerifyToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.BrokerID != "laptop-1" || !claims.Scopes[domain.ScopeGraphAdmin] || claims.Scopes[domain.ScopeEvents] {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := run(t, "token", "issue", "--config", cfgPath, "--broker", "x", "--scope", "root"); err == nil {
		t.Error("unknown scope must be rejected")
	}
}

func TestPolicyLint(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(`rules:
  - id: deny-etc
    action: deny
    target: filesystem
    patterns: ["/etc/**"]
    enabled: true
`), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "policy", "lint", good)
	if err != nil || !strings.Contains(out, "1 rules, 0 skipped") {
		t.Errorf("lint good = %q, %v", out, err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte(`rules:
  - id: broken
    action: deny
    target: teleport
    patterns: ["x"]
    enabled: true
`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "policy", "lint", bad); err == nil {
		t.Error("rule with unknown target must fail lint")
	}
}

func TestLifecycleEndRequiresSubject(t *testing.T) {
	if _, err := run(t, "lifecycle", "end"); err == nil || !strings.Contains(err.Error(), "--session or --pid") {
		t.Errorf("err = %v", err)
	}
}
