package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
)

func baseConfig() domain.SandboxConfig {
	return domain.SandboxConfig{
		Enabled:           true,
		AllowedReadPaths:  []string{"/usr", "/bin"},
		AllowedWritePaths: []string{"/workspace"},
		AllowedBinaries:   []string{"/usr/bin/git"},
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	cfg := baseConfig()
	first, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	second, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if first.Text != second.Text || first.Fingerprint != second.Fingerprint {
		t.Error("identical configs produced different profiles")
	}

	// Порядок и дубли в списках не меняют содержимое
	shuffled := baseConfig()
	shuffled.AllowedReadPaths = []string{"/bin", "/usr", "/bin"}
	third, _ := Compile(shuffled)
	if third.Text != first.Text || third.Fingerprint != first.Fingerprint {
		t.Error("list order changed the profile")
	}
}

func TestFingerprintChangesWithAnyField(t *testing.T) {
	base := Fingerprint(baseConfig())

	mutations := map[string]func(*domain.SandboxConfig){
		"read path":  func(c *domain.SandboxConfig) { c.AllowedReadPaths = append(c.AllowedReadPaths, "/opt") },
		"network":    func(c *domain.SandboxConfig) { c.NetworkAllowed = true },
		"port":       func(c *domain.SandboxConfig) { c.AllowedPorts = []int{443} },
		"env inject": func(c *domain.SandboxConfig) { c.EnvInjection = map[string]string{"A": "1"} },
		"env deny":   func(c *domain.SandboxConfig) { c.EnvDeny = []string{"AWS_SECRET_ACCESS_KEY"} },
		"content":    func(c *domain.SandboxConfig) { c.ProfileContent = "(version 1)" },
	}
	for name, mutate := range mutations {
		cfg := baseConfig()
		mutate(&cfg)
		if Fingerprint(cfg) == base {
			t.Errorf("%s: fingerprint did not change", name)
		}
	}

	withPath := baseConfig()
	withPath.ProfilePath = "/var/lib/agenshield/x.sb"
	if Fingerprint(withPath) != base {
		t.Error("profile path must not affect the fingerprint")
	}
}

func TestDenyOverridesAllow(t *testing.T) {
	cfg := domain.SandboxConfig{
		Enabled:           true,
		AllowedWritePaths: []string{"/workspace", "/workspace/secrets", "/workspace/secrets/key.pem"},
		DeniedPaths:       []string{"/workspace/secrets"},
	}
	p, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	denied := `(subpath "/workspace/secrets")`
	if n := strings.Count(p.Text, denied); n != 1 {
		t.Fatalf("denied path rendered %d times, want only in the deny rule:\n%s", n, p.Text)
	}
	if strings.Contains(p.Text, "key.pem") {
		t.Errorf("path under a denied subtree must not be allowed:\n%s", p.Text)
	}
	denyAt := strings.Index(p.Text, "(deny file-read* file-write*")
	if denyAt < 0 || strings.Index(p.Text, denied) < denyAt {
		t.Errorf("denied path is not inside the deny rule:\n%s", p.Text)
	}
	if denyAt < strings.Index(p.Text, "(allow file-write*") {
		t.Errorf("deny rules must come after allow rules:\n%s", p.Text)
	}
	if !strings.HasPrefix(p.Text, "(version 1)\n") || !strings.Contains(p.Text, "(deny default)") {
		t.Errorf("profile must start from deny default:\n%s", p.Text)
	}
}

func TestNetworkRules(t *testing.T) {
	tests := []struct {
		name     string
		cfg      domain.SandboxConfig
		contains []string
		absent   []string
	}{
		{
			name:   "default deny",
			cfg:    domain.SandboxConfig{Enabled: true},
			absent: []string{"(allow network"},
		},
		{
			name:     "unrestricted",
			cfg:      domain.SandboxConfig{Enabled: true, NetworkAllowed: true},
			contains: []string{"(allow network*)"},
		},
		{
			name: "scoped hosts and ports",
			cfg: domain.SandboxConfig{
				Enabled: true, NetworkAllowed: true,
				AllowedHosts: []string{"api.github.com"}, AllowedPorts: []int{443},
			},
			contains: []string{`(remote tcp "api.github.com:443")`, "mDNSResponder"},
			absent:   []string{"(allow network*)"},
		},
		{
			name: "ports only",
			cfg: domain.SandboxConfig{
				Enabled: true, NetworkAllowed: true, AllowedPorts: []int{80, 443},
			},
			contains: []string{`(remote tcp "*:80")`, `(remote tcp "*:443")`},
		},
		{
			name: "host with explicit port",
			cfg: domain.SandboxConfig{
				Enabled: true, NetworkAllowed: true, AllowedHosts: []string{"localhost:8080", "example.org"},
			},
			contains: []string{`(remote tcp "localhost:8080")`, `(remote tcp "example.org:*")`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.cfg)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			for _, s := range tt.contains {
				if !strings.Contains(p.Text, s) {
					t.Errorf("missing %q in:\n%s", s, p.Text)
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(p.Text, s) {
					t.Errorf("unexpected %q in:\n%s", s, p.Text)
				}
			}
		})
	}
}

func TestPathFilters(t *testing.T) {
	p, err := Compile(domain.SandboxConfig{
		Enabled:          true,
		AllowedReadPaths: []string{"/workspace/**", "/var/log/*.log"},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for _, s := range []string{`(subpath "/workspace")`, `(regex #"^/var/log/[^/]*\.log$")`} {
		if !strings.Contains(p.Text, s) {
			t.Errorf("missing %q in:\n%s", s, p.Text)
		}
	}
}

func TestProfileContentIsVerbatim(t *testing.T) {
	content := "(version 1)\n(allow default)\n"
	cfg := baseConfig()
	cfg.DeniedPaths = []string{"/etc"}
	cfg.ProfileContent = content

	p, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if p.Text != content {
		t.Errorf("profile content was altered:\n%s", p.Text)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := map[string]domain.SandboxConfig{
		"disabled and empty":  {},
		"relative path":       {Enabled: true, AllowedReadPaths: []string{"workspace"}},
		"quote in path":       {Enabled: true, AllowedWritePaths: []string{`/tmp/a"b`}},
		"newline in path":     {Enabled: true, DeniedPaths: []string{"/tmp/a\n(allow default)"}},
		"port out of range":   {Enabled: true, NetworkAllowed: true, AllowedPorts: []int{70000}},
		"zero port":           {Enabled: true, AllowedPorts: []int{0}},
		"relative binary":     {Enabled: true, AllowedBinaries: []string{"git"}},
		"invalid utf8 path":   {Enabled: true, AllowedReadPaths: []string{"/tmp/\xff"}},
		"invalid utf8 binary": {Enabled: true, AllowedBinaries: []string{"/usr/bin/\xc3("}},
		"bad host":            {Enabled: true, NetworkAllowed: true, AllowedHosts: []string{"evil.com (allow default)"}},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(cfg)
			var ce *domain.CompileError
			if !errors.Is(err, domain.ErrCompile) || !errors.As(err, &ce) {
				t.Errorf("expected CompileError, got %v", err)
			}
		})
	}
}

func TestCacheReusesArtifacts(t *testing.T) {
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cache := NewCache(dir, zap.NewNop(), m)
	ctx := context.Background()

	p, err := cache.GetOrCreate(ctx, baseConfig())
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p.Path != filepath.Join(dir, p.Fingerprint+".sb") {
		t.Errorf("path = %q", p.Path)
	}
	data, err := os.ReadFile(p.Path)
	if err != nil || string(data) != p.Text {
		t.Fatalf("artifact = %q, %v", data, err)
	}

	again, _ := cache.GetOrCreate(ctx, baseConfig())
	if again.Path != p.Path {
		t.Error("identical config must reuse the artifact")
	}

	changed := baseConfig()
	changed.NetworkAllowed = true
	other, _ := cache.GetOrCreate(ctx, changed)
	if other.Fingerprint == p.Fingerprint || cache.Len() != 2 {
		t.Errorf("changed config must get a fresh entry, len = %d", cache.Len())
	}

	if got := testutil.ToFloat64(m.Lookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Lookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("misses = %v, want 2", got)
	}

	// Новый процесс поднимает профиль с диска без компиляции
	m2 := NewMetrics(prometheus.NewRegistry())
	restarted := NewCache(dir, zap.NewNop(), m2)
	fromDisk, err := restarted.GetOrCreate(ctx, baseConfig())
	if err != nil || fromDisk.Text != p.Text {
		t.Fatalf("disk reuse = %+v, %v", fromDisk, err)
	}
	if got := testutil.ToFloat64(m2.Lookups.WithLabelValues("disk")); got != 1 {
		t.Errorf("disk hits = %v, want 1", got)
	}
}

func TestCacheConcurrentCompilesOnce(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	cache := NewCache(t.TempDir(), zap.NewNop(), m)

	var wg sync.WaitGroup
	texts := make([]string, 20)
	for i := range texts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := cache.GetOrCreate(context.Background(), baseConfig())
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			texts[i] = p.Text
		}(i)
	}
	wg.Wait()

	for _, s := range texts[1:] {
		if s != texts[0] {
			t.Fatal("concurrent callers got different profiles")
		}
	}
	if got := testutil.ToFloat64(m.Lookups.WithLabelValues("miss")); got != 1 {
		t.Errorf("compilations = %v, want 1", got)
	}
}

func TestCacheCompileError(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	cache := NewCache("", zap.NewNop(), m)

	_, err := cache.GetOrCreate(context.Background(), domain.SandboxConfig{Enabled: true, AllowedReadPaths: []string{"rel"}})
	if !errors.Is(err, domain.ErrCompile) {
		t.Errorf("expected compile error, got %v", err)
	}
	if testutil.ToFloat64(m.CompileErrors) != 1 || cache.Len() != 0 {
		t.Error("failed compile must be counted and not cached")
	}
}
