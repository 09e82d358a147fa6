package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xela07ax/agenshield/internal/domain"
)

// Profile: скомпилированный профиль песочницы (Seatbelt/SBPL).
type Profile struct {
	Fingerprint string `json:"fingerprint"`
	Text        string `json:"-"`
	// Path: файл профиля в каталоге кэша (пусто, если кэш работает без диска)
	Path string `json:"path,omitempty"`
}

// Базовые разрешения, без которых процесс не стартует
var platformAllows = []string{
	"(allow process-fork)",
	"(allow signal (target self))",
	"(allow sysctl-read)",
	"(allow mach-lookup)",
	"(allow file-read-metadata)",
}

// Сокет резолвера: без него ограниченная по хостам сеть не резолвит имена
const dnsSocket = `(allow network-outbound (remote unix-socket (path-literal "/private/var/run/mDNSResponder")))`

// Compile рендерит профиль. Функция чистая: одинаковый по содержанию конфиг дает байт-в-байт одинаковый текст.
// Порядок секций: (deny default), базовые allow, чтение, запись, сеть, бинари, затем все deny.
// SBPL применяет последнее совпавшее правило, поэтому deny в конце всегда побеждает allow.
func Compile(cfg domain.SandboxConfig) (Profile, error) {
	fp := Fingerprint(cfg)

	// Готовый профиль: явный обходной путь: без генерации и без слияния
	if cfg.ProfileContent != "" {
		return Profile{Fingerprint: fp, Text: cfg.ProfileContent}, nil
	}

	n := cfg.Normalize()
	if !n.Enabled && isEmpty(n) {
		return Profile{}, &domain.CompileError{Field: "enabled", Message: "sandbox is disabled and has nothing to compile"}
	}

	denied, err := filters("deniedPaths", n.DeniedPaths)
	if err != nil {
		return Profile{}, err
	}
	writes, err := filters("allowedWritePaths", withoutDenied(n.AllowedWritePaths, n.DeniedPaths))
	if err != nil {
		return Profile{}, err
	}
	// Запись подразумевает чтение
	reads, err := filters("allowedReadPaths", withoutDenied(unionSorted(n.AllowedReadPaths, n.AllowedWritePaths), n.DeniedPaths))
	if err != nil {
		return Profile{}, err
	}
	allowedBins, err := binaryFilters("allowedBinaries", n.AllowedBinaries)
	if err != nil {
		return Profile{}, err
	}
	deniedBins, err := binaryFilters("deniedBinaries", n.DeniedBinaries)
	if err != nil {
		return Profile{}, err
	}
	network, err := networkRules(n)
	if err != nil {
		return Profile{}, err
	}

	var b strings.Builder
	b.WriteString("(version 1)\n")
	fmt.Fprintf(&b, "; agenshield profile %s\n", fp)
	b.WriteString("(deny default)\n")
	for _, rule := range platformAllows {
		b.WriteString(rule + "\n")
	}
	writeRule(&b, "allow file-read*", reads)
	writeRule(&b, "allow file-write*", writes)
	for _, rule := range network {
		b.WriteString(rule + "\n")
	}
	if len(allowedBins) == 0 {
		b.WriteString("(allow process-exec)\n")
	} else {
		writeRule(&b, "allow process-exec", allowedBins)
	}
	writeRule(&b, "deny file-read* file-write*", denied)
	writeRule(&b, "deny process-exec", deniedBins)

	return Profile{Fingerprint: fp, Text: b.String()}, nil
}

func writeRule(b *strings.Builder, head string, filters []string) {
	if len(filters) == 0 {
		return
	}
	b.WriteString("(" + head)
	for _, f := range filters {
		b.WriteString("\n  " + f)
	}
	b.WriteString(")\n")
}

func isEmpty(c *domain.SandboxConfig) bool {
	return !c.NetworkAllowed &&
		len(c.AllowedReadPaths) == 0 && len(c.AllowedWritePaths) == 0 && len(c.DeniedPaths) == 0 &&
		len(c.AllowedHosts) == 0 && len(c.AllowedPorts) == 0 &&
		len(c.AllowedBinaries) == 0 && len(c.DeniedBinaries) == 0
}

// checkLiteral отсекает то, что нельзя безопасно положить в строковый литерал SBPL
func checkLiteral(field, v string) error {
	if v == "" {
		return &domain.CompileError{Field: field, Message: "empty value"}
	}
	if strings.ContainsAny(v, "\"\\\n\r\x00") {
		return &domain.CompileError{Field: field, Message: fmt.Sprintf("unsafe characters in %q", v)}
	}
	// %q экранирует невалидные байты как \xNN, а SBPL такой escape не знает
	if !utf8.ValidString(v) {
		return &domain.CompileError{Field: field, Message: fmt.Sprintf("invalid UTF-8 in %q", v)}
	}
	return nil
}

// pathFilter: "/dir/**" -> subpath, путь с * или ? -> regex, иначе subpath самого пути
func pathFilter(field, p string) (string, error) {
	if err := checkLiteral(field, p); err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		return "", &domain.CompileError{Field: field, Message: fmt.Sprintf("path %q is not absolute", p)}
	}
	if prefix, ok := strings.CutSuffix(p, "/**"); ok && !strings.ContainsAny(prefix, "*?") {
		if prefix == "" {
			prefix = "/"
		}
		return fmt.Sprintf("(subpath %q)", prefix), nil
	}
	if strings.ContainsAny(p, "*?") {
		return fmt.Sprintf(`(regex #"^%s$")`, globRegexp(p)), nil
	}
	return fmt.Sprintf("(subpath %q)", p), nil
}

func globRegexp(p string) string {
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		switch {
		case strings.HasPrefix(p[i:], "**"):
			b.WriteString(".*")
			i++
		case p[i] == '*':
			b.WriteString("[^/]*")
		case p[i] == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(p[i : i+1]))
		}
	}
	return b.String()
}

func filters(field string, paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		f, err := pathFilter(field, p)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func binaryFilters(field string, bins []string) ([]string, error) {
	out := make([]string, 0, len(bins))
	for _, bin := range bins {
		if err := checkLiteral(field, bin); err != nil {
			return nil, err
		}
		if !filepath.IsAbs(bin) {
			return nil, &domain.CompileError{Field: field, Message: fmt.Sprintf("binary %q is not an absolute path", bin)}
		}
		out = append(out, fmt.Sprintf("(literal %q)", bin))
	}
	return out, nil
}

// withoutDenied выбрасывает из allow-списка пути, совпадающие с запрещенными или лежащие под ними
func withoutDenied(allowed, denied []string) []string {
	if len(denied) == 0 {
		return allowed
	}
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if !coveredBy(a, denied) {
			out = append(out, a)
		}
	}
	return out
}

func coveredBy(p string, denied []string) bool {
	for _, d := range denied {
		base := strings.TrimSuffix(d, "/**")
		if p == d || p == base || strings.HasPrefix(p, strings.TrimSuffix(base, "/")+"/") {
			return true
		}
	}
	return false
}

func unionSorted(a, b []string) []string {
	return (&domain.SandboxConfig{AllowedReadPaths: append(append([]string(nil), a...), b...)}).Normalize().AllowedReadPaths
}

// networkRules: сеть закрыта по умолчанию; networkAllowed без хостов и портов: без ограничений,
// иначе доступ сужается ровно до перечисленных хостов/портов.
func networkRules(c *domain.SandboxConfig) ([]string, error) {
	for _, port := range c.AllowedPorts {
		if port < 1 || port > 65535 {
			return nil, &domain.CompileError{Field: "allowedPorts", Message: fmt.Sprintf("port %d out of range", port)}
		}
	}
	for _, h := range c.AllowedHosts {
		if err := checkLiteral("allowedHosts", h); err != nil {
			return nil, err
		}
		if strings.ContainsAny(h, " ()/") {
			return nil, &domain.CompileError{Field: "allowedHosts", Message: fmt.Sprintf("invalid host %q", h)}
		}
	}
	if !c.NetworkAllowed {
		return nil, nil
	}
	if len(c.AllowedHosts) == 0 && len(c.AllowedPorts) == 0 {
		return []string{"(allow network*)"}, nil
	}

	var remotes []string
	hosts := c.AllowedHosts
	if len(hosts) == 0 {
		hosts = []string{"*"}
	}
	for _, h := range hosts {
		if _, port, ok := splitHostPort(h); ok {
			if port < 1 || port > 65535 {
				return nil, &domain.CompileError{Field: "allowedHosts", Message: fmt.Sprintf("port in %q out of range", h)}
			}
			remotes = append(remotes, fmt.Sprintf("(remote tcp %q)", h))
			continue
		}
		if len(c.AllowedPorts) == 0 {
			remotes = append(remotes, fmt.Sprintf("(remote tcp %q)", h+":*"))
			continue
		}
		for _, port := range c.AllowedPorts {
			remotes = append(remotes, fmt.Sprintf("(remote tcp %q)", h+":"+strconv.Itoa(port)))
		}
	}

	var b strings.Builder
	b.WriteString("(allow network-outbound")
	for _, r := range remotes {
		b.WriteString("\n  " + r)
	}
	b.WriteString(")")
	return []string{dnsSocket, b.String()}, nil
}

func splitHostPort(h string) (string, int, bool) {
	i := strings.LastIndexByte(h, ':')
	if i <= 0 || i == len(h)-1 {
		return h, 0, false
	}
	port, err := strconv.Atoi(h[i+1:])
	if err != nil {
		return h, 0, false
	}
	return h[:i], port, true
}
