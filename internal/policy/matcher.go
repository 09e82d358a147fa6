package policy

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/xela07ax/agenshield/internal/domain"
)

// regexPrefix помечает паттерн как регулярное выражение
const regexPrefix = "regex:"

// patternMatcher проверяет subject операции против одного паттерна правила
type patternMatcher func(subject string) bool

// compilePattern превращает строку паттерна в матчер с семантикой, зависящей от класса ресурса:
//
//	regex:^git (push|pull)     регулярное выражение для любого класса
//	git:*                      точное имя команды (basename), любые аргументы
//	curl *                     wildcard по командной строке, * захватывает и "/"
//	/etc/**                    doublestar-glob по пути, ** проходит через "/"
//	*.github.com               glob по хосту (или host:port) URL
//	https://api.example.com/*  wildcard по полному URL
func compilePattern(target domain.TargetType, pattern string) (patternMatcher, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}

	switch target {
	case domain.TargetFilesystem:
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob")
		}
		return func(subject string) bool {
			ok, err := doublestar.Match(pattern, subject)
			return err == nil && ok
		}, nil

	case domain.TargetCommand:
		if name, ok := strings.CutSuffix(pattern, ":*"); ok {
			if name == "" || strings.ContainsAny(name, " */?") {
				return nil, fmt.Errorf("invalid command prefix")
			}
			return func(subject string) bool {
				return commandName(subject) == name
			}, nil
		}
		re, err := wildcardRegexp(pattern)
		if err != nil {
			return nil, err
		}
		return func(subject string) bool {
			return re.MatchString(subject) || re.MatchString(shortCommand(subject))
		}, nil

	case domain.TargetURL:
		if strings.Contains(pattern, "://") {
			re, err := wildcardRegexp(pattern)
			if err != nil {
				return nil, err
			}
			return re.MatchString, nil
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid host glob")
		}
		return func(subject string) bool {
			host, hostPort := urlHost(subject)
			for _, candidate := range []string{host, hostPort} {
				if candidate == "" {
					continue
				}
				if ok, err := doublestar.Match(pattern, candidate); err == nil && ok {
					return true
				}
			}
			return false
		}, nil

	case domain.TargetSkill:
		re, err := wildcardRegexp(pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil

	default:
		return nil, fmt.Errorf("unknown target %q", target)
	}
}

// wildcardRegexp: glob, в котором * совпадает с любой последовательностью символов.
func wildcardRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// commandName: basename первого слова командной строки
func commandName(commandLine string) string {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// shortCommand: командная строка с basename вместо полного пути бинаря
func shortCommand(commandLine string) string {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return ""
	}
	fields[0] = filepath.Base(fields[0])
	return strings.Join(fields, " ")
}

// urlHost возвращает хост и host:port. Голый хост ("api.openai.com") тоже принимается.
func urlHost(raw string) (host, hostPort string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("//" + raw)
		if err != nil {
			return "", ""
		}
	}
	return u.Hostname(), u.Host
}
