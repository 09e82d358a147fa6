package domain

import (
	"maps"
	"slices"
	"sort"
)

// SandboxConfig: материализованный набор ограничений ФС/сети/бинарей для одного решения.
type SandboxConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	AllowedReadPaths  []string          `json:"allowedReadPaths,omitempty" yaml:"allowedReadPaths,omitempty" mapstructure:"allowed_read_paths"`
	AllowedWritePaths []string          `json:"allowedWritePaths,omitempty" yaml:"allowedWritePaths,omitempty" mapstructure:"allowed_write_paths"`
	DeniedPaths       []string          `json:"deniedPaths,omitempty" yaml:"deniedPaths,omitempty" mapstructure:"denied_paths"`
	NetworkAllowed    bool              `json:"networkAllowed" yaml:"networkAllowed" mapstructure:"network_allowed"`
	AllowedHosts      []string          `json:"allowedHosts,omitempty" yaml:"allowedHosts,omitempty" mapstructure:"allowed_hosts"`
	AllowedPorts      []int             `json:"allowedPorts,omitempty" yaml:"allowedPorts,omitempty" mapstructure:"allowed_ports"`
	AllowedBinaries   []string          `json:"allowedBinaries,omitempty" yaml:"allowedBinaries,omitempty" mapstructure:"allowed_binaries"`
	DeniedBinaries    []string          `json:"deniedBinaries,omitempty" yaml:"deniedBinaries,omitempty" mapstructure:"denied_binaries"`
	EnvInjection      map[string]string `json:"envInjection,omitempty" yaml:"envInjection,omitempty" mapstructure:"env_injection"`
	EnvDeny           []string          `json:"envDeny,omitempty" yaml:"envDeny,omitempty" mapstructure:"env_deny"`
	EnvAllow          []string          `json:"envAllow,omitempty" yaml:"envAllow,omitempty" mapstructure:"env_allow"`

	// ProfileContent: готовый профиль. Используется как есть, без генерации и без слияния.
	ProfileContent string `json:"profileContent,omitempty" yaml:"profileContent,omitempty" mapstructure:"profile_content"`
	// ProfilePath заполняется кэшем профилей после компиляции
	ProfilePath string `json:"profilePath,omitempty" yaml:"-" mapstructure:"-"`
}

// Clone: глубокая копия (nil-safe).
func (c *SandboxConfig) Clone() *SandboxConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.AllowedReadPaths = slices.Clone(c.AllowedReadPaths)
	out.AllowedWritePaths = slices.Clone(c.AllowedWritePaths)
	out.DeniedPaths = slices.Clone(c.DeniedPaths)
	out.AllowedHosts = slices.Clone(c.AllowedHosts)
	out.AllowedPorts = slices.Clone(c.AllowedPorts)
	out.AllowedBinaries = slices.Clone(c.AllowedBinaries)
	out.DeniedBinaries = slices.Clone(c.DeniedBinaries)
	out.EnvDeny = slices.Clone(c.EnvDeny)
	out.EnvAllow = slices.Clone(c.EnvAllow)
	out.EnvInjection = maps.Clone(c.EnvInjection)
	return &out
}

// Merge объединяет списки ограничений из other в копию c.
// Булевы флаги складываются через OR, готовый профиль other не переносится.
func (c *SandboxConfig) Merge(other *SandboxConfig) *SandboxConfig {
	out := c.Clone()
	if out == nil {
		out = &SandboxConfig{}
	}
	if other == nil {
		return out
	}
	out.Enabled = out.Enabled || other.Enabled
	out.NetworkAllowed = out.NetworkAllowed || other.NetworkAllowed
	out.AllowedReadPaths = append(out.AllowedReadPaths, other.AllowedReadPaths...)
	out.AllowedWritePaths = append(out.AllowedWritePaths, other.AllowedWritePaths...)
	out.DeniedPaths = append(out.DeniedPaths, other.DeniedPaths...)
	out.AllowedHosts = append(out.AllowedHosts, other.AllowedHosts...)
	out.AllowedPorts = append(out.AllowedPorts, other.AllowedPorts...)
	out.AllowedBinaries = append(out.AllowedBinaries, other.AllowedBinaries...)
	out.DeniedBinaries = append(out.DeniedBinaries, other.DeniedBinaries...)
	out.EnvDeny = append(out.EnvDeny, other.EnvDeny...)
	out.EnvAllow = append(out.EnvAllow, other.EnvAllow...)
	if len(other.EnvInjection) > 0 {
		if out.EnvInjection == nil {
			out.EnvInjection = make(map[string]string, len(other.EnvInjection))
		}
		maps.Copy(out.EnvInjection, other.EnvInjection)
	}
	return out.Normalize()
}

// Normalize возвращает копию с отсортированными списками без дублей.
// Одинаковое по содержанию множество ограничений всегда дает одинаковое представление.
func (c *SandboxConfig) Normalize() *SandboxConfig {
	out := c.Clone()
	if out == nil {
		return nil
	}
	out.AllowedReadPaths = uniqueSorted(out.AllowedReadPaths)
	out.AllowedWritePaths = uniqueSorted(out.AllowedWritePaths)
	out.DeniedPaths = uniqueSorted(out.DeniedPaths)
	out.AllowedHosts = uniqueSorted(out.AllowedHosts)
	out.AllowedBinaries = uniqueSorted(out.AllowedBinaries)
	out.DeniedBinaries = uniqueSorted(out.DeniedBinaries)
	out.EnvDeny = uniqueSorted(out.EnvDeny)
	out.EnvAllow = uniqueSorted(out.EnvAllow)
	if len(out.AllowedPorts) > 0 {
		sort.Ints(out.AllowedPorts)
		out.AllowedPorts = slices.Compact(out.AllowedPorts)
	}
	if len(out.EnvInjection) == 0 {
		out.EnvInjection = nil
	}
	out.ProfilePath = ""
	return out
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	sort.Strings(out)
	return slices.Compact(out)
}
