// Package launch describes how a child process is started and the
// options file handed to it.
package launch

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
)

// Agent option prefixes removed when profiling is disabled.
var agentPrefixes = []string{"-agentpath:", "-agentlib:", "-javaagent:"}

// Config is the effective launch configuration of a child process.
type Config struct {
	Executable string
	Args       []string
	WorkDir    string
	Env        map[string]string
	// Properties are rendered as -Dkey=value option lines.
	Properties map[string]string
	// Options are raw option lines kept in insertion order.
	Options []string
}

// Patch mutates a Config. Patches are applied in registration order.
type Patch func(*Config)

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Args = slices.Clone(c.Args)
	out.Options = slices.Clone(c.Options)
	out.Env = maps.Clone(c.Env)
	out.Properties = maps.Clone(c.Properties)
	return out
}

// Apply runs patches against c in order.
func (c *Config) Apply(patches ...Patch) {
	for _, p := range patches {
		if p != nil {
			p(c)
		}
	}
}

func (c *Config) SetProperty(key, value string) {
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[key] = value
}

func (c *Config) RemoveProperty(key string) {
	delete(c.Properties, key)
}

func (c *Config) SetEnv(key, value string) {
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	c.Env[key] = value
}

// AddOption appends a raw option line unless it is already present.
func (c *Config) AddOption(option string) {
	if !slices.Contains(c.Options, option) {
		c.Options = append(c.Options, option)
	}
}

// RemoveOptionsWithPrefix drops every option starting with one of prefixes.
func (c *Config) RemoveOptionsWithPrefix(prefixes ...string) {
	c.Options = slices.DeleteFunc(c.Options, func(opt string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(opt, p) {
				return true
			}
		}
		return false
	})
}

// HasOptionWithPrefix reports whether any option starts with prefix.
func (c Config) HasOptionWithPrefix(prefix string) bool {
	return slices.ContainsFunc(c.Options, func(opt string) bool {
		return strings.HasPrefix(opt, prefix)
	})
}

// OptionLines renders raw options followed by properties sorted by key.
func (c Config) OptionLines() []string {
	lines := slices.Clone(c.Options)
	keys := make([]string, 0, len(c.Properties))
	for k := range c.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("-D%s=%s", k, c.Properties[k]))
	}
	return lines
}

// Environ renders Env as KEY=VALUE pairs sorted by key.
func (c Config) Environ() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// Validate checks the config can be launched.
func (c Config) Validate() error {
	if c.Executable == "" {
		return fmt.Errorf("launch executable cannot be empty")
	}
	for _, opt := range c.Options {
		if strings.ContainsAny(opt, "\r\n") {
			return fmt.Errorf("option %q contains a line break", opt)
		}
	}
	for k := range c.Properties {
		if k == "" || strings.ContainsAny(k, "= \r\n") {
			return fmt.Errorf("invalid property name %q", k)
		}
	}
	return nil
}

// WithProperty returns a patch setting a property.
func WithProperty(key, value string) Patch {
	return func(c *Config) {
		c.SetProperty(key, value)
	}
}

// WithOption returns a patch adding a raw option.
func WithOption(option string) Patch {
	return func(c *Config) {
		c.AddOption(option)
	}
}

// WithEnv returns a patch setting an environment variable.
func WithEnv(key, value string) Patch {
	return func(c *Config) {
		c.SetEnv(key, value)
	}
}

// RemoveProfilerAgents returns a patch dropping agent options.
func RemoveProfilerAgents() Patch {
	return func(c *Config) {
		c.RemoveOptionsWithPrefix(agentPrefixes...)
	}
}
