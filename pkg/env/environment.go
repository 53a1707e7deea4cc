// Package env models the persistent environment of an image as an immutable
// record. Every mutation returns a copy, so a value handed to a build phase
// can never be changed behind its back.
package env

import (
	"fmt"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/shell"
	"github.com/moby/buildkit/util/system"
)

const (
	// PathKey is the executable search path variable.
	PathKey = "PATH"
	// FrontendKey carries the non-interactive flag for apt/dpkg.
	FrontendKey = "DEBIAN_FRONTEND"
	// NonInteractive is the FrontendKey value that suppresses prompts.
	NonInteractive = "noninteractive"
)

// Variable is a single declared assignment, value not yet expanded.
type Variable struct {
	Key   string
	Value string
}

func (v Variable) String() string {
	return v.Key + "=" + v.Value
}

// Environment is an ordered set of unique keys. The zero value is empty and usable.
type Environment struct {
	keys   []string
	values map[string]string
}

// FromList builds an Environment from KEY=VALUE entries as found in an image config.
// Entries without '=' get an empty value. Later entries win.
func FromList(list []string) Environment {
	var e Environment
	for _, kv := range list {
		k, v, _ := strings.Cut(kv, "=")
		if k == "" {
			continue
		}
		e = e.With(k, v)
	}
	return e
}

// Default returns the environment a scratch linux image starts with.
func Default() Environment {
	return Environment{}.With(PathKey, system.DefaultPathEnv("linux"))
}

// With returns a copy of e with key set to value. A redefined key keeps its
// original position.
func (e Environment) With(key, value string) Environment {
	next := Environment{
		keys:   make([]string, len(e.keys), len(e.keys)+1),
		values: make(map[string]string, len(e.values)+1),
	}
	copy(next.keys, e.keys)
	for k, v := range e.values {
		next.values[k] = v
	}

	if _, ok := next.values[key]; !ok {
		next.keys = append(next.keys, key)
	}
	if key == PathKey {
		value = ParseSearchPath(value).String()
	}
	next.values[key] = value
	return next
}

// Get returns the value for key.
func (e Environment) Get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

func (e Environment) Len() int {
	return len(e.keys)
}

// List returns KEY=VALUE entries in declaration order.
func (e Environment) List() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}

// SearchPath returns the parsed PATH, or an empty path if unset.
func (e Environment) SearchPath() SearchPath {
	return ParseSearchPath(e.values[PathKey])
}

// IsNonInteractive reports whether package manager prompts are suppressed.
func (e Environment) IsNonInteractive() bool {
	return e.values[FrontendKey] == NonInteractive
}

// Apply expands and writes each variable in order. Values are expanded the
// way a Dockerfile ENV line is, against the environment accumulated so far,
// so "${PATH}" refers to the inherited search path.
func (e Environment) Apply(vars ...Variable) (Environment, error) {
	lex := shell.NewLex('\\')
	out := e
	for _, v := range vars {
		if v.Key == "" {
			return e, fmt.Errorf("empty variable name")
		}
		value, err := lex.ProcessWord(v.Value, out.List())
		if err != nil {
			return e, fmt.Errorf("expand %s: %w", v.Key, err)
		}
		out = out.With(v.Key, value)
	}
	return out, nil
}
