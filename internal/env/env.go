// Package env composes the environment handed to managed service processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers daemon-wide variables over the OS environment.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // cached OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromList builds an Env whose globals are the given "K=V" entries.
func FromList(kvs []string) *Env {
	e := New()
	for k, v := range parse(kvs) {
		e.Var[k] = v
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge returns the sorted "K=V" list made of, in increasing precedence,
// the OS environment, the globals and the per-service entries. ${VAR}
// references are expanded once against the composed map.
func (e *Env) Merge(perService []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perService))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(perService) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// expand replaces ${VAR} references found in m. Unknown references and bare
// $VAR forms are left as written.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		k := s[i+2 : i+2+j]
		if v, ok := m[k]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
