package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to spawned processes.
// Base is the orchestrator's own OS environment (cached once), on top of
// which global overrides and then per-service overrides are applied.
type Env struct {
	Var Var // global overrides (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" {
				continue
			}
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global override K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global override.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment applying order:
// base = OS env (or cached), then global overrides, then perService overrides.
// ${VAR} references are expanded against the composed map (single pass, no
// recursion). The result is sorted for reproducibility.
func (e *Env) Merge(perService map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perService))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range perService {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
