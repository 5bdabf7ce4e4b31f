package env

import (
	"strings"
	"testing"
)

func lookup(t *testing.T, kvs []string, key string) (string, bool) {
	t.Helper()
	for _, kv := range kvs {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergeIncludesOSBase(t *testing.T) {
	t.Setenv("ENV_TEST_BASE", "from-os")
	e := New()
	got, ok := lookup(t, e.Merge(nil), "ENV_TEST_BASE")
	if !ok || got != "from-os" {
		t.Fatalf("base env missing: %q %v", got, ok)
	}
}

func TestGlobalOverridesBase(t *testing.T) {
	t.Setenv("ENV_TEST_OVR", "from-os")
	e := New()
	e.Set("ENV_TEST_OVR", "from-global")
	got, _ := lookup(t, e.Merge(nil), "ENV_TEST_OVR")
	if got != "from-global" {
		t.Fatalf("got %q, want global override", got)
	}
}

func TestPerServiceOverridesGlobal(t *testing.T) {
	e := New()
	e.Set("SHARED", "global")
	got, _ := lookup(t, e.Merge(map[string]string{"SHARED": "service"}), "SHARED")
	if got != "service" {
		t.Fatalf("got %q, want service override", got)
	}
}

func TestUnset(t *testing.T) {
	e := New()
	e.Set("TMP", "x")
	e.Unset("TMP")
	e.FromOS()
	if v, ok := lookup(t, e.Merge(nil), "TMP"); ok && v == "x" {
		t.Fatalf("unset key still present")
	}
}

func TestExpansion(t *testing.T) {
	e := New()
	e.Set("HOST", "db.local")
	e.Set("PORT", "5432")
	got, _ := lookup(t, e.Merge(map[string]string{"DSN": "postgres://${HOST}:${PORT}/app"}), "DSN")
	if got != "postgres://db.local:5432/app" {
		t.Fatalf("expansion = %q", got)
	}
}

func TestExpansionUnknownVarLeftVerbatim(t *testing.T) {
	e := New()
	got, _ := lookup(t, e.Merge(map[string]string{"X": "${NOPE_NOT_SET_ANYWHERE}"}), "X")
	if got != "${NOPE_NOT_SET_ANYWHERE}" {
		t.Fatalf("got %q", got)
	}
}

func TestMergeSorted(t *testing.T) {
	e := New()
	e.FromOS()
	out := e.Merge(map[string]string{"ZZZ": "1", "AAA": "2"})
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("output not sorted at %d: %q > %q", i, out[i-1], out[i])
		}
	}
}
