package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHomePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cases := map[string]string{
		"":                 "",
		"  ":               "",
		"~":                home,
		"~/":               home,
		"~/.smartops/a.db": filepath.Join(home, ".smartops", "a.db"),
		"~other/x":         "~other/x",
		"/var//lib/../db":  "/var/db",
		"rel/./x":          "rel/x",
	}
	for in, want := range cases {
		if got := ExpandHomePath(in); got != want {
			t.Errorf("ExpandHomePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnsureParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "audit.jsonl")
	if err := EnsureParentDir(path, 0o700); err != nil {
		t.Fatalf("EnsureParentDir: %v", err)
	}
	if st, err := os.Stat(filepath.Dir(path)); err != nil || !st.IsDir() {
		t.Fatalf("parent dir missing: %v", err)
	}
	if err := EnsureParentDir("bare.db", 0o700); err != nil {
		t.Fatalf("bare file name: %v", err)
	}
}
