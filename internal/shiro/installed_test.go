package shiro

import (
	"path/filepath"
	"testing"
)

func TestInstalledNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installed")
	content := "P:musl\nV:1.2.4-r0\nA:x86_64\nt:1\np:so:libc.musl-x86_64.so.1=1\n\n" +
		"P:.shiro\nV:0-r0\nA:noarch\nt:1\nD:musl\n\n"
	writeIndexText(t, path, content)

	sess := NewSession()
	names, err := InstalledNames(sess, path)
	if err != nil {
		t.Fatalf("InstalledNames: %v", err)
	}

	if !names["musl"] {
		t.Error("musl should be installed")
	}
	// Provides aliases are not package names
	if names["so:libc.musl-x86_64.so.1"] {
		t.Error("soname alias leaked into installed names")
	}
	// The tracking sentinel is bookkeeping, not a package
	if names[installedSentinel] {
		t.Error("installed sentinel leaked into installed names")
	}
}

func TestInstalledNamesMissingDB(t *testing.T) {
	sess := NewSession()
	names, err := InstalledNames(sess, filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("missing database should not error: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty set, got %v", names)
	}
}
