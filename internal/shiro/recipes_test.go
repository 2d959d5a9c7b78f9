package shiro

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

// fixtureTree builds a small recipe tree with category folders under one
// root and returns the root and a repository over it.
func fixtureTree(t *testing.T) (string, *Repository, *Session) {
	t.Helper()
	root := t.TempDir()

	writeRecipeDir(t, filepath.Join(root, "main"), "musl",
		"pkgname=musl\npkgver=1.2.4\npkgrel=0\nsubpackages=\"$pkgname-dev\"\n")
	writeRecipeDir(t, filepath.Join(root, "main"), "hello",
		"pkgname=hello\npkgver=1.0\npkgrel=0\ndepends=\"musl\"\nsubpackages=\"$pkgname-doc\"\n\ndoc() {\n\tpkgdesc=\"docs\"\n}\n")
	writeRecipeDir(t, filepath.Join(root, "community"), "toolbox",
		"pkgname=toolbox\npkgver=2.0\npkgrel=1\nprovides=\"hello-cmd=2.0-r1\"\n")

	sess := NewSession()
	return root, NewRepository(sess, []string{root}), sess
}

func TestScan(t *testing.T) {
	_, repo, _ := fixtureTree(t)

	names, err := repo.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	want := []string{"hello", "musl", "toolbox"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestScanDuplicate(t *testing.T) {
	root := t.TempDir()
	writeRecipeDir(t, filepath.Join(root, "main"), "dupe", "pkgname=dupe\npkgver=1.0\npkgrel=0\n")
	writeRecipeDir(t, filepath.Join(root, "community"), "dupe", "pkgname=dupe\npkgver=1.0\npkgrel=0\n")

	repo := NewRepository(NewSession(), []string{root})
	_, err := repo.Scan()
	if err == nil || !strings.Contains(err.Error(), "multiple recipe folders") {
		t.Errorf("expected duplicate folder error, got %v", err)
	}
}

func TestFindExact(t *testing.T) {
	_, repo, _ := fixtureTree(t)

	dir, err := repo.Find("hello", true)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if filepath.Base(dir) != "hello" {
		t.Errorf("dir = %q", dir)
	}
}

func TestFindSubpackage(t *testing.T) {
	_, repo, _ := fixtureTree(t)

	// Declared subpackage, confirmed by parsing the guessed recipe
	dir, err := repo.Find("hello-doc", true)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if filepath.Base(dir) != "hello" {
		t.Errorf("hello-doc should resolve to hello, got %q", dir)
	}
}

func TestFindDevSubpackage(t *testing.T) {
	_, repo, _ := fixtureTree(t)

	// "-dev" maps straight to the recipe minus the suffix
	dir, err := repo.Find("musl-dev", true)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if filepath.Base(dir) != "musl" {
		t.Errorf("musl-dev should resolve to musl, got %q", dir)
	}
}

func TestFindViaProvides(t *testing.T) {
	_, repo, _ := fixtureTree(t)

	// "hello-cmd" guesses "hello" first, which does not declare it; the
	// slow scan over all recipes then lands on toolbox's provides.
	dir, err := repo.Find("hello-cmd", true)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if filepath.Base(dir) != "toolbox" {
		t.Errorf("hello-cmd should resolve to toolbox, got %q", dir)
	}
}

func TestFindWildcardRejected(t *testing.T) {
	_, repo, _ := fixtureTree(t)
	if _, err := repo.Find("hello*", true); err == nil {
		t.Error("expected error for wildcard name")
	}
}

func TestFindMissing(t *testing.T) {
	_, repo, _ := fixtureTree(t)

	_, err := repo.Find("nonexistent", true)
	var notFound *PackageNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected PackageNotFoundError, got %v", err)
	}

	// Without mustExist the miss is silent
	dir, err := repo.Find("nonexistent", false)
	if err != nil || dir != "" {
		t.Errorf("expected silent miss, got %q, %v", dir, err)
	}
}

func TestGet(t *testing.T) {
	_, repo, _ := fixtureTree(t)

	// Subpackage resolution enabled: alias resolves to the parent recipe
	recipe, err := repo.Get("hello-doc", true, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if recipe.Pkgname != "hello" {
		t.Errorf("pkgname = %q, want hello", recipe.Pkgname)
	}

	// Version constraints are stripped from the requested name
	recipe, err = repo.Get("hello>=1.0", true, true)
	if err != nil || recipe.Pkgname != "hello" {
		t.Errorf("constraint strip failed: %v, %v", recipe, err)
	}

	// Subpackage resolution disabled: only exact recipe names match
	recipe, err = repo.Get("hello-doc", false, false)
	if err != nil || recipe != nil {
		t.Errorf("expected nil for subpackage in exact mode, got %v, %v", recipe, err)
	}
}

func TestFindProviders(t *testing.T) {
	root := t.TempDir()
	writeRecipeDir(t, root, "mesa",
		`pkgname=mesa
pkgver=23.1
pkgrel=0
subpackages="$pkgname-generic-egl:generic $pkgname-special-egl:special"

generic() {
	provides="mesa-egl=$pkgver-r$pkgrel"
	provider_priority=10
}

special() {
	provides="mesa-egl=$pkgver-r$pkgrel"
	provider_priority=20
}
`)

	repo := NewRepository(NewSession(), []string{root})
	providers, err := repo.FindProviders("mesa-egl")
	if err != nil {
		t.Fatalf("FindProviders: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(providers))
	}
	if providers[0].Name != "mesa-special-egl" {
		t.Errorf("highest priority should come first, got %q", providers[0].Name)
	}
	if providers[1].Name != "mesa-generic-egl" {
		t.Errorf("providers[1] = %q", providers[1].Name)
	}
}

func TestCheckArches(t *testing.T) {
	tests := []struct {
		arches []string
		arch   string
		want   bool
	}{
		{[]string{"all"}, "x86_64", true},
		{[]string{"noarch"}, "aarch64", true},
		{[]string{"x86_64", "aarch64"}, "x86_64", true},
		{[]string{"x86_64"}, "aarch64", false},
		{[]string{"all", "!x86_64"}, "x86_64", false},
		{[]string{"all", "!x86_64"}, "aarch64", true},
		{nil, "x86_64", false},
	}
	for _, tt := range tests {
		if got := CheckArches(tt.arches, tt.arch); got != tt.want {
			t.Errorf("CheckArches(%v, %q) = %v, want %v", tt.arches, tt.arch, got, tt.want)
		}
	}
}
