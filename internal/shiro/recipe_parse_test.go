package shiro

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const helloRecipe = `pkgname=hello-world
pkgver=1.0.0
pkgrel=2
pkgdesc="A hello world program"
url="https://example.org/$pkgname"
arch="all !armhf"
depends="musl"
makedepends="gcc make"
checkdepends="check"
options="!check"
subpackages="$pkgname-doc $pkgname-extras:extras hello-world-ghost"
source="hello-world-$pkgver.tar.gz"

build() {
	make
}

doc() {
	pkgdesc="docs for hello-world"
}

extras() {
	depends="hello-world"
	provides="hello-extra=$pkgver-r$pkgrel"
	provider_priority=10
}
`

// writeRecipeDir creates <root>/<folder>/APKBUILD with the given content.
func writeRecipeDir(t *testing.T, root, folder, content string) string {
	t.Helper()
	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, recipeFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestParseRecipe(t *testing.T) {
	path := writeRecipeDir(t, t.TempDir(), "hello-world", helloRecipe)

	sess := NewSession()
	recipe, err := sess.ParseRecipe(path)
	if err != nil {
		t.Fatalf("ParseRecipe: %v", err)
	}

	if recipe.Pkgname != "hello-world" || recipe.Pkgver != "1.0.0" || recipe.Pkgrel != "2" {
		t.Errorf("unexpected identity: %s %s-%s", recipe.Pkgname, recipe.Pkgver, recipe.Pkgrel)
	}
	if recipe.Version() != "1.0.0-r2" {
		t.Errorf("Version() = %q, want 1.0.0-r2", recipe.Version())
	}
	if recipe.URL != "https://example.org/hello-world" {
		t.Errorf("url substitution failed: %q", recipe.URL)
	}
	if len(recipe.Arch) != 2 || recipe.Arch[0] != "all" || recipe.Arch[1] != "!armhf" {
		t.Errorf("arch = %v", recipe.Arch)
	}
	if len(recipe.Source) != 1 || recipe.Source[0] != "hello-world-1.0.0.tar.gz" {
		t.Errorf("source substitution failed: %v", recipe.Source)
	}

	if len(recipe.Subpackages) != 3 {
		t.Fatalf("subpackages = %d, want 3", len(recipe.Subpackages))
	}

	doc, ok := recipe.Subpackage("hello-world-doc")
	if !ok || doc.Pkg == nil {
		t.Fatal("hello-world-doc missing or has no body")
	}
	if doc.Pkg.Pkgdesc != "docs for hello-world" {
		t.Errorf("doc pkgdesc = %q", doc.Pkg.Pkgdesc)
	}
	// Attributes the function does not set are inherited from the parent
	if len(doc.Pkg.Depends) != 1 || doc.Pkg.Depends[0] != "musl" {
		t.Errorf("doc depends = %v, want inherited [musl]", doc.Pkg.Depends)
	}

	extras, ok := recipe.Subpackage("hello-world-extras")
	if !ok || extras.Pkg == nil {
		t.Fatal("hello-world-extras missing or has no body")
	}
	if len(extras.Pkg.Provides) != 1 || extras.Pkg.Provides[0] != "hello-extra=1.0.0-r2" {
		t.Errorf("extras provides = %v", extras.Pkg.Provides)
	}
	if extras.Pkg.ProviderPriority != 10 {
		t.Errorf("extras priority = %d, want 10", extras.Pkg.ProviderPriority)
	}

	// Declared subpackage without a locatable function keeps a nil body
	ghost, ok := recipe.Subpackage("hello-world-ghost")
	if !ok {
		t.Fatal("hello-world-ghost missing")
	}
	if ghost.Pkg != nil {
		t.Error("hello-world-ghost should have a nil body")
	}
}

func TestParseRecipeSubstitutionForms(t *testing.T) {
	content := `pkgname=subst
pkgver=2.1
pkgrel=0
url="https://example.org/${pkgname}"
depends="${pkgname/subst/other} ${pkgver#2.}"
`
	path := writeRecipeDir(t, t.TempDir(), "subst", content)

	sess := NewSession()
	recipe, err := sess.ParseRecipe(path)
	if err != nil {
		t.Fatalf("ParseRecipe: %v", err)
	}
	if recipe.URL != "https://example.org/subst" {
		t.Errorf("brace substitution failed: %q", recipe.URL)
	}
	if len(recipe.Depends) != 2 || recipe.Depends[0] != "other" || recipe.Depends[1] != "1" {
		t.Errorf("search/replace and prefix trim failed: %v", recipe.Depends)
	}
}

func TestParseRecipeMultilineValue(t *testing.T) {
	content := `pkgname=multi
pkgver=1.0
pkgrel=0
source="multi-1.0.tar.gz
	fix-build.patch"
`
	path := writeRecipeDir(t, t.TempDir(), "multi", content)

	sess := NewSession()
	recipe, err := sess.ParseRecipe(path)
	if err != nil {
		t.Fatalf("ParseRecipe: %v", err)
	}
	if len(recipe.Source) != 2 || recipe.Source[1] != "fix-build.patch" {
		t.Errorf("multi-line source = %v", recipe.Source)
	}
}

func TestParseRecipeUnterminatedQuote(t *testing.T) {
	content := "pkgname=broken\npkgver=1.0\npkgrel=0\nsource=\"never closed\n"
	path := writeRecipeDir(t, t.TempDir(), "broken", content)

	sess := NewSession()
	_, err := sess.ParseRecipe(path)
	if err == nil || !strings.Contains(err.Error(), "closing quote") {
		t.Errorf("expected unterminated quote error, got %v", err)
	}
}

func TestParseRecipeCommentStripping(t *testing.T) {
	content := "pkgname=commented\npkgver=1.0 # not part of the version\npkgrel=0\n"
	path := writeRecipeDir(t, t.TempDir(), "commented", content)

	sess := NewSession()
	recipe, err := sess.ParseRecipe(path)
	if err != nil {
		t.Fatalf("ParseRecipe: %v", err)
	}
	if recipe.Pkgver != "1.0" {
		t.Errorf("pkgver = %q, comment should be stripped", recipe.Pkgver)
	}
}

func TestParseRecipeFolderMismatch(t *testing.T) {
	content := "pkgname=actual\npkgver=1.0\npkgrel=0\n"
	path := writeRecipeDir(t, t.TempDir(), "wrong-folder", content)

	sess := NewSession()
	_, err := sess.ParseRecipe(path)
	if err == nil || !strings.Contains(err.Error(), "name of the folder") {
		t.Errorf("expected folder mismatch error, got %v", err)
	}
}

func TestParseRecipeInvalidVersion(t *testing.T) {
	content := "pkgname=badver\npkgver=1.0-x\npkgrel=0\n"
	path := writeRecipeDir(t, t.TempDir(), "badver", content)

	sess := NewSession()
	_, err := sess.ParseRecipe(path)
	if err == nil || !strings.Contains(err.Error(), "invalid pkgver") {
		t.Errorf("expected invalid pkgver error, got %v", err)
	}
}

func TestParseRecipeWindowsLineEndings(t *testing.T) {
	content := "pkgname=crlf\r\npkgver=1.0\r\npkgrel=0\r\n"
	path := writeRecipeDir(t, t.TempDir(), "crlf", content)

	sess := NewSession()
	_, err := sess.ParseRecipe(path)
	if err == nil || !strings.Contains(err.Error(), "line endings") {
		t.Errorf("expected line ending error, got %v", err)
	}
}

func TestParseRecipeCacheInvalidation(t *testing.T) {
	root := t.TempDir()
	path := writeRecipeDir(t, root, "bump", "pkgname=bump\npkgver=1.0\npkgrel=0\n")

	sess := NewSession()
	recipe, err := sess.ParseRecipe(path)
	if err != nil {
		t.Fatalf("ParseRecipe: %v", err)
	}
	if recipe.Pkgver != "1.0" {
		t.Fatalf("pkgver = %q", recipe.Pkgver)
	}

	// A version bump rewrite with a new mtime must be picked up
	if err := os.WriteFile(path, []byte("pkgname=bump\npkgver=2.0\npkgrel=0\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	future := time.Now().Add(3 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	recipe, err = sess.ParseRecipe(path)
	if err != nil {
		t.Fatalf("ParseRecipe after rewrite: %v", err)
	}
	if recipe.Pkgver != "2.0" {
		t.Errorf("stale recipe cache served: pkgver = %q, want 2.0", recipe.Pkgver)
	}
}

func TestInvalidateRecipe(t *testing.T) {
	path := writeRecipeDir(t, t.TempDir(), "bump", "pkgname=bump\npkgver=1.0\npkgrel=0\n")

	sess := NewSession()
	if sess.InvalidateRecipe(path) {
		t.Error("invalidating an uncached recipe should report false")
	}
	if _, err := sess.ParseRecipe(path); err != nil {
		t.Fatalf("ParseRecipe: %v", err)
	}
	if !sess.InvalidateRecipe(path) {
		t.Error("invalidating a cached recipe should report true")
	}
}
