package shiro

import (
	"archive/tar"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
)

const indexFixture = `C:Q1p+nGf5oBAmbU9FQvV4MhfEmWqVE=
P:musl
V:1.1.18-r5
A:x86_64
t:1515217616
o:musl
D:
p:so:libc.musl-x86_64.so.1=1

C:Q1SKX+E92vKbWTjNf0HRs3UjFTHx4=
P:curl
V:7.57.0-r0
A:x86_64
t:1512030418
o:curl
D:ca-certificates so:libc.musl-x86_64.so.1 so:libcurl.so.4
p:cmd:curl

`

// writeIndexArchive writes content as a gzipped tar holding one APKINDEX
// member, the container format produced by apk index.
func writeIndexArchive(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	gz := pgzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{
		Name: "APKINDEX",
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("write tar member: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
}

func writeIndexText(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX.tar.gz")
	writeIndexArchive(t, path, indexFixture)

	sess := NewSession()
	ret, err := sess.ParseIndex(path)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}

	curl, ok := ret["curl"].Get("curl")
	if !ok {
		t.Fatal("curl missing from parsed index")
	}
	if curl.Version != "7.57.0-r0" {
		t.Errorf("curl version = %q, want 7.57.0-r0", curl.Version)
	}
	if curl.Arch != "x86_64" || curl.Origin != "curl" || curl.Timestamp != "1512030418" {
		t.Errorf("unexpected curl block: %+v", curl)
	}
	wantDeps := []string{"ca-certificates", "so:libc.musl-x86_64.so.1", "so:libcurl.so.4"}
	if len(curl.Depends) != len(wantDeps) {
		t.Fatalf("curl depends = %v, want %v", curl.Depends, wantDeps)
	}
	for i, dep := range wantDeps {
		if curl.Depends[i] != dep {
			t.Errorf("curl depends[%d] = %q, want %q", i, curl.Depends[i], dep)
		}
	}

	// The provided command maps to the same block, not a copy
	cmd, ok := ret["cmd:curl"].Get("curl")
	if !ok {
		t.Fatal("cmd:curl missing from parsed index")
	}
	if cmd != curl {
		t.Error("cmd:curl and curl should share one block")
	}

	// Version constraints on provides are stripped
	musl, ok := ret["so:libc.musl-x86_64.so.1"].Get("musl")
	if !ok || musl.Version != "1.1.18-r5" {
		t.Errorf("soname lookup failed: %+v", musl)
	}
}

func TestParseIndexMissingFile(t *testing.T) {
	sess := NewSession()
	ret, err := sess.ParseIndex(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("missing index should not error: %v", err)
	}
	if len(ret) != 0 {
		t.Errorf("missing index should parse empty, got %d entries", len(ret))
	}
}

func TestParseIndexDuplicateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX")
	writeIndexText(t, path, "P:hello\nP:hello\nV:1.0-r0\nA:x86_64\nt:1\n\n")

	sess := NewSession()
	_, err := sess.ParseIndex(path)
	if err == nil || !strings.Contains(err.Error(), "specified twice") {
		t.Errorf("expected duplicate key error, got %v", err)
	}
}

func TestParseIndexMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX")
	writeIndexText(t, path, "P:hello\nV:1.0-r0\nt:1\n\n")

	sess := NewSession()
	_, err := sess.ParseIndex(path)
	if err == nil || !strings.Contains(err.Error(), "missing required key") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestParseIndexTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX")
	writeIndexText(t, path, "P:hello\nV:1.0-r0\nA:x86_64\nt:1\n")

	sess := NewSession()
	_, err := sess.ParseIndex(path)
	if err == nil || !strings.Contains(err.Error(), "does not end with a new line") {
		t.Errorf("expected truncation error, got %v", err)
	}
}

func TestParseIndexSkipsVirtual(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX")
	content := "P:real\nV:1.0-r0\nA:x86_64\nt:1\n\n" +
		"P:.virtual\nV:1.0-r0\nA:x86_64\n\n"
	writeIndexText(t, path, content)

	sess := NewSession()
	ret, err := sess.ParseIndex(path)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if _, ok := ret["real"]; !ok {
		t.Error("real package missing")
	}
	if _, ok := ret[".virtual"]; ok {
		t.Error("virtual package without timestamp should be skipped")
	}
}

func TestParseIndexSingleKeepsHighest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX")
	content := "P:hello\nV:2.0-r0\nA:x86_64\nt:1\n\n" +
		"P:hello\nV:1.0-r0\nA:x86_64\nt:1\n\n"
	writeIndexText(t, path, content)

	sess := NewSession()
	ret, err := sess.ParseIndexSingle(path)
	if err != nil {
		t.Fatalf("ParseIndexSingle: %v", err)
	}
	if ret["hello"].Version != "2.0-r0" {
		t.Errorf("hello version = %q, want 2.0-r0", ret["hello"].Version)
	}
}

func TestIndexCacheStaleness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX")
	writeIndexText(t, path, "P:hello\nV:1.0-r0\nA:x86_64\nt:1\n\n")

	sess := NewSession()
	ret, err := sess.ParseIndex(path)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if blk, _ := ret["hello"].Get("hello"); blk.Version != "1.0-r0" {
		t.Fatalf("hello version = %q, want 1.0-r0", blk.Version)
	}

	// Rewrite with a guaranteed different mtime
	writeIndexText(t, path, "P:hello\nV:2.0-r0\nA:x86_64\nt:1\n\n")
	future := time.Now().Add(3 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	ret, err = sess.ParseIndex(path)
	if err != nil {
		t.Fatalf("ParseIndex after rewrite: %v", err)
	}
	if blk, _ := ret["hello"].Get("hello"); blk.Version != "2.0-r0" {
		t.Errorf("stale cache served: hello version = %q, want 2.0-r0", blk.Version)
	}
}

func TestInvalidateIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX")
	writeIndexText(t, path, "P:hello\nV:1.0-r0\nA:x86_64\nt:1\n\n")

	sess := NewSession()
	if sess.InvalidateIndex(path) {
		t.Error("invalidating an uncached index should report false")
	}
	if _, err := sess.ParseIndex(path); err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	if !sess.InvalidateIndex(path) {
		t.Error("invalidating a cached index should report true")
	}
}

func TestIndexProvidersAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local")
	mirror := filepath.Join(dir, "mirror")
	writeIndexText(t, local, "P:hello\nV:1.0-r0\nA:x86_64\nt:1\n\n")
	writeIndexText(t, mirror, "P:hello\nV:2.0-r0\nA:x86_64\nt:1\n\n")

	sess := NewSession()
	providers, err := sess.IndexProviders("hello", []string{local, mirror})
	if err != nil {
		t.Fatalf("IndexProviders: %v", err)
	}
	blk, ok := providers.Get("hello")
	if !ok || blk.Version != "2.0-r0" {
		t.Errorf("expected highest version across indexes, got %+v", blk)
	}

	// Order swap must not change the outcome
	providers, err = sess.IndexProviders("hello", []string{mirror, local})
	if err != nil {
		t.Fatalf("IndexProviders: %v", err)
	}
	if blk, _ := providers.Get("hello"); blk.Version != "2.0-r0" {
		t.Errorf("expected highest version across indexes, got %+v", blk)
	}
}

func TestLookupPackage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "APKINDEX")
	content := "P:hello\nV:1.0-r0\nA:x86_64\nt:1\np:cmd:hello\n\n" +
		"P:hello-wrapper\nV:9.0-r0\nA:x86_64\nt:1\np:hello\n\n"
	writeIndexText(t, path, content)

	sess := NewSession()
	indexes := []string{path}

	// Self-named provider wins over the higher-versioned alias
	blk, err := sess.LookupPackage("hello", indexes)
	if err != nil {
		t.Fatalf("LookupPackage: %v", err)
	}
	if blk == nil || blk.Name != "hello" {
		t.Errorf("expected self-named provider, got %+v", blk)
	}

	// Only providers left: shortest name wins
	blk, err = sess.LookupPackage("cmd:hello", indexes)
	if err != nil {
		t.Fatalf("LookupPackage: %v", err)
	}
	if blk == nil || blk.Name != "hello" {
		t.Errorf("expected shortest provider, got %+v", blk)
	}

	// Unknown packages yield nil without error
	blk, err = sess.LookupPackage("nonexistent", indexes)
	if err != nil || blk != nil {
		t.Errorf("expected nil for unknown package, got %+v, %v", blk, err)
	}
}

func TestSkipAlreadyBuilt(t *testing.T) {
	sess := NewSession()
	if sess.SkipAlreadyBuilt("hello", "x86_64") {
		t.Error("first call should not skip")
	}
	if !sess.SkipAlreadyBuilt("hello", "x86_64") {
		t.Error("second call should skip")
	}
	if sess.SkipAlreadyBuilt("hello", "aarch64") {
		t.Error("other arch should not skip")
	}
}
