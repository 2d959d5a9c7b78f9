package shiro

import (
	"sync"
	"time"
)

// indexCache holds the parsed forms of one binary index file. The entry is
// only valid while lastmod matches the file on disk.
type indexCache struct {
	lastmod  time.Time
	single   map[string]*IndexBlock
	multiple map[string]*Providers
}

// recipeCache holds one parsed recipe together with the file mtime at parse
// time, so a version bump rewrite invalidates just this entry.
type recipeCache struct {
	lastmod time.Time
	recipe  *Recipe
}

// findResult caches the outcome of Repository.Find for one requested name,
// including misses.
type findResult struct {
	dir string
	ok  bool
}

// Session owns every cache that lives for the duration of one tool
// invocation: parsed recipes, parsed binary indexes, recipe lookups and the
// per-arch "already built" set. All lookups go through one mutex so the
// session can be shared with background workers.
type Session struct {
	mu       sync.Mutex
	indexes  map[string]*indexCache
	recipes  map[string]*recipeCache
	finds    map[string]findResult
	scans    map[string]map[string]string
	scanList map[string][]string
	built    map[string]map[string]bool
}

func NewSession() *Session {
	s := &Session{}
	s.reset()
	return s
}

func (s *Session) reset() {
	s.indexes = make(map[string]*indexCache)
	s.recipes = make(map[string]*recipeCache)
	s.finds = make(map[string]findResult)
	s.scans = make(map[string]map[string]string)
	s.scanList = make(map[string][]string)
	s.built = make(map[string]map[string]bool)
}

// Reset drops every cached result. Called when the recipe checkout changes
// underneath us (branch switch, re-clone).
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// InvalidateIndex removes the cached parse of one index file, typically
// right after the file was rewritten by a rebuild. Reports whether an entry
// was actually removed.
func (s *Session) InvalidateIndex(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[path]; ok {
		delete(s.indexes, path)
		return true
	}
	debugf("Nothing to invalidate, index was not cached: %s\n", path)
	return false
}

// InvalidateRecipe removes the cached parse of one recipe file.
func (s *Session) InvalidateRecipe(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recipes[path]; ok {
		delete(s.recipes, path)
		return true
	}
	return false
}

// SkipAlreadyBuilt checks if the package was already handled in this
// session for the given arch, and marks it in case it was not.
func (s *Session) SkipAlreadyBuilt(pkgname, arch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built[arch] == nil {
		s.built[arch] = make(map[string]bool)
	}
	if s.built[arch][pkgname] {
		debugf("%s: already checked this session, no need to build it or its dependencies\n", pkgname)
		return true
	}
	s.built[arch][pkgname] = true
	return false
}
