package shiro

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// IndexBlock is one parsed block from a binary package index (or from the
// installed-package database, which uses the same line format).
type IndexBlock struct {
	Name             string
	Version          string
	Arch             string
	Origin           string
	Timestamp        string
	Depends          []string
	Provides         []string
	ProviderPriority string
}

// Priority returns the numeric provider priority, or -1 when none is set.
func (b *IndexBlock) Priority() int {
	if b.ProviderPriority == "" {
		return -1
	}
	n, err := strconv.Atoi(b.ProviderPriority)
	if err != nil {
		return -1
	}
	return n
}

// Providers maps provider package names to their index blocks, preserving
// the order providers were first seen. That order is the tie-break of last
// resort during provider selection, so it must stay stable across runs.
type Providers struct {
	order  []string
	blocks map[string]*IndexBlock
}

func NewProviders() *Providers {
	return &Providers{blocks: make(map[string]*IndexBlock)}
}

// Set stores a block under name. An overwrite keeps the first-seen position.
func (p *Providers) Set(name string, blk *IndexBlock) {
	if _, ok := p.blocks[name]; !ok {
		p.order = append(p.order, name)
	}
	p.blocks[name] = blk
}

func (p *Providers) Get(name string) (*IndexBlock, bool) {
	blk, ok := p.blocks[name]
	return blk, ok
}

func (p *Providers) Names() []string {
	return p.order
}

func (p *Providers) Len() int {
	return len(p.order)
}

// First returns the first provider in insertion order, or nil when empty.
func (p *Providers) First() *IndexBlock {
	if len(p.order) == 0 {
		return nil
	}
	return p.blocks[p.order[0]]
}

// splitIndexList splits a space-separated depends/provides value and strips
// version constraints ("foo>=1.2" becomes "foo"). Conflict markers ("!foo")
// pass through untouched.
func splitIndexList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, value := range strings.Split(raw, " ") {
		if value == "" {
			continue
		}
		for _, op := range []string{">", "=", "<", "~"} {
			if idx := strings.Index(value, op); idx != -1 {
				value = value[:idx]
				break
			}
		}
		out = append(out, value)
	}
	return out
}

// removeOperators strips a version constraint from a dependency reference.
func removeOperators(pkg string) string {
	if idx := strings.IndexAny(pkg, "><=~"); idx != -1 {
		return pkg[:idx]
	}
	return pkg
}

// parseNextBlock parses one block of tag:value lines starting at *pos and
// advances *pos past it. Returns nil when no blocks remain.
func parseNextBlock(path string, lines []string, pos *int) (*IndexBlock, error) {
	blk := &IndexBlock{}
	seen := make(map[string]bool)
	endOfBlock := false
	var rawDepends, rawProvides string

	for i := *pos; i < len(lines); i++ {
		*pos = i + 1
		line := lines[i]
		if line == "" {
			endOfBlock = true
			break
		}
		if len(line) < 2 || line[1] != ':' {
			continue
		}

		var field string
		var dst *string
		switch line[0] {
		case 'A':
			field, dst = "arch", &blk.Arch
		case 'D':
			field, dst = "depends", &rawDepends
		case 'o':
			field, dst = "origin", &blk.Origin
		case 'P':
			field, dst = "pkgname", &blk.Name
		case 'p':
			field, dst = "provides", &rawProvides
		case 'k', 'i':
			field, dst = "provider_priority", &blk.ProviderPriority
		case 't', 'T':
			field, dst = "timestamp", &blk.Timestamp
		case 'V':
			field, dst = "version", &blk.Version
		default:
			continue
		}
		if seen[field] {
			return nil, &ParseError{Path: path, Msg: fmt.Sprintf(
				"key %s (%c:) specified twice in block for '%s'", field, line[0], blk.Name)}
		}
		seen[field] = true
		*dst = line[2:]
	}

	if endOfBlock {
		for _, req := range []string{"arch", "pkgname", "version"} {
			if !seen[req] {
				return nil, &ParseError{Path: path, Msg: fmt.Sprintf(
					"missing required key '%s' in block for '%s'", req, blk.Name)}
			}
		}
		blk.Depends = splitIndexList(rawDepends)
		blk.Provides = splitIndexList(rawProvides)
		return blk, nil
	}

	// Tags without a terminating blank line mean a truncated file
	if len(seen) > 0 {
		return nil, &ParseError{Path: path, Msg: fmt.Sprintf(
			"last block ('%s') does not end with a new line! Delete the file and try again", blk.Name)}
	}
	return nil, nil
}

// addBlockSingle records blk under alias, keeping whichever version is
// higher. On an exact version tie the later block wins.
func addBlockSingle(ret map[string]*IndexBlock, alias string, blk *IndexBlock) {
	if old, ok := ret[alias]; ok && compareVersions(old.Version, blk.Version) == 1 {
		return
	}
	ret[alias] = blk
}

func addBlockMulti(ret map[string]*Providers, alias string, blk *IndexBlock) {
	p := ret[alias]
	if p == nil {
		p = NewProviders()
		ret[alias] = p
	}
	if old, ok := p.Get(blk.Name); ok && compareVersions(old.Version, blk.Version) == 1 {
		return
	}
	p.Set(blk.Name, blk)
}

// parseIndexBlocks reads every real (non-virtual) block from an index file.
// Blocks without a timestamp are synthetic bookkeeping entries and are
// skipped, as is the installed-set tracking sentinel.
func parseIndexBlocks(path string) ([]*IndexBlock, error) {
	lines, err := readIndexLines(path)
	if err != nil {
		return nil, err
	}

	var blocks []*IndexBlock
	pos := 0
	for {
		blk, err := parseNextBlock(path, lines, &pos)
		if err != nil {
			return nil, err
		}
		if blk == nil {
			break
		}
		if blk.Timestamp == "" || blk.Name == installedSentinel {
			debugf("Skipped virtual package '%s' in file: %s\n", blk.Name, path)
			continue
		}
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

// cachedIndex returns the session cache entry for path, re-reading the file
// when it is missing from the cache or its mtime moved. A missing file
// yields nil without error: no binary packages exist for that arch yet.
// The session mutex must be held by the caller.
func (s *Session) cachedIndex(path string) (*indexCache, error) {
	fi, err := os.Stat(path)
	if err != nil {
		debugf("Index not found, assuming no binary packages exist: %s\n", path)
		return nil, nil
	}

	if entry, ok := s.indexes[path]; ok {
		if entry.lastmod.Equal(fi.ModTime()) {
			return entry, nil
		}
		delete(s.indexes, path)
	}

	entry := &indexCache{lastmod: fi.ModTime()}
	s.indexes[path] = entry
	return entry, nil
}

// ParseIndex parses an index file in multi-provider mode: every package,
// provided virtual and soname maps to all blocks claiming it.
func (s *Session) ParseIndex(path string) (map[string]*Providers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.cachedIndex(path)
	if err != nil || entry == nil {
		return map[string]*Providers{}, err
	}
	if entry.multiple != nil {
		return entry.multiple, nil
	}

	blocks, err := parseIndexBlocks(path)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]*Providers)
	for _, blk := range blocks {
		addBlockMulti(ret, blk.Name, blk)
		for _, alias := range blk.Provides {
			addBlockMulti(ret, alias, blk)
		}
	}
	entry.multiple = ret
	return ret, nil
}

// ParseIndexSingle parses an index file collapsing each key to its single
// best (highest-version) block. This matches how the installed-package
// database is read, where each name has exactly one owner.
func (s *Session) ParseIndexSingle(path string) (map[string]*IndexBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.cachedIndex(path)
	if err != nil || entry == nil {
		return map[string]*IndexBlock{}, err
	}
	if entry.single != nil {
		return entry.single, nil
	}

	blocks, err := parseIndexBlocks(path)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]*IndexBlock)
	for _, blk := range blocks {
		addBlockSingle(ret, blk.Name, blk)
		for _, alias := range blk.Provides {
			addBlockSingle(ret, alias, blk)
		}
	}
	entry.single = ret
	return ret, nil
}

// IndexProviders collects every provider of pkg across the given index
// files, keeping only the highest version per provider name.
func (s *Session) IndexProviders(pkg string, indexes []string) (*Providers, error) {
	pkg = removeOperators(pkg)

	ret := NewProviders()
	for _, path := range indexes {
		parsed, err := s.ParseIndex(path)
		if err != nil {
			return nil, err
		}
		entry := parsed[pkg]
		if entry == nil {
			continue
		}
		for _, name := range entry.Names() {
			blk, _ := entry.Get(name)
			if old, ok := ret.Get(name); ok && compareVersions(blk.Version, old.Version) == -1 {
				debugf("%s: provided by %s-%s in %s (but %s is higher)\n",
					pkg, name, blk.Version, path, old.Version)
				continue
			}
			ret.Set(name, blk)
		}
	}
	return ret, nil
}

// providerHighestPriority narrows providers to those sharing the highest
// explicitly set priority. Without any explicit priority the input is
// returned unchanged.
func providerHighestPriority(providers *Providers, pkgname string) *Providers {
	maxPriority := 0
	best := NewProviders()
	for _, name := range providers.Names() {
		blk, _ := providers.Get(name)
		priority := blk.Priority()
		if priority > maxPriority {
			best = NewProviders()
			maxPriority = priority
		}
		if priority == maxPriority {
			best.Set(name, blk)
		}
	}
	if best.Len() > 0 {
		debugf("%s: picked provider(s) with highest priority %d: %s\n",
			pkgname, maxPriority, strings.Join(best.Names(), ", "))
		return best
	}
	return providers
}

// providerShortest picks the provider with the shortest name. In most cases
// that is the generic one ("mesa-egl" over "mesa-purism-gc7000-egl").
func providerShortest(providers *Providers, pkgname string) *IndexBlock {
	var shortest string
	for _, name := range providers.Names() {
		if shortest == "" || len(name) < len(shortest) {
			shortest = name
		}
	}
	if providers.Len() > 1 {
		debugf("%s: has multiple providers (%s), picked shortest: %s\n",
			pkgname, strings.Join(providers.Names(), ", "), shortest)
	}
	blk, _ := providers.Get(shortest)
	return blk
}

// LookupPackage finds pkg in the given index files: the self-named provider
// wins, then the shortest-named one. Returns nil when nothing provides pkg.
func (s *Session) LookupPackage(pkg string, indexes []string) (*IndexBlock, error) {
	providers, err := s.IndexProviders(pkg, indexes)
	if err != nil {
		return nil, err
	}
	if blk, ok := providers.Get(removeOperators(pkg)); ok {
		return blk, nil
	}
	if providers.Len() > 0 {
		return providerShortest(providers, pkg), nil
	}
	return nil, nil
}
