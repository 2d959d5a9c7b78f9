package shiro

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Recipe files are shell fragments: key=value assignments plus named
// functions for subpackages. This parser is intentionally not a full shell
// parser, it only understands the assignment and substitution forms the
// recipe trees actually use.

type attrSpec struct {
	name  string
	array bool
	num   bool
}

// Attributes a subpackage function may override.
var subpackageAttrs = []attrSpec{
	{name: "pkgdesc"},
	{name: "depends", array: true},
	{name: "provides", array: true},
	{name: "provider_priority", num: true},
	{name: "install", array: true},
	{name: "triggers", array: true},
	// Soft dependencies installed by default but removable without
	// breaking the package that recommends them.
	{name: "recommends", array: true},
}

// All attributes parsed from a top-level recipe.
var recipeAttrs = append([]attrSpec{
	{name: "arch", array: true},
	{name: "makedepends", array: true},
	{name: "checkdepends", array: true},
	{name: "options", array: true},
	{name: "pkgname"},
	{name: "pkgrel"},
	{name: "pkgver"},
	{name: "subpackages"},
	{name: "url"},
	{name: "source", array: true},
}, subpackageAttrs...)

// sh variable forms supported during attribute expansion
var (
	reVarBrace = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	reVarPlain = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)
	reVarSub   = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)/([^/]+)(?:/([^/]*?))?\}`)
	reVarTrim  = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)#([^}]*)\}`)
)

// Subpackage holds the attributes a subpackage function may override,
// layered on a copy of its parent recipe's values.
type Subpackage struct {
	Pkgdesc          string
	Depends          []string
	Provides         []string
	ProviderPriority int
	Install          []string
	Triggers         []string
	Recommends       []string
}

// SubpackageEntry pairs a declared subpackage name with its parsed record.
// Pkg is nil when the subpackage function body could not be located (the
// declaration may be hidden behind shell logic we do not evaluate).
type SubpackageEntry struct {
	Name string
	Pkg  *Subpackage
}

// Recipe is one parsed build recipe.
type Recipe struct {
	Path             string
	Pkgname          string
	Pkgver           string
	Pkgrel           string
	Pkgdesc          string
	URL              string
	Arch             []string
	Depends          []string
	Makedepends      []string
	Checkdepends     []string
	Options          []string
	Provides         []string
	Source           []string
	Install          []string
	Triggers         []string
	Recommends       []string
	ProviderPriority int
	Subpackages      []SubpackageEntry
}

// Version returns the full version including the package revision.
func (r *Recipe) Version() string {
	return r.Pkgver + "-r" + r.Pkgrel
}

// Subpackage looks up a declared subpackage by name.
func (r *Recipe) Subpackage(name string) (*SubpackageEntry, bool) {
	for i := range r.Subpackages {
		if r.Subpackages[i].Name == name {
			return &r.Subpackages[i], true
		}
	}
	return nil, false
}

func (r *Recipe) HasSubpackage(name string) bool {
	_, ok := r.Subpackage(name)
	return ok
}

// replaceVariables expands the supported substitution forms against the
// attributes parsed so far. Unresolved references are left untouched so a
// recipe using shell logic we don't evaluate still parses.
func replaceVariables(attrs map[string]string, value string) string {
	logMiss := func(token, key string) {
		debugf("%s: key '%s' for replacing '%s' not found, ignoring\n", attrs["pkgname"], key, token)
	}

	// ${foo}
	for _, m := range reVarBrace.FindAllStringSubmatch(value, -1) {
		if repl, ok := attrs[m[1]]; ok {
			value = strings.Replace(value, m[0], repl, 1)
		} else {
			logMiss(m[0], m[1])
		}
	}

	// $foo
	for _, m := range reVarPlain.FindAllStringSubmatch(value, -1) {
		if repl, ok := attrs[m[1]]; ok {
			value = strings.Replace(value, m[0], repl, 1)
		} else {
			logMiss(m[0], m[1])
		}
	}

	// ${var/search/replace}, ${var/search/}, ${var/search}
	for _, m := range reVarSub.FindAllStringSubmatch(value, -1) {
		if cur, ok := attrs[m[1]]; ok {
			repl := strings.Replace(cur, m[2], m[3], 1)
			value = strings.Replace(value, m[0], repl, 1)
		} else {
			logMiss(m[0], m[1])
		}
	}

	// ${foo#prefix}
	for _, m := range reVarTrim.FindAllStringSubmatch(value, -1) {
		if cur, ok := attrs[m[1]]; ok {
			value = strings.Replace(value, m[0], strings.TrimPrefix(cur, m[2]), 1)
		} else {
			logMiss(m[0], m[1])
		}
	}

	return value
}

// parseAttribute parses one attribute assignment starting at line i. The
// value may span multiple lines when quoted; a '#' comment is stripped only
// from unquoted single-line values.
func parseAttribute(attribute string, lines []string, i int, path string) (bool, string, int, error) {
	if !strings.HasPrefix(lines[i], attribute+"=") {
		return false, "", i, nil
	}
	value := lines[i][len(attribute)+1:]

	var endChar string
	for _, char := range []string{"'", `"`} {
		if strings.HasPrefix(value, char) {
			endChar = char
			value = value[1:]
			break
		}
	}

	// Single line
	if endChar == "" {
		value = strings.TrimRight(strings.SplitN(value, "#", 2)[0], " \t")
		return true, value, i, nil
	}
	if idx := strings.Index(value, endChar); idx != -1 {
		return true, value[:idx], i, nil
	}

	// Quoted value continues on following lines until the closing quote
	i++
	for ; i < len(lines); i++ {
		line := lines[i]
		value += " "
		if idx := strings.Index(line, endChar); idx != -1 {
			value += strings.TrimSpace(line[:idx])
			return true, strings.TrimSpace(value), i, nil
		}
		value += strings.TrimSpace(line)
	}

	return false, "", i, &InvalidRecipeError{Path: path, Msg: fmt.Sprintf(
		"can't find closing quote sign (%s) for attribute '%s'", endChar, attribute)}
}

// parseAttrLines fills attrs from lines, expanding variables against the
// values collected so far (later attributes can reference earlier ones).
func parseAttrLines(path string, lines []string, specs []attrSpec, attrs map[string]string) error {
	for i := 0; i < len(lines); i++ {
		li := i
		for _, spec := range specs {
			found, value, ni, err := parseAttribute(spec.name, lines, li, path)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			li = ni
			attrs[spec.name] = replaceVariables(attrs, value)
		}
	}
	return nil
}

func parsePriority(path, raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &InvalidRecipeError{Path: path, Msg: fmt.Sprintf(
			"provider_priority '%s' is not a number", raw)}
	}
	return n, nil
}

func buildSubpackage(path string, attrs map[string]string) (*Subpackage, error) {
	priority, err := parsePriority(path, attrs["provider_priority"])
	if err != nil {
		return nil, err
	}
	return &Subpackage{
		Pkgdesc:          attrs["pkgdesc"],
		Depends:          strings.Fields(attrs["depends"]),
		Provides:         strings.Fields(attrs["provides"]),
		ProviderPriority: priority,
		Install:          strings.Fields(attrs["install"]),
		Triggers:         strings.Fields(attrs["triggers"]),
		Recommends:       strings.Fields(attrs["recommends"]),
	}, nil
}

// parseSubpackage locates the shell function belonging to one subpackage
// declaration and parses the attribute overrides in its body, layered on a
// copy of the parent's attributes.
func parseSubpackage(path string, lines []string, parent map[string]string, out *[]SubpackageEntry, spec string) error {
	parts := strings.Split(spec, ":")
	name := parts[0]
	funcName := name[strings.LastIndex(name, "-")+1:]
	// "name:func:arch" declarations carry a custom function name in the
	// middle part; an empty middle part keeps the derived name.
	if len(parts) > 1 && parts[1] != "" {
		funcName = parts[1]
	}

	start, end := 0, 0
	prefix := funcName + "() {"
	for i := range lines {
		if strings.HasPrefix(lines[i], prefix) {
			start = i + 1
		} else if start != 0 && strings.HasPrefix(lines[i], "}") {
			end = i
			break
		}
	}

	if start == 0 {
		// The function may be genuinely missing or hidden behind shell
		// logic. Record the declaration with a nil body.
		debugf("%s: subpackage function '%s' for subpackage '%s' not found, ignoring\n",
			parent["pkgname"], funcName, name)
		*out = append(*out, SubpackageEntry{Name: name})
		return nil
	}
	if end == 0 {
		return &InvalidRecipeError{Path: path, Msg: fmt.Sprintf(
			"could not find end of subpackage function, no line starts with '}' after '%s'", prefix)}
	}

	body := make([]string, 0, end-start)
	for _, line := range lines[start:end] {
		body = append(body, strings.TrimSpace(line))
	}

	attrs := make(map[string]string, len(parent))
	for k, v := range parent {
		attrs[k] = v
	}
	attrs["subpkgname"] = name
	// Soft recommends are not inherited: the parent may recommend the
	// subpackage itself, which would be circular.
	attrs["recommends"] = ""

	if err := parseAttrLines(path, body, subpackageAttrs, attrs); err != nil {
		return err
	}

	sub, err := buildSubpackage(path, attrs)
	if err != nil {
		return err
	}
	*out = append(*out, SubpackageEntry{Name: name, Pkg: sub})
	return nil
}

func parseRecipeFile(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(data), "\r\n") {
		return nil, &InvalidRecipeError{Path: path, Msg: "wrong line endings, expected \\n"}
	}
	lines := strings.Split(string(data), "\n")

	attrs := make(map[string]string, len(recipeAttrs))
	for _, spec := range recipeAttrs {
		attrs[spec.name] = ""
	}
	if err := parseAttrLines(path, lines, recipeAttrs, attrs); err != nil {
		return nil, err
	}

	var subs []SubpackageEntry
	for _, spec := range strings.Fields(attrs["subpackages"]) {
		if err := parseSubpackage(path, lines, attrs, &subs, spec); err != nil {
			return nil, err
		}
	}

	priority, err := parsePriority(path, attrs["provider_priority"])
	if err != nil {
		return nil, err
	}

	recipe := &Recipe{
		Path:             path,
		Pkgname:          attrs["pkgname"],
		Pkgver:           attrs["pkgver"],
		Pkgrel:           attrs["pkgrel"],
		Pkgdesc:          attrs["pkgdesc"],
		URL:              attrs["url"],
		Arch:             strings.Fields(attrs["arch"]),
		Depends:          strings.Fields(attrs["depends"]),
		Makedepends:      strings.Fields(attrs["makedepends"]),
		Checkdepends:     strings.Fields(attrs["checkdepends"]),
		Options:          strings.Fields(attrs["options"]),
		Provides:         strings.Fields(attrs["provides"]),
		Source:           strings.Fields(attrs["source"]),
		Install:          strings.Fields(attrs["install"]),
		Triggers:         strings.Fields(attrs["triggers"]),
		Recommends:       strings.Fields(attrs["recommends"]),
		ProviderPriority: priority,
		Subpackages:      subs,
	}

	folder := filepath.Base(filepath.Dir(path))
	if recipe.Pkgname != folder {
		return nil, &InvalidRecipeError{Path: path, Msg: fmt.Sprintf(
			"pkgname '%s' must be equal to the name of the folder that contains the recipe ('%s')",
			recipe.Pkgname, folder)}
	}
	if !validVersion(recipe.Pkgver) {
		return nil, &InvalidRecipeError{Path: path, Msg: fmt.Sprintf(
			"invalid pkgver '%s'", recipe.Pkgver)}
	}
	return recipe, nil
}

// ParseRecipe parses a recipe file, caching the result for the session.
// Rewriting the file (version bump) invalidates just that entry.
func (s *Session) ParseRecipe(path string) (*Recipe, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if entry, ok := s.recipes[path]; ok && entry.lastmod.Equal(fi.ModTime()) {
		s.mu.Unlock()
		return entry.recipe, nil
	}
	s.mu.Unlock()

	recipe, err := parseRecipeFile(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.recipes[path] = &recipeCache{lastmod: fi.ModTime(), recipe: recipe}
	s.mu.Unlock()
	return recipe, nil
}
