package shiro

import (
	"fmt"
	"slices"
	"sort"
)

// BuildDepends returns the packages to install before building: make,
// check (unless tests are disabled via "!check") and runtime dependencies,
// sorted and deduplicated, minus the recipe's own package and subpackage
// names so a package depending on itself cannot recurse forever.
func (r *Recipe) BuildDepends() []string {
	set := make(map[string]bool)
	for _, d := range r.Makedepends {
		set[d] = true
	}
	if !slices.Contains(r.Options, "!check") {
		for _, d := range r.Checkdepends {
			set[d] = true
		}
	}
	for _, d := range r.Depends {
		set[d] = true
	}

	for _, self := range append([]string{r.Pkgname}, subpackageNames(r)...) {
		if set[self] {
			debugf("%s: ignoring dependency on itself: %s\n", r.Pkgname, self)
			delete(set, self)
		}
	}

	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func subpackageNames(r *Recipe) []string {
	names := make([]string, 0, len(r.Subpackages))
	for _, sub := range r.Subpackages {
		names = append(names, sub.Name)
	}
	return names
}

// IsNecessary decides whether a recipe must be (re)built for arch, given
// the binary indexes. Policy: a missing binary forces a build; a recipe
// that cannot be built for the arch defers to the binary; a binary newer
// than the recipe wins with a warning, because the recipe needs a version
// bump; a binary at the recipe's exact version makes the build redundant.
func IsNecessary(sess *Session, arch string, recipe *Recipe, indexes []string) (bool, error) {
	pkg := recipe.Pkgname
	versionNew := recipe.Version()

	binary, err := sess.LookupPackage(pkg, indexes)
	if err != nil {
		return false, err
	}
	if binary == nil {
		debugf("Build necessary for %s: no binary package available\n", pkg)
		return true, nil
	}

	if arch != "" && !CheckArches(recipe.Arch, arch) {
		debugf("%s: build not necessary, the recipe can't be built for %s, using the binary package\n", pkg, arch)
		return false, nil
	}

	versionOld := binary.Version
	if compareVersions(versionOld, versionNew) == 1 {
		colArrow.Print("-> ")
		colWarn.Printf("%s: recipe version %s is lower than %s from the binary repository. %s will be used when installing %s.\n",
			pkg, versionNew, versionOld, versionOld, pkg)
		return false, nil
	}

	if versionNew != versionOld {
		debugf("Build necessary for %s: binary package out of date (binary: %s, recipe: %s)\n",
			pkg, versionOld, versionNew)
		return true, nil
	}

	return false, nil
}

// CheckBuildForArch reports whether pkg can be built for arch. When the
// recipe forbids the arch but a binary package exists, the binary is used
// instead; with neither, building is impossible.
func (r *Repository) CheckBuildForArch(pkg, arch string, indexes []string) (bool, error) {
	recipe, err := r.Get(pkg, true, true)
	if err != nil {
		return false, err
	}
	if CheckArches(recipe.Arch, arch) {
		return true, nil
	}

	binary, err := r.sess.LookupPackage(pkg, indexes)
	if err != nil {
		return false, err
	}
	if binary != nil {
		debugf("%s: found recipe (%s) and binary package (%s), but the recipe can't be built for %s, using the binary package\n",
			pkg, recipe.Version(), binary.Version, arch)
		return false, nil
	}

	cPrintln(colNote, "You can edit the 'arch=' line inside the recipe")
	return false, fmt.Errorf("can't build '%s' for architecture %s", pkg, arch)
}
