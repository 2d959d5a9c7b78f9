package shiro

import (
	"slices"
	"sort"
	"strings"
)

// resolvedPackage is the minimal view of one package during closure
// computation, produced from either a recipe or a binary index block.
type resolvedPackage struct {
	name    string
	version string
	depends []string
}

// Resolver computes dependency closures across the recipe tree and the
// binary package indexes. One Resolver must serve one Recurse call at a
// time; the session caches underneath are shared freely.
type Resolver struct {
	Repo      *Repository
	Sess      *Session
	Indexes   []string
	Installed map[string]bool   // packages present in the target root
	Preferred map[string]string // explicitly configured provider per virtual name
}

// fromRecipe resolves a name through the recipe tree. Returns nil when no
// recipe covers the name.
func (r *Resolver) fromRecipe(name string) (*resolvedPackage, error) {
	recipe, err := r.Repo.Get(name, false, true)
	if err != nil || recipe == nil {
		return nil, err
	}
	debugf("%s: provided by recipe %s-%s\n", name, recipe.Pkgname, recipe.Version())
	return &resolvedPackage{
		name:    recipe.Pkgname,
		version: recipe.Version(),
		depends: recipe.Depends,
	}, nil
}

// provider picks the single best binary provider for a name.
// Decision order: sole provider, self-named provider, provider already
// queued for install, provider already installed, explicitly configured
// provider, highest priority, shortest name.
func (r *Resolver) provider(name string, queued []string) (*IndexBlock, error) {
	providers, err := r.Sess.IndexProviders(name, r.Indexes)
	if err != nil {
		return nil, err
	}

	// 0. No provider
	if providers.Len() == 0 {
		return nil, nil
	}
	debugf("%s: provided by: %s\n", name, strings.Join(providers.Names(), ", "))

	// 1. Only one provider
	if providers.Len() == 1 {
		return providers.First(), nil
	}

	// 2. Provider with the same package name
	if blk, ok := providers.Get(removeOperators(name)); ok {
		debugf("%s: choosing package of the same name as provider\n", name)
		return blk, nil
	}

	// 3. A provider that will be installed anyway
	for _, pname := range providers.Names() {
		if slices.Contains(queued, pname) {
			debugf("%s: choosing provider '%s', because it will be installed anyway\n", name, pname)
			blk, _ := providers.Get(pname)
			return blk, nil
		}
	}

	// 4. A provider that is already installed
	for _, pname := range providers.Names() {
		if r.Installed[pname] {
			debugf("%s: choosing provider '%s', because it is already installed\n", name, pname)
			blk, _ := providers.Get(pname)
			return blk, nil
		}
	}

	// 5. An explicitly selected provider
	if sel := r.Preferred[removeOperators(name)]; sel != "" {
		if blk, ok := providers.Get(sel); ok {
			debugf("%s: choosing provider '%s', because it was explicitly selected\n", name, sel)
			return blk, nil
		}
	}

	// 6. The provider(s) with the highest priority
	providers = providerHighestPriority(providers, name)
	if providers.Len() == 1 {
		return providers.First(), nil
	}

	// 7. The shortest provider name. This is deliberately arbitrary, with
	// insertion order breaking remaining ties.
	return providerShortest(providers, name), nil
}

// fromIndex resolves a name through the binary indexes, preferring the
// recipe result only when it is strictly newer than the best binary. An up
// to date binary wins so its dependency list (including sonames) is used.
func (r *Resolver) fromIndex(name string, queued []string, recipe *resolvedPackage) (*resolvedPackage, error) {
	provider, err := r.provider(name, queued)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return recipe, nil
	}

	if recipe != nil && compareVersions(recipe.version, provider.Version) == 1 {
		debugf("%s: binary package is outdated\n", name)
		return recipe, nil
	}

	if recipe != nil {
		debugf("%s: binary package is up to date, using binary dependencies instead of the recipe's\n", name)
	}
	return &resolvedPackage{
		name:    provider.Name,
		version: provider.Version,
		depends: provider.Depends,
	}, nil
}

// Recurse finds the full dependency closure of the given root names.
// Dependencies explicitly marked as conflicting keep their "!" prefix and
// are never recursed into. Deduplication happens on the resolved package
// name, not the requested alias, so a subpackage and its parent resolving
// to the same record cannot loop. The result is sorted for determinism.
func (r *Resolver) Recurse(names []string) ([]string, error) {
	debugf("Calculating dependency closure of: %s\n", strings.Join(names, ", "))

	todo := slices.Clone(names)
	requiredBy := make(map[string][]string)
	var ret []string
	inRet := make(map[string]bool)

	for len(todo) > 0 {
		name := todo[0]
		todo = todo[1:]
		if inRet[name] {
			continue
		}

		isConflict := strings.HasPrefix(name, "!")
		name = strings.TrimLeft(name, "!")

		queued := append(slices.Clone(ret), todo...)
		pkg, err := r.fromRecipe(name)
		if err != nil {
			return nil, err
		}
		pkg, err = r.fromIndex(name, queued, pkg)
		if err != nil {
			return nil, err
		}

		if pkg == nil {
			if isConflict {
				// Probably dropped from the repos. A conflicting depend
				// would not be installed anyway.
				continue
			}
			return nil, &PackageNotFoundError{Name: name, RequiredBy: requiredBy[name]}
		}

		resolved := pkg.name
		if isConflict {
			resolved = "!" + resolved
		}
		if inRet[resolved] {
			debugf("%s: already in the closure\n", resolved)
			continue
		}

		if !isConflict {
			debugf("%s: depends on: %s\n", resolved, strings.Join(pkg.depends, ", "))
			for _, dep := range pkg.depends {
				todo = append(todo, dep)
				if !slices.Contains(requiredBy[dep], name) {
					requiredBy[dep] = append(requiredBy[dep], name)
				}
			}
		}
		ret = append(ret, resolved)
		inRet[resolved] = true
	}

	sort.Strings(ret)
	return ret, nil
}
