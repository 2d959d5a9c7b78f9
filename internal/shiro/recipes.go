package shiro

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

const recipeFileName = "APKBUILD"

// Repository answers "which recipe provides package X" queries over one or
// more recipe tree roots. The expensive state (tree scan, per-name find
// results, parsed recipes) lives in the Session.
type Repository struct {
	sess  *Session
	roots []string
}

func NewRepository(sess *Session, roots []string) *Repository {
	return &Repository{sess: sess, roots: roots}
}

func (r *Repository) scanKey() string {
	return strings.Join(r.roots, ":")
}

// Scan walks the recipe tree roots once and maps package names to their
// recipe files. A package name appearing under two different category
// folders is ambiguous and must be fixed by the recipe author.
func (r *Repository) Scan() (map[string]string, error) {
	key := r.scanKey()
	r.sess.mu.Lock()
	if m, ok := r.sess.scans[key]; ok {
		r.sess.mu.Unlock()
		return m, nil
	}
	r.sess.mu.Unlock()

	found := make(map[string]string)
	for _, root := range r.roots {
		if _, err := os.Stat(root); err != nil {
			debugf("Skipping missing recipe root: %s\n", root)
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != recipeFileName {
				return nil
			}
			pkg := filepath.Base(filepath.Dir(path))
			if prev, ok := found[pkg]; ok {
				return &InvalidRecipeError{Msg: fmt.Sprintf(
					"package %s found in multiple recipe folders (%s and %s), please put it only in one folder",
					pkg, filepath.Dir(prev), filepath.Dir(path))}
			}
			found[pkg] = path
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	r.sess.mu.Lock()
	r.sess.scans[key] = found
	r.sess.scanList[key] = names
	r.sess.mu.Unlock()
	return found, nil
}

// Names returns all known top-level recipe names, sorted.
func (r *Repository) Names() ([]string, error) {
	if _, err := r.Scan(); err != nil {
		return nil, err
	}
	r.sess.mu.Lock()
	defer r.sess.mu.Unlock()
	return r.sess.scanList[r.scanKey()], nil
}

// guessMainDev maps a "-dev" subpackage name to the same-named recipe minus
// the suffix. Only an exact lookup: the generic stripping loop below could
// land on an unrelated shorter recipe name.
func (r *Repository) guessMainDev(sub string) (string, error) {
	pkg := strings.TrimSuffix(sub, "-dev")
	scan, err := r.Scan()
	if err != nil {
		return "", err
	}
	if path, ok := scan[pkg]; ok {
		debugf("%s: guessed to be a subpackage of %s (just removed '-dev')\n", sub, pkg)
		return filepath.Dir(path), nil
	}
	debugf("%s: guessed to be a subpackage of %s, which is not in the recipe tree\n", sub, pkg)
	return "", nil
}

// guessMain guesses the owning recipe of a subpackage name by stripping one
// dash-separated word at a time ("a-b-c" -> "a-b" -> "a").
func (r *Repository) guessMain(sub string) (string, error) {
	if strings.HasSuffix(sub, "-dev") {
		return r.guessMainDev(sub)
	}

	scan, err := r.Scan()
	if err != nil {
		return "", err
	}

	words := strings.Split(sub, "-")
	for len(words) > 1 {
		words = words[:len(words)-1]
		pkg := strings.Join(words, "-")
		if path, ok := scan[pkg]; ok {
			debugf("%s: guessed to be a subpackage of %s\n", sub, pkg)
			return filepath.Dir(path), nil
		}
	}
	return "", nil
}

// recipeContains reports whether the recipe at path declares pkg as a
// subpackage or as a version-qualified provides entry. Unversioned provides
// are ignored, they shall never be selected automatically.
func (r *Repository) recipeContains(pkg, path string) (bool, error) {
	recipe, err := r.sess.ParseRecipe(path)
	if err != nil {
		return false, err
	}

	if recipe.HasSubpackage(pkg) {
		return true, nil
	}

	provides := [][]string{recipe.Provides}
	for _, entry := range recipe.Subpackages {
		if entry.Pkg != nil {
			provides = append(provides, entry.Pkg.Provides)
		}
	}
	for _, list := range provides {
		for _, p := range list {
			if !strings.Contains(p, "=") {
				continue
			}
			if pkg == strings.SplitN(p, "=", 2)[0] {
				return true, nil
			}
		}
	}
	return false, nil
}

// Find resolves a package name to its recipe folder. Exact matches come
// straight from the scan; subpackage names go through the suffix-stripping
// guess, confirmed by parsing the candidate, with a full linear scan of all
// recipes as the slow fallback. Results (including misses) are cached by
// the requested name.
func (r *Repository) Find(name string, mustExist bool) (string, error) {
	r.sess.mu.Lock()
	cached, ok := r.sess.finds[name]
	r.sess.mu.Unlock()

	if !ok {
		if strings.Contains(name, "*") {
			return "", fmt.Errorf("invalid pkgname: %s", name)
		}

		scan, err := r.Scan()
		if err != nil {
			return "", err
		}

		if path, found := scan[name]; found {
			cached = findResult{dir: filepath.Dir(path), ok: true}
		} else if guess, err := r.guessMain(name); err != nil {
			return "", err
		} else if guess != "" {
			confirmed, err := r.recipeContains(name, filepath.Join(guess, recipeFileName))
			if err != nil {
				return "", err
			}
			if confirmed {
				cached = findResult{dir: guess, ok: true}
			} else {
				// Wrong guess: check every recipe (slow!)
				names, err := r.Names()
				if err != nil {
					return "", err
				}
				for _, candidate := range names {
					found, err := r.recipeContains(name, scan[candidate])
					if err != nil {
						return "", err
					}
					if found {
						cached = findResult{dir: filepath.Dir(scan[candidate]), ok: true}
						break
					}
				}
				// Last resort: trust the guess anyway, the subpackage may
				// be declared behind shell logic the parser does not see.
				if !cached.ok {
					cached = findResult{dir: guess, ok: true}
				}
			}
		}

		r.sess.mu.Lock()
		r.sess.finds[name] = cached
		r.sess.mu.Unlock()
	}

	if !cached.ok && mustExist {
		return "", &PackageNotFoundError{Name: name}
	}
	return cached.dir, nil
}

// Get finds and parses the recipe for a package name. With subpackages set,
// names that are only subpackages or provides of some recipe resolve too;
// without it, only exact top-level recipe names match.
func (r *Repository) Get(name string, mustExist, subpackages bool) (*Recipe, error) {
	name = removeOperators(name)

	if subpackages {
		dir, err := r.Find(name, mustExist)
		if err != nil {
			return nil, err
		}
		if dir != "" {
			return r.sess.ParseRecipe(filepath.Join(dir, recipeFileName))
		}
		return nil, nil
	}

	scan, err := r.Scan()
	if err != nil {
		return nil, err
	}
	if path, ok := scan[name]; ok {
		return r.sess.ParseRecipe(path)
	}
	if mustExist {
		return nil, &PackageNotFoundError{Name: name}
	}
	return nil, nil
}

// RecipeProvider is one subpackage providing a virtual name.
type RecipeProvider struct {
	Name string
	Pkg  *Subpackage
}

// FindProviders collects the subpackages of the recipe owning a virtual
// name that declare it in their provides. The provider with the highest
// priority comes first; ties keep declaration order.
func (r *Repository) FindProviders(provide string) ([]RecipeProvider, error) {
	recipe, err := r.Get(provide, true, true)
	if err != nil {
		return nil, err
	}

	var providers []RecipeProvider
	for _, entry := range recipe.Subpackages {
		if entry.Pkg == nil {
			continue
		}
		for _, p := range entry.Pkg.Provides {
			// Strip the provides version (=$pkgver-r$pkgrel)
			if strings.SplitN(p, "=", 2)[0] == provide {
				providers = append(providers, RecipeProvider{Name: entry.Name, Pkg: entry.Pkg})
				break
			}
		}
	}

	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Pkg.ProviderPriority > providers[j].Pkg.ProviderPriority
	})
	return providers, nil
}

// CheckArches reports whether building for arch is allowed by a recipe's
// arch list. "!arch" explicitly forbids the arch even when "all" is listed.
func CheckArches(arches []string, arch string) bool {
	if slices.Contains(arches, "!"+arch) {
		return false
	}
	for _, value := range []string{arch, "all", "noarch"} {
		if slices.Contains(arches, value) {
			return true
		}
	}
	return false
}
