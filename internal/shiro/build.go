package shiro

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// BuildOptions control one invocation of BuildPackages.
type BuildOptions struct {
	Arch  string // target architecture, empty means the host arch
	Force bool   // Force builds even when the binary index is up to date
}

// preferredProviders reads SHIRO_PROVIDER_* configuration keys into the
// virtual-package provider preference map used during resolution.
func preferredProviders(cfg *Config) map[string]string {
	preferred := make(map[string]string)
	for key, value := range cfg.Values {
		name, ok := strings.CutPrefix(key, "SHIRO_PROVIDER_")
		if !ok || name == "" || value == "" {
			continue
		}
		preferred[strings.ToLower(name)] = value
	}
	return preferred
}

// NewResolver assembles a resolver over the recipe tree, the binary indexes
// for the target arch and the installed database.
func NewResolver(cfg *Config, sess *Session, targetArch string) (*Resolver, error) {
	installed, err := InstalledNames(sess, InstalledDB)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		Repo:      NewRepository(sess, recipeRoots()),
		Sess:      sess,
		Indexes:   IndexFiles(targetArch),
		Installed: installed,
		Preferred: preferredProviders(cfg),
	}, nil
}

// buildOrder arranges the closure dependencies-first, so every package is
// handed to the builder after everything it needs. Packages whose recipe
// wins over the binary are walked through their full build dependencies
// (make, check, runtime), which may pull in packages beyond the runtime
// closure; up to date binaries contribute only their runtime depends.
// Dependency cycles (toolchain bootstrap style) are cut at the first
// repeated package.
func (r *Resolver) buildOrder(names []string) ([]string, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	requiredBy := make(map[string][]string)
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		// Conflict markers constrain installs, they are never build targets
		if strings.HasPrefix(name, "!") {
			return nil
		}

		recipe, err := r.Repo.Get(name, false, true)
		if err != nil {
			return err
		}
		var pkg *resolvedPackage
		if recipe != nil {
			pkg = &resolvedPackage{
				name:    recipe.Pkgname,
				version: recipe.Version(),
				depends: recipe.BuildDepends(),
			}
		}
		pkg, err = r.fromIndex(name, order, pkg)
		if err != nil {
			return err
		}
		if pkg == nil {
			return &PackageNotFoundError{Name: removeOperators(name), RequiredBy: requiredBy[removeOperators(name)]}
		}

		if state[pkg.name] != 0 {
			return nil
		}
		state[pkg.name] = visiting

		for _, dep := range pkg.depends {
			plain := removeOperators(strings.TrimLeft(dep, "!"))
			if !slices.Contains(requiredBy[plain], pkg.name) {
				requiredBy[plain] = append(requiredBy[plain], pkg.name)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		state[pkg.name] = done
		order = append(order, pkg.name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// BuildPackages builds the given packages and everything in their dependency
// closure that is outdated or missing from the binary repositories.
func BuildPackages(cfg *Config, sess *Session, names []string, opts BuildOptions) error {
	targetArch := opts.Arch
	if targetArch == "" {
		targetArch = arch
	}

	if err := UpdateIndexes(sess, targetArch, false); err != nil {
		colWarn.Printf("%v\n", err)
	}

	resolver, err := NewResolver(cfg, sess, targetArch)
	if err != nil {
		return err
	}
	closure, err := resolver.Recurse(names)
	if err != nil {
		return err
	}
	debugf("build closure for %v: %v\n", names, closure)

	// Walk the closure dependencies-first so the builder always finds its
	// build dependencies already published in the local repository.
	order, err := resolver.buildOrder(closure)
	if err != nil {
		return err
	}
	debugf("build order for %v: %v\n", names, order)

	indexes := resolver.Indexes
	built := 0
	for _, pkg := range order {
		if sess.SkipAlreadyBuilt(pkg, targetArch) {
			continue
		}

		recipe, err := resolver.Repo.Get(pkg, false, true)
		if err != nil {
			return err
		}
		if recipe == nil {
			debugf("%s: no recipe, binary only\n", pkg)
			continue
		}

		buildable, err := resolver.Repo.CheckBuildForArch(recipe.Pkgname, targetArch, indexes)
		if err != nil {
			return err
		}
		if !buildable {
			continue
		}

		necessary := opts.Force
		if !necessary {
			necessary, err = IsNecessary(sess, targetArch, recipe, indexes)
			if err != nil {
				return err
			}
		}
		if !necessary {
			debugf("%s: binary package is up to date\n", recipe.Pkgname)
			continue
		}

		if err := buildRecipe(cfg, sess, recipe, targetArch); err != nil {
			return err
		}
		built++
	}

	if built == 0 {
		colInfo.Println("Everything is up to date, nothing to build")
	} else {
		colArrow.Print("-> ")
		colSuccess.Printf("Built %d packages\n", built)
	}
	return nil
}

// buildRecipe runs the external builder for one recipe, archives the build
// log and refreshes the local repository index.
func buildRecipe(cfg *Config, sess *Session, recipe *Recipe, targetArch string) error {
	colArrow.Print("-> ")
	colSuccess.Printf("Building %s-%s for %s\n", recipe.Pkgname, recipe.Version(), targetArch)

	builder := cfg.Values["SHIRO_BUILDER"]
	if builder == "" {
		builder = "abuild"
	}

	if err := os.MkdirAll(LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(tmpDir, fmt.Sprintf("shiro-build-%s.log", recipe.Pkgname))
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create build log: %w", err)
	}

	cmd := exec.Command(builder, "-r", "-P", localPackagesDir(targetArch))
	cmd.Dir = filepath.Dir(recipe.Path)
	cmd.Env = append(os.Environ(),
		"CARCH="+targetArch,
		"SHIRO_ARCH="+targetArch,
	)
	cmd.Stdout = io.MultiWriter(os.Stdout, logFile)
	cmd.Stderr = io.MultiWriter(os.Stderr, logFile)

	// An interrupted builder leaves a half-written repository behind, so a
	// single ctrl+c only requests a graceful stop here
	isCriticalAtomic.Store(1)
	runErr := UserExec.Run(cmd)
	isCriticalAtomic.Store(0)
	logFile.Close()

	archived := filepath.Join(LogDir, recipe.Pkgname+".log.xz")
	if err := compressFileXZ(logPath, archived); err != nil {
		colWarn.Printf("Failed to archive build log: %v\n", err)
	} else {
		_ = os.Remove(logPath)
	}

	if runErr != nil {
		return fmt.Errorf("build of %s failed (log: %s): %w", recipe.Pkgname, archived, runErr)
	}

	return IndexRepo(repoExecutor(), sess, targetArch)
}
