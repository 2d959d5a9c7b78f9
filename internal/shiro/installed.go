package shiro

// installedSentinel is the synthetic entry tracking the explicitly
// requested package set inside the installed database. It is bookkeeping,
// never an installable package, and is excluded from normal iteration.
const installedSentinel = ".shiro"

// InstalledPackages parses the installed-package database under root. The
// database shares the binary index block format but is stored uncompressed
// and has exactly one owner per name, so it is read in single-provider
// mode. A missing database means an empty root.
func InstalledPackages(sess *Session, dbPath string) (map[string]*IndexBlock, error) {
	return sess.ParseIndexSingle(dbPath)
}

// InstalledNames returns the set of installed package names (not their
// provides aliases). This feeds the "already installed" preference during
// provider selection.
func InstalledNames(sess *Session, dbPath string) (map[string]bool, error) {
	pkgs, err := InstalledPackages(sess, dbPath)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(pkgs))
	for alias, blk := range pkgs {
		if alias == blk.Name {
			names[blk.Name] = true
		}
	}
	return names, nil
}
