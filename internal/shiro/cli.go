package shiro

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/ulikunitz/xz"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: shiro <command> [arguments]")
	colSuccess.Println("Run 'shiro <command>' for advanced options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"build, b", "[-a arch] [-f] <pkg>", "Build package(s) and their outdated dependencies"},
		{"depends, d", "[-a arch] <pkg>", "Show the resolved dependency closure"},
		{"necessary", "[-a arch] <pkg>", "Check whether a package needs rebuilding"},
		{"providers", "[-a arch] <name>", "List providers of a (virtual) package"},
		{"parse", "<pkg>", "Parse and dump a recipe"},
		{"find, f", "<pkg>", "Find the recipe folder providing a package"},
		{"vercmp", "<a> <b | rule>", "Compare two versions, or check one against a rule"},
		{"list, ls", "[query]", "List installed packages"},
		{"update, u", "[-f]", "Refresh the cached binary mirror indexes"},
		{"fetch", "[-a arch] <pkg>", "Download binary package(s) from the mirror"},
		{"cleanup", "[-a arch] [-y]", "Remove cached packages and indexes"},
		{"index", "[-a arch]", "Regenerate the local repository index"},
		{"publish", "[-a arch]", "Upload the local repository to the mirror"},
		{"log", "<pkg>", "View the archived build log of a package"},
	}

	// Pad the first column to the longest usage string
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

func archFlag(fs *flag.FlagSet) *string {
	return fs.String("a", "", "Target architecture (default: host)")
}

func resolveArch(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return arch
}

// Main is the CLI entrypoint for cmd/shiro.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// A build is writing the repository. Block the first
					// signal, force exit on the second.
					colArrow.Print("\n-> ")
					colError.Printf("Critical operation in progress. Press Ctrl+C AGAIN to force exit NOW.\n")

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel()

					// Give the command a moment to die and flush its buffers
					time.Sleep(100 * time.Millisecond)

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	configPath := ConfigFile
	if root := os.Getenv("SHIRO_ROOT"); root != "" {
		configPath = filepath.Join(root, "etc", "shiro.conf")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	mergeEnvOverrides(cfg)
	initConfig(cfg)

	if err := ensureShiroOwnership(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Ownership check failed: %v\n", err)
	}

	if needsRootPrivileges(os.Args[1:]) {
		if err := authenticateOnce(); err != nil {
			fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
			os.Exit(1)
		}
	}

	UserExec = &Executor{
		Context:         ctx,
		ShouldRunAsRoot: false,
	}
	RootExec = &Executor{
		Context:         ctx,
		ShouldRunAsRoot: true,
	}

	sess := NewSession()
	var exitCode int

	switch os.Args[1] {
	case "version", "--version":
		colNote.Printf("shiro %s (%s) built %s\n", version, arch, buildDate)

	case "build", "b":
		buildCmd := flag.NewFlagSet("build", flag.ExitOnError)
		archValue := archFlag(buildCmd)
		force := buildCmd.Bool("f", false, "Rebuild even when the binary index is up to date")
		buildCmd.Parse(os.Args[2:])
		if buildCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: shiro build [-a arch] [-f] <pkg>...")
			os.Exit(1)
		}
		opts := BuildOptions{Arch: resolveArch(*archValue), Force: *force}
		if err := BuildPackages(cfg, sess, buildCmd.Args(), opts); err != nil {
			colError.Printf("Error: %v\n", err)
			exitCode = 1
		}

	case "depends", "d", "resolve":
		depCmd := flag.NewFlagSet("depends", flag.ExitOnError)
		archValue := archFlag(depCmd)
		depCmd.Parse(os.Args[2:])
		if depCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: shiro depends [-a arch] <pkg>...")
			os.Exit(1)
		}
		exitCode = runDepends(cfg, sess, depCmd.Args(), resolveArch(*archValue))

	case "necessary":
		necCmd := flag.NewFlagSet("necessary", flag.ExitOnError)
		archValue := archFlag(necCmd)
		necCmd.Parse(os.Args[2:])
		if necCmd.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: shiro necessary [-a arch] <pkg>")
			os.Exit(1)
		}
		exitCode = runNecessary(sess, necCmd.Arg(0), resolveArch(*archValue))

	case "providers":
		provCmd := flag.NewFlagSet("providers", flag.ExitOnError)
		archValue := archFlag(provCmd)
		provCmd.Parse(os.Args[2:])
		if provCmd.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: shiro providers [-a arch] <name>")
			os.Exit(1)
		}
		exitCode = runProviders(sess, provCmd.Arg(0), resolveArch(*archValue))

	case "parse":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "Usage: shiro parse <pkg>")
			os.Exit(1)
		}
		exitCode = runParse(sess, os.Args[2])

	case "find", "f":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "Usage: shiro find <pkg>")
			os.Exit(1)
		}
		repo := NewRepository(sess, recipeRoots())
		dir, err := repo.Find(os.Args[2], true)
		if err != nil {
			colError.Printf("Error: %v\n", err)
			exitCode = 1
			break
		}
		fmt.Println(dir)

	case "vercmp", "version-compare":
		if len(os.Args) != 4 {
			fmt.Fprintln(os.Stderr, "Usage: shiro vercmp <a> <b | rule>")
			os.Exit(1)
		}
		// The second argument may be a constraint like ">=1.2.3-r1"
		if strings.HasPrefix(os.Args[3], "<") || strings.HasPrefix(os.Args[3], ">") || strings.HasPrefix(os.Args[3], "=") {
			ok, err := checkVersionRule(os.Args[2], os.Args[3])
			if err != nil {
				colError.Printf("Error: %v\n", err)
				exitCode = 1
				break
			}
			if ok {
				fmt.Println("satisfies")
			} else {
				fmt.Println("does not satisfy")
				exitCode = 1
			}
			break
		}
		switch compareVersions(os.Args[2], os.Args[3]) {
		case -1:
			fmt.Println("<")
		case 1:
			fmt.Println(">")
		default:
			fmt.Println("=")
		}

	case "list", "ls":
		query := ""
		if len(os.Args) >= 3 {
			query = os.Args[2]
		}
		exitCode = runList(sess, query)

	case "update", "u":
		updateCmd := flag.NewFlagSet("update", flag.ExitOnError)
		archValue := archFlag(updateCmd)
		force := updateCmd.Bool("f", false, "Refresh even recently fetched indexes")
		updateCmd.Parse(os.Args[2:])
		if err := UpdateIndexes(sess, resolveArch(*archValue), *force); err != nil {
			colError.Printf("Error: %v\n", err)
			exitCode = 1
		}

	case "index":
		indexCmd := flag.NewFlagSet("index", flag.ExitOnError)
		archValue := archFlag(indexCmd)
		indexCmd.Parse(os.Args[2:])
		if err := IndexRepo(repoExecutor(), sess, resolveArch(*archValue)); err != nil {
			colError.Printf("Error: %v\n", err)
			exitCode = 1
		}

	case "publish":
		pubCmd := flag.NewFlagSet("publish", flag.ExitOnError)
		archValue := archFlag(pubCmd)
		pubCmd.Parse(os.Args[2:])
		mirror, err := NewMirrorClient(cfg)
		if err != nil {
			colError.Printf("Error: %v\n", err)
			exitCode = 1
			break
		}
		if err := PublishRepo(ctx, mirror, resolveArch(*archValue)); err != nil {
			colError.Printf("Error: %v\n", err)
			exitCode = 1
		}

	case "fetch":
		fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
		archValue := archFlag(fetchCmd)
		fetchCmd.Parse(os.Args[2:])
		if fetchCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: shiro fetch [-a arch] <pkg>...")
			os.Exit(1)
		}
		if err := FetchBinaries(sess, fetchCmd.Args(), resolveArch(*archValue)); err != nil {
			colError.Printf("Error: %v\n", err)
			exitCode = 1
		}

	case "cleanup":
		cleanCmd := flag.NewFlagSet("cleanup", flag.ExitOnError)
		archValue := archFlag(cleanCmd)
		yes := cleanCmd.Bool("y", false, "Skip the confirmation prompt")
		cleanCmd.Parse(os.Args[2:])
		if err := CleanCaches(sess, resolveArch(*archValue), *yes); err != nil {
			colError.Printf("Error: %v\n", err)
			exitCode = 1
		}

	case "log":
		if len(os.Args) != 3 {
			fmt.Fprintln(os.Stderr, "Usage: shiro log <pkg>")
			os.Exit(1)
		}
		exitCode = runLog(os.Args[2])

	case "help", "-h", "--help":
		printHelp()

	default:
		colError.Printf("Unknown command: %s\n", os.Args[1])
		printHelp()
		exitCode = 1
	}

	os.Exit(exitCode)
}

func runDepends(cfg *Config, sess *Session, names []string, targetArch string) int {
	if err := UpdateIndexes(sess, targetArch, false); err != nil {
		colWarn.Printf("%v\n", err)
	}
	resolver, err := NewResolver(cfg, sess, targetArch)
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	closure, err := resolver.Recurse(names)
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}

	title := fmt.Sprintf("Dependencies of %s (%d packages)", strings.Join(names, ", "), len(closure))
	if err := RunPager(title, closure); err != nil {
		for _, pkg := range closure {
			fmt.Println(pkg)
		}
	}
	return 0
}

func runNecessary(sess *Session, name, targetArch string) int {
	repo := NewRepository(sess, recipeRoots())
	recipe, err := repo.Get(name, true, true)
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	necessary, err := IsNecessary(sess, targetArch, recipe, IndexFiles(targetArch))
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	if necessary {
		colArrow.Print("-> ")
		colInfo.Printf("%s-%s needs to be built for %s\n", recipe.Pkgname, recipe.Version(), targetArch)
		return 0
	}
	colArrow.Print("-> ")
	colSuccess.Printf("%s-%s is up to date for %s\n", recipe.Pkgname, recipe.Version(), targetArch)
	return 0
}

func runProviders(sess *Session, name, targetArch string) int {
	providers, err := sess.IndexProviders(name, IndexFiles(targetArch))
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	for _, pkgname := range providers.Names() {
		blk, _ := providers.Get(pkgname)
		colArrow.Print("-> ")
		colInfo.Printf("%s-%s (binary", blk.Name, blk.Version)
		if blk.ProviderPriority != "" {
			fmt.Printf(", priority %s", blk.ProviderPriority)
		}
		fmt.Println(")")
	}

	repo := NewRepository(sess, recipeRoots())
	recipeProviders, err := repo.FindProviders(name)
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	for _, p := range recipeProviders {
		colArrow.Print("-> ")
		colInfo.Printf("%s (recipe, priority %d)\n", p.Name, p.Pkg.ProviderPriority)
	}

	if providers.Len() == 0 && len(recipeProviders) == 0 {
		colWarn.Printf("Nothing provides '%s'\n", name)
		return 1
	}
	return 0
}

func runParse(sess *Session, name string) int {
	repo := NewRepository(sess, recipeRoots())
	recipe, err := repo.Get(name, true, true)
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}

	colNote.Printf("%s-%s\n", recipe.Pkgname, recipe.Version())
	fmt.Printf("  arch:         %s\n", strings.Join(recipe.Arch, " "))
	fmt.Printf("  url:          %s\n", recipe.URL)
	fmt.Printf("  depends:      %s\n", strings.Join(recipe.Depends, " "))
	fmt.Printf("  makedepends:  %s\n", strings.Join(recipe.Makedepends, " "))
	fmt.Printf("  checkdepends: %s\n", strings.Join(recipe.Checkdepends, " "))
	fmt.Printf("  options:      %s\n", strings.Join(recipe.Options, " "))
	for _, entry := range recipe.Subpackages {
		if entry.Pkg == nil {
			fmt.Printf("  subpackage:   %s (no function)\n", entry.Name)
			continue
		}
		fmt.Printf("  subpackage:   %s\n", entry.Name)
		if len(entry.Pkg.Depends) > 0 {
			fmt.Printf("    depends:  %s\n", strings.Join(entry.Pkg.Depends, " "))
		}
		if len(entry.Pkg.Provides) > 0 {
			fmt.Printf("    provides: %s\n", strings.Join(entry.Pkg.Provides, " "))
		}
	}
	return 0
}

func runList(sess *Session, query string) int {
	installed, err := InstalledPackages(sess, InstalledDB)
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}

	names := make([]string, 0, len(installed))
	for name, blk := range installed {
		if name != blk.Name {
			continue
		}
		if query != "" && !strings.Contains(name, query) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%s-%s\n", name, installed[name].Version)
	}
	return 0
}

func runLog(pkgName string) int {
	logPath := filepath.Join(LogDir, pkgName+".log.xz")
	xr, f, err := openXZ(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No build log found for package %s\n", pkgName)
		return 1
	}
	defer f.Close()

	// Pipe to a pager if possible, otherwise dump to stdout
	pager := os.Getenv("PAGER")
	var args []string
	if pager == "" || pager == "less" {
		pager = "less"
		args = []string{"-r"}
	}

	cmd := exec.Command(pager, args...)
	cmd.Stdin = xr
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		// Fallback to plain stdout if the pager fails
		f.Seek(0, 0)
		xr, _ = xz.NewReader(f)
		io.Copy(os.Stdout, xr)
	}
	return 0
}
