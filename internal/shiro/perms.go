package shiro

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// authenticateOnce validates sudo credentials so later privileged commands
// don't prompt mid-operation.
func authenticateOnce() error {
	if os.Geteuid() == 0 {
		return nil
	}

	cmd := exec.Command("sudo", "-v")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}
	return nil
}

// ensureShiroOwnership fixes the ownership of the cache, log and database
// directories so builds can run unprivileged afterwards.
func ensureShiroOwnership(cfg *Config) error {
	if os.Geteuid() == 0 {
		return nil
	}

	targetUser := os.Getenv("SUDO_USER")
	if targetUser == "" {
		currentUser, err := user.Current()
		if err != nil {
			return fmt.Errorf("failed to get current user: %w", err)
		}
		targetUser = currentUser.Username
	}

	u, err := user.Lookup(targetUser)
	if err != nil {
		return fmt.Errorf("failed to lookup user %s: %w", targetUser, err)
	}
	targetUID := u.Uid
	targetGID := u.Gid

	var pathsToCheck []string
	addPath := func(p string) {
		if p == "" {
			return
		}
		full := filepath.Clean(p)
		// NEVER try to chown root or standard system temp dirs
		if full == "/" || full == "/tmp" || full == "/var/tmp" || full == "/home" || full == "/usr" {
			return
		}
		pathsToCheck = append(pathsToCheck, full)
	}

	addPath(CacheDir)
	addPath(BinDir)
	addPath(LogDir)
	addPath(filepath.Dir(InstalledDB))

	var pathsToFix []string
	for _, path := range pathsToCheck {
		info, err := os.Lstat(path)
		if err != nil {
			// Nothing to fix if it doesn't exist yet
			continue
		}

		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			continue
		}

		if fmt.Sprint(stat.Uid) != targetUID {
			pathsToFix = append(pathsToFix, path)
		}
	}

	if len(pathsToFix) == 0 {
		return nil
	}

	if Debug {
		colArrow.Print("-> ")
		fmt.Printf("Ensuring ownership of shiro directories for %s\n", targetUser)
		for _, p := range pathsToFix {
			fmt.Printf("   Fixing: %s\n", p)
		}
	}

	if err := authenticateOnce(); err != nil {
		return fmt.Errorf("failed to authenticate for ownership fix: %w", err)
	}

	for _, path := range pathsToFix {
		cmd := exec.Command("sudo", "chown", "-R", targetUID+":"+targetGID, path)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("failed to fix ownership of %s: %w", path, err)
		}
	}
	return nil
}

// needsRootPrivileges reports whether a command writes to system paths the
// current user cannot touch.
func needsRootPrivileges(args []string) bool {
	if len(args) < 1 || os.Geteuid() == 0 {
		return false
	}
	if args[0] != "index" {
		return false
	}
	return unix.Access(BinDir, unix.W_OK) != nil
}

// repoExecutor picks the executor able to write the local repository.
func repoExecutor() *Executor {
	if os.Geteuid() != 0 && unix.Access(BinDir, unix.W_OK) != nil {
		return RootExec
	}
	return UserExec
}
