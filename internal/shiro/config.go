package shiro

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/shiro.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge SHIRO_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge SHIRO_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SHIRO_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	rootDir = cfg.Values["SHIRO_ROOT"]
	if rootDir == "" {
		rootDir = "/"
	}

	CacheDir = cfg.Values["SHIRO_CACHE_DIR"]
	if CacheDir == "" {
		CacheDir = "/var/cache/shiro"
	}

	recipePaths = cfg.Values["SHIRO_PATH"]
	if recipePaths == "" {
		log.Printf("Warning: SHIRO_PATH is not set")
	}

	Debug = cfg.Values["SHIRO_DEBUG"] == "1"

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	if target := cfg.Values["SHIRO_ARCH"]; target != "" {
		arch = target
	}

	if mirror, exists := cfg.Values["SHIRO_MIRROR"]; exists && mirror != "" {
		BinaryMirror = strings.TrimRight(mirror, "/")
		debugf("=> Using Binary Mirror: %s\n", BinaryMirror)
	}

	BinDir = CacheDir + "/bin"
	LogDir = CacheDir + "/logs"
	InstalledDB = filepath.Join(rootDir, "/var/db/shiro/installed")
}

// recipeRoots splits SHIRO_PATH into its colon-separated recipe tree roots.
func recipeRoots() []string {
	var roots []string
	for _, p := range strings.Split(recipePaths, ":") {
		if p = strings.TrimSpace(p); p != "" {
			roots = append(roots, p)
		}
	}
	return roots
}
