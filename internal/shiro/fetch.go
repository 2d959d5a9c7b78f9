package shiro

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

type downloadOptions struct {
	Quiet   bool // Quiet suppresses progress output
	Replace bool // Replace re-downloads even when the destination exists
}

func downloadFile(url, destFile string) error {
	return downloadFileWithOptions(url, destFile, downloadOptions{Quiet: false})
}

// downloadFileWithOptions downloads a URL to an absolute destination path.
// A lock file serializes concurrent downloads of the same destination
// between the background prefetcher and the main flow.
func downloadFileWithOptions(url, destFile string, opt downloadOptions) error {
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", destFile, err)
	}

	lockPath := destFile + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Blocks while another goroutine downloads the same file
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Double check: the file may have appeared while we waited for the lock
	if _, err := os.Stat(destFile); err == nil && !opt.Replace {
		debugf("File %s appeared after acquiring lock, skipping download.\n", destFile)
		_ = os.Remove(lockPath)
		return nil
	}
	defer func() {
		if _, err := os.Stat(destFile); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	debugf("Downloading %s -> %s\n", url, destFile)

	resp, err := newHTTPClient().Get(url)
	if err != nil {
		return fmt.Errorf("http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	// Write to a temp name and rename, so a partial download never looks
	// like a finished file.
	tmpPath := fmt.Sprintf("%s.part.%d", destFile, time.Now().UnixNano())
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", tmpPath, err)
	}

	var dest io.Writer = out
	if !opt.Quiet {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(destFile))
		dest = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(dest, resp.Body); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, destFile); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move %s into place: %w", tmpPath, err)
	}
	return nil
}

// tryRemoveCachedFile deletes a cached download unless someone holds its
// lock (still downloading or verifying it).
func tryRemoveCachedFile(path string) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = os.Remove(path)
	_ = os.Remove(lockPath)
}

// fetchBinaryPackage downloads one binary package from the configured
// mirror into the local package cache.
func fetchBinaryPackage(pkgName, version, targetArch string) (string, error) {
	if BinaryMirror == "" {
		return "", fmt.Errorf("no SHIRO_MIRROR configured")
	}

	filename := fmt.Sprintf("%s-%s.apk", pkgName, version)
	url := fmt.Sprintf("%s/%s/%s", BinaryMirror, targetArch, filename)
	destPath := filepath.Join(BinDir, targetArch, filename)

	colArrow.Print("-> ")
	colSuccess.Printf("Fetching binary package: %s\n", filename)

	if err := downloadFile(url, destPath); err != nil {
		// Remove the partial file so the cache never holds a corrupt copy
		os.Remove(destPath)
		return "", err
	}
	if err := verifyFetchedPackage(url, destPath); err != nil {
		os.Remove(destPath)
		return "", err
	}
	return destPath, nil
}

// verifyFetchedPackage checks a downloaded package against the b3sum
// sidecar published next to it. Mirrors without sidecars are accepted.
func verifyFetchedPackage(url, destPath string) error {
	sumPath := filepath.Join(tmpDir, "shiro-"+hashString(url)+".b3sum")
	defer os.Remove(sumPath)

	opts := downloadOptions{Quiet: true, Replace: true}
	if err := downloadFileWithOptions(url+".b3sum", sumPath, opts); err != nil {
		debugf("No checksum sidecar for %s: %v\n", url, err)
		return nil
	}
	raw, err := os.ReadFile(sumPath)
	if err != nil {
		return err
	}
	want, _, _ := strings.Cut(strings.TrimSpace(string(raw)), " ")
	if len(want) != 64 {
		debugf("Malformed checksum sidecar for %s\n", url)
		return nil
	}
	return verifyChecksum(destPath, want)
}
