package shiro

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const indexFileName = "APKINDEX.tar.gz"

// localPackagesDir returns the on-disk package repository for one arch.
func localPackagesDir(targetArch string) string {
	return filepath.Join(BinDir, targetArch)
}

func mirrorIndexPath(targetArch string) string {
	return filepath.Join(CacheDir, "mirror", targetArch, indexFileName)
}

// IndexFiles returns the binary indexes consulted for one arch, local
// repository first so locally built packages shadow the mirror.
func IndexFiles(targetArch string) []string {
	paths := []string{filepath.Join(localPackagesDir(targetArch), indexFileName)}
	if BinaryMirror != "" {
		paths = append(paths, mirrorIndexPath(targetArch))
	}
	return paths
}

// UpdateIndexes refreshes the cached mirror index for one arch. Indexes
// younger than an hour are considered fresh unless force is set.
func UpdateIndexes(sess *Session, targetArch string, force bool) error {
	if BinaryMirror == "" {
		debugf("no binary mirror configured, skipping index update\n")
		return nil
	}

	dest := mirrorIndexPath(targetArch)
	if !force {
		if stat, err := os.Stat(dest); err == nil && time.Since(stat.ModTime()) < time.Hour {
			debugf("index %s is recent enough\n", dest)
			return nil
		}
	}

	url := BinaryMirror + "/" + targetArch + "/" + indexFileName
	colArrow.Print("-> ")
	colInfo.Printf("Updating binary index for %s\n", targetArch)
	if err := downloadFileWithOptions(url, dest, downloadOptions{Quiet: true, Replace: true}); err != nil {
		return fmt.Errorf("failed to update index for %s: %w", targetArch, err)
	}
	sess.InvalidateIndex(dest)
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// IndexRepo regenerates the local repository index for one arch and drops
// the stale cached parse, so follow-up queries see the fresh artifacts.
func IndexRepo(run *Executor, sess *Session, targetArch string) error {
	dir := localPackagesDir(targetArch)
	if _, err := os.Stat(dir); err != nil {
		debugf("no local packages for %s, nothing to index\n", targetArch)
		return nil
	}

	description := fmt.Sprintf("shiro %s [%s]", version, time.Now().UTC().Format(time.RFC3339))
	script := "apk -q index --output " + indexFileName + "_" +
		" --description " + shellQuote(description) +
		" --rewrite-arch " + shellQuote(targetArch) + " *.apk" +
		" && mv " + indexFileName + "_ " + indexFileName

	cmd := exec.Command("sh", "-c", script)
	cmd.Dir = dir
	if err := run.Run(cmd); err != nil {
		return fmt.Errorf("failed to index repository for %s: %w", targetArch, err)
	}

	sess.InvalidateIndex(filepath.Join(dir, indexFileName))
	return nil
}

// FetchBinaries downloads the named packages from the binary mirror into
// the local package cache, resolving each name through the indexes first.
func FetchBinaries(sess *Session, names []string, targetArch string) error {
	if err := UpdateIndexes(sess, targetArch, false); err != nil {
		return err
	}
	indexes := IndexFiles(targetArch)

	for _, name := range names {
		blk, err := sess.LookupPackage(name, indexes)
		if err != nil {
			return err
		}
		if blk == nil {
			return &PackageNotFoundError{Name: name}
		}
		path, err := fetchBinaryPackage(blk.Name, blk.Version, targetArch)
		if err != nil {
			return err
		}
		fmt.Println(path)
	}
	return nil
}

// CleanCaches removes downloaded packages and cached mirror indexes for one
// arch. Files whose download lock is still held are left alone. Every
// session cache is dropped afterwards, the files it described are gone.
func CleanCaches(sess *Session, targetArch string, assumeYes bool) error {
	if !assumeYes && !askForConfirmation(colWarn,
		"Remove the cached packages and indexes for %s?", targetArch) {
		return nil
	}

	dirs := []string{
		localPackagesDir(targetArch),
		filepath.Join(CacheDir, "mirror", targetArch),
	}
	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasSuffix(entry.Name(), ".lock") {
				continue
			}
			tryRemoveCachedFile(filepath.Join(dir, entry.Name()))
			removed++
		}
	}

	sess.Reset()
	colArrow.Print("-> ")
	colSuccess.Printf("Removed %d cached files for %s\n", removed, targetArch)
	return nil
}

// PublishRepo uploads the local repository for one arch to the S3 mirror.
func PublishRepo(ctx context.Context, mirror *MirrorClient, targetArch string) error {
	dir := localPackagesDir(targetArch)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("no local repository for %s: %w", targetArch, err)
	}

	uploaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".apk") && name != indexFileName) {
			continue
		}
		key := targetArch + "/" + name
		colArrow.Print("-> ")
		colInfo.Printf("Uploading %s\n", key)
		if err := mirror.UploadLocalFile(ctx, key, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		if strings.HasSuffix(name, ".apk") {
			sum, err := hashFile(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("failed to hash %s: %w", name, err)
			}
			sidecar := fmt.Sprintf("%s  %s\n", sum, name)
			if err := mirror.UploadFile(ctx, key+".b3sum", []byte(sidecar)); err != nil {
				return fmt.Errorf("failed to upload checksum for %s: %w", key, err)
			}
		}
		uploaded++
	}

	if uploaded == 0 {
		colWarn.Println("Nothing to publish")
		return nil
	}
	colSuccess.Printf("Published %d files for %s\n", uploaded, targetArch)
	return nil
}
