package shiro

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

const indexMemberName = "APKINDEX"

// readIndexLines loads the text payload of a binary index. Compressed
// indexes (gzip or zstd tar containers holding one APKINDEX member) and the
// plain-text installed database share the same block format, so both end up
// here.
func readIndexLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(data, gzipMagic):
		gz, err := pgzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		defer gz.Close()
		data, err = extractIndexMember(path, gz)
		if err != nil {
			return nil, err
		}
	case bytes.HasPrefix(data, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		defer zr.Close()
		data, err = extractIndexMember(path, zr.IOReadCloser())
		if err != nil {
			return nil, err
		}
	}

	lines := strings.Split(string(data), "\n")
	// A file ending in a newline yields one empty trailing element
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines, nil
}

// extractIndexMember pulls the APKINDEX member out of a tar stream.
func extractIndexMember(indexPath string, r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar member from %s: %w", indexPath, err)
		}
		if path.Clean(hdr.Name) != indexMemberName {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s from %s: %w", indexMemberName, indexPath, err)
		}
		return data, nil
	}
	return nil, &ParseError{Path: indexPath, Msg: "no " + indexMemberName + " member in archive"}
}

// compressFileXZ writes an xz-compressed copy of srcPath to destPath.
// Used for archiving build logs.
func compressFileXZ(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(xzWriter, src); err != nil {
		xzWriter.Close()
		return err
	}
	return xzWriter.Close()
}

// openXZ opens an xz-compressed file for streaming reads.
func openXZ(path string) (io.Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	xr, err := xz.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
	}
	return xr, f, nil
}
