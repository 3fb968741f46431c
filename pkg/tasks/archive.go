package tasks

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	maxExtractEntries = 50000
	maxExtractBytes   = 8 << 30
)

type extractStats struct {
	entries int
	bytes   int64
}

func extractArchive(ctx context.Context, file, format, dest string) (extractStats, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return extractStats{}, err
	}
	dest, err := filepath.Abs(dest)
	if err != nil {
		return extractStats{}, err
	}

	if format == "zip" {
		return extractZip(ctx, file, dest)
	}

	f, err := os.Open(file)
	if err != nil {
		return extractStats{}, err
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case "tar.gz", "tgz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return extractStats{}, err
		}
		defer gz.Close()
		r = gz
	case "tar.zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return extractStats{}, err
		}
		defer zr.Close()
		r = zr
	default:
		return extractStats{}, invalidPayload(fmt.Sprintf("unsupported archive format %q", format), nil)
	}
	return extractTar(ctx, r, dest)
}

// safeTarget resolves an archive entry name under dest, rejecting absolute
// paths and parent traversal.
func safeTarget(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == "" {
		return "", nil
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) || filepath.VolumeName(clean) != "" {
		return "", executionFailed(0, fmt.Sprintf("rejecting unsafe path %q", name))
	}
	target := filepath.Join(dest, clean)
	if !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", executionFailed(0, fmt.Sprintf("rejecting path outside destination: %q", name))
	}
	return target, nil
}

func extractTar(ctx context.Context, r io.Reader, dest string) (extractStats, error) {
	var stats extractStats
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		stats.entries++
		if stats.entries > maxExtractEntries {
			return stats, executionFailed(0, fmt.Sprintf("too many entries (%d > %d)", stats.entries, maxExtractEntries))
		}

		target, err := safeTarget(dest, hdr.Name)
		if err != nil {
			return stats, err
		}
		if target == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			n, err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm(), maxExtractBytes-stats.bytes)
			stats.bytes += n
			if err != nil {
				return stats, err
			}
		case tar.TypeSymlink:
			if err := safeSymlink(dest, target, hdr.Linkname); err != nil {
				return stats, err
			}
		default:
			return stats, executionFailed(0, fmt.Sprintf("unsupported entry type %d for %q", hdr.Typeflag, hdr.Name))
		}
	}
}

func extractZip(ctx context.Context, file, dest string) (extractStats, error) {
	var stats extractStats
	zr, err := zip.OpenReader(file)
	if err != nil {
		return stats, err
	}
	defer zr.Close()

	if len(zr.File) > maxExtractEntries {
		return stats, executionFailed(0, fmt.Sprintf("too many entries (%d > %d)", len(zr.File), maxExtractEntries))
	}
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.entries++
		target, err := safeTarget(dest, zf.Name)
		if err != nil {
			return stats, err
		}
		if target == "" {
			continue
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, mode.Perm()|0o700); err != nil {
				return stats, err
			}
		case mode.IsRegular():
			rc, err := zf.Open()
			if err != nil {
				return stats, err
			}
			n, err := writeEntry(target, rc, mode.Perm(), maxExtractBytes-stats.bytes)
			rc.Close()
			stats.bytes += n
			if err != nil {
				return stats, err
			}
		default:
			return stats, executionFailed(0, fmt.Sprintf("unsupported entry mode %s for %q", mode, zf.Name))
		}
	}
	return stats, nil
}

// writeEntry copies at most budget bytes into target.
func writeEntry(target string, r io.Reader, perm fs.FileMode, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, io.LimitReader(r, budget+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, executionFailed(0, fmt.Sprintf("extracted size exceeds %d bytes", int64(maxExtractBytes)))
	}
	return n, nil
}

// safeSymlink creates a relative symlink that stays inside dest.
func safeSymlink(dest, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return executionFailed(0, fmt.Sprintf("rejecting absolute symlink %q", linkname))
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if resolved != dest && !strings.HasPrefix(resolved, dest+string(os.PathSeparator)) {
		return executionFailed(0, fmt.Sprintf("rejecting symlink outside destination: %q", linkname))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	_ = os.Remove(target)
	return os.Symlink(linkname, target)
}
