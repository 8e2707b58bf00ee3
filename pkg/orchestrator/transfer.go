package orchestrator

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// maxImportBytes bounds a single Import call: a corrupt or hostile archive
// can't exhaust disk space silently just because it claims to.
const maxImportBytes = 64 << 30 // 64 GiB

// Export writes vmDir's contents (disk images, seed ISO, snapshot
// metadata) as a gzip-compressed tar stream to w, per §9's supplemented
// "move a VM's on-disk state to another host or into cold storage"
// feature. Export never touches the hypervisor: the VM should be stopped
// first so its disk images aren't being written concurrently.
func Export(ctx context.Context, vmDir string, w io.Writer) error {
	gzw := gzip.NewWriter(w)
	defer gzw.Close()
	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return filepath.Walk(vmDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(vmDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// Import extracts a gzip-compressed tar stream previously written by
// Export into destDir, returning the number of bytes written. Every entry
// is rejected if it would escape destDir — an absolute path, a "..'"
// component, or a symlink resolving outside destDir — the same defense
// onkernel-hypeman's volume importer applies to archives from an untrusted
// source.
func Import(ctx context.Context, r io.Reader, destDir string) (int64, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()
	tr := tar.NewReader(gzr)

	var extracted int64
	for {
		if ctx.Err() != nil {
			return extracted, ctx.Err()
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("read tar header: %w", err)
		}
		if filepath.IsAbs(header.Name) || strings.Contains(header.Name, "..") {
			return extracted, fmt.Errorf("unsafe archive entry %q", header.Name)
		}
		target, err := securejoin.SecureJoin(destDir, header.Name)
		if err != nil {
			return extracted, fmt.Errorf("resolve archive entry %q: %w", header.Name, err)
		}
		if extracted+header.Size > maxImportBytes {
			return extracted, fmt.Errorf("archive exceeds %d byte import limit", maxImportBytes)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return extracted, fmt.Errorf("create dir %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return extracted, fmt.Errorf("create parent dir: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return extracted, fmt.Errorf("create file %s: %w", header.Name, err)
			}
			n, err := io.Copy(f, io.LimitReader(tr, header.Size))
			f.Close()
			if err != nil {
				return extracted, fmt.Errorf("write file %s: %w", header.Name, err)
			}
			extracted += n
		default:
			continue
		}
	}
	return extracted, nil
}
