package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
)

// manifestEntry is the first tar entry of every artifact. It is consumed by
// Extract and never written to the restore target.
const manifestEntry = ".phoenix/manifest.json"

// manifestPad is the size the manifest entry is padded to, keeping the
// offsets of the data that follows it stable between captures.
const manifestPad = 4096

// Manifest describes the contents of an artifact.
type Manifest struct {
	Strategy  string            `json:"strategy"`
	JobID     string            `json:"job_id"`
	Mode      Mode              `json:"mode"`
	Files     int               `json:"files"`
	Bytes     int64             `json:"bytes"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Source produces the tar stream of the data being protected.
type Source interface {
	WriteTar(ctx context.Context, w io.Writer, m *Manifest) error
}

// DirSource backs up the contents of a directory.
type DirSource struct {
	Root string
}

type sourceEntry struct {
	rel  string
	path string
	info fs.FileInfo
}

// WriteTar writes the manifest entry followed by every directory, regular
// file and symlink under Root. Other file types are skipped.
func (s DirSource) WriteTar(ctx context.Context, w io.Writer, m *Manifest) error {
	info, err := os.Stat(s.Root)
	if err != nil {
		return fmt.Errorf("archive: source %q: %w", s.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive: source %q is not a directory", s.Root)
	}

	var entries []sourceEntry
	m.Files, m.Bytes = 0, 0
	err = filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == s.Root {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		mode := fi.Mode()
		if !mode.IsDir() && !mode.IsRegular() && mode&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		if mode.IsRegular() {
			m.Files++
			m.Bytes += fi.Size()
		}
		entries = append(entries, sourceEntry{rel: filepath.ToSlash(rel), path: path, info: fi})
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive: walk %q: %w", s.Root, err)
	}

	tw := tar.NewWriter(w)

	manifestData, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest: %w", err)
	}
	if len(manifestData) < manifestPad {
		manifestData = append(manifestData, bytes.Repeat([]byte{' '}, manifestPad-len(manifestData))...)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    manifestEntry,
		Size:    int64(len(manifestData)),
		Mode:    0o644,
		ModTime: m.CreatedAt,
	}); err != nil {
		return fmt.Errorf("archive: write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestData); err != nil {
		return fmt.Errorf("archive: write manifest: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeEntry(tw, e); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: close tar writer: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, e sourceEntry) error {
	var link string
	if e.info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(e.path)
		if err != nil {
			return fmt.Errorf("archive: readlink %q: %w", e.rel, err)
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(e.info, link)
	if err != nil {
		return fmt.Errorf("archive: header for %q: %w", e.rel, err)
	}
	hdr.Name = e.rel
	if e.info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: write header %q: %w", e.rel, err)
	}
	if !e.info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(e.path)
	if err != nil {
		return fmt.Errorf("archive: open %q: %w", e.rel, err)
	}
	defer f.Close()
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return fmt.Errorf("archive: copy %q: %w", e.rel, err)
	}
	return nil
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Decode returns a reader over the tar stream inside data, detecting gzip
// and zstd compression from the leading magic bytes.
func Decode(data []byte) (io.ReadCloser, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errs.Integrity("archive: corrupt gzip stream: %v", err)
		}
		return zr, nil
	case bytes.HasPrefix(data, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errs.Integrity("archive: corrupt zstd stream: %v", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// Extract unpacks an artifact into dest, which must exist. It returns the
// artifact manifest (nil if absent) and the number of regular files written.
func Extract(ctx context.Context, data []byte, dest string) (*Manifest, int, error) {
	r, err := Decode(data)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	var manifest *Manifest
	files := 0
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, files, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, files, errs.Integrity("archive: read tar: %v", err)
		}

		if hdr.Name == manifestEntry {
			var m Manifest
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return nil, files, errs.Integrity("archive: decode manifest: %v", err)
			}
			manifest = &m
			continue
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return nil, files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)&fs.ModePerm|0o700); err != nil {
				return nil, files, fmt.Errorf("archive: mkdir %q: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(tr, target, hdr); err != nil {
				return nil, files, err
			}
			files++
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return nil, files, errs.Integrity("archive: symlink %q points outside the archive", hdr.Name)
			}
			if _, err := safeJoin(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return nil, files, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, files, fmt.Errorf("archive: mkdir %q: %w", filepath.Dir(hdr.Name), err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, files, fmt.Errorf("archive: symlink %q: %w", hdr.Name, err)
			}
		}
	}
	return manifest, files, nil
}

func writeFile(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("archive: mkdir for %q: %w", hdr.Name, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&fs.ModePerm)
	if err != nil {
		return fmt.Errorf("archive: create %q: %w", hdr.Name, err)
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		return errs.Integrity("archive: truncated entry %q: %v", hdr.Name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("archive: close %q: %w", hdr.Name, err)
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

// safeJoin joins name onto dest, rejecting entries that escape dest.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errs.Integrity("archive: entry %q escapes the restore root", name)
	}
	return filepath.Join(dest, cleaned), nil
}
