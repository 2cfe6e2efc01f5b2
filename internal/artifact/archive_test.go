package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
)

// writeTree creates files (relative path -> content) under root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
	}
}

// readTree returns every regular file under root keyed by slash path.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestDirSourceExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"app.conf":          "listen 8080\n",
		"data/users.db":     "users",
		"data/deep/orders":  "orders",
		"empty-but-present": "",
	}
	writeTree(t, src, files)
	require.NoError(t, os.Mkdir(filepath.Join(src, "logs"), 0o755))
	require.NoError(t, os.Symlink("app.conf", filepath.Join(src, "current.conf")))

	var buf bytes.Buffer
	m := &Manifest{Strategy: "nightly", JobID: "job-1", Mode: ModeFull, CreatedAt: time.Now().UTC()}
	require.NoError(t, DirSource{Root: src}.WriteTar(context.Background(), &buf, m))
	assert.Equal(t, 4, m.Files)
	assert.Equal(t, int64(len("listen 8080\n")+len("users")+len("orders")), m.Bytes)

	dest := t.TempDir()
	got, n, err := Extract(context.Background(), buf.Bytes(), dest)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, n)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 4, got.Files)

	assert.Equal(t, files, readTree(t, dest))
	assert.DirExists(t, filepath.Join(dest, "logs"))
	assert.NoDirExists(t, filepath.Join(dest, ".phoenix"))

	link, err := os.Readlink(filepath.Join(dest, "current.conf"))
	require.NoError(t, err)
	assert.Equal(t, "app.conf", link)

	info, err := os.Stat(filepath.Join(dest, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestDirSourceMissingRoot(t *testing.T) {
	var buf bytes.Buffer
	err := DirSource{Root: filepath.Join(t.TempDir(), "absent")}.WriteTar(context.Background(), &buf, &Manifest{})
	assert.Error(t, err)
}

func TestExtractRejectsTraversal(t *testing.T) {
	tests := []struct {
		name string
		hdr  tar.Header
	}{
		{"parent path", tar.Header{Name: "../escape", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}},
		{"absolute path", tar.Header{Name: "/etc/escape", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1}},
		{"symlink out", tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "../../etc/passwd"}},
		{"absolute symlink", tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			hdr := tt.hdr
			require.NoError(t, tw.WriteHeader(&hdr))
			if hdr.Size > 0 {
				_, err := tw.Write([]byte("x"))
				require.NoError(t, err)
			}
			require.NoError(t, tw.Close())

			_, _, err := Extract(context.Background(), buf.Bytes(), t.TempDir())
			assert.ErrorIs(t, err, errs.ErrIntegrity)
		})
	}
}

func TestExtractCorruptStream(t *testing.T) {
	data := append([]byte{0x1f, 0x8b}, []byte("definitely not gzip")...)
	_, _, err := Extract(context.Background(), data, t.TempDir())
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}
