package artifact

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
)

func newTestStore(t *testing.T, src string) (*Store, *LocalBackend) {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	s, err := NewStore(DirSource{Root: src}, backend, zaptest.NewLogger(t), WithChunkBounds(1024, 8*1024))
	require.NoError(t, err)
	return s, backend
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestCaptureFetchExtractEachMode(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"config.yaml":   "primary: us-east-1\n",
		"data/blob.bin": string(randomBytes(40*1024, 1)),
	}
	writeTree(t, src, files)
	s, _ := newTestStore(t, src)

	for _, mode := range []Mode{ModeFull, ModeSnapshot, ModeIncremental} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			art, err := s.Capture(ctx, CaptureRequest{Strategy: "nightly", JobID: "job-" + string(mode), Mode: mode})
			require.NoError(t, err)
			assert.NotEmpty(t, art.Ref)
			assert.Positive(t, art.SizeBytes)

			data, err := s.Fetch(ctx, art.Ref)
			require.NoError(t, err)
			assert.Equal(t, art.Checksum, Checksum(data))
			assert.Equal(t, art.SizeBytes, int64(len(data)))

			dest := t.TempDir()
			m, n, err := Extract(ctx, data, dest)
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, mode, m.Mode)
			assert.Equal(t, 2, n)
			assert.Equal(t, files, readTree(t, dest))
		})
	}
}

func TestCaptureRefsByMode(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "a"})
	s, _ := newTestStore(t, src)
	ctx := context.Background()

	full, err := s.Capture(ctx, CaptureRequest{Strategy: "s", JobID: "1", Mode: ModeFull})
	require.NoError(t, err)
	assert.Equal(t, "s/1.tar.gz", full.Ref)

	snap, err := s.Capture(ctx, CaptureRequest{Strategy: "s", JobID: "2", Mode: ModeSnapshot})
	require.NoError(t, err)
	assert.Equal(t, "s/2.tar.zst", snap.Ref)

	inc, err := s.Capture(ctx, CaptureRequest{Strategy: "s", JobID: "3", Mode: ModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, "_incremental/sets/s/3.chunks.json", inc.Ref)

	_, err = s.Capture(ctx, CaptureRequest{Strategy: "s", JobID: "4", Mode: "differential"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = s.Capture(ctx, CaptureRequest{Mode: ModeFull})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestIncrementalReusesUnchangedChunks(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"data/blob.bin": string(randomBytes(96*1024, 7))})
	s, _ := newTestStore(t, src)
	ctx := context.Background()

	first, err := s.Capture(ctx, CaptureRequest{Strategy: "inc", JobID: "1", Mode: ModeIncremental})
	require.NoError(t, err)

	second, err := s.Capture(ctx, CaptureRequest{
		Strategy: "inc", JobID: "2", Mode: ModeIncremental, ParentRef: first.Ref,
	})
	require.NoError(t, err)

	assert.Less(t, second.StoredBytes, first.StoredBytes/2)

	data, err := s.Fetch(ctx, second.Ref)
	require.NoError(t, err)
	assert.Equal(t, second.Checksum, Checksum(data))
}

func TestDeleteCollectsUnreferencedChunks(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"data/blob.bin": string(randomBytes(64*1024, 3))})
	s, backend := newTestStore(t, src)
	ctx := context.Background()

	a, err := s.Capture(ctx, CaptureRequest{Strategy: "inc", JobID: "a", Mode: ModeIncremental})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src, "data", "extra.bin"), randomBytes(32*1024, 4), 0o644))
	b, err := s.Capture(ctx, CaptureRequest{Strategy: "inc", JobID: "b", Mode: ModeIncremental})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, a.Ref))

	// b stays fully restorable after a's chunks are collected.
	data, err := s.Fetch(ctx, b.Ref)
	require.NoError(t, err)
	assert.Equal(t, b.Checksum, Checksum(data))

	require.NoError(t, s.Delete(ctx, b.Ref))
	chunks, err := backend.List(ctx, chunkPrefix)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// Idempotent.
	require.NoError(t, s.Delete(ctx, b.Ref))
	_, err = s.Fetch(ctx, b.Ref)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteIncrementalKeepsOtherStrategies(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"data/blob.bin": string(randomBytes(48*1024, 5))})
	s, backend := newTestStore(t, src)
	ctx := context.Background()

	// Strategy names that look like the old chunk namespace.
	full, err := s.Capture(ctx, CaptureRequest{Strategy: "chunks", JobID: "j1", Mode: ModeFull})
	require.NoError(t, err)
	snap, err := s.Capture(ctx, CaptureRequest{Strategy: "incremental", JobID: "j2", Mode: ModeSnapshot})
	require.NoError(t, err)
	kept, err := s.Capture(ctx, CaptureRequest{Strategy: "chunks", JobID: "j3", Mode: ModeIncremental})
	require.NoError(t, err)

	// Stray object inside the namespace that is not shaped like a chunk.
	require.NoError(t, backend.Write(ctx, chunkPrefix+"/ab/notes.txt", []byte("keep")))

	require.NoError(t, os.WriteFile(filepath.Join(src, "data", "more.bin"), randomBytes(16*1024, 6), 0o644))
	inc, err := s.Capture(ctx, CaptureRequest{Strategy: "nightly", JobID: "j4", Mode: ModeIncremental})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, inc.Ref))

	for _, art := range []*Artifact{full, snap, kept} {
		data, err := s.Fetch(ctx, art.Ref)
		require.NoError(t, err, art.Ref)
		assert.Equal(t, art.Checksum, Checksum(data))
	}
	ok, err := backend.Exists(ctx, chunkPrefix+"/ab/notes.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

// listRecorder records the prefixes passed to List.
type listRecorder struct {
	*LocalBackend
	prefixes []string
}

func (b *listRecorder) List(ctx context.Context, prefix string) ([]string, error) {
	b.prefixes = append(b.prefixes, prefix)
	return b.LocalBackend.List(ctx, prefix)
}

func TestChunkGCListsOnlyIncrementalNamespace(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": strings.Repeat("phoenix", 4000)})
	local, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	backend := &listRecorder{LocalBackend: local}
	s, err := NewStore(DirSource{Root: src}, backend, zaptest.NewLogger(t), WithChunkBounds(1024, 8*1024))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Capture(ctx, CaptureRequest{Strategy: "nightly", JobID: "1", Mode: ModeFull})
	require.NoError(t, err)
	inc, err := s.Capture(ctx, CaptureRequest{Strategy: "nightly", JobID: "2", Mode: ModeIncremental})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, inc.Ref))

	assert.Equal(t, []string{incrementalRoot}, backend.prefixes)
}

func TestIsChunkKey(t *testing.T) {
	id := Checksum([]byte("phoenix"))
	tests := []struct {
		key  string
		want bool
	}{
		{chunkKey(id), true},
		{"chunks/" + id[:2] + "/" + id + ".zst", false},
		{chunkPrefix + "/zz/" + id + ".zst", false},
		{chunkPrefix + "/" + id[:2] + "/" + id + ".tar.gz", false},
		{chunkPrefix + "/" + id[:2] + "/short.zst", false},
		{chunkSetPrefix + "/nightly/j1.chunks.json", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, isChunkKey(tt.key))
		})
	}
}

func TestFetchMissingChunkIsIntegrityError(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": strings.Repeat("phoenix", 2000)})
	s, backend := newTestStore(t, src)
	ctx := context.Background()

	art, err := s.Capture(ctx, CaptureRequest{Strategy: "inc", JobID: "1", Mode: ModeIncremental})
	require.NoError(t, err)

	chunks, err := backend.List(ctx, chunkPrefix)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	require.NoError(t, backend.Delete(ctx, chunks[0]))

	_, err = s.Fetch(ctx, art.Ref)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}

func TestDeleteFullArtifact(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})
	s, _ := newTestStore(t, src)
	ctx := context.Background()

	art, err := s.Capture(ctx, CaptureRequest{Strategy: "full", JobID: "1", Mode: ModeFull})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, art.Ref))
	require.NoError(t, s.Delete(ctx, art.Ref))

	_, err = s.Fetch(ctx, art.Ref)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
