package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/restic/chunker"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
)

// Mode selects how a capture is encoded.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeSnapshot    Mode = "snapshot"
)

// CaptureRequest describes one capture.
type CaptureRequest struct {
	Strategy  string
	JobID     string
	Mode      Mode
	Since     time.Time // start of the previous capture, incremental only
	ParentRef string    // previous artifact, incremental only
	Labels    map[string]string
}

// Artifact is the result of a capture. Checksum is the SHA-256 of the bytes
// Fetch returns for Ref.
type Artifact struct {
	Ref         string `json:"ref"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
	StoredBytes int64  `json:"stored_bytes"`
}

// Chunking bounds for incremental artifacts.
const (
	DefaultMinChunk = 512 * 1024
	DefaultMaxChunk = 8 * 1024 * 1024

	// chunkPolynomial is fixed so that identical content produces identical
	// chunk boundaries across processes.
	chunkPolynomial = chunker.Pol(0x3DA3358B4DC173)

	// Incremental data lives under a namespace that strategy names, which
	// must start with [a-z0-9], cannot produce.
	incrementalRoot = "_incremental"
	chunkPrefix     = incrementalRoot + "/chunks"
	chunkSetPrefix  = incrementalRoot + "/sets"
	chunkSetSuffix  = ".chunks.json"
)

var chunkKeyPattern = regexp.MustCompile(`^_incremental/chunks/([0-9a-f]{2})/([0-9a-f]{64})\.zst$`)

// chunkSet is the stored form of an incremental artifact.
type chunkSet struct {
	Strategy  string    `json:"strategy"`
	JobID     string    `json:"job_id"`
	ParentRef string    `json:"parent_ref,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	Chunks    []string  `json:"chunks"`
}

// Store captures artifacts from a Source onto a Backend.
type Store struct {
	source   Source
	backend  Backend
	logger   *zap.Logger
	minChunk uint
	maxChunk uint
	now      func() time.Time

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// gcMu keeps chunk garbage collection from interleaving with an
	// incremental capture that is about to reference existing chunks.
	gcMu sync.RWMutex
}

// Option customises a Store.
type Option func(*Store)

// WithChunkBounds sets the content-defined chunk size bounds.
func WithChunkBounds(min, max uint) Option {
	return func(s *Store) {
		s.minChunk, s.maxChunk = min, max
	}
}

// NewStore creates a Store.
func NewStore(source Source, backend Backend, logger *zap.Logger, opts ...Option) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("artifact: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<30))
	if err != nil {
		return nil, fmt.Errorf("artifact: zstd decoder: %w", err)
	}

	s := &Store{
		source:   source,
		backend:  backend,
		logger:   logger.Named("artifact"),
		minChunk: DefaultMinChunk,
		maxChunk: DefaultMaxChunk,
		now:      func() time.Time { return time.Now().UTC() },
		encoder:  enc,
		decoder:  dec,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Capture reads the source and stores a new artifact.
func (s *Store) Capture(ctx context.Context, req CaptureRequest) (*Artifact, error) {
	if req.Strategy == "" || req.JobID == "" {
		return nil, errs.Validation("artifact: strategy and job id are required")
	}
	manifest := &Manifest{
		Strategy:  req.Strategy,
		JobID:     req.JobID,
		Mode:      req.Mode,
		CreatedAt: s.now(),
		Labels:    req.Labels,
	}

	switch req.Mode {
	case ModeFull:
		return s.captureCompressed(ctx, req, manifest, ".tar.gz", func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, gzip.DefaultCompression)
		})
	case ModeSnapshot:
		return s.captureCompressed(ctx, req, manifest, ".tar.zst", func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		})
	case ModeIncremental:
		return s.captureChunked(ctx, req, manifest)
	default:
		return nil, errs.Validation("artifact: unknown capture mode %q", req.Mode)
	}
}

func (s *Store) captureCompressed(ctx context.Context, req CaptureRequest, m *Manifest, ext string,
	wrap func(io.Writer) (io.WriteCloser, error)) (*Artifact, error) {

	var buf bytes.Buffer
	cw, err := wrap(&buf)
	if err != nil {
		return nil, fmt.Errorf("artifact: compressor: %w", err)
	}
	if err := s.source.WriteTar(ctx, cw, m); err != nil {
		cw.Close()
		return nil, fmt.Errorf("artifact: capture %s: %w", req.JobID, err)
	}
	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("artifact: finish compression: %w", err)
	}

	data := buf.Bytes()
	ref := path.Join(req.Strategy, req.JobID+ext)
	if err := s.backend.Write(ctx, ref, data); err != nil {
		return nil, fmt.Errorf("artifact: store %s: %w", ref, err)
	}

	s.logger.Debug("artifact stored",
		zap.String("ref", ref),
		zap.Int("files", m.Files),
		zap.Int("bytes", len(data)))

	return &Artifact{
		Ref:         ref,
		SizeBytes:   int64(len(data)),
		Checksum:    Checksum(data),
		StoredBytes: int64(len(data)),
	}, nil
}

// captureChunked splits the tar stream into content-defined chunks and
// uploads only the chunks not already present.
func (s *Store) captureChunked(ctx context.Context, req CaptureRequest, m *Manifest) (*Artifact, error) {
	var raw bytes.Buffer
	if err := s.source.WriteTar(ctx, &raw, m); err != nil {
		return nil, fmt.Errorf("artifact: capture %s: %w", req.JobID, err)
	}
	data := raw.Bytes()

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	set := chunkSet{
		Strategy:  req.Strategy,
		JobID:     req.JobID,
		ParentRef: req.ParentRef,
		Since:     req.Since,
		Size:      int64(len(data)),
		Checksum:  Checksum(data),
	}

	var stored int64
	reused := 0
	c := chunker.NewWithBoundaries(bytes.NewReader(data), chunkPolynomial, s.minChunk, s.maxChunk)
	buf := make([]byte, s.maxChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := c.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: chunking failed: %w", err)
		}

		id := Checksum(chunk.Data)
		key := chunkKey(id)
		exists, err := s.backend.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("artifact: check chunk %s: %w", id, err)
		}
		if exists {
			reused++
		} else {
			compressed := s.encoder.EncodeAll(chunk.Data, nil)
			if err := s.backend.Write(ctx, key, compressed); err != nil {
				return nil, fmt.Errorf("artifact: store chunk %s: %w", id, err)
			}
			stored += int64(len(compressed))
		}
		set.Chunks = append(set.Chunks, id)
	}

	setData, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("artifact: marshal chunk set: %w", err)
	}
	ref := path.Join(chunkSetPrefix, req.Strategy, req.JobID+chunkSetSuffix)
	if err := s.backend.Write(ctx, ref, setData); err != nil {
		return nil, fmt.Errorf("artifact: store %s: %w", ref, err)
	}
	stored += int64(len(setData))

	s.logger.Debug("incremental artifact stored",
		zap.String("ref", ref),
		zap.String("parent", req.ParentRef),
		zap.Int("chunks", len(set.Chunks)),
		zap.Int("reused", reused),
		zap.Int64("stored_bytes", stored))

	return &Artifact{
		Ref:         ref,
		SizeBytes:   set.Size,
		Checksum:    set.Checksum,
		StoredBytes: stored,
	}, nil
}

// Fetch returns the artifact's bytes exactly as captured.
func (s *Store) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if !strings.HasSuffix(ref, chunkSetSuffix) {
		return s.backend.Read(ctx, ref)
	}

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	set, err := s.readChunkSet(ctx, ref)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, set.Size)
	for _, id := range set.Chunks {
		compressed, err := s.backend.Read(ctx, chunkKey(id))
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, errs.Integrity("artifact: %s references missing chunk %s", ref, id)
			}
			return nil, err
		}
		out, err = s.decoder.DecodeAll(compressed, out)
		if err != nil {
			return nil, errs.Integrity("artifact: chunk %s is corrupt: %v", id, err)
		}
	}
	return out, nil
}

// Delete removes an artifact. Deleting an incremental artifact also removes
// chunks no other artifact references. Deleting a missing artifact succeeds.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if !strings.HasSuffix(ref, chunkSetSuffix) {
		return s.backend.Delete(ctx, ref)
	}

	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	if err := s.backend.Delete(ctx, ref); err != nil {
		return err
	}
	removed, err := s.collectGarbage(ctx)
	if err != nil {
		return fmt.Errorf("artifact: chunk gc after deleting %s: %w", ref, err)
	}
	s.logger.Debug("artifact deleted", zap.String("ref", ref), zap.Int("chunks_removed", removed))
	return nil
}

// collectGarbage deletes chunks that no stored chunk set references. Only
// the incremental namespace is listed, and only keys shaped exactly like a
// chunk are candidates for deletion. The caller holds gcMu for writing.
func (s *Store) collectGarbage(ctx context.Context) (int, error) {
	keys, err := s.backend.List(ctx, incrementalRoot)
	if err != nil {
		return 0, err
	}

	live := make(map[string]bool)
	var chunks []string
	for _, key := range keys {
		switch {
		case isChunkKey(key):
			chunks = append(chunks, key)
		case strings.HasPrefix(key, chunkSetPrefix+"/") && strings.HasSuffix(key, chunkSetSuffix):
			set, err := s.readChunkSet(ctx, key)
			if err != nil {
				return 0, err
			}
			for _, id := range set.Chunks {
				live[chunkKey(id)] = true
			}
		}
	}

	removed := 0
	for _, key := range chunks {
		if live[key] {
			continue
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) readChunkSet(ctx context.Context, ref string) (*chunkSet, error) {
	data, err := s.backend.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	var set chunkSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, errs.Integrity("artifact: corrupt chunk set %s: %v", ref, err)
	}
	return &set, nil
}

func chunkKey(id string) string {
	return path.Join(chunkPrefix, id[:2], id+".zst")
}

func isChunkKey(key string) bool {
	m := chunkKeyPattern.FindStringSubmatch(key)
	return m != nil && m[2][:2] == m[1]
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
