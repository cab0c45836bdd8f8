// Package sidecar implements the append-only binary payload file.
//
// Frames are raw concatenated blobs, optionally zlib-compressed, addressed
// by (offset, length) pairs held by the owning instance rows. Existing byte
// ranges are immutable once appended: a torn append can only damage the tail
// past every previously returned reference, so prior data is never at risk.
package sidecar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/store"
)

// Sidecar manages appending and reading payload frames.
// Concurrent readers, single appender; compaction is exclusive.
type Sidecar struct {
	path string

	mu sync.RWMutex // readers share; appends, compaction, and switchover are exclusive
	f  *os.File
}

// Open opens (creating if necessary) the sidecar file at path.
func Open(path string) (*Sidecar, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open sidecar: %w", err)
	}
	return &Sidecar{path: path, f: f}, nil
}

// OpenExisting opens the sidecar at path, failing with ErrMissingSidecar if
// the file does not exist. Used when a metadata file names its pairing.
func OpenExisting(path string) (*Sidecar, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", store.ErrMissingSidecar, path)
		}
		return nil, fmt.Errorf("stat sidecar: %w", err)
	}
	return Open(path)
}

// Close closes the underlying file.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Path returns the sidecar file path.
func (s *Sidecar) Path() string {
	return s.path
}

// Size returns the current file size in bytes.
func (s *Sidecar) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sizeLocked()
}

func (s *Sidecar) sizeLocked() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat sidecar: %w", err)
	}
	return fi.Size(), nil
}

// Append writes one payload frame at end-of-file and returns its reference.
// The content hash is computed over the uncompressed payload. Append never
// overwrites existing bytes.
func (s *Sidecar) Append(data []byte, codec model.Codec) (model.PayloadRef, error) {
	blob, err := encodeFrame(data, codec)
	if err != nil {
		return model.PayloadRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return model.PayloadRef{}, fmt.Errorf("seek sidecar end: %w", err)
	}
	if _, err := s.f.Write(blob); err != nil {
		return model.PayloadRef{}, fmt.Errorf("append sidecar frame: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return model.PayloadRef{}, fmt.Errorf("sync sidecar: %w", err)
	}

	return model.PayloadRef{
		Offset: offset,
		Length: int64(len(blob)),
		Hash:   model.HashBytes(data),
		Codec:  codec,
	}, nil
}

// Read returns the payload frame addressed by ref. A range past end-of-file
// fails with ErrRange; a content-hash mismatch fails with ErrIntegrity.
// The read lock keeps the file handle stable across a compaction
// switchover; referenced ranges themselves are immutable.
func (s *Sidecar) Read(ref model.PayloadRef) ([]byte, error) {
	s.mu.RLock()
	size, err := s.sizeLocked()
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	if ref.Offset < 0 || ref.Length < 0 || ref.Offset+ref.Length > size {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: [%d,+%d) in %d-byte file", store.ErrRange, ref.Offset, ref.Length, size)
	}

	blob := make([]byte, ref.Length)
	if _, err := s.f.ReadAt(blob, ref.Offset); err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("read sidecar frame: %w", err)
	}
	s.mu.RUnlock()

	data, err := decodeFrame(blob, ref.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame at %d: %v", store.ErrIntegrity, ref.Offset, err)
	}

	if ref.Hash != "" && model.HashBytes(data) != ref.Hash {
		return nil, fmt.Errorf("%w: frame at offset %d", store.ErrIntegrity, ref.Offset)
	}
	return data, nil
}

// CompactResult describes a finished compaction pass. The caller must apply
// Remap to every live payload reference and record NewPath as the store's
// sidecar pairing atomically before calling Switch.
type CompactResult struct {
	// Remap maps old frame offsets to new ones. Lengths are unchanged.
	Remap map[int64]int64

	// NewPath is the freshly written generation file.
	NewPath string

	// NewSize is the byte size of the new file: the sum of live lengths.
	NewSize int64
}

// Compact rewrites the sidecar retaining only the given live ranges, in
// ascending offset order, into a new generation file. The old file is left
// untouched; Switch discards it once the caller has durably applied the
// remapping. Compact excludes concurrent appends for its whole duration.
func (s *Sidecar) Compact(live []model.PayloadRef) (*CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make([]model.PayloadRef, len(live))
	copy(refs, live)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Offset < refs[j].Offset })

	newPath := nextGenerationPath(s.path)
	out, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create compacted sidecar: %w", err)
	}

	remap := make(map[int64]int64, len(refs))
	var written int64
	for _, ref := range refs {
		if _, dup := remap[ref.Offset]; dup {
			continue
		}
		blob := make([]byte, ref.Length)
		if _, err := s.f.ReadAt(blob, ref.Offset); err != nil {
			out.Close()
			os.Remove(newPath)
			return nil, fmt.Errorf("%w: read live range at %d: %v", store.ErrCompactAborted, ref.Offset, err)
		}
		if _, err := out.Write(blob); err != nil {
			out.Close()
			os.Remove(newPath)
			return nil, fmt.Errorf("%w: write compacted frame: %v", store.ErrCompactAborted, err)
		}
		remap[ref.Offset] = written
		written += ref.Length
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(newPath)
		return nil, fmt.Errorf("%w: sync compacted sidecar: %v", store.ErrCompactAborted, err)
	}
	out.Close()

	return &CompactResult{Remap: remap, NewPath: newPath, NewSize: written}, nil
}

// Switch retargets the sidecar at the compacted generation file and deletes
// the previous one. Call only after the remapping and the new pairing are
// durably committed to the metadata store; until then the old file stays
// fully intact.
func (s *Sidecar) Switch(result *CompactResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nf, err := os.OpenFile(result.NewPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open compacted sidecar: %w", err)
	}

	old := s.f
	oldPath := s.path
	s.f = nf
	s.path = result.NewPath

	old.Close()
	if err := os.Remove(oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Orphaned old generation, harmless: nothing references it.
		return fmt.Errorf("remove old sidecar: %w", err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────────
// Frame codecs
// ────────────────────────────────────────────────────────────────────────────────

func encodeFrame(data []byte, codec model.Codec) ([]byte, error) {
	switch codec {
	case model.CodecRaw, "":
		return data, nil
	case model.CodecZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("compress frame: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress frame: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

func decodeFrame(blob []byte, codec model.Codec) ([]byte, error) {
	switch codec {
	case model.CodecRaw, "":
		return blob, nil
	case model.CodecZlib:
		zr, err := zlib.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

var genRe = regexp.MustCompile(`\.g(\d+)$`)

// nextGenerationPath derives the compaction target name: payload.bin →
// payload.g1.bin → payload.g2.bin → ...
func nextGenerationPath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if m := genRe.FindStringSubmatch(base); m != nil {
		n, _ := strconv.Atoi(m[1])
		return genRe.ReplaceAllString(base, fmt.Sprintf(".g%d", n+1)) + ext
	}
	return base + ".g1" + ext
}
