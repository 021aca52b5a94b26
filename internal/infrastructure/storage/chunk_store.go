package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"streamhub/internal/core/domain"
)

const (
	chunkDirSuffix = ".chunks"
	manifestExt    = ".json"
)

// FileChunkStore spools recordings under root:
//
//	<root>/<streamId>/<recordingId>.chunks/<index>.part
//	<root>/<streamId>/<recordingId>.<ext>
//	<root>/<streamId>/<recordingId>.json
type FileChunkStore struct {
	root string
}

// NewFileChunkStore creates root if needed.
func NewFileChunkStore(root string) (*FileChunkStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileChunkStore{root: root}, nil
}

func (s *FileChunkStore) Root() string { return s.root }

func (s *FileChunkStore) streamDir(streamID domain.StreamID) (string, error) {
	if err := checkComponent(string(streamID)); err != nil {
		return "", err
	}
	return filepath.Join(s.root, string(streamID)), nil
}

func (s *FileChunkStore) base(streamID domain.StreamID, id domain.RecordingID) (string, error) {
	dir, err := s.streamDir(streamID)
	if err != nil {
		return "", err
	}
	if err := checkComponent(string(id)); err != nil {
		return "", err
	}
	return filepath.Join(dir, string(id)), nil
}

func checkComponent(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid path component %q", domain.ErrInvalidArgument, name)
	}
	return nil
}

func (s *FileChunkStore) Reserve(streamID domain.StreamID, id domain.RecordingID) error {
	base, err := s.base(streamID, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(base+chunkDirSuffix, 0o755); err != nil {
		return fmt.Errorf("failed to reserve recording directory: %w", err)
	}
	return nil
}

func (s *FileChunkStore) WriteChunk(streamID domain.StreamID, id domain.RecordingID, index int, data []byte) (string, error) {
	base, err := s.base(streamID, id)
	if err != nil {
		return "", err
	}
	path := filepath.Join(base+chunkDirSuffix, fmt.Sprintf("%06d.part", index))

	// O_EXCL keeps chunks append-only: an index is never rewritten.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create chunk: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close chunk: %w", err)
	}
	return path, nil
}

// Finalize concatenates chunks in the given order into the artifact. The
// artifact appears atomically via rename.
func (s *FileChunkStore) Finalize(streamID domain.StreamID, id domain.RecordingID, chunks []domain.Chunk, ext string) (string, int64, error) {
	base, err := s.base(streamID, id)
	if err != nil {
		return "", 0, err
	}
	final := base + "." + ext
	tmp := final + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create artifact: %w", err)
	}

	var total int64
	for _, c := range chunks {
		n, err := appendFile(out, c.Path)
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return "", 0, fmt.Errorf("failed to append chunk %d: %w", c.Index, err)
		}
		total += n
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to publish artifact: %w", err)
	}
	return final, total, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}

func (s *FileChunkStore) WriteManifest(streamID domain.StreamID, id domain.RecordingID, manifest domain.Manifest) (string, error) {
	base, err := s.base(streamID, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := base + manifestExt
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish manifest: %w", err)
	}
	return path, nil
}

func (s *FileChunkStore) DiscardChunks(streamID domain.StreamID, id domain.RecordingID) error {
	base, err := s.base(streamID, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(base + chunkDirSuffix); err != nil {
		return fmt.Errorf("failed to discard chunks: %w", err)
	}
	return nil
}

// Remove deletes everything belonging to a recording. Missing files are not
// an error. An emptied stream directory is removed as well.
func (s *FileChunkStore) Remove(streamID domain.StreamID, id domain.RecordingID, ext string) error {
	base, err := s.base(streamID, id)
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range []string{base + "." + ext, base + manifestExt} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(base + chunkDirSuffix); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to remove recording: %w", errors.Join(errs...))
	}

	// only succeeds when the directory is empty
	_ = os.Remove(filepath.Dir(base))
	return nil
}

// Manifests reads every manifest under root. Unreadable files are skipped.
func (s *FileChunkStore) Manifests() ([]domain.Manifest, error) {
	streams, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage root: %w", err)
	}

	var out []domain.Manifest
	for _, sd := range streams {
		if !sd.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, sd.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != manifestExt {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			var m domain.Manifest
			if err := json.Unmarshal(data, &m); err != nil || m.RecordingID == "" {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}
