// Package storage persists finished recordings, recovery chunk mirrors and
// session records.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"

	appErrors "github.com/sentryview/sentryview/pkg/errors"
)

// ArtifactStore holds recording blobs and write-ahead chunk mirrors outside
// the database.
type ArtifactStore interface {
	// PutVideo stores a finished recording blob and returns its stable path.
	PutVideo(ctx context.Context, sessionID string, startedAt time.Time, blob []byte) (string, int64, error)
	// OpenVideo streams a stored recording.
	OpenVideo(ctx context.Context, path string) (io.ReadCloser, int64, error)
	// DeleteVideo removes a stored recording.
	DeleteVideo(ctx context.Context, path string) error

	// PutRecoveryChunks overwrites the chunk mirror for a session.
	PutRecoveryChunks(ctx context.Context, sessionID string, chunks [][]byte) error
	// GetRecoveryChunks loads a session's chunk mirror in order.
	GetRecoveryChunks(ctx context.Context, sessionID string) ([][]byte, error)
	// ClearRecoveryChunks discards a session's chunk mirror.
	ClearRecoveryChunks(ctx context.Context, sessionID string) error
}

// FilesystemStore lays artifacts out under a root directory: recordings in
// year/month subdirectories, recovery chunks in one directory per session.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore initialises the artifact layout under root.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, appErrors.New("storage.invalid_root", "artifact root not configured", 500)
	}
	for _, dir := range []string{filepath.Join(root, "sessions"), filepath.Join(root, "recovery")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("artifact store: create %s: %w", dir, err)
		}
	}
	return &FilesystemStore{root: root}, nil
}

// Root returns the configured artifact root.
func (s *FilesystemStore) Root() string {
	if s == nil {
		return ""
	}
	return s.root
}

// PutVideo writes the blob under sessions/YYYY/MM and returns the path
// relative to the artifact root.
func (s *FilesystemStore) PutVideo(ctx context.Context, sessionID string, startedAt time.Time, blob []byte) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if sessionID == "" {
		return "", 0, appErrors.NewBadRequest("session id required")
	}

	rel := filepath.Join("sessions", startedAt.UTC().Format("2006"), startedAt.UTC().Format("01"), sessionID+".svv")
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return "", 0, fmt.Errorf("artifact store: create video dir: %w", err)
	}

	// Write to a temp file then rename so a crash never leaves a torn blob
	// at the final path.
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o640); err != nil {
		return "", 0, fmt.Errorf("artifact store: write video: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return "", 0, multierr.Append(fmt.Errorf("artifact store: finalise video: %w", err), os.Remove(tmp))
	}
	return rel, int64(len(blob)), nil
}

// OpenVideo opens a stored recording for streaming.
func (s *FilesystemStore) OpenVideo(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, appErrors.ErrNotFound
		}
		return nil, 0, fmt.Errorf("artifact store: open video: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		return nil, 0, multierr.Append(fmt.Errorf("artifact store: stat video: %w", err), file.Close())
	}
	return file, info.Size(), nil
}

// DeleteVideo removes a stored recording. Missing files are not an error.
func (s *FilesystemStore) DeleteVideo(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact store: delete video: %w", err)
	}
	return nil
}

// PutRecoveryChunks replaces the session's chunk mirror atomically enough
// for recovery: chunks are written to a fresh directory which is then
// swapped in.
func (s *FilesystemStore) PutRecoveryChunks(ctx context.Context, sessionID string, chunks [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return appErrors.NewBadRequest("session id required")
	}

	final := filepath.Join(s.root, "recovery", sessionID)
	staging := final + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("artifact store: clear staging: %w", err)
	}
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return fmt.Errorf("artifact store: create staging: %w", err)
	}
	for i, chunk := range chunks {
		name := filepath.Join(staging, fmt.Sprintf("chunk_%06d.bin", i))
		if err := os.WriteFile(name, chunk, 0o640); err != nil {
			return fmt.Errorf("artifact store: write chunk %d: %w", i, err)
		}
	}
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("artifact store: replace mirror: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("artifact store: swap mirror: %w", err)
	}
	return nil
}

// GetRecoveryChunks loads the chunk mirror in write order.
func (s *FilesystemStore) GetRecoveryChunks(ctx context.Context, sessionID string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, "recovery", sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, appErrors.ErrRecoveryUnavailable
		}
		return nil, fmt.Errorf("artifact store: read mirror: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), "chunk_") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	chunks := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("artifact store: read chunk %s: %w", name, err)
		}
		chunks = append(chunks, data)
	}
	return chunks, nil
}

// ClearRecoveryChunks removes the session's chunk mirror.
func (s *FilesystemStore) ClearRecoveryChunks(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.root, "recovery", sessionID)); err != nil {
		return fmt.Errorf("artifact store: clear mirror: %w", err)
	}
	return nil
}

// resolve joins a stored relative path to the root, rejecting traversal.
func (s *FilesystemStore) resolve(path string) (string, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	if clean == "" || clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", appErrors.NewBadRequest("invalid artifact path")
	}
	return filepath.Join(s.root, clean), nil
}
