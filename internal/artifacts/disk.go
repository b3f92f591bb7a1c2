// Package artifacts persists fetched outputs to the local image directory.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/trung0209/AI-SJU-Studio/internal/comfy"
)

const defaultExt = ".png"

// ErrNothingSaved is returned when a non-empty collection produced no files.
var ErrNothingSaved = errors.New("no artifacts saved")

// Saved describes one written file.
type Saved struct {
	NodeID string
	Name   string // base name inside the store directory
	Path   string // full path on disk
	Bytes  int
}

// DiskStore writes artifacts as {node}-{seed}-{index}{ext} under dir.
type DiskStore struct {
	dir string
}

// NewDiskStore creates dir if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// Dir is the directory files are written to.
func (s *DiskStore) Dir() string { return s.dir }

// Save writes every artifact in c, nodes in NodeIDs order. The index in the
// file name is the artifact's position within its node group. A file that
// cannot be written is logged and skipped.
func (s *DiskStore) Save(ctx context.Context, c comfy.OutputCollection, seed int64) ([]Saved, error) {
	var saved []Saved
	for _, nodeID := range c.NodeIDs() {
		for idx, a := range c[nodeID] {
			name := FileName(nodeID, seed, idx, a.Ref.Filename)
			path := filepath.Join(s.dir, name)
			if err := writeFile(path, a.Data); err != nil {
				slog.WarnContext(ctx, "failed to save artifact",
					"node", nodeID, "file", name, "error", err)
				continue
			}
			saved = append(saved, Saved{NodeID: nodeID, Name: name, Path: path, Bytes: len(a.Data)})
		}
	}
	if len(saved) == 0 && c.Count() > 0 {
		return nil, ErrNothingSaved
	}
	return saved, nil
}

// FileName builds the on-disk name for an artifact. The extension follows
// the remote file name and defaults to .png.
func FileName(nodeID string, seed int64, idx int, remoteName string) string {
	ext := strings.ToLower(filepath.Ext(remoteName))
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		ext = defaultExt
	}
	return fmt.Sprintf("%s-%d-%d%s", sanitize(nodeID), seed, idx, ext)
}

// writeFile writes to a temp file in the same directory, then renames it
// into place so readers never see a partial image.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sanitize(id string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
	if out == "" {
		return "node"
	}
	return out
}
