package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/cyberrange/pkg/types"
)

// DefaultCachePath is the base directory for cached disk images
const DefaultCachePath = "/var/lib/cyberrange/artifacts"

const partialSuffix = ".partial"

// ErrDigestMismatch is returned when downloaded content does not match the
// declared digest
var ErrDigestMismatch = errors.New("digest mismatch")

// DiskCache stores disk-image files on local disk
type DiskCache struct {
	basePath string
}

// NewDiskCache creates the cache directory if needed
func NewDiskCache(basePath string) (*DiskCache, error) {
	if basePath == "" {
		basePath = DefaultCachePath
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact cache directory: %w", err)
	}
	return &DiskCache{basePath: basePath}, nil
}

// Path returns the final location of a disk image
func (d *DiskCache) Path(ref types.ArtifactRef) string {
	return filepath.Join(d.basePath, fileName(ref.Name))
}

// PartialPath returns where an in-progress download is written
func (d *DiskCache) PartialPath(ref types.ArtifactRef) string {
	return d.Path(ref) + partialSuffix
}

// Exists reports whether a complete disk image is cached
func (d *DiskCache) Exists(ref types.ArtifactRef) bool {
	info, err := os.Stat(d.Path(ref))
	return err == nil && info.Mode().IsRegular()
}

// Write streams src into the cache. Content goes to the partial file first
// and is renamed into place only after the digest (if declared) matches.
// Any failure or cancellation removes the partial file, so a retry always
// starts from zero.
func (d *DiskCache) Write(ctx context.Context, ref types.ArtifactRef, src io.Reader, onBytes func(int64)) (size int64, digest string, err error) {
	partial := d.PartialPath(ref)
	if err := removeIfExists(partial); err != nil {
		return 0, "", fmt.Errorf("failed to clear stale partial file: %w", err)
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create partial file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = removeIfExists(partial)
		}
	}()

	h := sha256.New()
	w := io.MultiWriter(f, h)
	buf := make([]byte, 256<<10)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return size, "", cerr
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return size, "", fmt.Errorf("failed to write partial file: %w", werr)
			}
			size += int64(n)
			if onBytes != nil {
				onBytes(size)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return size, "", cerr
			}
			return size, "", fmt.Errorf("failed to read source: %w", rerr)
		}
	}

	digest = "sha256:" + hex.EncodeToString(h.Sum(nil))
	if ref.Digest != "" && !strings.EqualFold(ref.Digest, digest) {
		return size, digest, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, ref.Digest, digest)
	}

	if err = f.Sync(); err != nil {
		return size, digest, fmt.Errorf("failed to sync partial file: %w", err)
	}
	if err = f.Close(); err != nil {
		return size, digest, fmt.Errorf("failed to close partial file: %w", err)
	}
	if err = os.Rename(partial, d.Path(ref)); err != nil {
		return size, digest, fmt.Errorf("failed to move download into cache: %w", err)
	}
	return size, digest, nil
}

// Remove deletes a cached disk image and any partial download
func (d *DiskCache) Remove(ref types.ArtifactRef) error {
	if err := removeIfExists(d.Path(ref)); err != nil {
		return fmt.Errorf("failed to delete disk image: %w", err)
	}
	if err := removeIfExists(d.PartialPath(ref)); err != nil {
		return fmt.Errorf("failed to delete partial download: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// fileName maps a disk name such as "kali/rolling@2024.1" to a flat file name
func fileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = "disk"
	}
	return out + ".img"
}
