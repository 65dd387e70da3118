package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const tempPrefix = ".tmp-"

// LocalBackend implements Backend on the local filesystem. Objects are
// written to a temp file, fsynced and renamed into place, so a crash leaves
// either the old object, the new object, or a stray temp file that listing
// ignores.
type LocalBackend struct {
	basePath string
}

// NewLocalBackend creates a backend rooted at basePath.
func NewLocalBackend(basePath string) (*LocalBackend, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create base directory: %w", err)
	}
	return &LocalBackend{basePath: basePath}, nil
}

// BasePath returns the root directory.
func (l *LocalBackend) BasePath() string { return l.basePath }

func (l *LocalBackend) fullPath(objectPath string) (string, error) {
	clean := path.Clean("/" + objectPath)
	if clean == "/" || strings.Contains(objectPath, "..") {
		return "", fmt.Errorf("storage: invalid object path %q", objectPath)
	}
	return filepath.Join(l.basePath, filepath.FromSlash(clean[1:])), nil
}

// PutObject writes data durably.
func (l *LocalBackend) PutObject(ctx context.Context, objectPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := l.fullPath(objectPath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errIO("put", objectPath, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return errIO("put", objectPath, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errIO("put", objectPath, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errIO("put", objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errIO("put", objectPath, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return errIO("put", objectPath, err)
	}
	if err := syncDir(dir); err != nil {
		return errIO("put", objectPath, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// GetRange reads [offset, offset+length) of an object.
func (l *LocalBackend) GetRange(ctx context.Context, objectPath string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("storage: invalid range %d+%d", offset, length)
	}
	full, err := l.fullPath(objectPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound(objectPath)
		}
		return nil, errIO("get", objectPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errIO("get", objectPath, err)
	}
	if offset+length > info.Size() {
		return nil, errIO("get", objectPath, fmt.Errorf("range %d+%d exceeds object size %d", offset, length, info.Size()))
	}

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, errIO("get", objectPath, err)
	}
	return buf, nil
}

// GetObject reads a whole object.
func (l *LocalBackend) GetObject(ctx context.Context, objectPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.fullPath(objectPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotFound(objectPath)
		}
		return nil, errIO("get", objectPath, err)
	}
	return data, nil
}

// DeleteObject removes an object and prunes directories left empty.
func (l *LocalBackend) DeleteObject(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.fullPath(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errIO("delete", objectPath, err)
	}
	base := filepath.Clean(l.basePath)
	for dir := filepath.Dir(full); dir != base && strings.HasPrefix(dir, base); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// Exists checks whether an object is present.
func (l *LocalBackend) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := l.fullPath(objectPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errIO("stat", objectPath, err)
	}
	return true, nil
}

// ListObjects returns slash-separated object paths beginning with prefix.
// Temp files from interrupted writes are skipped.
func (l *LocalBackend) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := l.basePath
	if dir := path.Dir(prefix); dir != "." && dir != "/" {
		root = filepath.Join(l.basePath, filepath.FromSlash(dir))
	}

	var objects []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			objects = append(objects, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errIO("list", prefix, err)
	}
	sort.Strings(objects)
	return objects, nil
}

// RemoveTempFiles deletes temp files left behind by interrupted writes.
func (l *LocalBackend) RemoveTempFiles() (int, error) {
	removed := 0
	err := filepath.WalkDir(l.basePath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), tempPrefix) {
			if os.Remove(p) == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}
