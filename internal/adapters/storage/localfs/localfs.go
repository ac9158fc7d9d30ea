// Package localfs stores objects as files under a root directory.
package localfs

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"storyclip/internal/pkg/errors"
	"storyclip/internal/ports"
)

// LocalFS implements ports.StorageProvider on the local filesystem. Object
// keys are slash separated paths relative to root.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: filepath.Clean(root)}
}

func (l *LocalFS) Provider() string { return "localfs" }

func (l *LocalFS) Root() string { return l.root }

// Path resolves objectKey inside root. Keys that escape root are rejected.
func (l *LocalFS) Path(objectKey string) (string, error) {
	if strings.TrimSpace(objectKey) == "" {
		return "", errors.ValidationField("object_key", "object_key is required")
	}
	p := filepath.Join(l.root, filepath.FromSlash(objectKey))
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.ValidationField("object_key", "object_key escapes the storage root")
	}
	return p, nil
}

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.Path(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, errors.WrapWithCode(err, errors.CodeTransient, "localfs.put", "create object dir")
	}

	// write next to the destination, then rename, so readers never see a
	// partial file
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return ports.PutObjectOutput{}, errors.WrapWithCode(err, errors.CodeTransient, "localfs.put", "create temp file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, in.Reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.PutObjectOutput{}, errors.WrapWithCode(err, errors.CodeTransient, "localfs.put", "write object")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return ports.PutObjectOutput{}, errors.WrapWithCode(err, errors.CodeTransient, "localfs.put", "chmod object")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ports.PutObjectOutput{}, errors.WrapWithCode(err, errors.CodeTransient, "localfs.put", "rename object")
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	p, err := l.Path(objectKey)
	if err != nil {
		return nil, "", 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, "", 0, errors.NotFound("object", objectKey)
		}
		return nil, "", 0, errors.Wrap(err, "localfs.get", "open object")
	}

	if st, statErr := f.Stat(); statErr == nil {
		size = st.Size()
	}

	contentType = mime.TypeByExtension(filepath.Ext(p))
	if contentType == "" {
		buf := make([]byte, 512)
		n, _ := f.Read(buf)
		_, _ = f.Seek(0, io.SeekStart)
		contentType = http.DetectContentType(buf[:n])
	}

	return f, contentType, size, nil
}

// DeleteObject removes the object and, when they become empty, its parent
// directories up to root. A missing object is not an error.
func (l *LocalFS) DeleteObject(ctx context.Context, objectKey string) error {
	p, err := l.Path(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "localfs.delete", "remove object")
	}

	for dir := filepath.Dir(p); dir != l.root && strings.HasPrefix(dir, l.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// GetSignedURL has no meaning on a local disk; the URL is left empty.
func (l *LocalFS) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{URL: "", ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}
