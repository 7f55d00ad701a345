package storage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	apperrors "go-wanglab/internal/errors"
)

// LocalStorage reads images below a root directory. References are either
// file:// URLs or plain relative paths; neither may escape the root.
type LocalStorage struct {
	root string
}

// NewLocalStorage serves files under root.
func NewLocalStorage(root string) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.NewInvalidConfigError("invalid local image root", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, apperrors.NewInvalidConfigError(fmt.Sprintf("local image root %s is not a directory", abs), err)
	}
	return &LocalStorage{root: abs}, nil
}

// Root is the directory images are read from.
func (s *LocalStorage) Root() string { return s.root }

// FetchImage opens and decodes the file ref points at.
func (s *LocalStorage) FetchImage(ctx context.Context, ref string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCancelledError("image read cancelled", err)
	}

	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("image %s not found", ref), err)
		}
		return nil, apperrors.NewInternalError(fmt.Sprintf("failed to open image %s", ref), err)
	}
	defer f.Close()

	return decodeImage(f, ref)
}

func (s *LocalStorage) resolve(ref string) (string, error) {
	rel := ref
	if strings.HasPrefix(ref, "file:") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", apperrors.NewValidationError("invalid file URL", err)
		}
		rel = u.Path
	}

	rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	within, err := filepath.Rel(s.root, full)
	if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", apperrors.NewValidationError(fmt.Sprintf("path %s is outside the image root", ref), err)
	}
	return full, nil
}
