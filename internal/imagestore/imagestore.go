// Package imagestore loads and caches decoded page rasters from the
// configured pages directory.
package imagestore

import (
	"context"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/patrickmn/go-cache"

	"github.com/takeoffworks/autocount/internal/errors"
	"github.com/takeoffworks/autocount/internal/logging"
)

// Store decodes page images from disk and keeps them in a TTL cache so that
// several detection runs on the same sheet decode it once.
type Store struct {
	root   string
	cache  *cache.Cache
	logger *slog.Logger
}

// New returns a store rooted at dir. Decoded rasters expire after ttl.
func New(dir string, ttl time.Duration) *Store {
	return &Store{
		root:   filepath.Clean(dir),
		cache:  cache.New(ttl, 2*ttl),
		logger: logging.ForService("imagestore"),
	}
}

// Fetch returns the decoded raster for imagePath, which is interpreted
// relative to the store root. Paths that escape the root are rejected.
func (s *Store) Fetch(ctx context.Context, imagePath string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := s.resolve(imagePath)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cache.Get(full); ok {
		return cached.(image.Image), nil
	}

	img, err := imaging.Open(full, imaging.AutoOrientation(true))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError("page image", imagePath)
		}
		return nil, errors.New(err).
			Component("imagestore").
			Category(errors.CategoryImageDecode).
			Context("path", imagePath).
			Build()
	}

	s.cache.SetDefault(full, img)
	s.logger.Debug("page decoded",
		"path", imagePath, "w", img.Bounds().Dx(), "h", img.Bounds().Dy())
	return img, nil
}

func (s *Store) resolve(imagePath string) (string, error) {
	if imagePath == "" {
		return "", errors.ValidationError("image path is empty")
	}
	if filepath.IsAbs(imagePath) {
		return "", errors.ValidationError("image path must be relative to the pages directory")
	}
	full := filepath.Clean(filepath.Join(s.root, imagePath))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", errors.ValidationError("image path escapes the pages directory")
	}
	return full, nil
}
