package image_list

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"pyramidview/internal/raster"
)

type ImageInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int64  `json:"bytes"`
}

// Scanner lists the decodable images in a data directory. It reads only
// file headers; pixels are decoded by the controller on demand.
type Scanner struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	images []ImageInfo
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		images:  []ImageInfo{},
	}
}

func (s *Scanner) Scan() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []ImageInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !raster.IsSupported(entry.Name()) {
			continue
		}

		path := s.getFilePath(entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		size, format, err := raster.ReadSize(path)
		if err != nil {
			s.logger.Warn("Failed to read image header", zap.String("path", path), zap.Error(err))
			continue
		}

		images = append(images, ImageInfo{
			Name:   entry.Name(),
			Path:   path,
			Format: format,
			Width:  size.X,
			Height: size.Y,
			Bytes:  info.Size(),
		})
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()

	s.logger.Debug("Scanned data directory", zap.String("data_dir", s.dataDir), zap.Int("images", len(images)))
	return nil
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	images := make([]ImageInfo, len(s.images))
	copy(images, s.images)
	return images
}

// Resolve turns a request path into the identity used by the pyramid
// cache: absolute paths are cleaned, relative ones are joined to the data
// directory. Relative paths may not climb out of it. Empty stays empty.
func (s *Scanner) Resolve(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}

	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errors.Newf(errors.CodeInvalidInput, "path escapes data directory: %s", path)
	}
	return s.getFilePath(cleaned), nil
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}
