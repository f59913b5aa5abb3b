// Package raster implements the worker-side units of work: decoding an
// image file into a pixel buffer and resampling a base image down to a
// pyramid layer.
//
// Both operations return freshly allocated images that share no pixel
// memory with their inputs, so a result can be handed to another goroutine
// as owned data.
package raster

import (
	"bufio"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decoder turns a file path into a decoded image.
type Decoder interface {
	Decode(path string) (image.Image, error)
}

var extensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// IsSupported reports whether path has an extension some decoder handles.
func IsSupported(path string) bool {
	return extensions[strings.ToLower(filepath.Ext(path))]
}

// NewDecoder creates a decoder based on the decoder type
func NewDecoder(decoderType string, log *zap.Logger) (Decoder, error) {
	switch decoderType {
	case "std", "":
		log.Info("Using Go image decoders")
		return NewStdDecoder(), nil
	case "vips":
		log.Info("Using libvips decoders")
		return NewVipsDecoder(NewStdDecoder()), nil
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "unknown decoder type: %s (supported: std, vips)", decoderType)
	}
}

// StdDecoder decodes with the formats registered in the image package:
// JPEG, PNG, GIF, BMP, TIFF and WebP.
type StdDecoder struct{}

func NewStdDecoder() *StdDecoder {
	return &StdDecoder{}
}

func (d *StdDecoder) Decode(path string) (image.Image, error) {
	f, err := openImage(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithContext(
			errors.Wrap(err, errors.CodeInvalidInput, "failed to decode image"), "path", path)
	}

	return checkArea(path, img)
}

// ReadSize reads the dimensions and format name from the file header
// without decoding pixels.
func ReadSize(path string) (image.Point, string, error) {
	f, err := openImage(path)
	if err != nil {
		return image.Point{}, "", err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return image.Point{}, "", errors.WithContext(
			errors.Wrap(err, errors.CodeInvalidInput, "failed to read image header"), "path", path)
	}
	return image.Pt(cfg.Width, cfg.Height), format, nil
}

func openImage(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		code := errors.CodeExecutionFailed
		if os.IsNotExist(err) {
			code = errors.CodeNotFound
		}
		return nil, errors.WithContext(errors.Wrap(err, code, "failed to open image"), "path", path)
	}
	return f, nil
}

func checkArea(path string, img image.Image) (image.Image, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.WithContext(
			errors.New(errors.CodeInvalidInput, "decoded image has zero area"), "path", path)
	}
	return img, nil
}
