package raster

import (
	"encoding/binary"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

// StartVips initializes libvips and routes its warnings and errors into
// log. The returned func shuts libvips down.
func StartVips(maxCacheMB, concurrency int, log *zap.Logger) func() {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: concurrency,
		MaxCacheMem:      maxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                        // Disable disk cache
		MaxCacheSize:     0,                        // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		// Map vips log levels to zap levels
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", maxCacheMB),
		zap.Int("concurrency", concurrency),
	)

	return vips.Shutdown
}

// VipsDecoder decodes JPEG, PNG, TIFF and WebP through libvips and copies
// the pixels into a Go-owned buffer. Other formats go to fallback.
// StartVips must have been called.
type VipsDecoder struct {
	fallback Decoder
}

func NewVipsDecoder(fallback Decoder) *VipsDecoder {
	return &VipsDecoder{fallback: fallback}
}

func (d *VipsDecoder) Decode(path string) (image.Image, error) {
	load, ok := vipsLoader(path)
	if !ok {
		return d.fallback.Decode(path)
	}

	if _, err := os.Stat(path); err != nil {
		code := errors.CodeExecutionFailed
		if os.IsNotExist(err) {
			code = errors.CodeNotFound
		}
		return nil, errors.WithContext(errors.Wrap(err, code, "failed to open image"), "path", path)
	}

	vimg, err := load(path)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeInvalidInput, "failed to load image"), "path", path)
	}
	defer vimg.Close()

	width, height, bands := vimg.Width(), vimg.Height(), vimg.Bands()

	// JPEG has no alpha, so four bands there are CMYK.
	if bands == 4 && isJPEG(path) {
		return d.fallback.Decode(path)
	}

	raw, err := vimg.RawsaveBuffer(vips.DefaultRawsaveBufferOptions())
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeInternal, "failed to export pixels"), "path", path)
	}

	img, err := nrgbaFromRaw(raw, width, height, bands)
	if err != nil {
		// Float and complex band formats are left to the Go decoders.
		if errors.GetCode(err) == errors.CodeInternal {
			return d.fallback.Decode(path)
		}
		return nil, errors.WithContext(err, "path", path)
	}

	return checkArea(path, img)
}

func isJPEG(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".jpg" || ext == ".jpeg"
}

// nrgbaFromRaw copies band-interleaved 8 or 16 bit samples into an NRGBA
// image. One band is gray, two are gray and alpha, three are RGB and four
// are RGBA. 16 bit samples are in native byte order and keep their high
// byte. libvips alpha is not premultiplied, which is what NRGBA expects.
func nrgbaFromRaw(raw []byte, width, height, bands int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "image has zero area: %dx%d", width, height)
	}
	if bands < 1 || bands > 4 {
		return nil, errors.Newf(errors.CodeInvalidInput, "unsupported band count: %d", bands)
	}

	pixels := width * height
	samples := pixels * bands

	var depth int
	switch len(raw) {
	case samples:
		depth = 1
	case 2 * samples:
		depth = 2
	default:
		return nil, errors.Newf(errors.CodeInternal,
			"raw buffer of %d bytes does not match %dx%d with %d bands", len(raw), width, height, bands)
	}

	sample := func(i int) uint8 {
		if depth == 2 {
			return uint8(binary.NativeEndian.Uint16(raw[2*i:]) >> 8)
		}
		return raw[i]
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for p := 0; p < pixels; p++ {
		s := p * bands
		d := out.Pix[p*4 : p*4+4 : p*4+4]
		switch bands {
		case 1:
			g := sample(s)
			d[0], d[1], d[2], d[3] = g, g, g, 0xff
		case 2:
			g := sample(s)
			d[0], d[1], d[2], d[3] = g, g, g, sample(s+1)
		case 3:
			d[0], d[1], d[2], d[3] = sample(s), sample(s+1), sample(s+2), 0xff
		case 4:
			d[0], d[1], d[2], d[3] = sample(s), sample(s+1), sample(s+2), sample(s+3)
		}
	}
	return out, nil
}

// vipsLoader picks a loader based on file extension
func vipsLoader(path string) (func(string) (*vips.Image, error), bool) {
	ext := strings.ToLower(filepath.Ext(path))

	// The whole image is decoded once, top to bottom.
	access := vips.AccessSequential

	switch ext {
	case ".tif", ".tiff":
		return func(path string) (*vips.Image, error) {
			opts := vips.DefaultTiffloadOptions()
			opts.Access = access
			return vips.NewTiffload(path, opts)
		}, true
	case ".jpg", ".jpeg":
		return func(path string) (*vips.Image, error) {
			opts := vips.DefaultJpegloadOptions()
			opts.Access = access
			return vips.NewJpegload(path, opts)
		}, true
	case ".png":
		return func(path string) (*vips.Image, error) {
			opts := vips.DefaultPngloadOptions()
			opts.Access = access
			return vips.NewPngload(path, opts)
		}, true
	case ".webp":
		return func(path string) (*vips.Image, error) {
			opts := vips.DefaultWebploadOptions()
			opts.Access = access
			return vips.NewWebpload(path, opts)
		}, true
	default:
		return nil, false
	}
}
