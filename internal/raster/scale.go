package raster

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/jmgilman/go/errors"
	"golang.org/x/image/draw"

	"pyramidview/internal/pyramid"
)

// Filter names a resampling kernel.
type Filter string

const (
	// FilterBox averages every source pixel under a destination pixel.
	FilterBox        Filter = "box"
	FilterLinear     Filter = "linear"
	FilterCatmullRom Filter = "catmullrom"
	FilterLanczos    Filter = "lanczos"
)

func ParseFilter(name string) (Filter, error) {
	switch f := Filter(name); f {
	case FilterBox, FilterLinear, FilterCatmullRom, FilterLanczos:
		return f, nil
	case "":
		return FilterLinear, nil
	default:
		return "", errors.Newf(errors.CodeInvalidConfig, "unknown scale filter: %s (supported: box, linear, catmullrom, lanczos)", name)
	}
}

// Scaler resamples a base image to the size of a pyramid layer.
type Scaler struct {
	filter Filter
}

func NewScaler(filter Filter) *Scaler {
	return &Scaler{filter: filter}
}

func (s *Scaler) Filter() Filter {
	return s.filter
}

// Scale returns base resampled to pyramid.LayerSize(base size, layer).
func (s *Scaler) Scale(base image.Image, layer int) (image.Image, error) {
	if base == nil {
		return nil, errors.New(errors.CodeInvalidInput, "base image is nil")
	}

	baseSize := base.Bounds().Size()
	size, ok := pyramid.LayerSize(baseSize, layer)
	if !ok {
		return nil, errors.WithContext(
			errors.Newf(errors.CodeInvalidInput, "layer %d out of range for %dx%d", layer, baseSize.X, baseSize.Y),
			"layer", layer)
	}

	var scaled *image.NRGBA
	switch s.filter {
	case FilterCatmullRom:
		scaled = image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), base, base.Bounds(), draw.Src, nil)
	case FilterBox:
		scaled = imaging.Resize(base, size.X, size.Y, imaging.Box)
	case FilterLanczos:
		scaled = imaging.Resize(base, size.X, size.Y, imaging.Lanczos)
	default:
		scaled = imaging.Resize(base, size.X, size.Y, imaging.Linear)
	}

	if scaled == nil || scaled.Bounds().Size() != size {
		return nil, errors.WithContext(
			errors.Newf(errors.CodeInternal, "resampling to %dx%d produced a degenerate image", size.X, size.Y),
			"layer", layer)
	}
	return scaled, nil
}
