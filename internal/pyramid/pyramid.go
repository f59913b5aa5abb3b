// Package pyramid holds the per-image layer cache and the arithmetic that
// sizes each layer.
//
// Layer 0 is the decoded base image. Layer n is the base resampled to
// LayerSize(base, n). Layers are filled lazily and never removed.
//
// A Pyramid is not safe for concurrent use. Images stored in it are treated
// as immutable once inserted, so a worker may read a layer it was handed
// while the owner keeps inserting other layers.
package pyramid

import (
	"fmt"
	"image"
	"sort"

	"github.com/jmgilman/go/errors"
)

type Pyramid struct {
	path       string
	size       image.Point
	layerCount int
	layers     map[int]image.Image
}

// New creates a pyramid for path with base as layer 0.
func New(path string, base image.Image) (*Pyramid, error) {
	if base == nil {
		return nil, errors.New(errors.CodeInvalidInput, "base image is nil")
	}

	size := base.Bounds().Size()
	layerCount := LayerCount(size)
	if layerCount < 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "base image has zero area: %dx%d", size.X, size.Y)
	}

	return &Pyramid{
		path:       path,
		size:       size,
		layerCount: layerCount,
		layers:     map[int]image.Image{0: base},
	}, nil
}

func (p *Pyramid) Path() string {
	return p.path
}

// Size is the size of layer 0.
func (p *Pyramid) Size() image.Point {
	return p.size
}

func (p *Pyramid) LayerCount() int {
	return p.layerCount
}

func (p *Pyramid) Base() image.Image {
	return p.layers[0]
}

func (p *Pyramid) Layer(layer int) (image.Image, bool) {
	img, ok := p.layers[layer]
	return img, ok
}

// SetLayer stores img as the given layer. The image must have exactly the
// size LayerSize reports for that layer; layer 0 cannot be replaced.
func (p *Pyramid) SetLayer(layer int, img image.Image) error {
	if layer == 0 {
		return errors.New(errors.CodeConflict, "layer 0 is the base image")
	}
	want, ok := LayerSize(p.size, layer)
	if !ok {
		return errors.Newf(errors.CodeInvalidInput, "layer %d out of range 0..%d", layer, p.layerCount)
	}
	if img == nil {
		return errors.Newf(errors.CodeInvalidInput, "layer %d: nil image", layer)
	}
	if got := img.Bounds().Size(); got != want {
		return errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("layer %d: got %dx%d, want %dx%d", layer, got.X, got.Y, want.X, want.Y))
	}

	p.layers[layer] = img
	return nil
}

// CachedLayers returns the indexes of the layers computed so far, ascending.
func (p *Pyramid) CachedLayers() []int {
	layers := make([]int, 0, len(p.layers))
	for layer := range p.layers {
		layers = append(layers, layer)
	}
	sort.Ints(layers)
	return layers
}
