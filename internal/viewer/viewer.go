// Package viewer drives the controller the way the desktop window did: one
// request at a time, each waiting for its notification before the next one
// is accepted.
package viewer

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"pyramidview/internal/pyramid"
)

// Requester is the inbound side of the controller.
type Requester interface {
	RequestLoad(path string)
	RequestLayer(index int)
}

type LoadResult struct {
	Path       string `json:"path"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	LayerCount int    `json:"layerCount"`
	Loaded     bool   `json:"loaded"`
}

type LayerResult struct {
	Index  int  `json:"index"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
	OK     bool `json:"ok"`
}

type loadedEvent struct {
	path       string
	img        image.Image
	layerCount int
}

// Viewer is a single-session client of the controller. It implements the
// controller's Listener.
type Viewer struct {
	requester Requester
	timeout   time.Duration
	logger    *zap.Logger

	// session serializes Load and Layer and guards base.
	session sync.Mutex
	loaded  chan loadedEvent
	layers  chan image.Image

	// base is the layer 0 size of the selected image, zero when nothing
	// is selected. baseKnown is false after a Load timed out, since the
	// controller may have selected the image after all.
	base      image.Point
	baseKnown bool
}

func New(timeout time.Duration, logger *zap.Logger) *Viewer {
	return &Viewer{
		timeout: timeout,
		logger:  logger,
		loaded:    make(chan loadedEvent, 16),
		layers:    make(chan image.Image, 16),
		baseKnown: true,
	}
}

// Attach sets the controller requests go to. It must be called before Load
// or Layer.
func (v *Viewer) Attach(r Requester) {
	v.requester = r
}

// ImageLoaded is called on the control loop.
func (v *Viewer) ImageLoaded(path string, img image.Image, layerCount int) {
	select {
	case v.loaded <- loadedEvent{path: path, img: img, layerCount: layerCount}:
	default:
		v.logger.Warn("Dropped image notification, nobody waiting", zap.String("path", path))
	}
}

// LayerChanged is called on the control loop.
func (v *Viewer) LayerChanged(img image.Image) {
	select {
	case v.layers <- img:
	default:
		v.logger.Warn("Dropped layer notification, nobody waiting")
	}
}

// Load selects path and waits for the outcome. A failed decode is not an
// error: it returns a result with Loaded false and LayerCount -1.
func (v *Viewer) Load(ctx context.Context, path string) (LoadResult, error) {
	v.session.Lock()
	defer v.session.Unlock()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	drain(v.loaded)
	v.requester.RequestLoad(path)

	for {
		select {
		case ev := <-v.loaded:
			if ev.path != path {
				v.logger.Debug("Ignoring stale image notification", zap.String("path", ev.path))
				continue
			}
			result := LoadResult{Path: path, LayerCount: ev.layerCount}
			v.base, v.baseKnown = image.Point{}, true
			if ev.img != nil {
				size := ev.img.Bounds().Size()
				result.Width, result.Height, result.Loaded = size.X, size.Y, true
				v.base = size
			}
			return result, nil
		case <-ctx.Done():
			v.baseKnown = false
			return LoadResult{}, errors.WithContext(
				errors.Wrap(ctx.Err(), errors.CodeTimeout, "timed out waiting for image"), "path", path)
		}
	}
}

// Layer switches the current image to layer index and waits for the
// outcome. An invalid layer returns a result with OK false.
//
// Scales finish in any order, so an image whose size is not the one
// index has on the selected image belongs to an earlier request and is
// skipped.
func (v *Viewer) Layer(ctx context.Context, index int) (LayerResult, error) {
	v.session.Lock()
	defer v.session.Unlock()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	want, valid := pyramid.LayerSize(v.base, index)

	drain(v.layers)
	v.requester.RequestLayer(index)

	for {
		select {
		case img := <-v.layers:
			result := LayerResult{Index: index}
			if img != nil {
				size := img.Bounds().Size()
				if v.baseKnown && (!valid || size != want) {
					v.logger.Debug("Ignoring stale layer notification",
						zap.Int("layer", index), zap.Int("width", size.X), zap.Int("height", size.Y))
					continue
				}
				result.Width, result.Height, result.OK = size.X, size.Y, true
			}
			return result, nil
		case <-ctx.Done():
			return LayerResult{}, errors.WithContext(
				errors.Wrap(ctx.Err(), errors.CodeTimeout, "timed out waiting for layer"), "layer", index)
		}
	}
}

// drain discards notifications left over from requests that timed out.
func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
