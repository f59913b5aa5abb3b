// Package controller serves load and layer requests against the pyramid
// store, scheduling decode and scale work on an executor when the store
// misses.
//
// All controller state, the store included, is owned by a single control
// loop (Run). Public request methods only enqueue onto that loop, and
// workers hand their results back through the same queue, so nothing the
// loop owns needs a lock.
package controller

import (
	"context"
	"image"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pyramidview/internal/cache"
	"pyramidview/internal/executor"
	"pyramidview/internal/pyramid"
)

// Listener receives request outcomes. Methods are called on the control
// loop, one at a time, and must not block. A nil image is the empty
// sentinel for a failed or invalid request. Images must not be modified.
type Listener interface {
	ImageLoaded(path string, img image.Image, layerCount int)
	LayerChanged(img image.Image)
}

type Decoder interface {
	Decode(path string) (image.Image, error)
}

type Scaler interface {
	Scale(base image.Image, layer int) (image.Image, error)
}

// ImageSummary describes one cached pyramid.
type ImageSummary struct {
	Path         string `json:"path"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	LayerCount   int    `json:"layerCount"`
	CachedLayers []int  `json:"cachedLayers"`
	Current      bool   `json:"current"`
}

// CurrentState is the selection used to resolve layer requests.
type CurrentState struct {
	Path       string `json:"path"`
	LayerCount int    `json:"layerCount"`
}

type scaleKey struct {
	pyramid *pyramid.Pyramid
	layer   int
}

type Controller struct {
	store    cache.Store
	executor executor.Executor
	decoder  Decoder
	scaler   Scaler
	listener Listener
	logger   *zap.Logger

	loop *loop

	// Owned by the control loop.
	current    *pyramid.Pyramid
	latestLoad string
	decoding   map[string]struct{}
	scaling    map[scaleKey]struct{}
}

func New(store cache.Store, exec executor.Executor, decoder Decoder, scaler Scaler, listener Listener, logger *zap.Logger) *Controller {
	if listener == nil {
		listener = nopListener{}
	}

	return &Controller{
		store:    store,
		executor: exec,
		decoder:  decoder,
		scaler:   scaler,
		listener: listener,
		logger:   logger,
		loop:     newLoop(),
		decoding: make(map[string]struct{}),
		scaling:  make(map[scaleKey]struct{}),
	}
}

// Run executes the control loop until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	return c.loop.run(ctx)
}

// RequestLoad selects the image at path, decoding it in the background on
// a cache miss. The outcome arrives as Listener.ImageLoaded. An empty path
// clears the selection.
func (c *Controller) RequestLoad(path string) {
	c.loop.post(func() { c.load(path) })
}

// RequestLayer asks for a layer of the current image. The outcome arrives
// as Listener.LayerChanged.
func (c *Controller) RequestLayer(index int) {
	c.loop.post(func() { c.changeLayer(index) })
}

// Images lists the cached pyramids, most recently used first.
func (c *Controller) Images(ctx context.Context) ([]ImageSummary, error) {
	var summaries []ImageSummary
	err := c.call(ctx, func() {
		all := c.store.All()
		summaries = make([]ImageSummary, 0, len(all))
		for _, p := range all {
			size := p.Size()
			summaries = append(summaries, ImageSummary{
				Path:         p.Path(),
				Width:        size.X,
				Height:       size.Y,
				LayerCount:   p.LayerCount(),
				CachedLayers: p.CachedLayers(),
				Current:      p == c.current,
			})
		}
	})
	return summaries, err
}

func (c *Controller) Current(ctx context.Context) (CurrentState, error) {
	state := CurrentState{LayerCount: -1}
	err := c.call(ctx, func() {
		if c.current != nil {
			state = CurrentState{Path: c.current.Path(), LayerCount: c.current.LayerCount()}
		}
	})
	return state, err
}

// call runs fn on the control loop and waits for it.
func (c *Controller) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	c.loop.post(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) load(path string) {
	if path == "" {
		c.current = nil
		c.latestLoad = ""
		c.listener.ImageLoaded("", nil, -1)
		return
	}

	log := c.logger.With(zap.String("request_id", uuid.NewString()), zap.String("path", path))

	if p, ok := c.store.Get(path); ok {
		log.Debug("Image cache hit", zap.Int("layer_count", p.LayerCount()))
		c.current = p
		c.latestLoad = ""
		c.listener.ImageLoaded(path, p.Base(), p.LayerCount())
		return
	}

	// A result for a superseded path must not become current.
	c.current = nil
	c.latestLoad = path

	if _, busy := c.decoding[path]; busy {
		log.Debug("Decode already in flight")
		return
	}
	c.decoding[path] = struct{}{}

	log.Debug("Scheduling decode")
	c.executor.Submit(func() {
		p, err := c.decode(path)
		c.loop.post(func() { c.loaded(log, path, p, err) })
	})
}

// decode runs on a worker.
func (c *Controller) decode(path string) (*pyramid.Pyramid, error) {
	img, err := c.decoder.Decode(path)
	if err != nil {
		return nil, err
	}
	return pyramid.New(path, img)
}

func (c *Controller) loaded(log *zap.Logger, path string, p *pyramid.Pyramid, err error) {
	delete(c.decoding, path)

	if err != nil {
		log.Warn("Failed to decode image", zap.Error(err))
		c.listener.ImageLoaded(path, nil, -1)
		return
	}

	c.store.Put(p)
	if c.latestLoad == path {
		c.current = p
		c.latestLoad = ""
	} else {
		log.Debug("Decoded image was superseded, cached without selecting")
	}

	log.Debug("Image decoded",
		zap.Int("layer_count", p.LayerCount()),
		zap.Int("cached_images", c.store.Len()),
	)
	c.listener.ImageLoaded(path, p.Base(), p.LayerCount())
}

func (c *Controller) changeLayer(index int) {
	p := c.current
	if p == nil || index < 0 || index > p.LayerCount() {
		c.logger.Debug("Invalid layer request", zap.Int("layer", index), zap.Bool("has_current", p != nil))
		c.listener.LayerChanged(nil)
		return
	}

	if img, ok := p.Layer(index); ok {
		c.listener.LayerChanged(img)
		return
	}

	log := c.logger.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("path", p.Path()),
		zap.Int("layer", index),
	)

	key := scaleKey{pyramid: p, layer: index}
	if _, busy := c.scaling[key]; busy {
		log.Debug("Scale already in flight")
		return
	}
	c.scaling[key] = struct{}{}

	// The pyramid pointer is the handle for this request: the result lands in
	// the pyramid the request was issued for, whatever is current by then.
	// The base image is never written after insertion, so the worker may
	// read it while the loop keeps going.
	base := p.Base()
	log.Debug("Scheduling scale")
	c.executor.Submit(func() {
		img, err := c.scaler.Scale(base, index)
		c.loop.post(func() { c.scaled(log, key, img, err) })
	})
}

func (c *Controller) scaled(log *zap.Logger, key scaleKey, img image.Image, err error) {
	delete(c.scaling, key)

	if err == nil {
		err = key.pyramid.SetLayer(key.layer, img)
	}
	if err != nil {
		log.Error("Unexpected scale failure", zap.Error(err))
		c.listener.LayerChanged(nil)
		return
	}

	log.Debug("Layer scaled")
	c.listener.LayerChanged(img)
}

type nopListener struct{}

func (nopListener) ImageLoaded(string, image.Image, int) {}
func (nopListener) LayerChanged(image.Image)             {}
