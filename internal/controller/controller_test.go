package controller

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pyramidview/internal/cache"
	"pyramidview/internal/executor"
	"pyramidview/internal/pyramid"
	"pyramidview/internal/raster"
)

type fakeDecoder struct {
	mu    sync.Mutex
	sizes map[string]image.Point
	calls map[string]int
}

func newFakeDecoder(sizes map[string]image.Point) *fakeDecoder {
	return &fakeDecoder{sizes: sizes, calls: make(map[string]int)}
}

func (d *fakeDecoder) Decode(path string) (image.Image, error) {
	d.mu.Lock()
	d.calls[path]++
	size, ok := d.sizes[path]
	d.mu.Unlock()

	if !ok {
		return nil, errors.New(errors.CodeNotFound, "no such file")
	}
	return image.NewNRGBA(image.Rect(0, 0, size.X, size.Y)), nil
}

func (d *fakeDecoder) Calls(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[path]
}

type countingScaler struct {
	mu    sync.Mutex
	inner Scaler
	calls int
	err   error
}

func (s *countingScaler) Scale(base image.Image, layer int) (image.Image, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return s.inner.Scale(base, layer)
}

func (s *countingScaler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// manualExecutor holds tasks until the test runs them.
type manualExecutor struct {
	tasks []func()
}

func (m *manualExecutor) Submit(task func()) {
	m.tasks = append(m.tasks, task)
}

func (m *manualExecutor) runAll() {
	tasks := m.tasks
	m.tasks = nil
	for _, task := range tasks {
		task()
	}
}

type event struct {
	kind       string
	path       string
	img        image.Image
	layerCount int
}

type recorder struct {
	events []event
}

func (r *recorder) ImageLoaded(path string, img image.Image, layerCount int) {
	r.events = append(r.events, event{kind: "loaded", path: path, img: img, layerCount: layerCount})
}

func (r *recorder) LayerChanged(img image.Image) {
	r.events = append(r.events, event{kind: "layer", img: img})
}

func (r *recorder) take() []event {
	events := r.events
	r.events = nil
	return events
}

type harness struct {
	ctrl     *Controller
	store    cache.Store
	exec     *executor.Counting
	decoder  *fakeDecoder
	scaler   *countingScaler
	listener *recorder
}

func newHarness(t *testing.T, inner executor.Executor) *harness {
	t.Helper()

	h := &harness{
		store: cache.NewUnboundedStore(),
		exec:  executor.NewCounting(inner),
		decoder: newFakeDecoder(map[string]image.Point{
			"photo.png": image.Pt(640, 480),
			"scan.jpg":  image.Pt(300, 200),
			"tiny.png":  image.Pt(1, 1),
		}),
		scaler:   &countingScaler{inner: raster.NewScaler(raster.FilterBox)},
		listener: &recorder{},
	}
	h.ctrl = New(h.store, h.exec, h.decoder, h.scaler, h.listener, zap.NewNop())
	return h
}

// drain runs everything queued on the control loop.
func (h *harness) drain() {
	h.ctrl.loop.drain()
}

func TestRequestLoad_EmptyPath(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	h.ctrl.RequestLoad("")
	assert.Empty(t, h.listener.events, "requests only enqueue")

	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	assert.Equal(t, event{kind: "loaded", path: "", img: nil, layerCount: -1}, events[0])
	assert.Equal(t, 0, h.exec.Submitted())
}

func TestRequestLoad_DecodesThenCaches(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	h.ctrl.RequestLoad("photo.png")
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	assert.Equal(t, "loaded", events[0].kind)
	assert.Equal(t, "photo.png", events[0].path)
	assert.Equal(t, 8, events[0].layerCount)
	require.NotNil(t, events[0].img)
	assert.Equal(t, image.Pt(640, 480), events[0].img.Bounds().Size())
	assert.Equal(t, 1, h.exec.Submitted())
	mustGet(t, h.store, "photo.png")

	h.ctrl.RequestLoad("photo.png")
	h.drain()

	again := h.listener.take()
	require.Len(t, again, 1)
	assert.Equal(t, 8, again[0].layerCount)
	assert.Same(t, events[0].img, again[0].img)
	assert.Equal(t, 1, h.exec.Submitted(), "cache hit schedules no work")
	assert.Equal(t, 1, h.decoder.Calls("photo.png"))
}

func TestRequestLoad_DecodesEachPathAtMostOnce(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	for i := 0; i < 5; i++ {
		h.ctrl.RequestLoad("photo.png")
		h.ctrl.RequestLoad("scan.jpg")
	}
	h.drain()

	// Repeats arriving while the decode is in flight are coalesced into it.
	assert.Equal(t, 1, h.decoder.Calls("photo.png"))
	assert.Equal(t, 1, h.decoder.Calls("scan.jpg"))
	assert.Len(t, h.listener.take(), 2)

	h.ctrl.RequestLoad("photo.png")
	h.ctrl.RequestLoad("scan.jpg")
	h.drain()

	assert.Equal(t, 1, h.decoder.Calls("photo.png"))
	assert.Equal(t, 1, h.decoder.Calls("scan.jpg"))
	assert.Len(t, h.listener.take(), 2)
	assert.Equal(t, 2, h.exec.Submitted())
}

func TestRequestLoad_MissingFile(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	h.ctrl.RequestLoad("missing.png")
	assert.Empty(t, h.listener.events)

	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	assert.Equal(t, event{kind: "loaded", path: "missing.png", img: nil, layerCount: -1}, events[0])
	assert.Equal(t, 0, h.store.Len())
	assert.Nil(t, h.ctrl.current)

	// Failures are not cached, so a retry decodes again.
	h.ctrl.RequestLoad("missing.png")
	h.drain()
	assert.Equal(t, 2, h.decoder.Calls("missing.png"))
}

func TestRequestLoad_EmptyPathClearsSelection(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	h.ctrl.RequestLoad("")
	h.ctrl.RequestLayer(1)
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 3)
	assert.Equal(t, event{kind: "loaded", path: "", img: nil, layerCount: -1}, events[1])
	assert.Equal(t, "layer", events[2].kind)
	assert.Nil(t, events[2].img)
	assert.Equal(t, 1, h.exec.Submitted())
}

func TestRequestLayer_ScalesOnceThenCaches(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	h.listener.take()

	h.ctrl.RequestLayer(3)
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].img)
	assert.Equal(t, image.Pt(80, 60), events[0].img.Bounds().Size())
	assert.Equal(t, 1, h.scaler.Calls())

	h.ctrl.RequestLayer(3)
	h.drain()

	again := h.listener.take()
	require.Len(t, again, 1)
	assert.Same(t, events[0].img, again[0].img)
	assert.Equal(t, 1, h.scaler.Calls(), "cached layer is not rescaled")
}

func TestRequestLayer_BaseLayerIsCached(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	loaded := h.listener.take()

	h.ctrl.RequestLayer(0)
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	assert.Same(t, loaded[0].img, events[0].img)
	assert.Equal(t, 0, h.scaler.Calls())
}

func TestRequestLayer_Invalid(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	t.Run("no current image", func(t *testing.T) {
		h.ctrl.RequestLayer(0)
		h.drain()

		events := h.listener.take()
		require.Len(t, events, 1)
		assert.Equal(t, event{kind: "layer"}, events[0])
	})

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	h.listener.take()
	submitted := h.exec.Submitted()

	for _, index := range []int{99, 9, -1} {
		h.ctrl.RequestLayer(index)
		h.drain()

		events := h.listener.take()
		require.Len(t, events, 1, "layer %d", index)
		assert.Nil(t, events[0].img, "layer %d", index)
	}

	assert.Equal(t, submitted, h.exec.Submitted(), "invalid layers schedule no work")
	assert.Equal(t, 0, h.scaler.Calls())
}

func TestRequestLayer_LastLayer(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	h.ctrl.RequestLayer(8)
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 2)
	require.NotNil(t, events[1].img)
	assert.Equal(t, image.Pt(2, 1), events[1].img.Bounds().Size())
}

func TestRequestLayer_WhileDecodeInFlight(t *testing.T) {
	exec := &manualExecutor{}
	h := newHarness(t, exec)

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	h.ctrl.RequestLoad("scan.jpg")
	h.ctrl.RequestLayer(1)
	h.drain()

	// scan.jpg is not decoded yet and photo.png was deselected.
	events := h.listener.take()
	require.Len(t, events, 1)
	assert.Equal(t, event{kind: "layer"}, events[0])
}

func TestRequestLayer_ServicedAgainstIssuingPyramid(t *testing.T) {
	exec := &manualExecutor{}
	h := newHarness(t, exec)

	h.ctrl.RequestLoad("photo.png")
	h.ctrl.RequestLoad("scan.jpg")
	h.drain()
	exec.runAll()
	h.drain()

	h.ctrl.RequestLoad("photo.png")
	h.ctrl.RequestLayer(2)
	h.ctrl.RequestLoad("scan.jpg")
	h.drain()
	h.listener.take()

	exec.runAll()
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].img)
	assert.Equal(t, image.Pt(160, 120), events[0].img.Bounds().Size())

	photo, _ := h.store.Get("photo.png")
	scan, _ := h.store.Get("scan.jpg")
	assert.Equal(t, []int{0, 2}, photo.CachedLayers())
	assert.Equal(t, []int{0}, scan.CachedLayers())
	assert.Same(t, scan, h.ctrl.current)
}

func TestRequestLayer_CoalescesInFlightScale(t *testing.T) {
	exec := &manualExecutor{}
	h := newHarness(t, exec)

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	exec.runAll()
	h.drain()
	h.listener.take()

	h.ctrl.RequestLayer(4)
	h.ctrl.RequestLayer(4)
	h.drain()
	assert.Len(t, exec.tasks, 1)

	exec.runAll()
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	assert.Equal(t, image.Pt(40, 30), events[0].img.Bounds().Size())
	assert.Equal(t, 1, h.scaler.Calls())
}

func TestRequestLoad_CoalescesInFlightDecode(t *testing.T) {
	exec := &manualExecutor{}
	h := newHarness(t, exec)

	h.ctrl.RequestLoad("photo.png")
	h.ctrl.RequestLoad("photo.png")
	h.drain()
	assert.Len(t, exec.tasks, 1)

	exec.runAll()
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	assert.Equal(t, 8, events[0].layerCount)
	assert.Equal(t, 1, h.decoder.Calls("photo.png"))
	assert.Same(t, h.ctrl.current, mustGet(t, h.store, "photo.png"))
}

func TestRequestLoad_SupersededDecodeIsCachedButNotSelected(t *testing.T) {
	exec := &manualExecutor{}
	h := newHarness(t, exec)

	h.ctrl.RequestLoad("scan.jpg")
	h.drain()
	exec.runAll()
	h.drain()

	h.ctrl.RequestLoad("photo.png")
	h.ctrl.RequestLoad("scan.jpg")
	h.drain()
	h.listener.take()

	exec.runAll()
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 1)
	assert.Equal(t, "photo.png", events[0].path)
	mustGet(t, h.store, "photo.png")
	assert.Same(t, mustGet(t, h.store, "scan.jpg"), h.ctrl.current)
}

func TestRequestLayer_ScaleFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := newHarness(t, executor.Inline{})
	h.ctrl.logger = zap.New(core)
	h.scaler.err = errors.New(errors.CodeInternal, "resampler exploded")

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	h.ctrl.RequestLayer(2)
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 2)
	assert.Equal(t, event{kind: "layer"}, events[1])
	assert.Equal(t, []int{0}, mustGet(t, h.store, "photo.png").CachedLayers())
	assert.Equal(t, 1, logs.FilterMessage("Unexpected scale failure").Len())
}

func TestRequestLayer_ScaledSizeMismatchIsAFailure(t *testing.T) {
	h := newHarness(t, executor.Inline{})
	h.scaler.inner = wrongSizeScaler{}

	h.ctrl.RequestLoad("photo.png")
	h.drain()
	h.ctrl.RequestLayer(1)
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 2)
	assert.Nil(t, events[1].img)
}

type wrongSizeScaler struct{}

func (wrongSizeScaler) Scale(image.Image, int) (image.Image, error) {
	return image.NewNRGBA(image.Rect(0, 0, 3, 3)), nil
}

func TestRequestLoad_SinglePixelImage(t *testing.T) {
	h := newHarness(t, executor.Inline{})

	h.ctrl.RequestLoad("tiny.png")
	h.drain()
	h.ctrl.RequestLayer(0)
	h.ctrl.RequestLayer(1)
	h.drain()

	events := h.listener.take()
	require.Len(t, events, 3)
	assert.Equal(t, 0, events[0].layerCount)
	assert.NotNil(t, events[1].img)
	assert.Nil(t, events[2].img)
}

func mustGet(t *testing.T, store cache.Store, path string) *pyramid.Pyramid {
	t.Helper()
	p, ok := store.Get(path)
	require.True(t, ok, path)
	return p
}

type loadedEvent struct {
	path       string
	size       image.Point
	layerCount int
}

type chanListener struct {
	loaded chan loadedEvent
	layers chan image.Image
}

func newChanListener() *chanListener {
	return &chanListener{
		loaded: make(chan loadedEvent, 64),
		layers: make(chan image.Image, 64),
	}
}

func (l *chanListener) ImageLoaded(path string, img image.Image, layerCount int) {
	ev := loadedEvent{path: path, layerCount: layerCount}
	if img != nil {
		ev.size = img.Bounds().Size()
	}
	l.loaded <- ev
}

func (l *chanListener) LayerChanged(img image.Image) {
	l.layers <- img
}

func TestController_RunWithPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := executor.NewPool(4, zap.NewNop())
	decoder := newFakeDecoder(map[string]image.Point{"photo.png": image.Pt(640, 480)})
	scaler := &countingScaler{inner: raster.NewScaler(raster.FilterLinear)}
	listener := newChanListener()
	ctrl := New(cache.NewUnboundedStore(), pool, decoder, scaler, listener, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	ctrl.RequestLoad("photo.png")
	select {
	case ev := <-listener.loaded:
		assert.Equal(t, loadedEvent{path: "photo.png", size: image.Pt(640, 480), layerCount: 8}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no ImageLoaded notification")
	}

	var wg sync.WaitGroup
	for layer := 1; layer <= 8; layer++ {
		wg.Add(1)
		go func(layer int) {
			defer wg.Done()
			ctrl.RequestLayer(layer)
		}(layer)
	}
	wg.Wait()

	sizes := make(map[image.Point]bool)
	for i := 0; i < 8; i++ {
		select {
		case img := <-listener.layers:
			require.NotNil(t, img)
			sizes[img.Bounds().Size()] = true
		case <-time.After(5 * time.Second):
			t.Fatal("missing LayerChanged notification")
		}
	}
	assert.Len(t, sizes, 8)
	assert.True(t, sizes[image.Pt(80, 60)])

	images, err := ctrl.Images(ctx)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, ImageSummary{
		Path:         "photo.png",
		Width:        640,
		Height:       480,
		LayerCount:   8,
		CachedLayers: []int{0, 1, 2, 3, 4, 5, 6, 7, 8},
		Current:      true,
	}, images[0])

	current, err := ctrl.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentState{Path: "photo.png", LayerCount: 8}, current)

	cancel()
	pool.Wait()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestController_CurrentWithoutSelection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := New(cache.NewUnboundedStore(), executor.Inline{}, newFakeDecoder(nil), &countingScaler{}, nil, zap.NewNop())
	go ctrl.Run(ctx)

	current, err := ctrl.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentState{LayerCount: -1}, current)
}

func TestController_CallHonorsContext(t *testing.T) {
	ctrl := New(cache.NewUnboundedStore(), executor.Inline{}, newFakeDecoder(nil), &countingScaler{}, nil, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Nothing runs the loop, so the query can only time out.
	_, err := ctrl.Images(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
