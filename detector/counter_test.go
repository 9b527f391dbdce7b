package detector

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nvr-ai/guestcount/images"
	"github.com/nvr-ai/guestcount/models/postprocess"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorgonia.org/tensor"
)

// box is one slot of a synthetic two-class output. Class 0 is person.
type box struct {
	x, y, w, h float32
	person     float32
	other      float32
}

// fakeEngine returns the same synthetic output for every input.
type fakeEngine struct {
	boxes  []box
	shape  []int
	err    error
	calls  atomic.Int32
	closed atomic.Bool
}

func (e *fakeEngine) Run(_ context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	e.calls.Add(1)
	if !input.Shape().Eq(tensor.Shape{1, 3, 640, 640}) {
		return nil, errors.Errorf("unexpected input shape %v", input.Shape())
	}
	if e.err != nil {
		return nil, e.err
	}

	n := len(e.boxes)
	data := make([]float32, 6*n)
	for i, b := range e.boxes {
		data[i] = b.x
		data[n+i] = b.y
		data[2*n+i] = b.w
		data[3*n+i] = b.h
		data[4*n+i] = b.person
		data[5*n+i] = b.other
	}

	shape := e.shape
	if shape == nil {
		shape = []int{1, 6, n}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func pngFixture(t testing.TB) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestCounter(t *testing.T, engine *fakeEngine) *Counter {
	t.Helper()
	c, err := NewCounter(engine, DefaultConfig())
	require.NoError(t, err)
	return c
}

func TestCountGuests_OverlappingPairCountsOnce(t *testing.T) {
	// IoU of the two boxes is 0.8.
	engine := &fakeEngine{boxes: []box{
		{x: 50, y: 50, w: 100, h: 100, person: 0.9},
		{x: 50, y: 50, w: 100, h: 80, person: 0.85},
	}}
	c := newTestCounter(t, engine)

	path := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(path, pngFixture(t), 0o600))

	count, err := c.CountGuests(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int32(1), engine.calls.Load())
}

func TestCountGuests_SeparatedPairCountsTwice(t *testing.T) {
	engine := &fakeEngine{boxes: []box{
		{x: 50, y: 50, w: 100, h: 100, person: 0.9},
		{x: 140, y: 50, w: 100, h: 100, person: 0.8},
	}}
	c := newTestCounter(t, engine)

	count, err := c.CountGuestsBytes(context.Background(), pngFixture(t))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCountGuests_FiltersBeforeSuppression(t *testing.T) {
	engine := &fakeEngine{boxes: []box{
		{x: 10, y: 10, w: 50, h: 100, person: 0.32},
		{x: 200, y: 10, w: 50, h: 100, person: 0.31},
		{x: 300, y: 10, w: 50, h: 100, person: 0.4, other: 0.7},
		{x: 400, y: 10, w: 9, h: 100, person: 0.9},
		{x: 500, y: 10, w: 50, h: 19, person: 0.9},
	}}
	c := newTestCounter(t, engine)

	detections, err := c.Detect(context.Background(), pngFixture(t))
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, images.Rect{X1: 10, Y1: 10, X2: 60, Y2: 110}, detections[0].Box)
	assert.Equal(t, 0, detections[0].Class)
}

func TestCountGuests_NoDetections(t *testing.T) {
	c := newTestCounter(t, &fakeEngine{})

	count, err := c.CountGuestsBytes(context.Background(), pngFixture(t))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCountGuests_Fallback(t *testing.T) {
	c, err := NewCounter(nil, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, c.Fallback())

	ctx := context.Background()
	for _, path := range []string{"/does/not/exist.jpg", "", filepath.Join(t.TempDir(), "x.png")} {
		count, err := c.CountGuests(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	}

	count, err := c.CountGuestsBytes(ctx, []byte("not an image"))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, err = c.Detect(ctx, pngFixture(t))
	assert.True(t, errors.Is(err, ErrFallback))
	assert.NoError(t, c.Close())
}

func TestCountGuests_FallbackCountIsConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackCount = 0
	c, err := NewCounter(nil, cfg)
	require.NoError(t, err)

	count, err := c.CountGuests(context.Background(), "missing.png")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOpen_MissingModelFallsBack(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	cfg := DefaultConfig()
	cfg.Engine.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")

	c, err := Open(cfg, WithLogger(zap.New(core)))
	require.NoError(t, err)
	assert.True(t, c.Fallback())
	assert.Equal(t, 1, logs.FilterMessage("model unavailable, counting in fallback mode").Len())

	count, err := c.CountGuests(context.Background(), "anything.jpg")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TargetClass = "unicorn"

	c, err := Open(cfg)
	assert.Nil(t, c)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestCountGuests_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		c := newTestCounter(t, &fakeEngine{})
		_, err := c.CountGuests(ctx, filepath.Join(t.TempDir(), "missing.png"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrNotExist))
		assert.False(t, errors.Is(err, images.ErrImageDecode))
	})

	t.Run("undecodable image", func(t *testing.T) {
		engine := &fakeEngine{}
		c := newTestCounter(t, engine)
		_, err := c.CountGuestsBytes(ctx, []byte("definitely not a picture"))
		assert.True(t, errors.Is(err, images.ErrImageDecode))
		assert.Zero(t, engine.calls.Load())
	})

	t.Run("shape mismatch", func(t *testing.T) {
		c := newTestCounter(t, &fakeEngine{boxes: make([]box, 2), shape: []int{1, 4, 3}})
		_, err := c.CountGuestsBytes(ctx, pngFixture(t))
		assert.True(t, errors.Is(err, postprocess.ErrShapeMismatch))
	})

	t.Run("engine failure", func(t *testing.T) {
		boom := errors.New("boom")
		c := newTestCounter(t, &fakeEngine{err: boom})
		_, err := c.CountGuestsBytes(ctx, pngFixture(t))
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("cancelled context", func(t *testing.T) {
		engine := &fakeEngine{}
		c := newTestCounter(t, engine)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.CountGuestsBytes(cancelled, pngFixture(t))
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Zero(t, engine.calls.Load())
	})
}

func TestCountGuests_Concurrent(t *testing.T) {
	engine := &fakeEngine{boxes: []box{
		{x: 50, y: 50, w: 100, h: 100, person: 0.9},
		{x: 50, y: 50, w: 100, h: 80, person: 0.85},
		{x: 300, y: 300, w: 60, h: 120, person: 0.7},
	}}
	c := newTestCounter(t, engine)
	data := pngFixture(t)

	const workers = 16
	counts := make([]int, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], errs[i] = c.CountGuestsBytes(context.Background(), data)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 2, counts[i])
	}
	assert.Equal(t, int32(workers), engine.calls.Load())
}

func TestCounter_LogsDetectionsAtDebug(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	engine := &fakeEngine{boxes: []box{{x: 50, y: 50, w: 100, h: 100, person: 0.9}}}

	c, err := NewCounter(engine, DefaultConfig(), WithLogger(zap.New(core)))
	require.NoError(t, err)

	_, err = c.CountGuestsBytes(context.Background(), pngFixture(t))
	require.NoError(t, err)

	detections := logs.FilterMessage("detection").All()
	require.Len(t, detections, 1)
	assert.Equal(t, "person", detections[0].ContextMap()["class"])

	summary := logs.FilterMessage("detections").All()
	require.Len(t, summary, 1)
	fields := summary[0].ContextMap()
	assert.Contains(t, fields, "preprocess")
	assert.Contains(t, fields, "inference")
	assert.Contains(t, fields, "postprocess")
	assert.EqualValues(t, 1, fields["detections"])
	assert.Equal(t, "png", fields["format"])
}

func TestCounter_Close(t *testing.T) {
	engine := &fakeEngine{}
	c := newTestCounter(t, engine)
	require.NoError(t, c.Close())
	assert.True(t, engine.closed.Load())
}
