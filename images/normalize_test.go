package images

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func getTestImage(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}

	return img
}

func getPNGBytes(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func getJPEGBytes(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func getWebPBytes(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, webp.Encode(&buf, img, &webp.Options{Lossless: true}))
	return buf.Bytes()
}

func plane(t *testing.T, d *tensor.Dense, c int) []float32 {
	data, ok := d.Data().([]float32)
	require.True(t, ok)
	size := d.Shape()[2] * d.Shape()[3]
	return data[c*size : (c+1)*size]
}

func TestNormalize_ShapeAndChannels(t *testing.T) {
	src := getTestImage(120, 40, color.RGBA{R: 255, G: 0, B: 128, A: 255})

	out, err := Normalize(getPNGBytes(t, src), 16)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 3, 16, 16}, out.Shape())
	assert.Equal(t, tensor.Float32, out.Dtype())

	for _, v := range plane(t, out, 0) {
		assert.InDelta(t, 1.0, v, 0.01)
	}
	for _, v := range plane(t, out, 1) {
		assert.InDelta(t, 0.0, v, 0.01)
	}
	for _, v := range plane(t, out, 2) {
		assert.InDelta(t, 128.0/255.0, v, 0.01)
	}
}

func TestNormalize_Formats(t *testing.T) {
	src := getTestImage(64, 48, color.RGBA{R: 10, G: 200, B: 30, A: 255})

	tests := []struct {
		name   string
		data   []byte
		format ImageFormat
	}{
		{"png", getPNGBytes(t, src), FormatPNG},
		{"jpeg", getJPEGBytes(t, src), FormatJPEG},
		{"webp", getWebPBytes(t, src), FormatWebP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, err := DetectFormat(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)

			out, err := Normalize(tt.data, 32)
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{1, 3, 32, 32}, out.Shape())

			green := plane(t, out, 1)
			assert.InDelta(t, 200.0/255.0, green[0], 0.03)
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 50, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 50; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 8), B: uint8(x + y), A: 255})
		}
	}
	data := getPNGBytes(t, src)

	a, err := Normalize(data, 20)
	require.NoError(t, err)
	b, err := Normalize(data, 20)
	require.NoError(t, err)

	assert.Equal(t, a.Data(), b.Data())
}

func TestNormalize_Errors(t *testing.T) {
	valid := getPNGBytes(t, getTestImage(8, 8, color.RGBA{A: 255}))

	_, err := Normalize(valid, 0)
	assert.True(t, errors.Is(err, ErrInvalidDimension), "got %v", err)

	_, err = Normalize(valid, -640)
	assert.True(t, errors.Is(err, ErrInvalidDimension), "got %v", err)

	_, err = Normalize([]byte("not an image"), 640)
	assert.True(t, errors.Is(err, ErrImageDecode), "got %v", err)

	_, err = Normalize(nil, 640)
	assert.True(t, errors.Is(err, ErrImageDecode), "got %v", err)

	_, err = NormalizeImage(nil, 640)
	assert.True(t, errors.Is(err, ErrImageDecode), "got %v", err)
}

func TestNormalizeImage_DoesNotMutateSource(t *testing.T) {
	src := getTestImage(10, 10, color.RGBA{R: 1, G: 2, B: 3, A: 255}).(*image.RGBA)
	before := append([]uint8(nil), src.Pix...)

	_, err := NormalizeImage(src, 4)
	require.NoError(t, err)

	assert.Equal(t, before, src.Pix)
	assert.Equal(t, image.Rect(0, 0, 10, 10), src.Bounds())
}

func TestNormalizeImage_NonRGBASource(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 12, 12))
	for i := range src.Pix {
		src.Pix[i] = 255
	}

	out, err := NormalizeImage(src, 6)
	require.NoError(t, err)

	for c := 0; c < 3; c++ {
		for _, v := range plane(t, out, c) {
			assert.InDelta(t, 1.0, v, 0.01)
		}
	}
}
