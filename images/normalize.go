package images

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Normalize decodes an encoded raster and converts it into a model input tensor.
//
// The image is stretched (not letterboxed) to targetSize x targetSize and written as a
// [1, 3, targetSize, targetSize] float32 tensor whose channels 0/1/2 hold R/G/B scaled
// to [0, 1].
//
// Arguments:
//   - data: The encoded image in any registered raster format.
//   - targetSize: The square edge expected by the model, e.g. 640.
//
// Returns:
//   - *tensor.Dense: The CHW input tensor.
//   - error: ErrInvalidDimension for a non-positive size, ErrImageDecode for bad bytes.
func Normalize(data []byte, targetSize int) (*tensor.Dense, error) {
	if targetSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidDimension, "target size %d", targetSize)
	}

	img, err := Decode(data)
	if err != nil {
		return nil, err
	}

	return NormalizeImage(img, targetSize)
}

// NormalizeImage converts an already decoded image into a model input tensor.
//
// Arguments:
//   - img: The source image. It is not modified.
//   - targetSize: The square edge expected by the model.
//
// Returns:
//   - *tensor.Dense: The CHW input tensor.
//   - error: ErrInvalidDimension for a non-positive size.
func NormalizeImage(img image.Image, targetSize int) (*tensor.Dense, error) {
	if targetSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidDimension, "target size %d", targetSize)
	}
	if img == nil {
		return nil, errors.Wrap(ErrImageDecode, "nil image")
	}

	resized := resize.Resize(uint(targetSize), uint(targetSize), img, resize.Lanczos3)

	channelSize := targetSize * targetSize
	data := make([]float32, channelSize*3)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	bounds := resized.Bounds()
	if rgba, ok := resized.(*image.RGBA); ok {
		i := 0
		for y := 0; y < targetSize; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+targetSize*4]
			for x := 0; x < targetSize; x++ {
				red[i] = float32(row[x*4]) / 255.0
				green[i] = float32(row[x*4+1]) / 255.0
				blue[i] = float32(row[x*4+2]) / 255.0
				i++
			}
		}
	} else {
		i := 0
		for y := bounds.Min.Y; y < bounds.Min.Y+targetSize; y++ {
			for x := bounds.Min.X; x < bounds.Min.X+targetSize; x++ {
				r, g, b, _ := resized.At(x, y).RGBA()
				red[i] = float32(r>>8) / 255.0
				green[i] = float32(g>>8) / 255.0
				blue[i] = float32(b>>8) / 255.0
				i++
			}
		}
	}

	return tensor.New(
		tensor.WithShape(1, 3, targetSize, targetSize),
		tensor.WithBacking(data),
	), nil
}
