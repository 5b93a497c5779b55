package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode marks an upload that could not be read as an image.
var ErrDecode = errors.New("could not read image")

// MaxPixels bounds the canvas an upload may declare before it is decoded.
const MaxPixels = 1 << 26

// Channels is the channel count the feature extractor expects.
const Channels = 3

// Layout is the memory order of the extractor input tensor.
type Layout string

const (
	NHWC Layout = "NHWC"
	NCHW Layout = "NCHW"
)

func (l Layout) Valid() bool {
	return l == NHWC || l == NCHW
}

// Decode reads any registered image format and flattens it to a single
// grayscale channel.
func Decode(data []byte) (*image.Gray, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	if gray, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return gray, nil
	}

	return flatten(img), nil
}

// flatten converts img to gray from its straight (un-premultiplied) RGB
// values, so alpha is dropped rather than blended towards black.
func flatten(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.Paletted:
	default:
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
		return gray
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := straight(img.At(x, y))
			lum := (19595*uint32(c.R) + 38470*uint32(c.G) + 7471*uint32(c.B) + 1<<15) >> 24
			gray.Pix[(y-b.Min.Y)*gray.Stride+(x-b.Min.X)] = uint8(lum)
		}
	}
	return gray
}

func straight(c color.Color) color.NRGBA64 {
	switch c := c.(type) {
	case color.NRGBA:
		return color.NRGBA64{R: uint16(c.R) * 0x101, G: uint16(c.G) * 0x101, B: uint16(c.B) * 0x101, A: uint16(c.A) * 0x101}
	case color.NRGBA64:
		return c
	}
	return color.NRGBA64Model.Convert(c).(color.NRGBA64)
}

// Preprocess resizes img to size×size, replicates the gray channel into
// three identical channels and scales intensities into [0,1]. The result
// is a batch of one laid out according to layout.
func Preprocess(img *image.Gray, size int, layout Layout) []float32 {
	resized := img
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		resized = toGray(resize.Resize(uint(size), uint(size), img, resize.Bilinear))
	}

	plane := size * size
	out := make([]float32, Channels*plane)
	origin := resized.Bounds().Min

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := float32(resized.GrayAt(origin.X+x, origin.Y+y).Y) / 255.0

			pixel := y*size + x
			for c := 0; c < Channels; c++ {
				if layout == NCHW {
					out[c*plane+pixel] = v
				} else {
					out[pixel*Channels+c] = v
				}
			}
		}
	}

	return out
}

// EncodeJPEG re-encodes img for display in API responses.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}
