package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
)

// Channels is fixed: the classifier consumes RGB input.
const Channels = 3

var (
	// ErrUnsupportedFormat reports a payload that is not a JPEG or PNG image.
	ErrUnsupportedFormat = errors.New("imaging: unsupported image format")
	// ErrUndecodable reports a payload that claims to be an image but cannot
	// be decoded.
	ErrUndecodable = errors.New("imaging: undecodable image")
)

// SupportedTypes lists the accepted upload MIME types.
var SupportedTypes = []string{"image/jpeg", "image/png"}

// Sniff returns the detected MIME type and whether it is supported.
func Sniff(data []byte) (string, bool) {
	mtype := mimetype.Detect(data)
	for _, supported := range SupportedTypes {
		if mtype.Is(supported) {
			return supported, true
		}
	}
	return mtype.String(), false
}

// Decode sniffs and decodes an uploaded image. The content type is detected
// from the bytes, never trusted from headers.
func Decode(data []byte) (image.Image, error) {
	detected, ok := Sniff(data)
	if !ok {
		return nil, fmt.Errorf("%w: detected %s", ErrUnsupportedFormat, detected)
	}

	var (
		img image.Image
		err error
	)
	switch detected {
	case "image/jpeg":
		img, err = jpeg.Decode(bytes.NewReader(data))
	case "image/png":
		img, err = png.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img, nil
}

// Preprocess resizes the image to size x size and flattens it into a
// normalized NHWC float tensor with batch dimension 1, the layout the model
// was trained on. Pixel values land in [0,1]. Alpha is discarded without
// compositing (non-premultiplied channels are read directly), which is how
// the training pipeline converted images to RGB; it also covers grayscale and
// paletted inputs.
func Preprocess(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	out := make([]float32, size*size*Channels)
	bounds := resized.Bounds()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			idx := (y*size + x) * Channels
			out[idx] = float32(c.R) / 255.0
			out[idx+1] = float32(c.G) / 255.0
			out[idx+2] = float32(c.B) / 255.0
		}
	}
	return out
}

// PreviewPNG renders the resized image the model actually sees, for the
// "processed image" panel of the page.
func PreviewPNG(img image.Image, size int) ([]byte, error) {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
