package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxDimension = 2048
	jpegQuality         = 90
)

var ErrUnsupportedFormat = errors.New("unsupported_image_format")

type Result struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	Resized  bool
}

type Options struct {
	MaxDimension int
}

// Normalize decodes a room photo, applies EXIF orientation, fits it within
// the max dimension and re-encodes it. WebP input comes back as PNG since
// there is no WebP encoder.
func Normalize(data []byte, mimeType string, opts Options) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrUnsupportedFormat
	}
	maxDim := opts.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	bounds := src.Bounds()
	out := image.Image(src)
	resized := false
	if bounds.Dx() > maxDim || bounds.Dy() > maxDim {
		out = imaging.Fit(src, maxDim, maxDim, imaging.Lanczos)
		resized = true
	}

	var (
		buf    bytes.Buffer
		target string
	)
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg", "image/jpg":
		target = "image/jpeg"
		err = jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality})
	default:
		target = "image/png"
		err = png.Encode(&buf, out)
	}
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", target, err)
	}

	b := out.Bounds()
	return Result{
		Data:     buf.Bytes(),
		MimeType: target,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Resized:  resized,
	}, nil
}
