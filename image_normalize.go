package livephoto

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder.
	"image/jpeg"
	_ "image/png" // Register PNG decoder.

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"  // Register BMP decoder.
	_ "golang.org/x/image/tiff" // Register TIFF decoder.
	_ "golang.org/x/image/webp" // Register WebP decoder.
)

// normalizeStill returns JPEG bytes for an input image of any registered format.
// JPEG input is passed through untouched unless it exceeds maxDim; APP segments of
// a re-encoded JPEG are carried over.
func normalizeStill(data []byte, quality int, maxDim uint) ([]byte, error) {
	if isJPEG(data) && maxDim == 0 {
		if _, _, err := headerSegments(data); err != nil {
			return nil, err
		}
		return data, nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("invalid image dimensions")
	}

	resized := false
	if maxDim > 0 && (uint(b.Dx()) > maxDim || uint(b.Dy()) > maxDim) {
		img = resize.Thumbnail(maxDim, maxDim, img, resize.Lanczos3)
		resized = true
	}
	if format == "jpeg" && !resized {
		return data, nil
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	if format != "jpeg" {
		return out.Bytes(), nil
	}
	return carryAppSegments(out.Bytes(), data)
}

// carryAppSegments copies the APP1..APP15 and COM segments of src into dst after SOI.
func carryAppSegments(dst, src []byte) ([]byte, error) {
	segs, _, err := headerSegments(src)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Grow(len(dst) + len(src)/8)
	out.Write(dst[:2])
	for _, s := range segs {
		if s.marker > markerAPP0 && s.marker <= 0xEF || s.marker == 0xFE {
			out.Write(src[s.start:s.end])
		}
	}
	out.Write(dst[2:])
	return out.Bytes(), nil
}
