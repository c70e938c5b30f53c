package livephoto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vearutop/livephoto/internal/fsx"
	"github.com/vearutop/livephoto/internal/mov"
)

// EmbedOptions controls how a still image is prepared.
type EmbedOptions struct {
	// Quality is used when the image has to be re-encoded as JPEG.
	Quality int
	// MaxDimension downscales larger images to fit, 0 keeps the size.
	MaxDimension uint
}

// EmbedIdentifier writes srcPath to dstPath as a JPEG whose Apple MakerNote carries id.
// Existing EXIF directories, other MakerNote entries and APP segments are preserved.
func EmbedIdentifier(id AssetIdentifier, srcPath, dstPath string, opts ...func(o *EmbedOptions)) (string, error) {
	const stage = "embed identifier"

	opt := EmbedOptions{Quality: defaultJPEGQuality, MaxDimension: defaultMaxDimension}
	for _, applyOpt := range opts {
		applyOpt(&opt)
	}

	if id == "" {
		return "", newError(ErrWriteFailed, stage, dstPath, errors.New("empty identifier"))
	}

	data, err := os.ReadFile(filepath.Clean(srcPath))
	if err != nil {
		return "", newError(ErrUnreadableSource, stage, srcPath, err)
	}
	out, err := embedIdentifier(id, data, opt)
	if err != nil {
		return "", newError(ErrUnreadableSource, stage, srcPath, err)
	}
	if err := fsx.WriteFileAtomic(dstPath, out); err != nil {
		return "", newError(ErrWriteFailed, stage, dstPath, err)
	}
	return dstPath, nil
}

func embedIdentifier(id AssetIdentifier, data []byte, opt EmbedOptions) ([]byte, error) {
	jpegData, err := normalizeStill(data, opt.Quality, opt.MaxDimension)
	if err != nil {
		return nil, err
	}
	segs, _, err := headerSegments(jpegData)
	if err != nil {
		return nil, err
	}

	ex := newExifData()
	if raw := findExif(segs); raw != nil {
		if ex, err = parseExif(raw); err != nil {
			return nil, fmt.Errorf("parse exif: %w", err)
		}
	}

	sub := ex.exifIFD()
	note := &ifd{}
	if cur := sub.get(tagMakerNote); cur != nil && isAppleMakerNote(cur.value) {
		if parsed, err := parseAppleMakerNote(cur.value); err == nil {
			note = parsed
		}
	}
	note.set(asciiEntry(appleTagContentIdentifier, string(id)))
	mn := encodeAppleMakerNote(note)
	sub.set(tiffEntry{tag: tagMakerNote, typ: tiffUndefined, count: uint32(len(mn)), value: mn})

	exif, err := ex.encode()
	if err != nil {
		return nil, err
	}
	return replaceExif(jpegData, exif)
}

// ReadImageIdentifier returns the content identifier embedded in a JPEG still.
func ReadImageIdentifier(path string) (AssetIdentifier, error) {
	const stage = "read image identifier"

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", newError(ErrUnreadableSource, stage, path, err)
	}
	id, err := imageIdentifier(data)
	if err != nil {
		return "", newError(ErrUnreadableSource, stage, path, err)
	}
	return id, nil
}

// ErrNoIdentifier is the cause reported when a readable file carries no content identifier.
var ErrNoIdentifier = errors.New("content identifier not found")

func imageIdentifier(data []byte) (AssetIdentifier, error) {
	segs, _, err := headerSegments(data)
	if err != nil {
		return "", err
	}
	raw := findExif(segs)
	if raw == nil {
		return "", ErrNoIdentifier
	}
	return exifIdentifier(raw)
}

func exifIdentifier(raw []byte) (AssetIdentifier, error) {
	ex, err := parseExif(raw)
	if err != nil {
		return "", err
	}
	p := ex.ifd0.get(tagExifIFD)
	if p == nil || p.sub == nil {
		return "", ErrNoIdentifier
	}
	mn := p.sub.get(tagMakerNote)
	if mn == nil {
		return "", ErrNoIdentifier
	}
	id, ok := makerNoteIdentifier(mn.value)
	if !ok {
		return "", ErrNoIdentifier
	}
	return id, nil
}

// ReadVideoIdentifier returns the content identifier stored in the movie-level metadata.
func ReadVideoIdentifier(path string) (AssetIdentifier, error) {
	const stage = "read video identifier"

	m, err := mov.OpenFile(path)
	if err != nil {
		return "", newError(ErrUnreadableSource, stage, path, err)
	}
	it, ok := mov.FindItem(m.Metadata, mov.KeyContentIdentifier)
	if !ok {
		return "", newError(ErrUnreadableSource, stage, path, ErrNoIdentifier)
	}
	s, ok := it.StringValue()
	if !ok || s == "" {
		return "", newError(ErrUnreadableSource, stage, path, ErrNoIdentifier)
	}
	return AssetIdentifier(s), nil
}
