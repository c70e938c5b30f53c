package livephoto

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	reMicroVideoOffset = regexp.MustCompile(`GCamera:MicroVideoOffset="([0-9]+)"`)
	reContainerItem    = regexp.MustCompile(`<Container:Item\b[^>]*>`)
	reItemSemantic     = regexp.MustCompile(`Item:Semantic="([^"]+)"`)
	reItemLength       = regexp.MustCompile(`Item:Length="([0-9]+)"`)
)

var errNoMotionVideo = errors.New("no embedded motion video")

// splitMotionPhoto returns the offset at which the embedded movie of a motion photo starts.
func splitMotionPhoto(data []byte) (int, error) {
	if !isJPEG(data) {
		return 0, errors.New("not a JPEG")
	}

	if segs, _, err := headerSegments(data); err == nil {
		if x := findXMP(segs); x != nil {
			if n, ok := xmpVideoLength(string(x[len(xmpPrefix):])); ok && n > 0 && n < len(data) {
				if off := len(data) - n; isMovieAt(data, off) {
					return off, nil
				}
			}
		}
	}

	end, err := findJPEGEnd(data, 0)
	if err != nil {
		return 0, err
	}
	if i := bytes.Index(data[end:], []byte("ftyp")); i >= 4 {
		if off := end + i - 4; isMovieAt(data, off) {
			return off, nil
		}
	}
	return 0, errNoMotionVideo
}

// xmpVideoLength reads the size of the trailing movie from motion photo XMP.
func xmpVideoLength(xml string) (int, bool) {
	for _, item := range reContainerItem.FindAllString(xml, -1) {
		sem := reItemSemantic.FindStringSubmatch(item)
		if len(sem) != 2 || sem[1] != "MotionPhoto" {
			continue
		}
		if l := reItemLength.FindStringSubmatch(item); len(l) == 2 {
			if n, err := strconv.Atoi(l[1]); err == nil {
				return n, true
			}
		}
	}
	if m := reMicroVideoOffset.FindStringSubmatch(xml); len(m) == 2 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	return 0, false
}

func isMovieAt(data []byte, off int) bool {
	return off >= 0 && off+8 <= len(data) && string(data[off+4:off+8]) == "ftyp"
}

// MotionPhotoAsset is a JPEG with an embedded trailing movie, as written by Google and Samsung cameras.
func MotionPhotoAsset(path string) Asset {
	return AssetFunc(func(ctx context.Context) ([]Resource, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, err
		}
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		off, err := splitMotionPhoto(data)
		if err != nil {
			// The still alone is an incomplete pair, reported by the extractor.
			return []Resource{bytesResource(ResourcePhoto, UTIJPEG, base+extJPEG, data)}, nil
		}
		return []Resource{
			bytesResource(ResourcePhoto, UTIJPEG, base+extJPEG, data[:off]),
			bytesResource(ResourcePairedVideo, UTIMPEG4, base+".MP4", data[off:]),
		}, nil
	})
}
