package livephoto

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	markerStart = 0xFF
	markerSOI   = 0xD8
	markerEOI   = 0xD9
	markerSOS   = 0xDA
	markerAPP0  = 0xE0
	markerAPP1  = 0xE1
)

const (
	xmpNamespace = "http://ns.adobe.com/xap/1.0/"
	// maxSegmentPayload is the largest payload a marker segment length can describe.
	maxSegmentPayload = 0xFFFF - 2
)

var (
	exifSig   = []byte{'E', 'x', 'i', 'f', 0, 0}
	xmpPrefix = append([]byte(xmpNamespace), 0)
)

// segment is one marker segment of a JPEG header.
type segment struct {
	marker byte
	// start and end delimit the whole segment, marker bytes included.
	start, end int
	payload    []byte
}

func isJPEG(data []byte) bool {
	return len(data) >= 4 && data[0] == markerStart && data[1] == markerSOI
}

// headerSegments lists the marker segments between SOI and the first SOS.
// The returned offset is where the scan header starts.
func headerSegments(data []byte) ([]segment, int, error) {
	if !isJPEG(data) {
		return nil, 0, errors.New("invalid JPEG")
	}
	var segs []segment
	pos := 2
	for pos+3 < len(data) {
		if data[pos] != markerStart {
			pos++
			continue
		}
		start := pos
		for pos < len(data) && data[pos] == markerStart {
			pos++
		}
		if pos >= len(data) {
			break
		}
		marker := data[pos]
		pos++
		if marker == markerSOS || marker == markerEOI {
			return segs, start, nil
		}
		if marker >= 0xD0 && marker <= 0xD7 || marker == 0x01 {
			continue
		}
		if pos+1 >= len(data) {
			return nil, 0, errors.New("truncated marker")
		}
		segLen := int(binary.BigEndian.Uint16(data[pos:]))
		if segLen < 2 || pos+segLen > len(data) {
			return nil, 0, errors.New("invalid segment length")
		}
		segs = append(segs, segment{
			marker:  marker,
			start:   start,
			end:     pos + segLen,
			payload: data[pos+2 : pos+segLen],
		})
		pos += segLen
	}
	return nil, 0, errors.New("no scan data found")
}

func findJPEGEnd(data []byte, start int) (int, error) {
	if start+1 >= len(data) || data[start] != markerStart || data[start+1] != markerSOI {
		return 0, errors.New("not a JPEG SOI")
	}
	pos := start + 2
	inScan := false
	for pos+1 < len(data) {
		if !inScan {
			if data[pos] != markerStart {
				pos++
				continue
			}
			for pos < len(data) && data[pos] == markerStart {
				pos++
			}
			if pos >= len(data) {
				break
			}
			marker := data[pos]
			pos++
			switch marker {
			case markerSOI:
				continue
			case markerEOI:
				return pos, nil
			case markerSOS:
				if pos+1 >= len(data) {
					return 0, errors.New("truncated SOS")
				}
				pos += int(binary.BigEndian.Uint16(data[pos:]))
				inScan = true
				continue
			}
			if marker >= 0xD0 && marker <= 0xD7 || marker == 0x01 {
				continue
			}
			if pos+1 >= len(data) {
				return 0, errors.New("truncated marker segment")
			}
			segLen := int(binary.BigEndian.Uint16(data[pos:]))
			if segLen < 2 {
				return 0, errors.New("invalid marker length")
			}
			pos += segLen
			continue
		}

		// in scan data
		if data[pos] == markerStart {
			next := data[pos+1]
			switch {
			case next == 0x00, next >= 0xD0 && next <= 0xD7:
				pos += 2
				continue
			case next == markerEOI:
				return pos + 2, nil
			case next == markerStart:
				pos++
				continue
			default:
				// Progressive JPEGs carry further tables and scans after the first SOS.
				pos += 2
				if pos+1 >= len(data) {
					return 0, errors.New("truncated marker in scan")
				}
				segLen := int(binary.BigEndian.Uint16(data[pos:]))
				if segLen < 2 {
					return 0, errors.New("invalid marker length in scan")
				}
				pos += segLen
				continue
			}
		}
		pos++
	}
	return 0, errors.New("no EOI found")
}

// findExif returns the EXIF APP1 payload, signature included, or nil.
func findExif(segs []segment) []byte {
	for _, s := range segs {
		if s.marker == markerAPP1 && bytes.HasPrefix(s.payload, exifSig) {
			return s.payload
		}
	}
	return nil
}

func findXMP(segs []segment) []byte {
	for _, s := range segs {
		if s.marker == markerAPP1 && bytes.HasPrefix(s.payload, xmpPrefix) {
			return s.payload
		}
	}
	return nil
}

func writeAppSegment(out *bytes.Buffer, marker byte, payload []byte) {
	out.WriteByte(markerStart)
	out.WriteByte(marker)
	length := uint16(len(payload) + 2)
	out.WriteByte(byte(length >> 8))
	out.WriteByte(byte(length))
	out.Write(payload)
}

// replaceExif returns jpegData with its EXIF APP1 replaced by exif.
// The new segment follows SOI and any leading APP0 segments; other segments keep their order.
func replaceExif(jpegData, exif []byte) ([]byte, error) {
	if len(exif) > maxSegmentPayload {
		return nil, errors.New("EXIF block exceeds segment size")
	}
	segs, _, err := headerSegments(jpegData)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(len(jpegData) + len(exif) + 4)
	out.WriteByte(markerStart)
	out.WriteByte(markerSOI)

	pos := 2
	i := 0
	for ; i < len(segs) && segs[i].marker == markerAPP0; i++ {
		out.Write(jpegData[segs[i].start:segs[i].end])
		pos = segs[i].end
	}
	writeAppSegment(&out, markerAPP1, exif)

	for ; i < len(segs); i++ {
		s := segs[i]
		if s.marker == markerAPP1 && bytes.HasPrefix(s.payload, exifSig) {
			out.Write(jpegData[pos:s.start])
			pos = s.end
		}
	}
	out.Write(jpegData[pos:])
	return out.Bytes(), nil
}

// frameSize reads the image size from the first start-of-frame segment.
func frameSize(segs []segment) (width, height int, err error) {
	for _, s := range segs {
		if s.marker < 0xC0 || s.marker > 0xCF || s.marker == 0xC4 || s.marker == 0xC8 || s.marker == 0xCC {
			continue
		}
		if len(s.payload) < 6 {
			return 0, 0, errors.New("truncated start of frame")
		}
		if s.payload[5] < 1 {
			return 0, 0, errors.New("invalid component count")
		}
		height = int(binary.BigEndian.Uint16(s.payload[1:]))
		width = int(binary.BigEndian.Uint16(s.payload[3:]))
		return width, height, nil
	}
	return 0, 0, errors.New("no start of frame")
}
