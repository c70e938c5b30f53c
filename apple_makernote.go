package livephoto

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Apple MakerNote layout: signature, version 1, "MM", then a big-endian IFD at offset 14.
// Value offsets are relative to the start of the MakerNote.
var appleMakerNoteHeader = []byte{'A', 'p', 'p', 'l', 'e', ' ', 'i', 'O', 'S', 0, 0x00, 0x01, 'M', 'M'}

const appleTagContentIdentifier = 0x0011

func isAppleMakerNote(b []byte) bool {
	return bytes.HasPrefix(b, appleMakerNoteHeader[:10])
}

func parseAppleMakerNote(b []byte) (*ifd, error) {
	if !isAppleMakerNote(b) || len(b) < len(appleMakerNoteHeader) {
		return nil, errors.New("not an Apple MakerNote")
	}
	r := &tiffReader{data: b, order: binary.BigEndian, visited: map[int]bool{}}
	d, _, err := r.readIFD(len(appleMakerNoteHeader), maxIFDDepth)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func encodeAppleMakerNote(d *ifd) []byte {
	w := &tiffWriter{order: binary.BigEndian, buf: append([]byte(nil), appleMakerNoteHeader...)}
	w.writeIFD(d)
	return w.buf
}

// makerNoteIdentifier reads the content identifier from an Apple MakerNote.
func makerNoteIdentifier(b []byte) (AssetIdentifier, bool) {
	d, err := parseAppleMakerNote(b)
	if err != nil {
		return "", false
	}
	e := d.get(appleTagContentIdentifier)
	if e == nil || e.typ != tiffASCII {
		return "", false
	}
	v := bytes.TrimRight(e.value, "\x00")
	if len(v) == 0 {
		return "", false
	}
	return AssetIdentifier(v), true
}
