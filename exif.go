package livephoto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	tiffByte      = 1
	tiffASCII     = 2
	tiffShort     = 3
	tiffLong      = 4
	tiffRational  = 5
	tiffSByte     = 6
	tiffUndefined = 7
	tiffSShort    = 8
	tiffSLong     = 9
	tiffSRational = 10
	tiffFloat     = 11
	tiffDouble    = 12
	tiffIFD       = 13
)

const (
	tagExifIFD          = 0x8769
	tagGPSIFD           = 0x8825
	tagInteropIFD       = 0xA005
	tagMakerNote        = 0x927C
	tagThumbnailOffset  = 0x0201
	tagThumbnailLength  = 0x0202
	maxIFDDepth         = 4
	maxIFDEntries       = 1024
	tiffHeaderSize      = 8
	tiffEntrySize       = 12
	tiffEntryTableExtra = 2 + 4
)

var (
	tiffBigEndian    = []byte{'M', 'M', 0x00, 0x2A}
	tiffLittleEndian = []byte{'I', 'I', 0x2A, 0x00}
)

func tiffTypeSize(typ uint16) int {
	switch typ {
	case tiffByte, tiffASCII, tiffSByte, tiffUndefined:
		return 1
	case tiffShort, tiffSShort:
		return 2
	case tiffLong, tiffSLong, tiffFloat, tiffIFD:
		return 4
	case tiffRational, tiffSRational, tiffDouble:
		return 8
	}
	return 0
}

// tiffEntry is one IFD entry. Value holds the raw bytes in the byte order of the block.
type tiffEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value []byte
	// sub is the child directory of a pointer tag.
	sub *ifd
	// blob is data referenced by offset, such as the IFD1 thumbnail.
	blob []byte
}

type ifd struct {
	entries []tiffEntry
}

func (d *ifd) get(tag uint16) *tiffEntry {
	for i := range d.entries {
		if d.entries[i].tag == tag {
			return &d.entries[i]
		}
	}
	return nil
}

func (d *ifd) set(e tiffEntry) {
	if cur := d.get(e.tag); cur != nil {
		*cur = e
		return
	}
	d.entries = append(d.entries, e)
}

func (d *ifd) remove(tag uint16) {
	out := d.entries[:0]
	for _, e := range d.entries {
		if e.tag != tag {
			out = append(out, e)
		}
	}
	d.entries = out
}

func asciiEntry(tag uint16, s string) tiffEntry {
	v := append([]byte(s), 0)
	return tiffEntry{tag: tag, typ: tiffASCII, count: uint32(len(v)), value: v}
}

// exifData is a decoded EXIF block: IFD0 with its sub-directories and an optional IFD1 thumbnail.
type exifData struct {
	order binary.ByteOrder
	ifd0  *ifd
	ifd1  *ifd
}

func newExifData() *exifData {
	return &exifData{order: binary.BigEndian, ifd0: &ifd{}}
}

// exifIFD returns the Exif sub-directory, creating it when absent.
func (e *exifData) exifIFD() *ifd {
	if p := e.ifd0.get(tagExifIFD); p != nil && p.sub != nil {
		return p.sub
	}
	sub := &ifd{}
	e.ifd0.set(tiffEntry{tag: tagExifIFD, typ: tiffLong, count: 1, sub: sub})
	return sub
}

// tiffReader resolves offsets relative to the start of data.
type tiffReader struct {
	data    []byte
	order   binary.ByteOrder
	visited map[int]bool
}

func parseExif(payload []byte) (*exifData, error) {
	if !bytes.HasPrefix(payload, exifSig) {
		return nil, errors.New("exif signature missing")
	}
	tiff := payload[len(exifSig):]
	if len(tiff) < tiffHeaderSize {
		return nil, errors.New("exif tiff header too small")
	}
	var order binary.ByteOrder
	switch {
	case bytes.HasPrefix(tiff, tiffBigEndian):
		order = binary.BigEndian
	case bytes.HasPrefix(tiff, tiffLittleEndian):
		order = binary.LittleEndian
	default:
		return nil, errors.New("exif byte order invalid")
	}

	r := &tiffReader{data: tiff, order: order, visited: map[int]bool{}}
	ifd0, next, err := r.readIFD(int(order.Uint32(tiff[4:8])), 0)
	if err != nil {
		return nil, fmt.Errorf("ifd0: %w", err)
	}
	e := &exifData{order: order, ifd0: ifd0}
	if next != 0 {
		// A damaged thumbnail directory is dropped rather than failing the whole block.
		if ifd1, _, err := r.readIFD(next, 0); err == nil {
			e.ifd1 = r.attachThumbnail(ifd1)
		}
	}
	return e, nil
}

func (r *tiffReader) readIFD(off, depth int) (*ifd, int, error) {
	if depth > maxIFDDepth {
		return nil, 0, errors.New("ifd nesting too deep")
	}
	if off < 0 || off+2 > len(r.data) {
		return nil, 0, errors.New("ifd offset out of range")
	}
	if r.visited[off] {
		return nil, 0, errors.New("ifd loop")
	}
	r.visited[off] = true

	n := int(r.order.Uint16(r.data[off:]))
	if n > maxIFDEntries || off+2+n*tiffEntrySize > len(r.data) {
		return nil, 0, errors.New("ifd truncated")
	}
	d := &ifd{}
	for i := 0; i < n; i++ {
		p := off + 2 + i*tiffEntrySize
		e := tiffEntry{
			tag:   r.order.Uint16(r.data[p:]),
			typ:   r.order.Uint16(r.data[p+2:]),
			count: r.order.Uint32(r.data[p+4:]),
		}
		size := tiffTypeSize(e.typ) * int(e.count)
		if size == 0 || e.count > uint32(len(r.data)) {
			continue
		}
		if size <= 4 {
			e.value = append([]byte(nil), r.data[p+8:p+8+size]...)
		} else {
			vo := int(r.order.Uint32(r.data[p+8:]))
			if vo < 0 || vo+size > len(r.data) {
				continue
			}
			e.value = append([]byte(nil), r.data[vo:vo+size]...)
		}

		switch e.tag {
		case tagExifIFD, tagGPSIFD, tagInteropIFD:
			if e.count != 1 || (e.typ != tiffLong && e.typ != tiffIFD) {
				continue
			}
			sub, _, err := r.readIFD(int(r.order.Uint32(e.value)), depth+1)
			if err != nil {
				continue
			}
			e.sub, e.value = sub, nil
		}
		d.entries = append(d.entries, e)
	}

	next := 0
	if p := off + 2 + n*tiffEntrySize; p+4 <= len(r.data) {
		next = int(r.order.Uint32(r.data[p:]))
	}
	return d, next, nil
}

// attachThumbnail moves the JPEG thumbnail referenced by IFD1 into the entry blob.
// Directories without a JPEG thumbnail are dropped.
func (r *tiffReader) attachThumbnail(d *ifd) *ifd {
	off, length := d.get(tagThumbnailOffset), d.get(tagThumbnailLength)
	if off == nil || length == nil || len(off.value) != 4 {
		return nil
	}
	o := int(r.order.Uint32(off.value))
	n := 0
	switch {
	case length.typ == tiffLong && len(length.value) == 4:
		n = int(r.order.Uint32(length.value))
	case length.typ == tiffShort && len(length.value) == 2:
		n = int(r.order.Uint16(length.value))
	}
	if o <= 0 || n <= 0 || o+n > len(r.data) {
		return nil
	}
	off.blob = append([]byte(nil), r.data[o:o+n]...)
	off.value = nil
	return d
}

// tiffWriter lays out directories after a fixed prefix; offsets are relative to the buffer start.
type tiffWriter struct {
	order binary.ByteOrder
	buf   []byte
}

func (w *tiffWriter) align() {
	if len(w.buf)%2 != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *tiffWriter) appendData(b []byte) uint32 {
	w.align()
	off := uint32(len(w.buf))
	w.buf = append(w.buf, b...)
	return off
}

// writeIFD appends d and everything it references. It returns the buffer
// position of the next-IFD link, which is left zero.
func (w *tiffWriter) writeIFD(d *ifd) int {
	entries := append([]tiffEntry(nil), d.entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	w.align()
	start := len(w.buf)
	w.buf = append(w.buf, make([]byte, len(entries)*tiffEntrySize+tiffEntryTableExtra)...)
	w.order.PutUint16(w.buf[start:], uint16(len(entries)))

	type pending struct {
		pos  int
		sub  *ifd
		blob []byte
	}
	var later []pending

	for i, e := range entries {
		p := start + 2 + i*tiffEntrySize
		w.order.PutUint16(w.buf[p:], e.tag)
		switch {
		case e.sub != nil:
			w.order.PutUint16(w.buf[p+2:], tiffLong)
			w.order.PutUint32(w.buf[p+4:], 1)
			later = append(later, pending{pos: p + 8, sub: e.sub})
		case e.blob != nil:
			w.order.PutUint16(w.buf[p+2:], tiffLong)
			w.order.PutUint32(w.buf[p+4:], 1)
			later = append(later, pending{pos: p + 8, blob: e.blob})
		default:
			w.order.PutUint16(w.buf[p+2:], e.typ)
			w.order.PutUint32(w.buf[p+4:], e.count)
			if len(e.value) <= 4 {
				copy(w.buf[p+8:p+12], e.value)
			} else {
				off := w.appendData(e.value)
				w.order.PutUint32(w.buf[p+8:], off)
			}
		}
	}
	link := start + 2 + len(entries)*tiffEntrySize

	for _, l := range later {
		if l.sub != nil {
			w.align()
			w.order.PutUint32(w.buf[l.pos:], uint32(len(w.buf)))
			w.writeIFD(l.sub)
			continue
		}
		off := w.appendData(l.blob)
		w.order.PutUint32(w.buf[l.pos:], off)
	}
	return link
}

// encode serializes the block with the EXIF signature. When the result would not fit
// into one APP1 segment the thumbnail directory is dropped.
func (e *exifData) encode() ([]byte, error) {
	out := e.encodeWith(e.ifd1)
	if len(out) > maxSegmentPayload && e.ifd1 != nil {
		out = e.encodeWith(nil)
	}
	if len(out) > maxSegmentPayload {
		return nil, errors.New("exif block too large")
	}
	return out, nil
}

func (e *exifData) encodeWith(ifd1 *ifd) []byte {
	w := &tiffWriter{order: e.order}
	if e.order == binary.LittleEndian {
		w.buf = append(w.buf, tiffLittleEndian...)
	} else {
		w.buf = append(w.buf, tiffBigEndian...)
	}
	w.buf = append(w.buf, 0, 0, 0, 0)
	w.order.PutUint32(w.buf[4:], tiffHeaderSize)

	link := w.writeIFD(e.ifd0)
	if ifd1 != nil {
		w.align()
		w.order.PutUint32(w.buf[link:], uint32(len(w.buf)))
		w.writeIFD(ifd1)
	}
	return append(append([]byte(nil), exifSig...), w.buf...)
}
