// Package mov reads and writes QuickTime movie files at the sample table level.
//
// The reader walks the box structure with github.com/abema/go-mp4, decodes the standard
// boxes into its typed payloads and builds a flat sample list per track.
// The writer produces a progressive (non-fragmented) movie: ftyp, a single mdat
// with interleaved samples, then moov.
package mov

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/abema/go-mp4"
	"github.com/sunfish-shogi/bufseekio"
)

// Handler types.
const (
	HandlerVideo    = "vide"
	HandlerAudio    = "soun"
	HandlerMetadata = "meta"
)

const (
	readBufferSize  = 128 * 1024
	readBufferCount = 4
)

// Movie is a parsed QuickTime or ISO-BMFF file.
type Movie struct {
	Path      string
	Brand     string
	Timescale uint32
	Duration  uint64
	Tracks    []*Track
	// Metadata holds the movie-level keyed items of moov/meta.
	Metadata []Item
}

// Track is a parsed trak box with its sample table flattened.
type Track struct {
	ID             uint32
	Handler        string
	Timescale      uint32
	Duration       uint64
	Width, Height  uint32 // 16.16 fixed point
	Matrix         [9]int32
	Volume         int16
	Layer          int16
	AlternateGroup int16
	Language       uint16
	// SampleDescription is the raw stsd payload, version and flags included.
	SampleDescription []byte
	Format            string
	Edits             []Edit
	Samples           []Sample
}

// Edit is an edit list entry. SegmentDuration is in the movie timescale,
// MediaTime in the media timescale; MediaTime -1 marks an empty edit.
type Edit struct {
	SegmentDuration uint64
	MediaTime       int64
	Rate            int32 // 16.16 fixed point
}

// Sample locates one media sample in the file.
type Sample struct {
	Offset            int64
	Size              uint32
	DecodeTime        uint64
	Duration          uint32
	CompositionOffset int32
	Sync              bool
}

// FirstTrack returns the first track with the given handler type.
func (m *Movie) FirstTrack(handler string) *Track {
	for _, t := range m.Tracks {
		if t.Handler == handler {
			return t
		}
	}
	return nil
}

// DurationSeconds returns the media duration of the track.
func (t *Track) DurationSeconds() float64 {
	if t.Timescale == 0 {
		return 0
	}
	return float64(t.Duration) / float64(t.Timescale)
}

// NominalFrameRate returns media timescale divided by the most frequent sample duration.
func (t *Track) NominalFrameRate() float64 {
	counts := make(map[uint32]int)
	var modal uint32
	for _, s := range t.Samples {
		counts[s.Duration]++
		if counts[s.Duration] > counts[modal] || (counts[s.Duration] == counts[modal] && s.Duration > modal) {
			modal = s.Duration
		}
	}
	if modal == 0 || t.Timescale == 0 {
		return 0
	}
	return float64(t.Timescale) / float64(modal)
}

// OpenFile parses the movie at path.
func OpenFile(path string) (*Movie, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Parse(bufseekio.NewReadSeeker(f, readBufferSize, readBufferCount))
	if err != nil {
		return nil, err
	}
	m.Path = path
	return m, nil
}

type sampleTables struct {
	stts  []mp4.SttsEntry
	ctts  []int32
	cttsN []uint32
	stss  []uint32
	hasSS bool
	stsc  []mp4.StscEntry
	sizes []uint32
	// fixed is the stsz default sample size; when non-zero sizes is empty.
	fixed       uint32
	sampleCount uint32
	chunks      []uint64
}

// Parse reads the box structure of a movie.
func Parse(r io.ReadSeeker) (*Movie, error) {
	fileSize, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	m := &Movie{}
	var (
		cur     *Track
		tables  *sampleTables
		inMdia  bool
		inMinf  bool
		sawMoov bool
	)

	_, err = mp4.ReadBoxStructure(r, func(h *mp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case mp4.BoxTypeMoov():
			sawMoov = true
			return h.Expand()
		case mp4.BoxTypeTrak():
			cur, tables = &Track{}, &sampleTables{}
			if _, err := h.Expand(); err != nil {
				return nil, err
			}
			samples, err := tables.build(fileSize)
			if err != nil {
				return nil, fmt.Errorf("track %d: %w", cur.ID, err)
			}
			cur.Samples = samples
			m.Tracks = append(m.Tracks, cur)
			cur, tables = nil, nil
			return nil, nil
		case mp4.BoxTypeEdts(), mp4.BoxTypeStbl():
			if cur == nil {
				return nil, nil
			}
			return h.Expand()
		case mp4.BoxTypeMdia():
			if cur == nil {
				return nil, nil
			}
			inMdia = true
			defer func() { inMdia = false }()
			return h.Expand()
		case mp4.BoxTypeMinf():
			if cur == nil {
				return nil, nil
			}
			inMinf = true
			defer func() { inMinf = false }()
			return h.Expand()
		case mp4.BoxTypeFtyp():
			ftyp, err := readBox[*mp4.Ftyp](h)
			if err != nil {
				return nil, err
			}
			m.Brand = string(ftyp.MajorBrand[:])
			return nil, nil
		case mp4.BoxTypeMvhd():
			mvhd, err := readBox[*mp4.Mvhd](h)
			if err != nil {
				return nil, err
			}
			m.Timescale, m.Duration = mvhd.Timescale, mvhd.GetDuration()
			return nil, nil
		case mp4.BoxTypeMeta():
			if cur != nil {
				return nil, nil
			}
			b, err := readData(h)
			if err != nil {
				return nil, err
			}
			if m.Metadata, err = parseMeta(b); err != nil {
				return nil, fmt.Errorf("moov meta: %w", err)
			}
			return nil, nil
		}
		if cur == nil {
			return nil, nil
		}
		return nil, readTrackBox(h, cur, tables, inMdia && !inMinf)
	})
	if err != nil {
		return nil, err
	}
	if !sawMoov {
		return nil, errors.New("moov box not found")
	}
	return m, nil
}

// readTrackBox decodes one leaf box of a trak into the track or its sample tables.
func readTrackBox(h *mp4.ReadHandle, t *Track, tables *sampleTables, mediaHandler bool) error {
	switch h.BoxInfo.Type {
	case mp4.BoxTypeTkhd():
		tkhd, err := readBox[*mp4.Tkhd](h)
		if err != nil {
			return err
		}
		t.ID = tkhd.TrackID
		t.Layer, t.AlternateGroup, t.Volume = tkhd.Layer, tkhd.AlternateGroup, tkhd.Volume
		t.Matrix = tkhd.Matrix
		t.Width, t.Height = tkhd.Width, tkhd.Height
	case mp4.BoxTypeElst():
		elst, err := readBox[*mp4.Elst](h)
		if err != nil {
			return err
		}
		t.Edits = make([]Edit, 0, len(elst.Entries))
		for i, e := range elst.Entries {
			t.Edits = append(t.Edits, Edit{
				SegmentDuration: elst.GetSegmentDuration(i),
				MediaTime:       elst.GetMediaTime(i),
				Rate:            int32(e.MediaRateInteger)<<16 | int32(uint16(e.MediaRateFraction)),
			})
		}
	case mp4.BoxTypeMdhd():
		mdhd, err := readBox[*mp4.Mdhd](h)
		if err != nil {
			return err
		}
		t.Timescale, t.Duration = mdhd.Timescale, mdhd.GetDuration()
		t.Language = packLanguage(mdhd.Language)
	case mp4.BoxTypeHdlr():
		// minf carries a data handler reference in QuickTime files.
		if !mediaHandler || t.Handler != "" {
			return nil
		}
		hdlr, err := readBox[*mp4.Hdlr](h)
		if err != nil {
			return err
		}
		t.Handler = string(hdlr.HandlerType[:])
	case mp4.BoxTypeStsd():
		b, err := readData(h)
		if err != nil {
			return err
		}
		if len(b) < 16 {
			return errShortPayload
		}
		t.SampleDescription = b
		t.Format = string(b[12:16])
	case mp4.BoxTypeStts():
		stts, err := readBox[*mp4.Stts](h)
		if err != nil {
			return err
		}
		tables.stts = stts.Entries
	case mp4.BoxTypeCtts():
		ctts, err := readBox[*mp4.Ctts](h)
		if err != nil {
			return err
		}
		for i, e := range ctts.Entries {
			tables.cttsN = append(tables.cttsN, e.SampleCount)
			tables.ctts = append(tables.ctts, int32(ctts.GetSampleOffset(i)))
		}
	case mp4.BoxTypeStss():
		stss, err := readBox[*mp4.Stss](h)
		if err != nil {
			return err
		}
		tables.stss, tables.hasSS = stss.SampleNumber, true
	case mp4.BoxTypeStsc():
		stsc, err := readBox[*mp4.Stsc](h)
		if err != nil {
			return err
		}
		tables.stsc = stsc.Entries
	case mp4.BoxTypeStsz():
		stsz, err := readBox[*mp4.Stsz](h)
		if err != nil {
			return err
		}
		tables.fixed, tables.sampleCount, tables.sizes = stsz.SampleSize, stsz.SampleCount, stsz.EntrySize
	case mp4.BoxTypeStco():
		stco, err := readBox[*mp4.Stco](h)
		if err != nil {
			return err
		}
		for _, off := range stco.ChunkOffset {
			tables.chunks = append(tables.chunks, uint64(off))
		}
	case mp4.BoxTypeCo64():
		co64, err := readBox[*mp4.Co64](h)
		if err != nil {
			return err
		}
		tables.chunks = append(tables.chunks, co64.ChunkOffset...)
	}
	return nil
}

// readBox decodes the payload of the current box into its go-mp4 type.
func readBox[T mp4.IBox](h *mp4.ReadHandle) (T, error) {
	var zero T
	box, _, err := h.ReadPayload()
	if err != nil {
		return zero, fmt.Errorf("%s: %w", h.BoxInfo.Type, err)
	}
	v, ok := box.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected payload %T", h.BoxInfo.Type, box)
	}
	return v, nil
}

func readData(h *mp4.ReadHandle) ([]byte, error) {
	var b bytes.Buffer
	if _, err := h.ReadData(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// packLanguage turns three 5-bit ISO-639-2 codes into the 15-bit mdhd layout.
func packLanguage(l [3]byte) uint16 {
	return uint16(l[0]&0x1F)<<10 | uint16(l[1]&0x1F)<<5 | uint16(l[2]&0x1F)
}

func unpackLanguage(v uint16) [3]byte {
	return [3]byte{byte(v >> 10 & 0x1F), byte(v >> 5 & 0x1F), byte(v & 0x1F)}
}

// build flattens the sample tables into per-sample records.
// Counts are checked against the tables and the file size before anything is allocated.
func (t *sampleTables) build(fileSize int64) ([]Sample, error) {
	n := int(t.sampleCount)
	if n == 0 {
		return nil, nil
	}
	if t.fixed == 0 && len(t.sizes) != n {
		return nil, errors.New("stsz sample count mismatch")
	}
	if t.fixed != 0 && uint64(t.fixed)*uint64(n) > uint64(fileSize) {
		return nil, errors.New("stsz samples exceed file size")
	}
	var timed uint64
	for _, e := range t.stts {
		timed += uint64(e.SampleCount)
	}
	if uint64(n) > timed {
		return nil, errors.New("stts does not cover all samples")
	}

	samples := make([]Sample, n)

	var st uint64
	i := 0
	for _, e := range t.stts {
		for k := uint32(0); k < e.SampleCount && i < n; k++ {
			samples[i].DecodeTime = st
			samples[i].Duration = e.SampleDelta
			st += uint64(e.SampleDelta)
			i++
		}
	}
	if i != n {
		return nil, errors.New("stts does not cover all samples")
	}

	i = 0
	for ei, count := range t.cttsN {
		for k := uint32(0); k < count && i < n; k++ {
			samples[i].CompositionOffset = t.ctts[ei]
			i++
		}
	}

	if t.hasSS {
		for _, num := range t.stss {
			if num >= 1 && int(num) <= n {
				samples[num-1].Sync = true
			}
		}
	} else {
		for i := range samples {
			samples[i].Sync = true
		}
	}

	i = 0
	for ci, e := range t.stsc {
		if e.FirstChunk == 0 {
			return nil, errors.New("stsc chunk index is zero")
		}
		last := uint32(len(t.chunks))
		if ci+1 < len(t.stsc) {
			last = t.stsc[ci+1].FirstChunk - 1
		}
		for chunk := e.FirstChunk; chunk <= last && i < n; chunk++ {
			if int(chunk) > len(t.chunks) {
				return nil, errors.New("stsc references missing chunk")
			}
			off := int64(t.chunks[chunk-1])
			for k := uint32(0); k < e.SamplesPerChunk && i < n; k++ {
				size := t.fixed
				if size == 0 {
					size = t.sizes[i]
				}
				samples[i].Offset = off
				samples[i].Size = size
				off += int64(size)
				i++
			}
		}
	}
	if i != n {
		return nil, errors.New("chunk tables do not cover all samples")
	}

	return samples, nil
}
