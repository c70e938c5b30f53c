package mov

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/abema/go-mp4"
)

// ErrNotWriting is returned when samples are appended outside of a session.
var ErrNotWriting = errors.New("writer session is not active")

const (
	defaultMovieTimescale = 600
	languageUndetermined  = 0x55C4
	brandQuickTime        = "qt  "
)

// componentMedia is the QuickTime component type of a media handler, "mhlr".
const componentMedia = 0x6D686C72

var boxTypeNmhd = mp4.StrToBoxType("nmhd")

// nmhd is the null media header of tracks that are neither video nor sound.
type nmhd struct {
	mp4.FullBox `mp4:"0,extend"`
}

func (*nmhd) GetType() mp4.BoxType { return boxTypeNmhd }

func init() {
	mp4.AddBoxDef(&nmhd{}, 0)
}

var identityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

type writerState int

const (
	stateInit writerState = iota
	stateWriting
	stateFinished
	stateCancelled
)

// TrackConfig describes a track to be written.
type TrackConfig struct {
	Handler   string
	Timescale uint32
	// SampleDescription is a complete stsd payload.
	SampleDescription []byte
	Width, Height     uint32 // 16.16 fixed point
	Matrix            [9]int32
	Volume            int16
	Layer             int16
	AlternateGroup    int16
	Language          uint16
	Edits             []Edit
}

// SampleInfo carries per-sample timing of an appended sample.
type SampleInfo struct {
	Duration          uint32
	CompositionOffset int32
	Sync              bool
}

// Writer writes a progressive QuickTime movie. Tracks are added before
// StartSession, samples are appended concurrently, and Finish writes moov.
type Writer struct {
	// Timescale is the movie timescale, 600 when zero.
	Timescale uint32

	mu       sync.Mutex
	f        *os.File
	w        *mp4.Writer
	path     string
	tracks   []*TrackWriter
	metadata []Item
	pos      int64
	last     *TrackWriter
	state    writerState
}

// TrackWriter appends samples to one track of a Writer.
type TrackWriter struct {
	w        *Writer
	id       uint32
	cfg      TrackConfig
	samples  []writtenSample
	chunks   []chunk
	finished bool
}

type writtenSample struct {
	size uint32
	SampleInfo
}

type chunk struct {
	offset int64
	count  uint32
}

// Create opens path for writing a movie.
func Create(path string) (*Writer, error) {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, w: mp4.NewWriter(f), path: path}, nil
}

// Path returns the destination path.
func (w *Writer) Path() string { return w.path }

// AddTrack registers a track. It must be called before StartSession.
func (w *Writer) AddTrack(cfg TrackConfig) (*TrackWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateInit {
		return nil, errors.New("tracks must be added before the session starts")
	}
	if cfg.Timescale == 0 {
		return nil, errors.New("track timescale is zero")
	}
	if len(cfg.SampleDescription) < 8 {
		return nil, errors.New("track sample description is missing")
	}
	t := &TrackWriter{w: w, id: uint32(len(w.tracks) + 1), cfg: cfg}
	w.tracks = append(w.tracks, t)
	return t, nil
}

// SetMetadata sets the movie-level keyed items written with moov.
func (w *Writer) SetMetadata(items []Item) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metadata = append([]Item(nil), items...)
}

// StartSession writes ftyp and opens the media data box at time zero.
func (w *Writer) StartSession() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateInit {
		return errors.New("session already started")
	}
	if w.Timescale == 0 {
		w.Timescale = defaultMovieTimescale
	}

	brand := [4]byte{}
	copy(brand[:], brandQuickTime)
	ftyp := &mp4.Ftyp{
		MajorBrand:       brand,
		CompatibleBrands: []mp4.CompatibleBrandElem{{CompatibleBrand: brand}},
	}
	if err := w.box(ftyp, nil); err != nil {
		return fmt.Errorf("write ftyp: %w", err)
	}

	bi, err := w.w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat(), HeaderSize: mp4.LargeHeaderSize})
	if err != nil {
		return fmt.Errorf("start mdat: %w", err)
	}
	w.pos = int64(bi.Offset + bi.HeaderSize)
	w.state = stateWriting
	return nil
}

// ID returns the track id.
func (t *TrackWriter) ID() uint32 { return t.id }

// SetEdits replaces the edit list of the track. Edits are in the movie timescale.
func (t *TrackWriter) SetEdits(edits []Edit) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.cfg.Edits = append([]Edit(nil), edits...)
}

// Append writes one sample. Consecutive samples of the same track share a chunk.
func (t *TrackWriter) Append(data []byte, info SampleInfo) error {
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateWriting {
		return ErrNotWriting
	}
	if t.finished {
		return fmt.Errorf("track %d: append after finish", t.id)
	}
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("track %d: sample too large", t.id)
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("track %d: write sample: %w", t.id, err)
	}
	if w.last == t && len(t.chunks) > 0 {
		t.chunks[len(t.chunks)-1].count++
	} else {
		t.chunks = append(t.chunks, chunk{offset: w.pos, count: 1})
	}
	w.last = t
	w.pos += int64(len(data))
	t.samples = append(t.samples, writtenSample{size: uint32(len(data)), SampleInfo: info})
	return nil
}

// MarkFinished records that no more samples follow.
func (t *TrackWriter) MarkFinished() {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.finished = true
}

// SampleCount returns the number of appended samples.
func (t *TrackWriter) SampleCount() int {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	return len(t.samples)
}

// Finish closes the media data and writes moov. Every track must be marked finished.
func (w *Writer) Finish() (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateWriting {
		return ErrNotWriting
	}
	for _, t := range w.tracks {
		if !t.finished {
			return fmt.Errorf("track %d is not finished", t.id)
		}
	}

	defer func() {
		if err != nil {
			_ = w.f.Close()
			_ = os.Remove(w.path)
			w.state = stateCancelled
		}
	}()

	if _, err := w.w.EndBox(); err != nil {
		return fmt.Errorf("end mdat: %w", err)
	}
	if err := w.writeMoov(); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	w.state = stateFinished
	return nil
}

// Cancel abandons the movie and removes the partial file.
func (w *Writer) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == stateFinished || w.state == stateCancelled {
		return nil
	}
	w.state = stateCancelled
	_ = w.f.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// box writes b with its children. Payloads are marshalled in memory and written at once.
func (w *Writer) box(b mp4.IImmutableBox, children func() error) error {
	var buf bytes.Buffer
	if _, err := mp4.Marshal(&buf, b, mp4.Context{}); err != nil {
		return fmt.Errorf("marshal %s: %w", b.GetType(), err)
	}
	return w.rawBox(b.GetType(), buf.Bytes(), children)
}

// rawBox writes a box whose payload is already encoded.
func (w *Writer) rawBox(typ mp4.BoxType, body []byte, children func() error) error {
	if _, err := w.w.StartBox(&mp4.BoxInfo{Type: typ}); err != nil {
		return err
	}
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	if children != nil {
		if err := children(); err != nil {
			return err
		}
	}
	_, err := w.w.EndBox()
	return err
}

func (w *Writer) writeMoov() error {
	var duration uint64
	for _, t := range w.tracks {
		if d := t.trackDuration(w.Timescale); d > duration {
			duration = d
		}
	}

	return w.box(&mp4.Moov{}, func() error {
		if err := w.box(newMvhd(w.Timescale, duration, uint32(len(w.tracks)+1)), nil); err != nil {
			return err
		}
		for _, t := range w.tracks {
			if err := w.writeTrak(t); err != nil {
				return fmt.Errorf("track %d: %w", t.id, err)
			}
		}
		if len(w.metadata) == 0 {
			return nil
		}
		meta, err := encodeMeta(w.metadata)
		if err != nil {
			return err
		}
		return w.rawBox(mp4.BoxTypeMeta(), meta, nil)
	})
}

func (w *Writer) writeTrak(t *TrackWriter) error {
	return w.box(&mp4.Trak{}, func() error {
		if err := w.box(t.tkhd(w.Timescale), nil); err != nil {
			return err
		}
		if len(t.cfg.Edits) > 0 {
			if err := w.box(&mp4.Edts{}, func() error {
				return w.box(newElst(t.cfg.Edits), nil)
			}); err != nil {
				return err
			}
		}
		return w.box(&mp4.Mdia{}, func() error {
			if err := w.box(t.mdhd(), nil); err != nil {
				return err
			}
			if err := w.box(newHdlr(componentMedia, t.cfg.Handler), nil); err != nil {
				return err
			}
			return w.box(&mp4.Minf{}, func() error {
				if err := w.box(t.mediaHeader(), nil); err != nil {
					return err
				}
				if err := w.box(&mp4.Dinf{}, func() error {
					return w.box(&mp4.Dref{EntryCount: 1}, func() error {
						// Flag 1 marks media data in the same file.
						return w.box(&mp4.Url{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}, nil)
					})
				}); err != nil {
					return err
				}
				return w.box(&mp4.Stbl{}, func() error {
					return t.writeSampleTable(w)
				})
			})
		})
	})
}

func (t *TrackWriter) mediaDuration() uint64 {
	var d uint64
	for _, s := range t.samples {
		d += uint64(s.Duration)
	}
	return d
}

func (t *TrackWriter) trackDuration(movieTimescale uint32) uint64 {
	if len(t.cfg.Edits) > 0 {
		var d uint64
		for _, e := range t.cfg.Edits {
			d += e.SegmentDuration
		}
		return d
	}
	return t.mediaDuration() * uint64(movieTimescale) / uint64(t.cfg.Timescale)
}

func (t *TrackWriter) mediaHeader() mp4.IImmutableBox {
	switch t.cfg.Handler {
	case HandlerVideo:
		return &mp4.Vmhd{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}}
	case HandlerAudio:
		return &mp4.Smhd{}
	default:
		return &nmhd{}
	}
}

func (t *TrackWriter) writeSampleTable(w *Writer) error {
	if err := w.rawBox(mp4.BoxTypeStsd(), t.cfg.SampleDescription, nil); err != nil {
		return err
	}
	if err := w.box(t.stts(), nil); err != nil {
		return err
	}
	if b := t.ctts(); b != nil {
		if err := w.box(b, nil); err != nil {
			return err
		}
	}
	if b := t.stss(); b != nil {
		if err := w.box(b, nil); err != nil {
			return err
		}
	}
	if err := w.box(t.stsc(), nil); err != nil {
		return err
	}
	if err := w.box(t.stsz(), nil); err != nil {
		return err
	}
	return w.box(t.chunkOffsets(), nil)
}

func fullBoxVersion(long bool) mp4.FullBox {
	if long {
		return mp4.FullBox{Version: 1}
	}
	return mp4.FullBox{}
}

func newMvhd(timescale uint32, duration uint64, nextTrackID uint32) *mp4.Mvhd {
	long := duration > math.MaxUint32
	b := &mp4.Mvhd{
		FullBox:     fullBoxVersion(long),
		Timescale:   timescale,
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      identityMatrix,
		NextTrackID: nextTrackID,
	}
	if long {
		b.DurationV1 = duration
	} else {
		b.DurationV0 = uint32(duration)
	}
	return b
}

func (t *TrackWriter) tkhd(movieTimescale uint32) *mp4.Tkhd {
	duration := t.trackDuration(movieTimescale)
	long := duration > math.MaxUint32

	matrix := t.cfg.Matrix
	if matrix == ([9]int32{}) {
		matrix = identityMatrix
	}
	b := &mp4.Tkhd{
		FullBox:        fullBoxVersion(long),
		TrackID:        t.id,
		Layer:          t.cfg.Layer,
		AlternateGroup: t.cfg.AlternateGroup,
		Volume:         t.cfg.Volume,
		Matrix:         matrix,
		Width:          t.cfg.Width,
		Height:         t.cfg.Height,
	}
	// Enabled and in movie.
	b.SetFlags(0x000003)
	if long {
		b.DurationV1 = duration
	} else {
		b.DurationV0 = uint32(duration)
	}
	return b
}

func (t *TrackWriter) mdhd() *mp4.Mdhd {
	duration := t.mediaDuration()
	long := duration > math.MaxUint32

	lang := t.cfg.Language
	if lang == 0 {
		lang = languageUndetermined
	}
	b := &mp4.Mdhd{
		FullBox:   fullBoxVersion(long),
		Timescale: t.cfg.Timescale,
		Language:  unpackLanguage(lang),
	}
	if long {
		b.DurationV1 = duration
	} else {
		b.DurationV0 = uint32(duration)
	}
	return b
}

func newHdlr(component uint32, handler string) *mp4.Hdlr {
	b := &mp4.Hdlr{PreDefined: component}
	copy(b.HandlerType[:], handler)
	return b
}

func newElst(edits []Edit) *mp4.Elst {
	long := false
	for _, e := range edits {
		if e.SegmentDuration > math.MaxUint32 || e.MediaTime > math.MaxInt32 || e.MediaTime < math.MinInt32 {
			long = true
		}
	}
	b := &mp4.Elst{FullBox: fullBoxVersion(long), EntryCount: uint32(len(edits))}
	for _, e := range edits {
		rate := e.Rate
		if rate == 0 {
			rate = 0x00010000
		}
		entry := mp4.ElstEntry{MediaRateInteger: int16(rate >> 16)}
		if long {
			entry.SegmentDurationV1 = e.SegmentDuration
			entry.MediaTimeV1 = e.MediaTime
		} else {
			entry.SegmentDurationV0 = uint32(e.SegmentDuration)
			entry.MediaTimeV0 = int32(e.MediaTime)
		}
		b.Entries = append(b.Entries, entry)
	}
	return b
}

func (t *TrackWriter) stts() *mp4.Stts {
	var entries []mp4.SttsEntry
	for _, s := range t.samples {
		if n := len(entries); n > 0 && entries[n-1].SampleDelta == s.Duration {
			entries[n-1].SampleCount++
			continue
		}
		entries = append(entries, mp4.SttsEntry{SampleCount: 1, SampleDelta: s.Duration})
	}
	return &mp4.Stts{EntryCount: uint32(len(entries)), Entries: entries}
}

// ctts returns nil when every composition offset is zero.
func (t *TrackWriter) ctts() *mp4.Ctts {
	type run struct {
		count  uint32
		offset int32
	}
	var (
		runs     []run
		nonZero  bool
		negative bool
	)
	for _, s := range t.samples {
		if s.CompositionOffset != 0 {
			nonZero = true
		}
		if s.CompositionOffset < 0 {
			negative = true
		}
		if n := len(runs); n > 0 && runs[n-1].offset == s.CompositionOffset {
			runs[n-1].count++
			continue
		}
		runs = append(runs, run{count: 1, offset: s.CompositionOffset})
	}
	if !nonZero {
		return nil
	}

	b := &mp4.Ctts{FullBox: fullBoxVersion(negative), EntryCount: uint32(len(runs))}
	for _, r := range runs {
		e := mp4.CttsEntry{SampleCount: r.count}
		if negative {
			e.SampleOffsetV1 = r.offset
		} else {
			e.SampleOffsetV0 = uint32(r.offset)
		}
		b.Entries = append(b.Entries, e)
	}
	return b
}

// stss returns nil when every sample is a sync sample.
func (t *TrackWriter) stss() *mp4.Stss {
	var sync []uint32
	for i, s := range t.samples {
		if s.Sync {
			sync = append(sync, uint32(i+1))
		}
	}
	if len(sync) == len(t.samples) {
		return nil
	}
	return &mp4.Stss{EntryCount: uint32(len(sync)), SampleNumber: sync}
}

func (t *TrackWriter) stsc() *mp4.Stsc {
	var entries []mp4.StscEntry
	for i, c := range t.chunks {
		if n := len(entries); n > 0 && entries[n-1].SamplesPerChunk == c.count {
			continue
		}
		entries = append(entries, mp4.StscEntry{FirstChunk: uint32(i + 1), SamplesPerChunk: c.count, SampleDescriptionIndex: 1})
	}
	return &mp4.Stsc{EntryCount: uint32(len(entries)), Entries: entries}
}

func (t *TrackWriter) stsz() *mp4.Stsz {
	b := &mp4.Stsz{SampleCount: uint32(len(t.samples))}
	uniform := len(t.samples) > 0
	for _, s := range t.samples {
		if s.size != t.samples[0].size {
			uniform = false
			break
		}
	}
	if uniform {
		b.SampleSize = t.samples[0].size
		return b
	}
	for _, s := range t.samples {
		b.EntrySize = append(b.EntrySize, s.size)
	}
	return b
}

// chunkOffsets returns co64 when any chunk starts beyond 4 GiB, stco otherwise.
func (t *TrackWriter) chunkOffsets() mp4.IImmutableBox {
	large := false
	for _, c := range t.chunks {
		if c.offset > math.MaxUint32 {
			large = true
		}
	}
	if large {
		b := &mp4.Co64{EntryCount: uint32(len(t.chunks))}
		for _, c := range t.chunks {
			b.ChunkOffset = append(b.ChunkOffset, uint64(c.offset))
		}
		return b
	}
	b := &mp4.Stco{EntryCount: uint32(len(t.chunks))}
	for _, c := range t.chunks {
		b.ChunkOffset = append(b.ChunkOffset, uint32(c.offset))
	}
	return b
}
