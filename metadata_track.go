package livephoto

import (
	"errors"

	"github.com/vearutop/livephoto/internal/mov"
)

// MetadataItem is a keyed metadata value in a key space, typed by a well-known data type.
type MetadataItem struct {
	KeySpace string
	Key      string
	DataType uint32
	Value    []byte
}

// ContentIdentifierItem is the movie-level item linking the movie to its still.
func ContentIdentifierItem(id AssetIdentifier) MetadataItem {
	return MetadataItem{
		KeySpace: mov.NamespaceMDTA,
		Key:      mov.KeyContentIdentifier,
		DataType: mov.TypeUTF8,
		Value:    []byte(id),
	}
}

// StillImageTimeItem marks the presentation time of the still in the timed metadata track.
func StillImageTimeItem() MetadataItem {
	return MetadataItem{
		KeySpace: mov.NamespaceMDTA,
		Key:      mov.KeyStillImageTime,
		DataType: mov.TypeInt8,
		Value:    []byte{0},
	}
}

func (it MetadataItem) movItem() mov.Item {
	return mov.Item{Namespace: it.KeySpace, Key: it.Key, Type: it.DataType, Value: it.Value}
}

func (it MetadataItem) keySpec() mov.KeySpec {
	return mov.KeySpec{Namespace: it.KeySpace, Key: it.Key, DataType: it.DataType}
}

// metadataAdaptor appends timed metadata groups to a mebx track.
type metadataAdaptor struct {
	track *mov.TrackWriter
	keys  []MetadataItem
	edits []mov.Edit
	// end is the movie time of the last appended group.
	end int64
}

// newMetadataAdaptor adds a timed metadata track declaring the keys of specs.
func newMetadataAdaptor(w *mov.Writer, timescale uint32, specs ...MetadataItem) (*metadataAdaptor, error) {
	ks := make([]mov.KeySpec, 0, len(specs))
	for _, s := range specs {
		ks = append(ks, s.keySpec())
	}
	t, err := w.AddTrack(mov.TrackConfig{
		Handler:           mov.HandlerMetadata,
		Timescale:         timescale,
		SampleDescription: mov.TimedMetadataDescription(ks),
	})
	if err != nil {
		return nil, err
	}
	return &metadataAdaptor{track: t, keys: specs}, nil
}

// AppendTimedMetadataGroup writes one sample holding items, presented at r.
// Groups must be appended in presentation order.
func (a *metadataAdaptor) AppendTimedMetadataGroup(items []MetadataItem, r TimeRange) error {
	if r.Start < a.end {
		return errors.New("timed metadata groups out of order")
	}

	values := make(map[uint32][]byte, len(items))
	var order []uint32
	for _, it := range items {
		id := a.localID(it)
		if id == 0 {
			return errors.New("timed metadata key not declared: " + it.Key)
		}
		values[id] = it.Value
		order = append(order, id)
	}

	dur := r.Duration
	if dur <= 0 {
		dur = 1
	}
	if err := a.track.Append(mov.EncodeTimedMetadataSample(values, order), mov.SampleInfo{
		Duration: uint32(dur),
		Sync:     true,
	}); err != nil {
		return err
	}

	mediaTime := int64(0)
	for _, e := range a.edits {
		if e.MediaTime >= 0 {
			mediaTime += int64(e.SegmentDuration)
		}
	}
	if gap := r.Start - a.end; gap > 0 {
		a.edits = append(a.edits, mov.Edit{SegmentDuration: uint64(gap), MediaTime: -1})
	}
	a.edits = append(a.edits, mov.Edit{SegmentDuration: uint64(dur), MediaTime: mediaTime})
	a.end = r.Start + dur
	a.track.SetEdits(a.edits)
	return nil
}

// Finish marks the track complete.
func (a *metadataAdaptor) Finish() {
	a.track.MarkFinished()
}

func (a *metadataAdaptor) localID(it MetadataItem) uint32 {
	for i, k := range a.keys {
		if k.Key == it.Key && k.KeySpace == it.KeySpace {
			return uint32(i + 1)
		}
	}
	return 0
}
