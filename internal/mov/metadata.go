package mov

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/abema/go-mp4"
)

// Well-known keys in the mdta keyspace.
const (
	NamespaceMDTA        = "mdta"
	KeyContentIdentifier = "com.apple.quicktime.content.identifier"
	KeyStillImageTime    = "com.apple.quicktime.still-image-time"
)

// Well-known data types.
const (
	TypeUTF8        = 1
	TypeSignedIntBE = 21
	TypeInt8        = 65
)

// FormatTimedMetadata is the sample entry type of boxed timed metadata.
const FormatTimedMetadata = "mebx"

// Item is a keyed metadata value.
type Item struct {
	Namespace string
	Key       string
	Type      uint32
	Locale    uint32
	Value     []byte
}

// StringValue returns the value of a UTF-8 item.
func (it Item) StringValue() (string, bool) {
	if it.Type != TypeUTF8 {
		return "", false
	}
	return string(it.Value), true
}

// FindItem returns the first item with the given key.
func FindItem(items []Item, key string) (Item, bool) {
	for _, it := range items {
		if it.Key == key {
			return it, true
		}
	}
	return Item{}, false
}

// parseMeta decodes the payload of a movie-level meta box.
// Both QuickTime (no version header) and ISO (full box) layouts are accepted.
func parseMeta(b []byte) ([]Item, error) {
	if len(b) >= 8 && string(b[4:8]) != "hdlr" {
		b = b[4:]
	}

	var (
		handler string
		keys    []Item
		values  = map[uint32][]Item{}
	)
	err := walkBoxes(b, func(typ string, body []byte) error {
		switch typ {
		case "hdlr":
			var hdlr mp4.Hdlr
			if _, err := mp4.Unmarshal(bytes.NewReader(body), uint64(len(body)), &hdlr, mp4.Context{}); err != nil {
				return fmt.Errorf("hdlr: %w", err)
			}
			handler = string(hdlr.HandlerType[:])
			return nil
		case "keys":
			c := &cursor{b: body}
			c.skip(4)
			n := c.u32()
			for i := uint32(0); i < n && c.err == nil; i++ {
				size := c.u32()
				if size < 8 {
					return errShortPayload
				}
				ns := c.fourCC()
				key := c.take(int(size) - 8)
				keys = append(keys, Item{Namespace: ns, Key: string(key)})
			}
			return c.err
		case "ilst":
			return walkBoxes(body, func(idx string, entry []byte) error {
				index := binary.BigEndian.Uint32([]byte(idx))
				return walkBoxes(entry, func(typ string, data []byte) error {
					if typ != "data" {
						return nil
					}
					c := &cursor{b: data}
					it := Item{Type: c.u32() & 0xFFFFFF, Locale: c.u32()}
					it.Value = append([]byte(nil), c.rest()...)
					values[index] = append(values[index], it)
					return c.err
				})
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if handler != "mdta" {
		return nil, nil
	}

	var items []Item
	for i, k := range keys {
		for _, v := range values[uint32(i+1)] {
			v.Namespace, v.Key = k.Namespace, k.Key
			items = append(items, v)
		}
	}
	return items, nil
}

// encodeMeta builds a QuickTime style moov/meta payload holding the items.
func encodeMeta(items []Item) ([]byte, error) {
	var hdlr bytes.Buffer
	if _, err := mp4.Marshal(&hdlr, newHdlr(0, NamespaceMDTA), mp4.Context{}); err != nil {
		return nil, fmt.Errorf("marshal hdlr: %w", err)
	}

	var keys payload
	keys.fullBox(0, 0)
	keys.u32(uint32(len(items)))
	for _, it := range items {
		ns := it.Namespace
		if ns == "" {
			ns = NamespaceMDTA
		}
		keys.u32(uint32(8 + len(it.Key)))
		keys.fourCC(ns)
		keys.raw([]byte(it.Key))
	}

	var ilst payload
	for i, it := range items {
		var data payload
		data.u32(it.Type & 0xFFFFFF)
		data.u32(it.Locale)
		data.raw(it.Value)

		var entry payload
		entry.box("data", data.b)

		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i+1))
		ilst.box(string(idx[:]), entry.b)
	}

	var meta payload
	meta.box("hdlr", hdlr.Bytes())
	meta.box("keys", keys.b)
	meta.box("ilst", ilst.b)
	return meta.b, nil
}

// KeySpec declares one key of a timed metadata sample description.
type KeySpec struct {
	// LocalID identifies the key inside samples; 0 assigns the 1-based position.
	LocalID   uint32
	Namespace string
	Key       string
	// DataType is a well-known type from the default type namespace.
	DataType uint32
}

// TimedMetadataDescription builds an stsd payload with a single mebx entry.
func TimedMetadataDescription(specs []KeySpec) []byte {
	var keyTable payload
	for i, s := range specs {
		id := s.LocalID
		if id == 0 {
			id = uint32(i + 1)
		}
		ns := s.Namespace
		if ns == "" {
			ns = NamespaceMDTA
		}

		var keyd payload
		keyd.fourCC(ns)
		keyd.raw([]byte(s.Key))

		var dtyp payload
		dtyp.u32(0)
		dtyp.u32(s.DataType)

		var decl payload
		decl.box("keyd", keyd.b)
		decl.box("dtyp", dtyp.b)

		var idb [4]byte
		binary.BigEndian.PutUint32(idb[:], id)
		keyTable.box(string(idb[:]), decl.b)
	}

	var entry payload
	entry.zeros(6)
	entry.u16(1)
	entry.box("keys", keyTable.b)

	var stsd payload
	stsd.fullBox(0, 0)
	stsd.u32(1)
	stsd.box(FormatTimedMetadata, entry.b)
	return stsd.b
}

// ParseTimedMetadataDescription decodes the key table of an stsd payload with a mebx entry.
func ParseTimedMetadataDescription(stsd []byte) ([]KeySpec, error) {
	if len(stsd) < 8 {
		return nil, errShortPayload
	}
	var specs []KeySpec
	err := walkBoxes(stsd[8:], func(typ string, entry []byte) error {
		if typ != FormatTimedMetadata {
			return fmt.Errorf("unexpected sample entry %q", typ)
		}
		if len(entry) < 8 {
			return errShortPayload
		}
		return walkBoxes(entry[8:], func(typ string, table []byte) error {
			if typ != "keys" {
				return nil
			}
			return walkBoxes(table, func(idx string, decl []byte) error {
				s := KeySpec{LocalID: binary.BigEndian.Uint32([]byte(idx))}
				err := walkBoxes(decl, func(typ string, body []byte) error {
					c := &cursor{b: body}
					switch typ {
					case "keyd":
						s.Namespace = c.fourCC()
						s.Key = string(c.rest())
					case "dtyp":
						c.skip(4)
						s.DataType = c.u32()
					}
					return c.err
				})
				specs = append(specs, s)
				return err
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return specs, nil
}

// EncodeTimedMetadataSample packs values keyed by local key id into one sample.
func EncodeTimedMetadataSample(values map[uint32][]byte, order []uint32) []byte {
	var p payload
	for _, id := range order {
		v := values[id]
		p.u32(uint32(8 + len(v)))
		p.u32(id)
		p.raw(v)
	}
	return p.b
}

// DecodeTimedMetadataSample unpacks a timed metadata sample into values keyed by local key id.
func DecodeTimedMetadataSample(b []byte) (map[uint32][]byte, error) {
	out := make(map[uint32][]byte)
	c := &cursor{b: b}
	for c.remaining() > 0 && c.err == nil {
		size := c.u32()
		if size < 8 {
			return nil, errors.New("invalid metadata value size")
		}
		id := c.u32()
		out[id] = c.take(int(size) - 8)
	}
	if c.err != nil {
		return nil, c.err
	}
	return out, nil
}

// PresentationStart maps a media time of the track to movie time through its edit list.
// The boolean is false when no edit presents the media time.
func (t *Track) PresentationStart(mediaTime int64, movieTimescale uint32) (uint64, bool) {
	if t.Timescale == 0 {
		return 0, false
	}
	if len(t.Edits) == 0 {
		if mediaTime < 0 {
			return 0, false
		}
		return uint64(mediaTime) * uint64(movieTimescale) / uint64(t.Timescale), true
	}

	var movieTime uint64
	for _, e := range t.Edits {
		if e.MediaTime < 0 {
			movieTime += e.SegmentDuration
			continue
		}
		if movieTimescale == 0 {
			return 0, false
		}
		segMedia := int64(e.SegmentDuration * uint64(t.Timescale) / uint64(movieTimescale))
		if mediaTime >= e.MediaTime && (mediaTime < e.MediaTime+segMedia || segMedia == 0) {
			delta := uint64(mediaTime-e.MediaTime) * uint64(movieTimescale) / uint64(t.Timescale)
			return movieTime + delta, true
		}
		movieTime += e.SegmentDuration
	}
	return 0, false
}
